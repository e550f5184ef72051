package forum

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = Identity{
	UserID: "9b2f7c4e-1d3a-4c55-8e6f-0a1b2c3d4e5f",
	Email:  "alice@stu.pku.edu.cn",
	Role:   RoleMember,
}

func codecAt(t *testing.T, secret string, now time.Time) *SessionCodec {
	t.Helper()
	c, err := NewSessionCodec(secret)
	require.NoError(t, err)
	c.now = func() time.Time { return now }
	return c
}

func TestSessionCodecRoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := codecAt(t, "secret", now)

	token, expires, err := c.Sign(testIdentity)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), expires)

	claims, err := c.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, testIdentity, claims.Identity())
	assert.Equal(t, now, claims.IssuedAt.Time.UTC())
	assert.Equal(t, expires, claims.ExpiresAt.Time.UTC())
}

func TestSessionCodecRejectsAnonymous(t *testing.T) {
	c := codecAt(t, "secret", time.Now())
	_, _, err := c.Sign(Identity{})
	assert.Error(t, err)
}

func TestNewSessionCodecRequiresSecret(t *testing.T) {
	_, err := NewSessionCodec("")
	assert.Error(t, err)
}

func TestSessionCodecExpired(t *testing.T) {
	issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	token, _, err := codecAt(t, "secret", issued).Sign(testIdentity)
	require.NoError(t, err)

	_, err = codecAt(t, "secret", issued.Add(25*time.Hour)).Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestSessionCodecWrongKey(t *testing.T) {
	now := time.Now()
	token, _, err := codecAt(t, "secret", now).Sign(testIdentity)
	require.NoError(t, err)

	_, err = codecAt(t, "other-secret", now).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSessionCodecRejectsNoneAlgorithm(t *testing.T) {
	now := time.Now()
	claims := SessionClaims{
		UserID:    testIdentity.UserID,
		UserEmail: testIdentity.Email,
		UserRole:  testIdentity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = codecAt(t, "secret", now).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSessionCodecMalformed(t *testing.T) {
	c := codecAt(t, "secret", time.Now())
	for _, token := range []string{"", "garbage", "a.b.c"} {
		_, err := c.Verify(token)
		assert.ErrorIs(t, err, ErrMalformedToken, token)
	}
}

func TestSessionCodecRejectsUnknownRole(t *testing.T) {
	c := codecAt(t, "secret", time.Now())
	token, _, err := c.Sign(Identity{UserID: testIdentity.UserID, Email: testIdentity.Email, Role: "superuser"})
	require.NoError(t, err)

	_, err = c.Verify(token)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestSessionCodecNeedsRefresh(t *testing.T) {
	issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	token, _, err := codecAt(t, "secret", issued).Sign(testIdentity)
	require.NoError(t, err)

	fresh := codecAt(t, "secret", issued.Add(11*time.Hour))
	claims, err := fresh.Verify(token)
	require.NoError(t, err)
	assert.False(t, fresh.NeedsRefresh(claims))

	stale := codecAt(t, "secret", issued.Add(13*time.Hour))
	claims, err = stale.Verify(token)
	require.NoError(t, err)
	assert.True(t, stale.NeedsRefresh(claims))

	refreshed, expires, err := stale.Refresh(claims)
	require.NoError(t, err)
	assert.Equal(t, issued.Add(37*time.Hour), expires)
	again, err := stale.Verify(refreshed)
	require.NoError(t, err)
	assert.Equal(t, testIdentity, again.Identity())
}

package forum

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	SessionCookieName = "session"
	sessionTTL        = 24 * time.Hour
	refreshThreshold  = 12 * time.Hour
)

var (
	ErrInvalidSignature = errors.New("session token signature is invalid")
	ErrTokenExpired     = errors.New("session token has expired")
	ErrMalformedToken   = errors.New("session token is malformed")
)

// Identity is who a request acts as. The zero value is the anonymous identity.
type Identity struct {
	UserID string
	Email  string
	Role   UserRole
}

func (i Identity) Authenticated() bool {
	return i.UserID != ""
}

// SessionClaims is the payload of a session token.
type SessionClaims struct {
	UserID    string   `json:"userId"`
	UserEmail string   `json:"userEmail"`
	UserRole  UserRole `json:"userRole"`
	jwt.RegisteredClaims
}

func (c *SessionClaims) Identity() Identity {
	return Identity{UserID: c.UserID, Email: c.UserEmail, Role: c.UserRole}
}

// SessionCodec signs and verifies session tokens. Tokens are opaque outside
// this type.
type SessionCodec struct {
	key []byte
	now func() time.Time
}

func NewSessionCodec(secret string) (*SessionCodec, error) {
	if secret == "" {
		return nil, errors.New("session signing secret is not set")
	}
	return &SessionCodec{key: []byte(secret), now: time.Now}, nil
}

// Sign issues a token for id valid for 24 hours.
func (c *SessionCodec) Sign(id Identity) (string, time.Time, error) {
	if !id.Authenticated() {
		return "", time.Time{}, errors.New("cannot sign a session for an anonymous identity")
	}
	issued := c.now().Truncate(time.Second)
	expires := issued.Add(sessionTTL)
	claims := SessionClaims{
		UserID:    id.UserID,
		UserEmail: id.Email,
		UserRole:  id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, expires, nil
}

// Verify checks the signature and expiry of token.
func (c *SessionCodec) Verify(token string) (*SessionClaims, error) {
	var claims SessionClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, ErrInvalidSignature
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.UserID == "" || claims.UserEmail == "" {
		return nil, ErrMalformedToken
	}
	if _, err := ParseUserRole(string(claims.UserRole)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return &claims, nil
}

// NeedsRefresh reports whether less than 12 hours of validity remain.
func (c *SessionCodec) NeedsRefresh(claims *SessionClaims) bool {
	if claims.ExpiresAt == nil {
		return true
	}
	return claims.ExpiresAt.Time.Before(c.now().Add(refreshThreshold))
}

// Refresh re-signs the identity in claims with a new expiry.
func (c *SessionCodec) Refresh(claims *SessionClaims) (string, time.Time, error) {
	return c.Sign(claims.Identity())
}

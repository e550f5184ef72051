package forum

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogMailerKeepsCodesOutOfInfoLogs(t *testing.T) {
	var buf bytes.Buffer
	m := LogMailer{Log: zerolog.New(&buf).Level(zerolog.InfoLevel)}

	require.NoError(t, m.SendVerificationCode(context.Background(), carolEmail, "424242"))
	assert.NotContains(t, buf.String(), "424242")

	m.Log = m.Log.Level(zerolog.DebugLevel)
	require.NoError(t, m.SendVerificationCode(context.Background(), carolEmail, "424242"))
	assert.Contains(t, buf.String(), "424242")
}

func TestNewVerificationCode(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := newVerificationCode()
		require.NoError(t, err)
		assert.Regexp(t, `^[0-9]{6}$`, code)
	}
}

package forum

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

const (
	DefaultRLSCacheTTL = time.Second
	rlsCacheSize       = 1024
)

// The row policies read these through app_user_id().
const applyRLSContextSQL = `SELECT set_config('app.user_id', $1, false), set_config('app.user_email', $2, false), set_config('app.user_role', $3, false)`

// Execer is the part of a pgx connection the setter needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ConnKey identifies one physical backend session. The cancel secret is
// included so a recycled PID never matches an older connection.
type ConnKey struct {
	PID       uint32
	SecretKey uint32
}

func ConnKeyOf(c *pgconn.PgConn) ConnKey {
	return ConnKey{PID: c.PID(), SecretKey: c.SecretKey()}
}

type rlsContext struct {
	userID string
	email  string
	role   string
}

func rlsContextOf(id Identity) rlsContext {
	if !id.Authenticated() {
		return rlsContext{}
	}
	return rlsContext{userID: id.UserID, email: id.Email, role: string(id.Role)}
}

// RLSContextSetter writes the request identity into the database session so
// row-level policies can see it. Identical consecutive contexts on the same
// connection within the TTL are skipped.
type RLSContextSetter struct {
	cache *expirable.LRU[ConnKey, rlsContext]
	log   zerolog.Logger
}

// NewRLSContextSetter returns a setter; ttl <= 0 disables the cache.
func NewRLSContextSetter(ttl time.Duration, log zerolog.Logger) *RLSContextSetter {
	s := &RLSContextSetter{log: log}
	if ttl > 0 {
		s.cache = expirable.NewLRU[ConnKey, rlsContext](rlsCacheSize, nil, ttl)
	}
	return s
}

// Apply sets app.user_id, app.user_email and app.user_role on conn. An
// unauthenticated identity clears them.
func (s *RLSContextSetter) Apply(ctx context.Context, key ConnKey, conn Execer, id Identity) error {
	want := rlsContextOf(id)
	if s.cache != nil {
		if have, ok := s.cache.Get(key); ok && have == want {
			return nil
		}
	}
	if _, err := conn.Exec(ctx, applyRLSContextSQL, want.userID, want.email, want.role); err != nil {
		s.Forget(key)
		return classifyStorageError("apply rls context", err)
	}
	if s.cache != nil {
		s.cache.Add(key, want)
	}
	s.log.Debug().
		Uint32("pid", key.PID).
		Str("user_id", want.userID).
		Str("role", want.role).
		Msg("rls context applied")
	return nil
}

// Forget drops any cached context for key.
func (s *RLSContextSetter) Forget(key ConnKey) {
	if s.cache != nil {
		s.cache.Remove(key)
	}
}


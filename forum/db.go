// forum/db.go
package forum

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Row-level policies only bind roles that do not own the tables, so the
// server should connect as a role other than the one that runs migrate.
const schema = `
CREATE EXTENSION IF NOT EXISTS "pgcrypto";

CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name VARCHAR(100),
    email VARCHAR(255) NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role VARCHAR(20) NOT NULL DEFAULT 'member'
        CHECK (role IN ('admin', 'member', 'ghost', 'anonymous')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    deleted_at TIMESTAMPTZ
);

INSERT INTO users (id, name, email, password_hash, role) VALUES
    ('00000000-0000-0000-0000-000000000000', 'System', 'system@treehole.invalid', '!', 'admin'),
    ('00000000-0000-0000-0000-000000000001', 'Anonymous', 'anonymous@treehole.invalid', '!', 'anonymous'),
    ('00000000-0000-0000-0000-000000000002', 'Deleted user', 'deleted@treehole.invalid', '!', 'ghost'),
    ('00000000-0000-0000-0000-000000000003', 'Mysterious user', 'mysterious@treehole.invalid', '!', 'ghost')
ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS teams (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name VARCHAR(100) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS team_members (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id UUID NOT NULL REFERENCES users(id),
    team_id UUID NOT NULL REFERENCES teams(id),
    role VARCHAR(20) NOT NULL CHECK (role IN ('owner', 'member')),
    joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT user_team_unique UNIQUE (user_id, team_id),
    CONSTRAINT user_single_team UNIQUE (user_id)
);

CREATE TABLE IF NOT EXISTS activity_logs (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    team_id UUID NOT NULL REFERENCES teams(id),
    user_id UUID REFERENCES users(id),
    action TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    ip_address VARCHAR(45)
);

CREATE TABLE IF NOT EXISTS invitations (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    team_id UUID NOT NULL REFERENCES teams(id),
    email VARCHAR(255) NOT NULL,
    role VARCHAR(20) NOT NULL CHECK (role IN ('owner', 'member')),
    invited_by UUID NOT NULL REFERENCES users(id),
    invited_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    status VARCHAR(20) NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS posts (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    author_id UUID NOT NULL REFERENCES users(id),
    content TEXT NOT NULL CHECK (btrim(content) <> ''),
    is_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
    parent_id UUID REFERENCES posts(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS likes (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id UUID NOT NULL REFERENCES users(id),
    post_id UUID NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT user_post_like_unique UNIQUE (user_id, post_id)
);

CREATE TABLE IF NOT EXISTS bookmarks (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id UUID NOT NULL REFERENCES users(id),
    post_id UUID NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT user_post_bookmark_unique UNIQUE (user_id, post_id)
);

CREATE INDEX IF NOT EXISTS idx_posts_top_level ON posts(created_at DESC, id DESC) WHERE parent_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_posts_parent_id ON posts(parent_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_likes_post_id ON likes(post_id);
CREATE INDEX IF NOT EXISTS idx_bookmarks_user_id ON bookmarks(user_id);
CREATE INDEX IF NOT EXISTS idx_activity_logs_user_id ON activity_logs(user_id, timestamp DESC);

CREATE OR REPLACE FUNCTION app_user_id() RETURNS UUID LANGUAGE sql STABLE AS $$
    SELECT NULLIF(current_setting('app.user_id', true), '')::UUID
$$;

ALTER TABLE posts ENABLE ROW LEVEL SECURITY;
DROP POLICY IF EXISTS posts_read ON posts;
CREATE POLICY posts_read ON posts FOR SELECT USING (app_user_id() IS NOT NULL);
DROP POLICY IF EXISTS posts_insert ON posts;
CREATE POLICY posts_insert ON posts FOR INSERT WITH CHECK (author_id = app_user_id());
DROP POLICY IF EXISTS posts_update ON posts;
CREATE POLICY posts_update ON posts FOR UPDATE USING (author_id = app_user_id());
DROP POLICY IF EXISTS posts_delete ON posts;
CREATE POLICY posts_delete ON posts FOR DELETE USING (author_id = app_user_id());

ALTER TABLE likes ENABLE ROW LEVEL SECURITY;
DROP POLICY IF EXISTS likes_read ON likes;
CREATE POLICY likes_read ON likes FOR SELECT USING (app_user_id() IS NOT NULL);
DROP POLICY IF EXISTS likes_write ON likes;
CREATE POLICY likes_write ON likes FOR ALL USING (user_id = app_user_id()) WITH CHECK (user_id = app_user_id());

ALTER TABLE bookmarks ENABLE ROW LEVEL SECURITY;
DROP POLICY IF EXISTS bookmarks_read ON bookmarks;
CREATE POLICY bookmarks_read ON bookmarks FOR SELECT USING (app_user_id() IS NOT NULL);
DROP POLICY IF EXISTS bookmarks_write ON bookmarks;
CREATE POLICY bookmarks_write ON bookmarks FOR ALL USING (user_id = app_user_id()) WITH CHECK (user_id = app_user_id());
`

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RequestConn is a connection held for the lifetime of one request.
type RequestConn interface {
	Querier
	Key() ConnKey
	Release()
}

// ConnSource hands out request connections.
type ConnSource interface {
	AcquireConn(ctx context.Context) (RequestConn, error)
}

type poolConn struct {
	*pgxpool.Conn
}

func (c poolConn) Key() ConnKey {
	return ConnKeyOf(c.Conn.Conn().PgConn())
}

type Database struct {
	pool *pgxpool.Pool
	q    Querier
	log  zerolog.Logger
}

// NewDatabase opens the pool. Closed connections are dropped from the rls
// cache and fresh ones start with an empty identity.
func NewDatabase(ctx context.Context, connectionString string, rls *RLSContextSetter, log zerolog.Logger) (*Database, error) {
	cfg, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return rls.Apply(ctx, ConnKeyOf(conn.PgConn()), conn, Identity{})
	}
	cfg.BeforeClose = func(conn *pgx.Conn) {
		rls.Forget(ConnKeyOf(conn.PgConn()))
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Database{pool: pool, q: pool, log: log}, nil
}

// newDatabaseWith is used by tests to run the repository on any Querier.
func newDatabaseWith(q Querier, log zerolog.Logger) *Database {
	return &Database{q: q, log: log}
}

func (d *Database) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

func (d *Database) CreateTables(ctx context.Context) error {
	_, err := d.q.Exec(ctx, schema)
	return err
}

func (d *Database) AcquireConn(ctx context.Context) (RequestConn, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, classifyStorageError("acquire connection", err)
	}
	return poolConn{conn}, nil
}

type ctxKey int

const (
	connKey ctxKey = iota
	identityKey
)

// WithConn routes every query made with ctx to q.
func WithConn(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, connKey, q)
}

func (d *Database) conn(ctx context.Context) Querier {
	if q, ok := ctx.Value(connKey).(Querier); ok && q != nil {
		return q
	}
	return d.q
}

// inTx runs fn in a transaction on the request connection.
func (d *Database) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return pgx.BeginFunc(ctx, d.conn(ctx), func(tx pgx.Tx) error {
		return fn(WithConn(ctx, tx))
	})
}

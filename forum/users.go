package forum

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

const userColumns = `id, COALESCE(name, ''), email, password_hash, role, created_at, updated_at, deleted_at`

func scanUser(row rowScanner) (*User, error) {
	var (
		u    User
		role string
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt)
	if err != nil {
		return nil, err
	}
	if u.Role, err = ParseUserRole(role); err != nil {
		return nil, err
	}
	return &u, nil
}

func (d *Database) getUser(ctx context.Context, op, where string, arg any) (*User, error) {
	row := d.conn(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStorageError(op, err)
	}
	return u, nil
}

// GetUserByID returns the user including soft-deleted ones, or nil.
func (d *Database) GetUserByID(ctx context.Context, id string) (*User, error) {
	id, err := parseID(id, "user id")
	if err != nil {
		return nil, err
	}
	return d.getUser(ctx, "get user by id", `id = $1`, id)
}

// GetActiveUser returns the user behind a session, or nil when the user is
// gone or soft-deleted.
func (d *Database) GetActiveUser(ctx context.Context, id string) (*User, error) {
	id, err := parseID(id, "user id")
	if err != nil {
		return nil, err
	}
	return d.getUser(ctx, "get active user", `id = $1 AND deleted_at IS NULL`, id)
}

func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return d.getUser(ctx, "get user by email", `email = $1`, email)
}

// CreateUser inserts u and fills in its generated fields.
func (d *Database) CreateUser(ctx context.Context, u *User) error {
	err := d.conn(ctx).QueryRow(ctx, `INSERT INTO users (name, email, password_hash, role)
VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`,
		u.Name, u.Email, u.PasswordHash, string(u.Role)).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return classifyStorageError("create user", err)
	}
	return nil
}

func (d *Database) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	_, err := d.conn(ctx).Exec(ctx,
		`UPDATE users SET password_hash = $1, updated_at = NOW() WHERE id = $2`, hash, userID)
	return classifyStorageError("update password", err)
}

// UpdateAccount changes the display name and email of a user.
func (d *Database) UpdateAccount(ctx context.Context, userID, name, email string) (*User, error) {
	row := d.conn(ctx).QueryRow(ctx, `UPDATE users SET name = $1, email = $2, updated_at = NOW()
WHERE id = $3 AND deleted_at IS NULL RETURNING `+userColumns, name, email, userID)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("user not found")
	}
	if err != nil {
		return nil, classifyStorageError("update account", err)
	}
	return u, nil
}

// SoftDeleteUser marks the account deleted, frees its email for reuse and
// drops its team membership. Posts stay and are shown under the deleted-user
// placeholder.
func (d *Database) SoftDeleteUser(ctx context.Context, userID string) error {
	return d.inTx(ctx, func(ctx context.Context) error {
		q := d.conn(ctx)
		_, err := q.Exec(ctx, `UPDATE users SET deleted_at = NOW(), updated_at = NOW(),
email = CONCAT(email, '-', id, '-deleted') WHERE id = $1 AND deleted_at IS NULL`, userID)
		if err != nil {
			return classifyStorageError("soft delete user", err)
		}
		_, err = q.Exec(ctx, `DELETE FROM team_members WHERE user_id = $1`, userID)
		return classifyStorageError("drop team membership", err)
	})
}

// UserProfile is the public view of a user plus their team.
type UserProfile struct {
	User   *User   `json:"user"`
	TeamID *string `json:"teamId"`
}

func (d *Database) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	userID, err := parseID(userID, "user id")
	if err != nil {
		return nil, err
	}
	row := d.conn(ctx).QueryRow(ctx, `SELECT u.id, COALESCE(u.name, ''), u.email, u.password_hash, u.role,
    u.created_at, u.updated_at, u.deleted_at, tm.team_id
FROM users u LEFT JOIN team_members tm ON tm.user_id = u.id
WHERE u.id = $1 LIMIT 1`, userID)
	var (
		u      User
		role   string
		teamID *string
	)
	err = row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt, &teamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStorageError("get user profile", err)
	}
	if u.Role, err = ParseUserRole(role); err != nil {
		return nil, classifyStorageError("get user profile", err)
	}
	return &UserProfile{User: u.Sanitize(), TeamID: teamID}, nil
}

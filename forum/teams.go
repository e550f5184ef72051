package forum

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
)

func (d *Database) CreateTeam(ctx context.Context, name string) (*Team, error) {
	var t Team
	err := d.conn(ctx).QueryRow(ctx,
		`INSERT INTO teams (name) VALUES ($1) RETURNING id, name, created_at, updated_at`, name).
		Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, classifyStorageError("create team", err)
	}
	return &t, nil
}

func (d *Database) AddTeamMember(ctx context.Context, teamID, userID string, role TeamRole) error {
	_, err := d.conn(ctx).Exec(ctx,
		`INSERT INTO team_members (user_id, team_id, role) VALUES ($1, $2, $3)`, userID, teamID, string(role))
	return classifyStorageError("add team member", err)
}

// TeamIDForUser returns "" when the user has no team.
func (d *Database) TeamIDForUser(ctx context.Context, userID string) (string, error) {
	var teamID string
	err := d.conn(ctx).QueryRow(ctx,
		`SELECT team_id FROM team_members WHERE user_id = $1 LIMIT 1`, userID).Scan(&teamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classifyStorageError("get team id", err)
	}
	return teamID, nil
}

// GetTeamForUser loads the user's team with its members, or nil.
func (d *Database) GetTeamForUser(ctx context.Context, userID string) (*Team, error) {
	q := d.conn(ctx)
	var t Team
	err := q.QueryRow(ctx, `SELECT t.id, t.name, t.created_at, t.updated_at
FROM team_members tm JOIN teams t ON t.id = tm.team_id
WHERE tm.user_id = $1 LIMIT 1`, userID).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStorageError("get team", err)
	}

	rows, err := q.Query(ctx, `SELECT tm.id, tm.user_id, tm.team_id, tm.role, tm.joined_at,
    COALESCE(u.name, ''), u.email
FROM team_members tm JOIN users u ON u.id = tm.user_id
WHERE tm.team_id = $1
ORDER BY tm.joined_at`, t.ID)
	if err != nil {
		return nil, classifyStorageError("list team members", err)
	}
	defer rows.Close()
	t.Members = make([]TeamMember, 0)
	for rows.Next() {
		var (
			m    TeamMember
			role string
			user Member
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.TeamID, &role, &m.JoinedAt, &user.Name, &user.Email); err != nil {
			return nil, classifyStorageError("scan team member", err)
		}
		if m.Role, err = ParseTeamRole(role); err != nil {
			return nil, classifyStorageError("scan team member", err)
		}
		user.ID = m.UserID
		m.User = &user
		t.Members = append(t.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStorageError("list team members", err)
	}
	return &t, nil
}

// RemoveTeamMember deletes membership memberID from teamID and returns the
// removed user's id, or "" when nothing matched.
func (d *Database) RemoveTeamMember(ctx context.Context, teamID, memberID string) (string, error) {
	memberID, err := parseID(memberID, "member id")
	if err != nil {
		return "", err
	}
	var userID string
	err = d.conn(ctx).QueryRow(ctx,
		`DELETE FROM team_members WHERE id = $1 AND team_id = $2 RETURNING user_id`, memberID, teamID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classifyStorageError("remove team member", err)
	}
	return userID, nil
}

const invitationColumns = `id, team_id, email, role, invited_by, invited_at, status`

func scanInvitation(row rowScanner) (*Invitation, error) {
	var (
		inv          Invitation
		role, status string
	)
	if err := row.Scan(&inv.ID, &inv.TeamID, &inv.Email, &role, &inv.InvitedBy, &inv.InvitedAt, &status); err != nil {
		return nil, err
	}
	var err error
	if inv.Role, err = ParseTeamRole(role); err != nil {
		return nil, err
	}
	inv.Status = InvitationStatus(status)
	return &inv, nil
}

// InviteTeamMember records a pending invitation after checking that the email
// is neither a member nor already invited.
func (d *Database) InviteTeamMember(ctx context.Context, teamID, email string, role TeamRole, invitedBy string) (*Invitation, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	q := d.conn(ctx)

	var member bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM team_members tm JOIN users u ON u.id = tm.user_id
WHERE tm.team_id = $1 AND u.email = $2)`, teamID, email).Scan(&member)
	if err != nil {
		return nil, classifyStorageError("check team membership", err)
	}
	if member {
		return nil, newError(KindConflict, "user is already a team member")
	}

	var invited bool
	err = q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invitations
WHERE team_id = $1 AND email = $2 AND status = 'pending')`, teamID, email).Scan(&invited)
	if err != nil {
		return nil, classifyStorageError("check invitation", err)
	}
	if invited {
		return nil, newError(KindConflict, "an invitation has already been sent to this email")
	}

	inv, err := scanInvitation(q.QueryRow(ctx, `INSERT INTO invitations (team_id, email, role, invited_by, status)
VALUES ($1, $2, $3, $4, 'pending') RETURNING `+invitationColumns, teamID, email, string(role), invitedBy))
	if err != nil {
		return nil, classifyStorageError("create invitation", err)
	}
	return inv, nil
}

// pendingInvitation finds a pending invitation for email, optionally by id.
func (d *Database) pendingInvitation(ctx context.Context, email string, inviteID *string) (*Invitation, error) {
	q := d.conn(ctx)
	var row pgx.Row
	if inviteID != nil {
		id, err := parseID(*inviteID, "invitation id")
		if err != nil {
			return nil, err
		}
		row = q.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations
WHERE id = $1 AND email = $2 AND status = 'pending'`, id, email)
	} else {
		row = q.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations
WHERE email = $1 AND status = 'pending' ORDER BY invited_at DESC LIMIT 1`, email)
	}
	inv, err := scanInvitation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStorageError("find invitation", err)
	}
	return inv, nil
}

// setupTeam joins the user to the team of a pending invitation, or creates a
// personal team owned by them. It must run inside the sign-up transaction.
func (d *Database) setupTeam(ctx context.Context, u *User, inviteID *string, ip string) (string, error) {
	inv, err := d.pendingInvitation(ctx, u.Email, inviteID)
	if err != nil {
		return "", err
	}
	if inviteID != nil && inv == nil {
		return "", validationError("invitation is invalid or has expired")
	}

	if inv != nil {
		_, err := d.conn(ctx).Exec(ctx, `UPDATE invitations SET status = 'accepted' WHERE id = $1`, inv.ID)
		if err != nil {
			return "", classifyStorageError("accept invitation", err)
		}
		if err := d.AddTeamMember(ctx, inv.TeamID, u.ID, inv.Role); err != nil {
			return "", err
		}
		return inv.TeamID, d.LogActivity(ctx, inv.TeamID, u.ID, ActivityAcceptInvitation, ip)
	}

	team, err := d.CreateTeam(ctx, strings.SplitN(u.Email, "@", 2)[0]+"'s Team")
	if err != nil {
		return "", err
	}
	if err := d.AddTeamMember(ctx, team.ID, u.ID, TeamRoleOwner); err != nil {
		return "", err
	}
	return team.ID, d.LogActivity(ctx, team.ID, u.ID, ActivityCreateTeam, ip)
}

// RegisterUser creates the account and its team membership atomically.
func (d *Database) RegisterUser(ctx context.Context, u *User, inviteID *string, ip string) (string, error) {
	var teamID string
	err := d.inTx(ctx, func(ctx context.Context) error {
		if err := d.CreateUser(ctx, u); err != nil {
			if isConflict(err) {
				return newError(KindConflict, "email is already registered")
			}
			return err
		}
		var err error
		if teamID, err = d.setupTeam(ctx, u, inviteID, ip); err != nil {
			return err
		}
		return d.LogActivity(ctx, teamID, u.ID, ActivitySignUp, ip)
	})
	if err != nil {
		return "", classifyStorageError("register user", err)
	}
	return teamID, nil
}

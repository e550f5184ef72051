package forum

import (
	"context"
)

const recentActivityLimit = 10

// LogActivity appends an activity row. Users without a team have nowhere to
// log to; the write is skipped.
func (d *Database) LogActivity(ctx context.Context, teamID, userID string, action ActivityType, ip string) error {
	if teamID == "" {
		d.log.Warn().Str("user_id", userID).Str("action", string(action)).
			Msg("activity log skipped, user has no team")
		return nil
	}
	_, err := d.conn(ctx).Exec(ctx,
		`INSERT INTO activity_logs (team_id, user_id, action, ip_address) VALUES ($1, $2, $3, $4)`,
		teamID, userID, string(action), ip)
	return classifyStorageError("log activity", err)
}

// LogUserActivity resolves the user's team and logs against it.
func (d *Database) LogUserActivity(ctx context.Context, userID string, action ActivityType, ip string) error {
	teamID, err := d.TeamIDForUser(ctx, userID)
	if err != nil {
		return err
	}
	return d.LogActivity(ctx, teamID, userID, action, ip)
}

// RecentActivity returns the user's latest activity, newest first.
func (d *Database) RecentActivity(ctx context.Context, userID string) ([]ActivityLog, error) {
	rows, err := d.conn(ctx).Query(ctx, `SELECT a.id, a.action, a.timestamp, COALESCE(a.ip_address, ''), COALESCE(u.name, '')
FROM activity_logs a LEFT JOIN users u ON u.id = a.user_id
WHERE a.user_id = $1
ORDER BY a.timestamp DESC
LIMIT $2`, userID, recentActivityLimit)
	if err != nil {
		return nil, classifyStorageError("list activity", err)
	}
	defer rows.Close()
	logs := make([]ActivityLog, 0)
	for rows.Next() {
		var (
			l      ActivityLog
			action string
		)
		if err := rows.Scan(&l.ID, &action, &l.Timestamp, &l.IPAddress, &l.UserName); err != nil {
			return nil, classifyStorageError("scan activity", err)
		}
		if l.Action, err = ParseActivityType(action); err != nil {
			return nil, classifyStorageError("scan activity", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStorageError("list activity", err)
	}
	return logs, nil
}

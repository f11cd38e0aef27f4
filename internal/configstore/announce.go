package configstore

import (
	"context"
	"database/sql"
	"errors"
)

// JoinLeaveEnabled reports whether the guild wants member join and leave
// announcements. Guilds that never chose default to enabled.
func (s *Store) JoinLeaveEnabled(ctx context.Context, guildID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, `SELECT enabled FROM join_leave_announcements WHERE guild_id = ?`, guildID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return true, &Error{Op: "get join/leave announcements", Key: guildID, Err: err}
	}
	return enabled, nil
}

func (s *Store) PutJoinLeave(ctx context.Context, guildID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO join_leave_announcements(guild_id, enabled, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET enabled=excluded.enabled, updated_at=excluded.updated_at`,
		guildID, enabled, s.now())
	if err != nil {
		return &Error{Op: "put join/leave announcements", Key: guildID, Err: err}
	}
	return nil
}

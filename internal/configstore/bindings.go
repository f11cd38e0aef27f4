package configstore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Binding is a guild's auto-join opt-in.
type Binding struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	UpdatedAt      time.Time
}

func (s *Store) GetBinding(ctx context.Context, guildID string) (Binding, bool, error) {
	var (
		b       Binding
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT guild_id, voice_channel_id, text_channel_id, updated_at FROM auto_join_bindings WHERE guild_id = ?`,
		guildID).Scan(&b.GuildID, &b.VoiceChannelID, &b.TextChannelID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, &Error{Op: "get binding", Key: guildID, Err: err}
	}
	b.UpdatedAt = fromMillis(updated)
	return b, true, nil
}

func (s *Store) PutBinding(ctx context.Context, b Binding) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auto_join_bindings(guild_id, voice_channel_id, text_channel_id, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET voice_channel_id=excluded.voice_channel_id,
		   text_channel_id=excluded.text_channel_id, updated_at=excluded.updated_at`,
		b.GuildID, b.VoiceChannelID, b.TextChannelID, s.now())
	if err != nil {
		return &Error{Op: "put binding", Key: b.GuildID, Err: err}
	}
	return nil
}

// DeleteBinding reports whether a binding existed.
func (s *Store) DeleteBinding(ctx context.Context, guildID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auto_join_bindings WHERE guild_id = ?`, guildID)
	if err != nil {
		return false, &Error{Op: "delete binding", Key: guildID, Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ListBindings(ctx context.Context) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, voice_channel_id, text_channel_id, updated_at FROM auto_join_bindings ORDER BY guild_id`)
	if err != nil {
		return nil, &Error{Op: "list bindings", Err: err}
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var (
			b       Binding
			updated int64
		)
		if err := rows.Scan(&b.GuildID, &b.VoiceChannelID, &b.TextChannelID, &updated); err != nil {
			return nil, &Error{Op: "list bindings", Err: err}
		}
		b.UpdatedAt = fromMillis(updated)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "list bindings", Err: err}
	}
	return out, nil
}

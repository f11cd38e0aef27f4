package configstore

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-relay/internal/synthesis"
)

func (s *Store) GetSpeaker(ctx context.Context, guildID string) (int, bool, error) {
	var speaker int
	err := s.db.QueryRowContext(ctx, `SELECT speaker_id FROM guild_speakers WHERE guild_id = ?`, guildID).Scan(&speaker)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &Error{Op: "get speaker", Key: guildID, Err: err}
	}
	return speaker, true, nil
}

func (s *Store) PutSpeaker(ctx context.Context, guildID string, speaker int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_speakers(guild_id, speaker_id, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET speaker_id=excluded.speaker_id, updated_at=excluded.updated_at`,
		guildID, speaker, s.now())
	if err != nil {
		return &Error{Op: "put speaker", Key: guildID, Err: err}
	}
	return nil
}

// GetVoiceParams returns only the parameters the guild has set. Unknown names
// left by older versions are skipped.
func (s *Store) GetVoiceParams(ctx context.Context, guildID string) (synthesis.Params, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM voice_params WHERE guild_id = ?`, guildID)
	if err != nil {
		return nil, &Error{Op: "get voice params", Key: guildID, Err: err}
	}
	defer rows.Close()

	params := synthesis.Params{}
	for rows.Next() {
		var (
			name  string
			value float64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, &Error{Op: "get voice params", Key: guildID, Err: err}
		}
		p, err := synthesis.ParseParam(name)
		if err != nil {
			s.log.Warn("ignoring stored voice parameter", slogError(err))
			continue
		}
		params[p] = value
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "get voice params", Key: guildID, Err: err}
	}
	return params, nil
}

func (s *Store) PutVoiceParam(ctx context.Context, guildID string, p synthesis.Param, value float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_params(guild_id, name, value, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(guild_id, name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		guildID, string(p), value, s.now())
	if err != nil {
		return &Error{Op: "put voice param", Key: guildID + "/" + string(p), Err: err}
	}
	return nil
}

// ResetVoice drops the guild's speaker and every voice parameter.
func (s *Store) ResetVoice(ctx context.Context, guildID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM voice_params WHERE guild_id = ?`, guildID); err != nil {
		return &Error{Op: "reset voice params", Key: guildID, Err: err}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM guild_speakers WHERE guild_id = ?`, guildID); err != nil {
		return &Error{Op: "reset speaker", Key: guildID, Err: err}
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

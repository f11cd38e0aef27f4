package configstore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Word is one pronunciation override. BackendUUID is empty until the
// synthesis backend has accepted the word.
type Word struct {
	GuildID       string
	Surface       string
	Pronunciation string
	AccentType    int
	WordType      string
	BackendUUID   string
	UpdatedAt     time.Time
}

const wordColumns = `guild_id, surface, pronunciation, accent_type, word_type, backend_uuid, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWord(row rowScanner) (Word, error) {
	var (
		w       Word
		updated int64
	)
	if err := row.Scan(&w.GuildID, &w.Surface, &w.Pronunciation, &w.AccentType, &w.WordType, &w.BackendUUID, &updated); err != nil {
		return Word{}, err
	}
	w.UpdatedAt = fromMillis(updated)
	return w, nil
}

func (s *Store) GetWord(ctx context.Context, guildID, surface string) (Word, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+wordColumns+` FROM dictionary_words WHERE guild_id = ? AND surface = ?`, guildID, surface)
	w, err := scanWord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Word{}, false, nil
	}
	if err != nil {
		return Word{}, false, &Error{Op: "get word", Key: guildID + "/" + surface, Err: err}
	}
	return w, true, nil
}

func (s *Store) PutWord(ctx context.Context, w Word) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dictionary_words(`+wordColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(guild_id, surface) DO UPDATE SET pronunciation=excluded.pronunciation,
		   accent_type=excluded.accent_type, word_type=excluded.word_type,
		   backend_uuid=excluded.backend_uuid, updated_at=excluded.updated_at`,
		w.GuildID, w.Surface, w.Pronunciation, w.AccentType, w.WordType, w.BackendUUID, s.now())
	if err != nil {
		return &Error{Op: "put word", Key: w.GuildID + "/" + w.Surface, Err: err}
	}
	return nil
}

// SetWordUUID updates only the backend identifier of an existing word.
func (s *Store) SetWordUUID(ctx context.Context, guildID, surface, uuid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dictionary_words SET backend_uuid = ?, updated_at = ? WHERE guild_id = ? AND surface = ?`,
		uuid, s.now(), guildID, surface)
	if err != nil {
		return &Error{Op: "set word uuid", Key: guildID + "/" + surface, Err: err}
	}
	return nil
}

func (s *Store) DeleteWord(ctx context.Context, guildID, surface string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dictionary_words WHERE guild_id = ? AND surface = ?`, guildID, surface)
	if err != nil {
		return false, &Error{Op: "delete word", Key: guildID + "/" + surface, Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListWords pages through a guild's words ordered by surface and reports the
// total count.
func (s *Store) ListWords(ctx context.Context, guildID string, offset, limit int) ([]Word, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dictionary_words WHERE guild_id = ?`, guildID).Scan(&total); err != nil {
		return nil, 0, &Error{Op: "count words", Key: guildID, Err: err}
	}
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	words, err := s.queryWords(ctx, "list words",
		`SELECT `+wordColumns+` FROM dictionary_words WHERE guild_id = ? ORDER BY surface LIMIT ? OFFSET ?`,
		guildID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return words, total, nil
}

func (s *Store) GuildWords(ctx context.Context, guildID string) ([]Word, error) {
	return s.queryWords(ctx, "guild words",
		`SELECT `+wordColumns+` FROM dictionary_words WHERE guild_id = ? ORDER BY surface`, guildID)
}

func (s *Store) AllWords(ctx context.Context) ([]Word, error) {
	return s.queryWords(ctx, "all words", `SELECT `+wordColumns+` FROM dictionary_words ORDER BY guild_id, surface`)
}

func (s *Store) queryWords(ctx context.Context, op, query string, args ...any) ([]Word, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer rows.Close()

	var out []Word
	for rows.Next() {
		w, err := scanWord(rows)
		if err != nil {
			return nil, &Error{Op: op, Err: err}
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	return out, nil
}

// Package dictionary keeps per-guild pronunciation overrides in sync with the
// synthesis backend's user dictionary and applies them to outgoing text.
package dictionary

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-relay/internal/configstore"
	"github.com/loqalabs/loqa-relay/internal/synthesis"
)

// Backend is the user dictionary surface of the synthesis backend.
type Backend interface {
	AddUserDictWord(ctx context.Context, w synthesis.WordRequest) (string, error)
	UpdateUserDictWord(ctx context.Context, id string, w synthesis.WordRequest) error
	DeleteUserDictWord(ctx context.Context, id string) error
	UserDict(ctx context.Context) (map[string]synthesis.UserDictWord, error)
}

// Store persists words locally.
type Store interface {
	GetWord(ctx context.Context, guildID, surface string) (configstore.Word, bool, error)
	PutWord(ctx context.Context, w configstore.Word) error
	SetWordUUID(ctx context.Context, guildID, surface, uuid string) error
	DeleteWord(ctx context.Context, guildID, surface string) (bool, error)
	ListWords(ctx context.Context, guildID string, offset, limit int) ([]configstore.Word, int, error)
	GuildWords(ctx context.Context, guildID string) ([]configstore.Word, error)
	AllWords(ctx context.Context) ([]configstore.Word, error)
}

// Page is one page of a guild's dictionary. Page numbers start at 1.
type Page struct {
	Words []configstore.Word
	Total int
	Page  int
	Pages int
}

type Options struct {
	RefreshInterval time.Duration
	FetchRetries    int
	RetryWait       time.Duration
}

// Service serializes every write and refresh on mu so a refresh never acts
// on a backend snapshot older than a concurrent write.
type Service struct {
	backend Backend
	store   Store
	opts    Options
	log     *slog.Logger

	mu sync.Mutex
}

func NewService(backend Backend, store Store, opts Options, log *slog.Logger) *Service {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.FetchRetries <= 0 {
		opts.FetchRetries = 3
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	return &Service{
		backend: backend,
		store:   store,
		opts:    opts,
		log:     log.With(slog.String("component", "dictionary")),
	}
}

// Add registers or replaces the guild's pronunciation for w.Surface.
func (s *Service) Add(ctx context.Context, guildID string, w configstore.Word) (configstore.Word, error) {
	w, err := normalize(guildID, w)
	if err != nil {
		return configstore.Word{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, found, err := s.store.GetWord(ctx, guildID, w.Surface)
	if err != nil {
		s.log.Warn("word lookup failed, registering as new", slog.String("guild_id", guildID), slogError(err))
		found = false
	}
	if found {
		w.BackendUUID = existing.BackendUUID
	}
	return s.save(ctx, w)
}

// Edit changes an existing word. A word the backend never accepted is
// registered again.
func (s *Service) Edit(ctx context.Context, guildID string, w configstore.Word) (configstore.Word, error) {
	w, err := normalize(guildID, w)
	if err != nil {
		return configstore.Word{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, found, err := s.store.GetWord(ctx, guildID, w.Surface)
	if err != nil {
		return configstore.Word{}, err
	}
	if !found {
		return configstore.Word{}, ErrWordNotFound
	}
	w.BackendUUID = existing.BackendUUID
	return s.save(ctx, w)
}

func (s *Service) save(ctx context.Context, w configstore.Word) (configstore.Word, error) {
	req := wordRequest(w)
	registered := false
	if w.BackendUUID != "" {
		err := s.backend.UpdateUserDictWord(ctx, w.BackendUUID, req)
		switch {
		case err == nil:
		case isMissing(err):
			w.BackendUUID = ""
		default:
			return configstore.Word{}, &BackendError{Op: "update", Surface: w.Surface, Err: err}
		}
	}
	if w.BackendUUID == "" {
		id, err := s.backend.AddUserDictWord(ctx, req)
		if err != nil {
			return configstore.Word{}, &BackendError{Op: "add", Surface: w.Surface, Err: err}
		}
		w.BackendUUID = id
		registered = true
	}
	if err := s.store.PutWord(ctx, w); err != nil {
		if registered {
			if derr := s.backend.DeleteUserDictWord(ctx, w.BackendUUID); derr != nil {
				s.log.Warn("failed to roll back backend word", slog.String("surface", w.Surface), slogError(derr))
			}
		}
		return configstore.Word{}, err
	}
	s.log.Info("dictionary word saved",
		slog.String("guild_id", w.GuildID),
		slog.String("surface", w.Surface),
		slog.String("uuid", w.BackendUUID),
	)
	return w, nil
}

// Remove deletes the word locally and in the backend.
func (s *Service) Remove(ctx context.Context, guildID, surface string) error {
	surface = strings.TrimSpace(surface)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, found, err := s.store.GetWord(ctx, guildID, surface)
	if err != nil {
		return err
	}
	if !found {
		return ErrWordNotFound
	}
	if existing.BackendUUID != "" {
		if err := s.backend.DeleteUserDictWord(ctx, existing.BackendUUID); err != nil && !isMissing(err) {
			return &BackendError{Op: "delete", Surface: surface, Err: err}
		}
	}
	if _, err := s.store.DeleteWord(ctx, guildID, surface); err != nil {
		return err
	}
	s.log.Info("dictionary word removed", slog.String("guild_id", guildID), slog.String("surface", surface))
	return nil
}

func (s *Service) List(ctx context.Context, guildID string, page, size int) (Page, error) {
	if size <= 0 {
		size = 10
	}
	if page < 1 {
		page = 1
	}
	words, total, err := s.store.ListWords(ctx, guildID, (page-1)*size, size)
	if err != nil {
		return Page{}, err
	}
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	return Page{Words: words, Total: total, Page: page, Pages: pages}, nil
}

// Apply rewrites every registered surface in text to its pronunciation,
// preferring longer surfaces. Store failures leave text unchanged.
func (s *Service) Apply(ctx context.Context, guildID, text string) string {
	if text == "" {
		return text
	}
	words, err := s.store.GuildWords(ctx, guildID)
	if err != nil {
		s.log.Warn("dictionary unavailable, reading text as is", slog.String("guild_id", guildID), slogError(err))
		return text
	}
	if len(words) == 0 {
		return text
	}
	sort.SliceStable(words, func(i, j int) bool {
		return utf8.RuneCountInString(words[i].Surface) > utf8.RuneCountInString(words[j].Surface)
	})
	pairs := make([]string, 0, len(words)*2)
	for _, w := range words {
		if w.Surface == "" {
			continue
		}
		pairs = append(pairs, w.Surface, w.Pronunciation)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Run refreshes immediately and then on every interval until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("dictionary refresh failed", slogError(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh reconciles local words with the backend dictionary: identifiers the
// backend forgot are cleared, missing identifiers are matched by surface, and
// anything still unmatched is registered again.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	remote, err := s.fetch(ctx)
	if err != nil {
		return &BackendError{Op: "fetch", Err: err}
	}
	local, err := s.store.AllWords(ctx)
	if err != nil {
		return err
	}

	claimed := make(map[string]bool, len(local))
	for _, w := range local {
		if _, ok := remote[w.BackendUUID]; ok && w.BackendUUID != "" {
			claimed[w.BackendUUID] = true
		}
	}
	bySurface := make(map[string][]string)
	for id, rw := range remote {
		if claimed[id] {
			continue
		}
		key := foldSurface(rw.Surface) + "\x00" + rw.Pronunciation
		bySurface[key] = append(bySurface[key], id)
	}
	for key := range bySurface {
		sort.Strings(bySurface[key])
	}

	var errs []error
	resolved, registered, cleared := 0, 0, 0
	for _, w := range local {
		if w.BackendUUID != "" {
			if _, ok := remote[w.BackendUUID]; ok {
				continue
			}
			cleared++
			if err := s.store.SetWordUUID(ctx, w.GuildID, w.Surface, ""); err != nil {
				errs = append(errs, err)
				continue
			}
		}

		key := foldSurface(w.Surface) + "\x00" + w.Pronunciation
		if ids := bySurface[key]; len(ids) > 0 {
			id := ids[0]
			bySurface[key] = ids[1:]
			if err := s.store.SetWordUUID(ctx, w.GuildID, w.Surface, id); err != nil {
				errs = append(errs, err)
				continue
			}
			resolved++
			continue
		}

		id, err := s.backend.AddUserDictWord(ctx, wordRequest(w))
		if err != nil {
			errs = append(errs, &BackendError{Op: "add", Surface: w.Surface, Err: err})
			continue
		}
		if err := s.store.SetWordUUID(ctx, w.GuildID, w.Surface, id); err != nil {
			errs = append(errs, err)
			continue
		}
		registered++
	}

	s.log.Debug("dictionary refreshed",
		slog.Int("local", len(local)),
		slog.Int("remote", len(remote)),
		slog.Int("resolved", resolved),
		slog.Int("registered", registered),
		slog.Int("cleared", cleared),
	)
	return errors.Join(errs...)
}

func (s *Service) fetch(ctx context.Context) (map[string]synthesis.UserDictWord, error) {
	var lastErr error
	for attempt := 0; attempt < s.opts.FetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.opts.RetryWait):
			}
		}
		words, err := s.backend.UserDict(ctx)
		if err == nil {
			return words, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func normalize(guildID string, w configstore.Word) (configstore.Word, error) {
	w.GuildID = guildID
	w.Surface = strings.TrimSpace(w.Surface)
	w.Pronunciation = toKatakana(strings.TrimSpace(w.Pronunciation))
	if w.WordType == "" {
		w.WordType = synthesis.DefaultWordType
	}
	switch {
	case w.Surface == "":
		return w, ErrEmptySurface
	case !isKatakana(w.Pronunciation):
		return w, ErrInvalidPronunciation
	case !synthesis.ValidWordType(w.WordType):
		return w, ErrInvalidWordType
	case w.AccentType < 0:
		return w, ErrInvalidAccent
	}
	return w, nil
}

func wordRequest(w configstore.Word) synthesis.WordRequest {
	return synthesis.WordRequest{
		Surface:       w.Surface,
		Pronunciation: w.Pronunciation,
		AccentType:    w.AccentType,
		WordType:      w.WordType,
	}
}

func isMissing(err error) bool {
	var se *synthesis.SynthesisError
	return errors.As(err, &se) && (se.Status == http.StatusNotFound || se.Status == http.StatusUnprocessableEntity)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

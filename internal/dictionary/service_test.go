package dictionary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/configstore"
	"github.com/loqalabs/loqa-relay/internal/synthesis"
)

type fakeBackend struct {
	mu        sync.Mutex
	words     map[string]synthesis.UserDictWord
	next      int
	failAdd   bool
	failFetch int
	fetches   int

	// fetchGate, when set, parks UserDict after it takes its snapshot.
	fetchGate chan struct{}
	fetching  chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{words: make(map[string]synthesis.UserDictWord)}
}

func (b *fakeBackend) AddUserDictWord(_ context.Context, w synthesis.WordRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAdd {
		return "", &synthesis.SynthesisError{Phase: "user_dict_word.add", Status: http.StatusInternalServerError}
	}
	b.next++
	id := fmt.Sprintf("uuid-%d", b.next)
	b.words[id] = synthesis.UserDictWord{Surface: w.Surface, Pronunciation: w.Pronunciation, AccentType: w.AccentType}
	return id, nil
}

func (b *fakeBackend) UpdateUserDictWord(_ context.Context, id string, w synthesis.WordRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.words[id]; !ok {
		return &synthesis.SynthesisError{Phase: "user_dict_word.update", Status: http.StatusUnprocessableEntity}
	}
	b.words[id] = synthesis.UserDictWord{Surface: w.Surface, Pronunciation: w.Pronunciation, AccentType: w.AccentType}
	return nil
}

func (b *fakeBackend) DeleteUserDictWord(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.words[id]; !ok {
		return &synthesis.SynthesisError{Phase: "user_dict_word.delete", Status: http.StatusNotFound}
	}
	delete(b.words, id)
	return nil
}

func (b *fakeBackend) UserDict(context.Context) (map[string]synthesis.UserDictWord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.failFetch > 0 {
		b.failFetch--
		return nil, &synthesis.SynthesisError{Phase: "user_dict", Err: errors.New("connection refused")}
	}
	out := make(map[string]synthesis.UserDictWord, len(b.words))
	for id, w := range b.words {
		out[id] = w
	}
	gate, fetching := b.fetchGate, b.fetching
	b.mu.Unlock()
	if gate != nil {
		fetching <- struct{}{}
		<-gate
	}
	b.mu.Lock()
	return out, nil
}

func newTestService(t *testing.T) (*Service, *fakeBackend, *configstore.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := configstore.Open(context.Background(), config.StoreConfig{Path: filepath.Join(t.TempDir(), "relay.db")}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	backend := newFakeBackend()
	svc := NewService(backend, store, Options{RetryWait: 1}, logger)
	return svc, backend, store
}

func TestAddRegistersWithBackend(t *testing.T) {
	svc, backend, store := newTestService(t)
	ctx := context.Background()

	w, err := svc.Add(ctx, "g1", configstore.Word{Surface: " loqa ", Pronunciation: "ろか"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if w.Pronunciation != "ロカ" || w.WordType != synthesis.DefaultWordType || w.BackendUUID == "" {
		t.Fatalf("unexpected word %+v", w)
	}
	stored, ok, err := store.GetWord(ctx, "g1", "loqa")
	if err != nil || !ok || stored.BackendUUID != w.BackendUUID {
		t.Fatalf("word not stored with uuid: %+v %v %v", stored, ok, err)
	}

	again, err := svc.Add(ctx, "g1", configstore.Word{Surface: "loqa", Pronunciation: "ロッカ"})
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if again.BackendUUID != w.BackendUUID || len(backend.words) != 1 {
		t.Fatalf("expected in-place update, got %+v and %d backend words", again, len(backend.words))
	}
}

func TestAddValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	cases := []struct {
		word configstore.Word
		want error
	}{
		{configstore.Word{Surface: "", Pronunciation: "ア"}, ErrEmptySurface},
		{configstore.Word{Surface: "abc", Pronunciation: "abc"}, ErrInvalidPronunciation},
		{configstore.Word{Surface: "abc", Pronunciation: "エービーシー", WordType: "NOUNISH"}, ErrInvalidWordType},
		{configstore.Word{Surface: "abc", Pronunciation: "エービーシー", AccentType: -1}, ErrInvalidAccent},
	}
	for _, tc := range cases {
		if _, err := svc.Add(ctx, "g1", tc.word); !errors.Is(err, tc.want) {
			t.Fatalf("word %+v: expected %v, got %v", tc.word, tc.want, err)
		}
	}
}

func TestAddBackendFailureIsNotStored(t *testing.T) {
	svc, backend, store := newTestService(t)
	backend.failAdd = true
	_, err := svc.Add(context.Background(), "g1", configstore.Word{Surface: "loqa", Pronunciation: "ロカ"})
	var be *BackendError
	if !errors.As(err, &be) || be.Op != "add" {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if _, ok, _ := store.GetWord(context.Background(), "g1", "loqa"); ok {
		t.Fatal("word stored despite backend failure")
	}
}

func TestEditAndRemove(t *testing.T) {
	svc, backend, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Edit(ctx, "g1", configstore.Word{Surface: "loqa", Pronunciation: "ロカ"}); !errors.Is(err, ErrWordNotFound) {
		t.Fatalf("expected ErrWordNotFound, got %v", err)
	}
	w, err := svc.Add(ctx, "g1", configstore.Word{Surface: "loqa", Pronunciation: "ロカ"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	delete(backend.words, w.BackendUUID)

	edited, err := svc.Edit(ctx, "g1", configstore.Word{Surface: "loqa", Pronunciation: "ロッカ", AccentType: 1})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.BackendUUID == w.BackendUUID || edited.BackendUUID == "" {
		t.Fatalf("expected re-registration after backend lost the word, got %+v", edited)
	}

	if err := svc.Remove(ctx, "g1", "loqa"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(backend.words) != 0 {
		t.Fatalf("expected backend word deleted, got %v", backend.words)
	}
	if err := svc.Remove(ctx, "g1", "loqa"); !errors.Is(err, ErrWordNotFound) {
		t.Fatalf("expected ErrWordNotFound on second remove, got %v", err)
	}
}

func TestApplyLongestFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, w := range []configstore.Word{
		{Surface: "loqa", Pronunciation: "ロカ"},
		{Surface: "loqa relay", Pronunciation: "ロカリレー"},
	} {
		if _, err := svc.Add(ctx, "g1", w); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if got := svc.Apply(ctx, "g1", "loqa relay and loqa"); got != "ロカリレー and ロカ" {
		t.Fatalf("unexpected replacement %q", got)
	}
	if got := svc.Apply(ctx, "g2", "loqa"); got != "loqa" {
		t.Fatalf("words leaked across guilds: %q", got)
	}
}

func TestApplyFailsOpen(t *testing.T) {
	svc, _, store := newTestService(t)
	if _, err := svc.Add(context.Background(), "g1", configstore.Word{Surface: "loqa", Pronunciation: "ロカ"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_ = store.Close()
	if got := svc.Apply(context.Background(), "g1", "loqa"); got != "loqa" {
		t.Fatalf("expected unchanged text on store failure, got %q", got)
	}
}

func TestRefreshReconciles(t *testing.T) {
	svc, backend, store := newTestService(t)
	ctx := context.Background()

	for _, w := range []configstore.Word{
		{GuildID: "g1", Surface: "ABC", Pronunciation: "エービーシー", WordType: "PROPER_NOUN"},
		{GuildID: "g1", Surface: "stale", Pronunciation: "ステイル", WordType: "PROPER_NOUN", BackendUUID: "gone"},
		{GuildID: "g2", Surface: "kept", Pronunciation: "ケプト", WordType: "PROPER_NOUN", BackendUUID: "uuid-kept"},
	} {
		if err := store.PutWord(ctx, w); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	backend.words["uuid-full"] = synthesis.UserDictWord{Surface: "ＡＢＣ", Pronunciation: "エービーシー"}
	backend.words["uuid-kept"] = synthesis.UserDictWord{Surface: "kept", Pronunciation: "ケプト"}
	backend.failFetch = 2

	if err := svc.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if backend.fetches != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", backend.fetches)
	}

	abc, _, _ := store.GetWord(ctx, "g1", "ABC")
	if abc.BackendUUID != "uuid-full" {
		t.Fatalf("expected width-folded match, got %q", abc.BackendUUID)
	}
	stale, _, _ := store.GetWord(ctx, "g1", "stale")
	if stale.BackendUUID == "gone" || stale.BackendUUID == "" {
		t.Fatalf("expected stale word re-registered, got %q", stale.BackendUUID)
	}
	kept, _, _ := store.GetWord(ctx, "g2", "kept")
	if kept.BackendUUID != "uuid-kept" {
		t.Fatalf("expected resolved word untouched, got %q", kept.BackendUUID)
	}
}

func TestRefreshGivesUpAfterRetries(t *testing.T) {
	svc, backend, _ := newTestService(t)
	backend.failFetch = 5
	var be *BackendError
	if err := svc.Refresh(context.Background()); !errors.As(err, &be) || be.Op != "fetch" {
		t.Fatalf("expected fetch BackendError, got %v", err)
	}
	if backend.fetches != 3 {
		t.Fatalf("expected 3 attempts, got %d", backend.fetches)
	}
}

func TestRefreshDoesNotDuplicateConcurrentAdd(t *testing.T) {
	svc, backend, store := newTestService(t)
	ctx := context.Background()

	gate := make(chan struct{})
	backend.mu.Lock()
	backend.fetchGate = gate
	backend.fetching = make(chan struct{}, 1)
	backend.mu.Unlock()

	refreshed := make(chan error, 1)
	go func() { refreshed <- svc.Refresh(ctx) }()
	select {
	case <-backend.fetching:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never fetched")
	}

	added := make(chan error, 1)
	go func() {
		_, err := svc.Add(ctx, "g1", configstore.Word{Surface: "loqa", Pronunciation: "ロカ"})
		added <- err
	}()
	select {
	case err := <-added:
		t.Fatalf("add finished while a refresh was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	backend.mu.Lock()
	backend.fetchGate = nil
	backend.mu.Unlock()
	close(gate)
	if err := <-refreshed; err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := <-added; err != nil {
		t.Fatalf("add: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.words) != 1 {
		t.Fatalf("expected one backend word, got %v", backend.words)
	}
	stored, ok, err := store.GetWord(ctx, "g1", "loqa")
	if err != nil || !ok {
		t.Fatalf("word not stored: %v %v", ok, err)
	}
	if _, ok := backend.words[stored.BackendUUID]; !ok {
		t.Fatalf("stored uuid %q unknown to backend %v", stored.BackendUUID, backend.words)
	}
}

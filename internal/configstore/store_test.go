package configstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/synthesis"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.StoreConfig{Path: filepath.Join(t.TempDir(), "nested", "relay.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBindingLastWriterWins(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetBinding(ctx, "g1"); err != nil || ok {
		t.Fatalf("expected no binding, got ok=%v err=%v", ok, err)
	}
	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.PutBinding(ctx, Binding{GuildID: "g1", VoiceChannelID: "v1", TextChannelID: "t1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	if err := s.PutBinding(ctx, Binding{GuildID: "g1", VoiceChannelID: "v2", TextChannelID: "t2"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	b, ok, err := s.GetBinding(ctx, "g1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if b.VoiceChannelID != "v2" || b.TextChannelID != "t2" {
		t.Fatalf("expected last write, got %+v", b)
	}
	if !b.UpdatedAt.Equal(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected updated_at %v", b.UpdatedAt)
	}

	if err := s.PutBinding(ctx, Binding{GuildID: "g2", VoiceChannelID: "v3", TextChannelID: "t3"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	all, err := s.ListBindings(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 bindings, got %d err=%v", len(all), err)
	}

	existed, err := s.DeleteBinding(ctx, "g1")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	existed, err = s.DeleteBinding(ctx, "g1")
	if err != nil || existed {
		t.Fatalf("second delete must report absence, existed=%v err=%v", existed, err)
	}
}

func TestVoiceSettings(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetSpeaker(ctx, "g1"); err != nil || ok {
		t.Fatalf("expected no speaker, ok=%v err=%v", ok, err)
	}
	if err := s.PutSpeaker(ctx, "g1", 3); err != nil {
		t.Fatalf("put speaker: %v", err)
	}
	if err := s.PutVoiceParam(ctx, "g1", synthesis.ParamVolume, 1.5); err != nil {
		t.Fatalf("put param: %v", err)
	}
	if err := s.PutVoiceParam(ctx, "g1", synthesis.ParamVolume, 1.2); err != nil {
		t.Fatalf("put param: %v", err)
	}
	if err := s.PutVoiceParam(ctx, "g1", synthesis.ParamPitch, -0.1); err != nil {
		t.Fatalf("put param: %v", err)
	}

	speaker, ok, err := s.GetSpeaker(ctx, "g1")
	if err != nil || !ok || speaker != 3 {
		t.Fatalf("unexpected speaker %d ok=%v err=%v", speaker, ok, err)
	}
	params, err := s.GetVoiceParams(ctx, "g1")
	if err != nil {
		t.Fatalf("get params: %v", err)
	}
	if len(params) != 2 || params[synthesis.ParamVolume] != 1.2 || params[synthesis.ParamPitch] != -0.1 {
		t.Fatalf("unexpected params %v", params)
	}

	if err := s.ResetVoice(ctx, "g1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	params, err = s.GetVoiceParams(ctx, "g1")
	if err != nil || len(params) != 0 {
		t.Fatalf("expected no params after reset, got %v err=%v", params, err)
	}
	if _, ok, _ := s.GetSpeaker(ctx, "g1"); ok {
		t.Fatal("expected speaker cleared")
	}
}

func TestWordsPagination(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, surface := range []string{"c", "a", "b"} {
		if err := s.PutWord(ctx, Word{GuildID: "g1", Surface: surface, Pronunciation: "エー", WordType: "PROPER_NOUN"}); err != nil {
			t.Fatalf("put word: %v", err)
		}
	}
	if err := s.PutWord(ctx, Word{GuildID: "g2", Surface: "z", Pronunciation: "ゼット", WordType: "PROPER_NOUN"}); err != nil {
		t.Fatalf("put word: %v", err)
	}

	page, total, err := s.ListWords(ctx, "g1", 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(page) != 2 || page[0].Surface != "a" || page[1].Surface != "b" {
		t.Fatalf("unexpected first page %+v total=%d", page, total)
	}
	page, _, err = s.ListWords(ctx, "g1", 2, 2)
	if err != nil || len(page) != 1 || page[0].Surface != "c" {
		t.Fatalf("unexpected second page %+v err=%v", page, err)
	}

	if err := s.SetWordUUID(ctx, "g1", "a", "uuid-a"); err != nil {
		t.Fatalf("set uuid: %v", err)
	}
	w, ok, err := s.GetWord(ctx, "g1", "a")
	if err != nil || !ok || w.BackendUUID != "uuid-a" {
		t.Fatalf("unexpected word %+v ok=%v err=%v", w, ok, err)
	}

	all, err := s.AllWords(ctx)
	if err != nil || len(all) != 4 {
		t.Fatalf("expected 4 words, got %d err=%v", len(all), err)
	}
	if ok, err := s.DeleteWord(ctx, "g1", "a"); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	guild, err := s.GuildWords(ctx, "g1")
	if err != nil || len(guild) != 2 {
		t.Fatalf("expected 2 words left, got %d err=%v", len(guild), err)
	}
}

func TestErrorsAreTyped(t *testing.T) {
	s := openStore(t)
	_ = s.Close()
	_, _, err := s.GetBinding(context.Background(), "g1")
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if serr.Op != "get binding" || serr.Key != "g1" {
		t.Fatalf("unexpected error fields %+v", serr)
	}
}

func TestJoinLeaveToggle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	enabled, err := s.JoinLeaveEnabled(ctx, "g1")
	if err != nil || !enabled {
		t.Fatalf("expected announcements on by default, got %v err=%v", enabled, err)
	}
	if err := s.PutJoinLeave(ctx, "g1", false); err != nil {
		t.Fatalf("put: %v", err)
	}
	if enabled, err := s.JoinLeaveEnabled(ctx, "g1"); err != nil || enabled {
		t.Fatalf("expected announcements off, got %v err=%v", enabled, err)
	}
	if enabled, err := s.JoinLeaveEnabled(ctx, "g2"); err != nil || !enabled {
		t.Fatalf("other guild must keep the default, got %v err=%v", enabled, err)
	}
	if err := s.PutJoinLeave(ctx, "g1", true); err != nil {
		t.Fatalf("put: %v", err)
	}
	if enabled, err := s.JoinLeaveEnabled(ctx, "g1"); err != nil || !enabled {
		t.Fatalf("expected announcements back on, got %v err=%v", enabled, err)
	}
}

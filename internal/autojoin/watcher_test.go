package autojoin

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/configstore"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/session"
	"github.com/loqalabs/loqa-relay/internal/synthesis"
	"github.com/loqalabs/loqa-relay/internal/voice/voicetest"
)

type textRenderer struct{}

func (textRenderer) Render(_ context.Context, text string, _ int, _ synthesis.Params) ([]byte, error) {
	return []byte(text), nil
}

type harness struct {
	watcher   *Watcher
	reg       *session.Registry
	store     *configstore.Store
	transport *voicetest.Transport
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := configstore.Open(context.Background(), config.StoreConfig{Path: filepath.Join(t.TempDir(), "relay.db")}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	seq := playback.New(textRenderer{}, playback.Options{Lookahead: 1}, logger)
	transport := voicetest.NewTransport()
	reg := session.NewRegistry(transport, seq, store, session.Options{
		DefaultSpeaker:        1,
		NotifyConnected:       "接続しました。",
		NotifyAutoConnected:   "自動接続しました。",
		AllowRebindAutoJoined: true,
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		reg.Close(ctx)
		seq.Close(ctx)
		_ = store.Close()
	})
	w := NewWatcher(reg, store, transport, Options{
		NotifyJoin:  "{name} さんが入室しました。",
		NotifyLeave: "{name} さんが退室しました。",
	}, logger)
	return &harness{watcher: w, reg: reg, store: store, transport: transport}
}

func (h *harness) bind(t *testing.T, guildID, voiceID, textID string) {
	t.Helper()
	if err := h.store.PutBinding(context.Background(), configstore.Binding{GuildID: guildID, VoiceChannelID: voiceID, TextChannelID: textID}); err != nil {
		t.Fatalf("put binding: %v", err)
	}
}

func nextPlayback(t *testing.T, conn *voicetest.Conn, want string) {
	t.Helper()
	select {
	case p := <-conn.Played():
		if p.Audio != want {
			t.Fatalf("expected %q, got %q", want, p.Audio)
		}
		p.Finish()
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestAutoJoinScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bind(t, "g1", "v1", "t1")

	h.transport.SetHumans("v1", 1)
	h.watcher.HandlePresence(ctx, session.Presence{GuildID: "g1", UserID: "u1", DisplayName: "alice", AfterChannelID: "v1"})

	info, ok := h.reg.Lookup("g1")
	if !ok || info.Origin != session.OriginAutoJoin || info.TextChannelID != "t1" {
		t.Fatalf("expected auto-joined session bound to t1, got %+v", info)
	}
	conn := h.transport.Conn("g1")
	nextPlayback(t, conn, "自動接続しました。")

	h.transport.SetHumans("v1", 2)
	h.watcher.HandlePresence(ctx, session.Presence{GuildID: "g1", UserID: "u2", DisplayName: "bob", AfterChannelID: "v1"})
	nextPlayback(t, conn, "bob さんが入室しました。")

	h.transport.SetHumans("v1", 1)
	h.watcher.HandlePresence(ctx, session.Presence{GuildID: "g1", UserID: "u2", DisplayName: "bob", BeforeChannelID: "v1"})
	nextPlayback(t, conn, "bob さんが退室しました。")

	h.transport.SetHumans("v1", 0)
	h.watcher.HandlePresence(ctx, session.Presence{GuildID: "g1", UserID: "u1", DisplayName: "alice", BeforeChannelID: "v1"})
	if _, ok := h.reg.Lookup("g1"); ok {
		t.Fatal("expected session closed once the channel emptied")
	}
	if h.transport.Joins() != 1 {
		t.Fatalf("expected a single join, got %d", h.transport.Joins())
	}
}

func TestBotsDoNotTriggerAutoJoin(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", "v1", "t1")
	h.watcher.HandlePresence(context.Background(), session.Presence{GuildID: "g1", UserID: "b1", Bot: true, AfterChannelID: "v1"})
	if _, ok := h.reg.Lookup("g1"); ok {
		t.Fatal("bot presence must not open a session")
	}
}

func TestUnboundChannelIgnored(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", "v1", "t1")
	h.watcher.HandlePresence(context.Background(), session.Presence{GuildID: "g1", UserID: "u1", AfterChannelID: "v2"})
	if _, ok := h.reg.Lookup("g1"); ok {
		t.Fatal("joining an unbound channel must not open a session")
	}
}

func TestExistingCommandSessionKeepsTextBinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bind(t, "g1", "v1", "t1")
	h.transport.SetHumans("v1", 1)
	if _, err := h.reg.Connect(ctx, session.ConnectRequest{GuildID: "g1", VoiceChannelID: "v1", TextChannelID: "t9"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	h.transport.SetHumans("v1", 2)
	h.watcher.HandlePresence(ctx, session.Presence{GuildID: "g1", UserID: "u2", DisplayName: "bob", AfterChannelID: "v1"})
	info, _ := h.reg.Lookup("g1")
	if info.TextChannelID != "t9" || info.Origin != session.OriginCommand {
		t.Fatalf("auto-join overrode a command session: %+v", info)
	}
	if h.transport.Joins() != 1 {
		t.Fatalf("expected no second join, got %d", h.transport.Joins())
	}
}

func TestOccupiedChannelIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.transport.SetHumans("v1", 1)
	if _, err := h.reg.Connect(ctx, session.ConnectRequest{GuildID: "g2", VoiceChannelID: "v1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.bind(t, "g1", "v1", "t1")
	h.watcher.HandlePresence(ctx, session.Presence{GuildID: "g1", UserID: "u1", AfterChannelID: "v1"})
	if _, ok := h.reg.Lookup("g1"); ok {
		t.Fatal("auto-join must not take an occupied channel")
	}
	if len(h.reg.Sessions()) != 1 {
		t.Fatalf("expected only the original session, got %d", len(h.reg.Sessions()))
	}
}

func TestReconcileConnectsPopulatedBindings(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "g1", "v1", "t1")
	h.bind(t, "g2", "v2", "t2")
	h.transport.SetHumans("v1", 2)

	if n := h.watcher.Reconcile(context.Background()); n != 1 {
		t.Fatalf("expected one session opened, got %d", n)
	}
	if _, ok := h.reg.Lookup("g1"); !ok {
		t.Fatal("expected g1 connected")
	}
	if _, ok := h.reg.Lookup("g2"); ok {
		t.Fatal("empty channel must not be joined")
	}
	if n := h.watcher.Reconcile(context.Background()); n != 0 {
		t.Fatalf("expected reconcile to be idempotent, opened %d", n)
	}
}

func TestJoinLeaveAnnouncementsCanBeDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bind(t, "g1", "v1", "t1")
	if err := h.store.PutJoinLeave(ctx, "g1", false); err != nil {
		t.Fatalf("put toggle: %v", err)
	}

	h.transport.SetHumans("v1", 1)
	h.watcher.HandlePresence(ctx, session.Presence{GuildID: "g1", UserID: "u1", DisplayName: "alice", AfterChannelID: "v1"})
	conn := h.transport.Conn("g1")
	nextPlayback(t, conn, "自動接続しました。")

	h.transport.SetHumans("v1", 2)
	h.watcher.HandlePresence(ctx, session.Presence{GuildID: "g1", UserID: "u2", DisplayName: "bob", AfterChannelID: "v1"})
	h.transport.SetHumans("v1", 1)
	h.watcher.HandlePresence(ctx, session.Presence{GuildID: "g1", UserID: "u2", DisplayName: "bob", BeforeChannelID: "v1"})
	select {
	case p := <-conn.Played():
		t.Fatalf("expected no announcement, got %q", p.Audio)
	case <-time.After(50 * time.Millisecond):
	}

	if err := h.store.PutJoinLeave(ctx, "g1", true); err != nil {
		t.Fatalf("put toggle: %v", err)
	}
	h.transport.SetHumans("v1", 2)
	h.watcher.HandlePresence(ctx, session.Presence{GuildID: "g1", UserID: "u3", DisplayName: "carol", AfterChannelID: "v1"})
	nextPlayback(t, conn, "carol さんが入室しました。")
}

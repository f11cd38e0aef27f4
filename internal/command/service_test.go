package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/configstore"
	"github.com/loqalabs/loqa-relay/internal/dictionary"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/session"
	"github.com/loqalabs/loqa-relay/internal/synthesis"
	"github.com/loqalabs/loqa-relay/internal/voice/voicetest"
)

type textRenderer struct{}

func (textRenderer) Render(_ context.Context, text string, _ int, _ synthesis.Params) ([]byte, error) {
	return []byte(text), nil
}

type stubCatalog map[int]synthesis.StyleInfo

func (c stubCatalog) Style(id int) (synthesis.StyleInfo, bool, bool) {
	info, ok := c[id]
	return info, ok, true
}

type stubWords struct {
	words []configstore.Word
}

func (w *stubWords) Add(_ context.Context, guildID string, word configstore.Word) (configstore.Word, error) {
	word.GuildID = guildID
	if word.WordType == "" {
		word.WordType = synthesis.DefaultWordType
	}
	w.words = append(w.words, word)
	return word, nil
}

func (w *stubWords) Edit(_ context.Context, guildID string, word configstore.Word) (configstore.Word, error) {
	for i := range w.words {
		if w.words[i].Surface == word.Surface {
			w.words[i] = word
			return word, nil
		}
	}
	return configstore.Word{}, dictionary.ErrWordNotFound
}

func (w *stubWords) Remove(_ context.Context, _ string, surface string) error {
	for i := range w.words {
		if w.words[i].Surface == surface {
			w.words = append(w.words[:i], w.words[i+1:]...)
			return nil
		}
	}
	return dictionary.ErrWordNotFound
}

func (w *stubWords) List(_ context.Context, _ string, page, size int) (dictionary.Page, error) {
	total := len(w.words)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	return dictionary.Page{Words: w.words[start:end], Total: total, Page: page, Pages: pages}, nil
}

type harness struct {
	svc       *Service
	reg       *session.Registry
	seq       *playback.Sequencer
	store     *configstore.Store
	transport *voicetest.Transport
	words     *stubWords
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, session.Options{DefaultSpeaker: 1, AllowRebindAutoJoined: true})
}

func newHarnessWith(t *testing.T, opts session.Options) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := configstore.Open(context.Background(), config.StoreConfig{Path: filepath.Join(t.TempDir(), "relay.db")}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	seq := playback.New(textRenderer{}, playback.Options{Lookahead: 1}, logger)
	transport := voicetest.NewTransport()
	reg := session.NewRegistry(transport, seq, store, opts, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		reg.Close(ctx)
		seq.Close(ctx)
		_ = store.Close()
	})
	words := &stubWords{}
	catalog := stubCatalog{1: {ID: 1, SpeakerName: "Anneli", StyleName: "ノーマル"}, 5: {ID: 5, SpeakerName: "Anneli", StyleName: "テンション高め"}}
	svc := NewService(reg, seq, words, store, catalog, Options{DefaultSpeaker: 1, WordsPageSize: 2}, logger)
	return &harness{svc: svc, reg: reg, seq: seq, store: store, transport: transport, words: words}
}

func (h *harness) run(name string, opts map[string]string) Reply {
	return h.svc.Dispatch(context.Background(), Invocation{
		Name:      name,
		GuildID:   "g1",
		ChannelID: "t1",
		UserID:    "u1",
		Options:   opts,
	})
}

func TestJoinUsesInvokerChannel(t *testing.T) {
	h := newHarness(t)
	reply := h.svc.Dispatch(context.Background(), Invocation{Name: CmdJoin, GuildID: "g1", ChannelID: "t1", UserVoiceChannelID: "v1"})
	if reply.Ephemeral || !strings.Contains(reply.Content, "<#v1>") {
		t.Fatalf("unexpected reply %+v", reply)
	}
	info, ok := h.reg.Lookup("g1")
	if !ok || info.VoiceChannelID != "v1" || info.TextChannelID != "t1" || info.Origin != session.OriginCommand {
		t.Fatalf("unexpected session %+v", info)
	}
}

func TestJoinRequiresVoiceChannel(t *testing.T) {
	h := newHarness(t)
	reply := h.run(CmdJoin, nil)
	if !reply.Ephemeral || reply.Content != "ボイスチャンネルが指定されておらず、あなたはボイスチャンネルに接続していません。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestJoinWhenConnectedMovesAndRebinds(t *testing.T) {
	h := newHarness(t)
	h.run(CmdJoin, map[string]string{"voice_channel": "v1"})
	reply := h.run(CmdJoin, map[string]string{"voice_channel": "v2", "text_channel": "t2"})
	if reply.Ephemeral {
		t.Fatalf("unexpected failure %+v", reply)
	}
	info, _ := h.reg.Lookup("g1")
	if info.VoiceChannelID != "v2" || info.TextChannelID != "t2" {
		t.Fatalf("expected move and rebind, got %+v", info)
	}
}

func TestJoinOccupiedChannel(t *testing.T) {
	h := newHarness(t)
	if _, err := h.reg.Connect(context.Background(), session.ConnectRequest{GuildID: "g2", VoiceChannelID: "v1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	reply := h.run(CmdJoin, map[string]string{"voice_channel": "v1"})
	if !reply.Ephemeral || !strings.Contains(reply.Content, "既に別の読み上げセッション") {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if _, ok := h.reg.Lookup("g1"); ok {
		t.Fatal("occupied join created a session")
	}
}

func TestLeave(t *testing.T) {
	h := newHarness(t)
	if reply := h.run(CmdLeave, nil); !reply.Ephemeral {
		t.Fatalf("expected ephemeral reply when not connected, got %+v", reply)
	}
	h.run(CmdJoin, map[string]string{"voice_channel": "v1"})
	if reply := h.run(CmdLeave, nil); reply.Content != "ボイスチャンネルから切断しました。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if _, ok := h.reg.Lookup("g1"); ok {
		t.Fatal("expected session removed")
	}
}

func TestAutoJoinRegistration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if reply := h.run(CmdRegisterAutoJoin, nil); !reply.Ephemeral {
		t.Fatalf("expected usage error, got %+v", reply)
	}
	h.run(CmdRegisterAutoJoin, map[string]string{"voice_channel": "v1"})
	b, ok, err := h.store.GetBinding(ctx, "g1")
	if err != nil || !ok || b.TextChannelID != "v1" {
		t.Fatalf("expected binding with text defaulting to voice, got %+v %v %v", b, ok, err)
	}

	if reply := h.run(CmdUnregisterAutoJoin, nil); reply.Content != "自動接続設定を解除しました。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply := h.run(CmdUnregisterAutoJoin, nil); !reply.Ephemeral {
		t.Fatalf("expected ephemeral reply without binding, got %+v", reply)
	}
}

func TestSetSpeakerChecksCatalog(t *testing.T) {
	h := newHarness(t)
	h.run(CmdJoin, map[string]string{"voice_channel": "v1"})

	if reply := h.run(CmdSetSpeaker, map[string]string{"speaker": "99"}); !reply.Ephemeral {
		t.Fatalf("expected unknown speaker to be rejected, got %+v", reply)
	}
	reply := h.run(CmdSetSpeaker, map[string]string{"speaker": "5"})
	if !strings.Contains(reply.Content, "Anneli - テンション高め") {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if id, ok, _ := h.store.GetSpeaker(context.Background(), "g1"); !ok || id != 5 {
		t.Fatalf("speaker not stored: %d %v", id, ok)
	}
	if info, _ := h.reg.Lookup("g1"); info.Speaker != 5 {
		t.Fatalf("live session not updated: %+v", info)
	}
}

func TestSetVoiceParam(t *testing.T) {
	h := newHarness(t)
	h.run(CmdJoin, map[string]string{"voice_channel": "v1"})

	reply := h.run("set_volume", map[string]string{"value": "3"})
	if !reply.Ephemeral || reply.Content != "音量は 0 から 2 の間で設定してください。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	reply = h.run("set_volume", map[string]string{"value": "NaN"})
	if !reply.Ephemeral || reply.Content != "音量は 0 から 2 の間で設定してください。" {
		t.Fatalf("expected NaN to be rejected, got %+v", reply)
	}
	reply = h.run("set_volume", map[string]string{"value": "1.5"})
	if reply.Ephemeral {
		t.Fatalf("unexpected failure %+v", reply)
	}
	if info, _ := h.reg.Lookup("g1"); info.Params[synthesis.ParamVolume] != 1.5 {
		t.Fatalf("live session not updated: %+v", info.Params)
	}

	h.run(CmdSetVoiceParam, map[string]string{"param": "pitch", "value": "-0.5"})
	params, err := h.store.GetVoiceParams(context.Background(), "g1")
	if err != nil || params[synthesis.ParamPitch] != -0.5 || params[synthesis.ParamVolume] != 1.5 {
		t.Fatalf("unexpected stored params %v %v", params, err)
	}

	h.run(CmdResetVoice, nil)
	if info, _ := h.reg.Lookup("g1"); len(info.Params) != 0 || info.Speaker != 1 {
		t.Fatalf("reset not applied: %+v", info)
	}
}

func TestWordCommands(t *testing.T) {
	h := newHarness(t)
	for _, surface := range []string{"a", "b", "c"} {
		if reply := h.run(CmdAddWord, map[string]string{"surface": surface, "pronunciation": "エー", "accent_type": "1"}); reply.Ephemeral {
			t.Fatalf("add failed: %+v", reply)
		}
	}
	reply := h.run(CmdListWords, map[string]string{"page": "2"})
	if !strings.Contains(reply.Content, "c: エー") || !strings.Contains(reply.Content, "ページ 2/2 (合計: 3単語)") {
		t.Fatalf("unexpected listing %q", reply.Content)
	}
	if reply := h.run(CmdEditWord, map[string]string{"surface": "zzz", "pronunciation": "ア"}); reply.Content != "その単語は登録されていません。" {
		t.Fatalf("unexpected edit reply %+v", reply)
	}
	if reply := h.run(CmdRemoveWord, map[string]string{"surface": "a"}); reply.Ephemeral {
		t.Fatalf("remove failed: %+v", reply)
	}
	if reply := h.run(CmdAddWord, map[string]string{"surface": "x", "pronunciation": "エックス", "accent_type": "one"}); !reply.Ephemeral {
		t.Fatalf("expected accent parse error, got %+v", reply)
	}
}

func TestStoreWriteFailureIsReported(t *testing.T) {
	h := newHarness(t)
	_ = h.store.Close()
	reply := h.run(CmdRegisterAutoJoin, map[string]string{"voice_channel": "v1"})
	if !reply.Ephemeral || reply.Content != "設定の保存に失敗しました。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestDispatchGuards(t *testing.T) {
	h := newHarness(t)
	if reply := h.run("nope", nil); !reply.Ephemeral {
		t.Fatalf("expected unknown command reply, got %+v", reply)
	}
	reply := h.svc.Dispatch(context.Background(), Invocation{Name: CmdStatus})
	if reply.Content != "このコマンドはサーバー内でのみ使用できます。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestSkipAndStatus(t *testing.T) {
	h := newHarness(t)
	if reply := h.run(CmdSkip, nil); !reply.Ephemeral {
		t.Fatalf("expected nothing to skip, got %+v", reply)
	}
	h.run(CmdJoin, map[string]string{"voice_channel": "v1"})
	conn := h.transport.Conn("g1")
	if err := h.reg.Speak("g1", "hello"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	select {
	case <-conn.Played():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback")
	}
	if reply := h.run(CmdSkip, nil); reply.Content != "読み上げをスキップしました。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	reply := h.run(CmdStatus, nil)
	if !strings.Contains(reply.Content, "状態: connected") || !strings.Contains(reply.Content, "<#v1>") {
		t.Fatalf("unexpected status %q", reply.Content)
	}
}

func TestSpecsCoverHandlers(t *testing.T) {
	h := newHarness(t)
	for _, spec := range Specs() {
		if _, ok := h.svc.handlers[spec.Name]; !ok {
			t.Fatalf("command %q has no handler", spec.Name)
		}
	}
}

func TestJoinDeniedRebindDoesNotMove(t *testing.T) {
	h := newHarnessWith(t, session.Options{DefaultSpeaker: 1})
	ctx := context.Background()
	if _, err := h.reg.Connect(ctx, session.ConnectRequest{GuildID: "g1", VoiceChannelID: "v1", TextChannelID: "t1", Origin: session.OriginAutoJoin}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	reply := h.run(CmdJoin, map[string]string{"voice_channel": "v2", "text_channel": "t2"})
	if !reply.Ephemeral || reply.Content != "自動接続されたセッションのテキストチャンネルは変更できません。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	info, _ := h.reg.Lookup("g1")
	if info.VoiceChannelID != "v1" || info.TextChannelID != "t1" {
		t.Fatalf("denied join must leave the session alone, got %+v", info)
	}
	if ch := h.transport.Conn("g1").ChannelID(); ch != "v1" {
		t.Fatalf("expected no move, voice connection is on %q", ch)
	}
}

func TestJoinReportsMoveFailureAfterRebind(t *testing.T) {
	h := newHarness(t)
	h.run(CmdJoin, map[string]string{"voice_channel": "v1"})
	h.transport.Conn("g1").FailMoves(errors.New("gateway timeout"))

	reply := h.run(CmdJoin, map[string]string{"voice_channel": "v2", "text_channel": "t2"})
	if !reply.Ephemeral || !strings.Contains(reply.Content, "読み上げ先を <#t2> に設定しました。") ||
		!strings.Contains(reply.Content, "ボイスチャンネルへの接続に失敗しました。") {
		t.Fatalf("expected both outcomes in reply, got %+v", reply)
	}
	info, _ := h.reg.Lookup("g1")
	if info.VoiceChannelID != "v1" || info.TextChannelID != "t2" {
		t.Fatalf("unexpected session %+v", info)
	}
}

func TestQueueClear(t *testing.T) {
	h := newHarness(t)
	if reply := h.run(CmdQueue, map[string]string{"action": QueueClear}); reply.Content != "現在、ボイスチャンネルに接続していません。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	h.run(CmdJoin, map[string]string{"voice_channel": "v1"})
	conn := h.transport.Conn("g1")
	for _, text := range []string{"one", "two", "three"} {
		if err := h.reg.Speak("g1", text); err != nil {
			t.Fatalf("speak: %v", err)
		}
	}
	var first *voicetest.Playback
	select {
	case first = <-conn.Played():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback")
	}

	reply := h.run(CmdQueue, map[string]string{"action": QueueClear})
	if reply.Content != "読み上げキューをクリアしました。2件のメッセージを削除しました。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	reply = h.run(CmdQueue, nil)
	if reply.Content != "待機中のメッセージ: 0件\n読み上げ中: はい" {
		t.Fatalf("unexpected status %q", reply.Content)
	}
	first.Finish()
	if _, ok := h.reg.Lookup("g1"); !ok {
		t.Fatal("clearing the queue must keep the session")
	}
	if err := h.reg.Speak("g1", "four"); err != nil {
		t.Fatalf("speak after clear: %v", err)
	}
	select {
	case p := <-conn.Played():
		if p.Audio != "four" {
			t.Fatalf("expected cleared items to be skipped, got %q", p.Audio)
		}
		p.Finish()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback after clear")
	}
}

func TestJoinLeaveToggle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if reply := h.run(CmdJoinLeave, map[string]string{"action": "maybe"}); !reply.Ephemeral || reply.Content != "on または off を指定してください。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply := h.run(CmdJoinLeave, map[string]string{"action": ToggleOff}); reply.Content != "入退室の読み上げを無効にしました。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if enabled, err := h.store.JoinLeaveEnabled(ctx, "g1"); err != nil || enabled {
		t.Fatalf("expected toggle stored off, got %v err=%v", enabled, err)
	}
	h.run(CmdJoinLeave, map[string]string{"action": ToggleOn})
	if enabled, err := h.store.JoinLeaveEnabled(ctx, "g1"); err != nil || !enabled {
		t.Fatalf("expected toggle stored on, got %v err=%v", enabled, err)
	}
}

func TestSpeakCommand(t *testing.T) {
	h := newHarness(t)
	if reply := h.run(CmdSpeak, map[string]string{"text": "hello"}); reply.Content != "現在、ボイスチャンネルに接続していません。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	h.run(CmdJoin, map[string]string{"voice_channel": "v1"})
	if reply := h.run(CmdSpeak, map[string]string{"text": "   "}); !reply.Ephemeral || reply.Content != "読み上げるテキストを指定してください。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply := h.run(CmdSpeak, map[string]string{"text": " hello "}); reply.Content != "読み上げキューに追加しました。" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	select {
	case p := <-h.transport.Conn("g1").Played():
		if p.Audio != "hello" {
			t.Fatalf("expected hello, got %q", p.Audio)
		}
		p.Finish()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback")
	}
}

package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/synthesis"
	"github.com/loqalabs/loqa-relay/internal/voice/voicetest"
)

type fakeRenderer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	gates map[string]chan struct{}
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{fail: make(map[string]bool), gates: make(map[string]chan struct{})}
}

func (r *fakeRenderer) Render(ctx context.Context, text string, _ int, _ synthesis.Params) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, text)
	gate := r.gates[text]
	fail := r.fail[text]
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, &synthesis.SynthesisError{Phase: "synthesis", Status: 500}
	}
	return []byte(text), nil
}

func (r *fakeRenderer) rendered(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c == text {
			return true
		}
	}
	return false
}

type outcome struct {
	text    string
	outcome Outcome
}

type recorder struct {
	mu  sync.Mutex
	got []outcome
}

func (r *recorder) UtteranceFinished(_ string, u Utterance, o Outcome, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, outcome{text: u.Text, outcome: o})
}

func (r *recorder) wait(t *testing.T, n int) []outcome {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.got) >= n {
			out := append([]outcome(nil), r.got...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d outcomes", n)
	return nil
}

func newTestSequencer(t *testing.T, r synthesis.Renderer, lookahead int) (*Sequencer, *recorder) {
	t.Helper()
	rec := &recorder{}
	seq := New(r, Options{Lookahead: lookahead, Observer: rec}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		seq.Close(ctx)
	})
	return seq, rec
}

func openConn(t *testing.T, seq *Sequencer, guildID string) *voicetest.Conn {
	t.Helper()
	c, err := voicetest.NewTransport().Join(context.Background(), guildID, "voice-"+guildID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := seq.Open(guildID, c); err != nil {
		t.Fatalf("open lane: %v", err)
	}
	return c.(*voicetest.Conn)
}

func expectPlayback(t *testing.T, conn *voicetest.Conn, want string) *voicetest.Playback {
	t.Helper()
	select {
	case p := <-conn.Played():
		if p.Audio != want {
			t.Fatalf("expected playback %q, got %q", want, p.Audio)
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for playback %q", want)
	}
	return nil
}

func expectIdle(t *testing.T, conn *voicetest.Conn) {
	t.Helper()
	select {
	case p := <-conn.Played():
		t.Fatalf("unexpected playback %q", p.Audio)
	case <-time.After(50 * time.Millisecond):
	}
}

func enqueue(t *testing.T, seq *Sequencer, guildID string, texts ...string) {
	t.Helper()
	for _, text := range texts {
		if err := seq.Enqueue(guildID, Utterance{Text: text}); err != nil {
			t.Fatalf("enqueue %q: %v", text, err)
		}
	}
}

func TestPlaysInOrderWithoutOverlap(t *testing.T) {
	seq, rec := newTestSequencer(t, newFakeRenderer(), 1)
	conn := openConn(t, seq, "g1")
	enqueue(t, seq, "g1", "A", "B", "C")

	for _, want := range []string{"A", "B", "C"} {
		p := expectPlayback(t, conn, want)
		expectIdle(t, conn)
		p.Finish()
	}
	got := rec.wait(t, 3)
	for i, want := range []string{"A", "B", "C"} {
		if got[i].text != want || got[i].outcome != OutcomePlayed {
			t.Fatalf("outcome %d: %+v", i, got[i])
		}
	}
	if conn.MaxConcurrent() != 1 {
		t.Fatalf("expected no overlapping playback, saw %d", conn.MaxConcurrent())
	}
}

func TestSkipsFailedSynthesis(t *testing.T) {
	r := newFakeRenderer()
	r.fail["bad"] = true
	seq, rec := newTestSequencer(t, r, 1)
	conn := openConn(t, seq, "g1")
	enqueue(t, seq, "g1", "A", "bad", "C")

	expectPlayback(t, conn, "A").Finish()
	expectPlayback(t, conn, "C").Finish()
	got := rec.wait(t, 3)
	if got[1].text != "bad" || got[1].outcome != OutcomeSkipped {
		t.Fatalf("expected failed render to be skipped, got %+v", got)
	}
}

func TestRendersAheadWhilePlaying(t *testing.T) {
	r := newFakeRenderer()
	seq, _ := newTestSequencer(t, r, 1)
	conn := openConn(t, seq, "g1")
	enqueue(t, seq, "g1", "A", "B")

	p := expectPlayback(t, conn, "A")
	deadline := time.Now().Add(time.Second)
	for !r.rendered("B") {
		if time.Now().After(deadline) {
			t.Fatal("expected B to render while A plays")
		}
		time.Sleep(5 * time.Millisecond)
	}
	expectIdle(t, conn)
	p.Finish()
	expectPlayback(t, conn, "B").Finish()
}

func TestNoLookaheadRendersSequentially(t *testing.T) {
	r := newFakeRenderer()
	seq, _ := newTestSequencer(t, r, 0)
	conn := openConn(t, seq, "g1")
	enqueue(t, seq, "g1", "A", "B")

	p := expectPlayback(t, conn, "A")
	time.Sleep(50 * time.Millisecond)
	if r.rendered("B") {
		t.Fatal("B rendered before A finished")
	}
	p.Finish()
	expectPlayback(t, conn, "B").Finish()
}

func TestAbandonDiscardsQueue(t *testing.T) {
	seq, rec := newTestSequencer(t, newFakeRenderer(), 1)
	conn := openConn(t, seq, "g1")
	enqueue(t, seq, "g1", "A", "B", "C")

	p := expectPlayback(t, conn, "A")
	if dropped := seq.Abandon(context.Background(), "g1"); dropped != 2 {
		t.Fatalf("expected 2 dropped utterances, got %d", dropped)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("active playback still running after abandon")
	}

	var notConnected *NotConnectedError
	if err := seq.Enqueue("g1", Utterance{Text: "D"}); !errors.As(err, &notConnected) {
		t.Fatalf("expected NotConnectedError, got %v", err)
	}
	if _, ok := seq.Status("g1"); ok {
		t.Fatal("expected lane to be gone")
	}
	expectIdle(t, conn)
	for _, o := range rec.wait(t, 3) {
		if o.outcome != OutcomeAbandoned {
			t.Fatalf("expected abandoned outcomes, got %+v", o)
		}
	}
}

func TestHoldStopsActiveAndResumesOnRelease(t *testing.T) {
	seq, rec := newTestSequencer(t, newFakeRenderer(), 1)
	conn := openConn(t, seq, "g1")
	enqueue(t, seq, "g1", "A")
	p := expectPlayback(t, conn, "A")

	if err := seq.Hold(context.Background(), "g1"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("hold returned while A still playing")
	}
	st, _ := seq.Status("g1")
	if st.Active || !st.Held {
		t.Fatalf("unexpected status while held: %+v", st)
	}

	enqueue(t, seq, "g1", "B")
	expectIdle(t, conn)
	seq.Release("g1")
	expectPlayback(t, conn, "B").Finish()

	got := rec.wait(t, 2)
	if got[0].outcome != OutcomeInterrupted || got[1].outcome != OutcomePlayed {
		t.Fatalf("unexpected outcomes %+v", got)
	}
}

func TestInterruptSkipsToNext(t *testing.T) {
	seq, _ := newTestSequencer(t, newFakeRenderer(), 1)
	conn := openConn(t, seq, "g1")
	enqueue(t, seq, "g1", "A", "B")

	expectPlayback(t, conn, "A")
	if !seq.Interrupt("g1") {
		t.Fatal("expected an active utterance to interrupt")
	}
	expectPlayback(t, conn, "B").Finish()
	if seq.Interrupt("missing") {
		t.Fatal("interrupt on unknown guild must report false")
	}
}

func TestLanesAreIndependent(t *testing.T) {
	r := newFakeRenderer()
	gate := make(chan struct{})
	r.gates["slow"] = gate
	defer close(gate)
	seq, _ := newTestSequencer(t, r, 1)
	_ = openConn(t, seq, "g1")
	conn2 := openConn(t, seq, "g2")

	enqueue(t, seq, "g1", "slow")
	enqueue(t, seq, "g2", "fast")
	expectPlayback(t, conn2, "fast").Finish()
}

func TestOpenTwiceFails(t *testing.T) {
	seq, _ := newTestSequencer(t, newFakeRenderer(), 1)
	conn := openConn(t, seq, "g1")
	if err := seq.Open("g1", conn); err == nil {
		t.Fatal("expected second open to fail")
	}
}

func TestClearDropsQueueButKeepsLane(t *testing.T) {
	seq, rec := newTestSequencer(t, newFakeRenderer(), 1)
	conn := openConn(t, seq, "g1")
	enqueue(t, seq, "g1", "A", "B", "C")

	p := expectPlayback(t, conn, "A")
	if dropped := seq.Clear("g1"); dropped != 2 {
		t.Fatalf("expected 2 dropped utterances, got %d", dropped)
	}
	st, ok := seq.Status("g1")
	if !ok || !st.Active || st.Pending != 0 {
		t.Fatalf("unexpected status after clear: %+v ok=%v", st, ok)
	}
	p.Finish()
	expectIdle(t, conn)

	enqueue(t, seq, "g1", "D")
	expectPlayback(t, conn, "D").Finish()

	got := rec.wait(t, 4)
	want := []outcome{
		{"B", OutcomeAbandoned},
		{"C", OutcomeAbandoned},
		{"A", OutcomePlayed},
		{"D", OutcomePlayed},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outcome %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
	if seq.Clear("missing") != 0 {
		t.Fatal("clear on unknown guild must drop nothing")
	}
}

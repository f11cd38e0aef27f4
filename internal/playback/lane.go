package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/voice"
)

var errInterrupted = errors.New("playback interrupted")

type item struct {
	u Utterance

	once  sync.Once
	done  chan struct{}
	audio []byte
	err   error

	stop        context.CancelFunc
	interrupted bool
}

func newItem(u Utterance) *item {
	return &item{u: u, done: make(chan struct{})}
}

func (it *item) render(l *lane) {
	it.once.Do(func() {
		go func() {
			start := time.Now()
			it.audio, it.err = l.seq.renderer.Render(l.ctx, it.u.Text, it.u.Speaker, it.u.Params)
			l.seq.metrics.rendered(time.Since(start))
			close(it.done)
		}()
	})
}

// lane owns one guild's queue. mu guards every field below it; cond is
// broadcast whenever queue, active, held or closed change.
type lane struct {
	guildID string
	conn    voice.Connection
	seq     *Sequencer
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*item
	active *item
	held   bool
	closed bool
}

func (l *lane) run() {
	defer l.seq.wg.Done()
	for {
		it, ok := l.next()
		if !ok {
			return
		}
		it.render(l)
		l.prefetch()
		<-it.done

		if it.err != nil {
			if l.ctx.Err() != nil {
				l.seq.finished(l.guildID, it.u, OutcomeAbandoned, it.err)
				return
			}
			l.seq.finished(l.guildID, it.u, OutcomeSkipped, it.err)
			continue
		}

		playCtx, ok := l.begin(it)
		if !ok {
			l.seq.finished(l.guildID, it.u, OutcomeAbandoned, nil)
			return
		}
		pb, err := l.conn.Play(playCtx, it.audio)
		if err == nil {
			<-pb.Done()
			err = pb.Err()
		}
		outcome := l.end(it)
		switch outcome {
		case OutcomeInterrupted, OutcomeAbandoned:
			l.seq.finished(l.guildID, it.u, outcome, errInterrupted)
		default:
			if err != nil {
				l.seq.finished(l.guildID, it.u, OutcomeSkipped, err)
			} else {
				l.seq.finished(l.guildID, it.u, OutcomePlayed, nil)
			}
		}
	}
}

// next blocks until an utterance is queued or the lane closes.
func (l *lane) next() (*item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) == 0 && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return nil, false
	}
	it := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return it, true
}

func (l *lane) prefetch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < l.seq.opts.Lookahead && i < len(l.queue); i++ {
		l.queue[i].render(l)
	}
}

func (l *lane) push(u Utterance) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	it := newItem(u)
	l.queue = append(l.queue, it)
	if len(l.queue) <= l.seq.opts.Lookahead {
		it.render(l)
	}
	l.cond.Broadcast()
	return true
}

// begin marks it as the playing utterance once the lane is not held.
func (l *lane) begin(it *item) (context.Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.held && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return nil, false
	}
	ctx, cancel := context.WithCancel(l.ctx)
	it.stop = cancel
	l.active = it
	return ctx, true
}

func (l *lane) end(it *item) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	it.stop()
	if l.active == it {
		l.active = nil
	}
	l.cond.Broadcast()
	switch {
	case l.closed:
		return OutcomeAbandoned
	case it.interrupted:
		return OutcomeInterrupted
	}
	return OutcomePlayed
}

func (l *lane) interrupt() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return false
	}
	l.active.interrupted = true
	l.active.stop()
	return true
}

func (l *lane) hold(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = true
	if l.active != nil {
		l.active.interrupted = true
		l.active.stop()
	}
	return l.waitIdle(ctx)
}

func (l *lane) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.cond.Broadcast()
}

// clear drops the queued utterances. The active one keeps playing.
func (l *lane) clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := l.queue
	l.queue = nil
	l.cond.Broadcast()
	for _, it := range dropped {
		l.seq.finished(l.guildID, it.u, OutcomeAbandoned, nil)
	}
	return len(dropped)
}

func (l *lane) close(ctx context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0
	}
	l.closed = true
	dropped := l.queue
	l.queue = nil
	if l.active != nil {
		l.active.stop()
	}
	l.cancel()
	l.cond.Broadcast()
	for _, it := range dropped {
		l.seq.finished(l.guildID, it.u, OutcomeAbandoned, nil)
	}
	_ = l.waitIdle(ctx)
	return len(dropped)
}

// waitIdle waits for the active utterance to end. Callers hold l.mu.
func (l *lane) waitIdle(ctx context.Context) error {
	if l.active == nil {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()
	for l.active != nil && ctx.Err() == nil {
		l.cond.Wait()
	}
	if l.active != nil {
		return ctx.Err()
	}
	return nil
}

func (l *lane) status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{Pending: len(l.queue), Active: l.active != nil, Held: l.held}
	if l.active != nil {
		st.ActiveText = l.active.u.Text
	}
	return st
}

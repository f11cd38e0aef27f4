// Package playback serializes synthesized speech per guild. Each guild owns a
// lane with one player goroutine: renders run ahead of playback, plays never
// overlap, and a lane can be held during a channel move or abandoned on
// disconnect.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-relay/internal/synthesis"
	"github.com/loqalabs/loqa-relay/internal/voice"
)

// Kind separates relayed chat from relay-generated announcements.
type Kind string

const (
	KindMessage      Kind = "message"
	KindNotification Kind = "notification"
)

// Utterance is one unit of speech with its voice already resolved.
type Utterance struct {
	ID         string
	Kind       Kind
	Text       string
	Speaker    int
	Params     synthesis.Params
	EnqueuedAt time.Time
}

// Outcome is how an utterance left its lane.
type Outcome string

const (
	OutcomePlayed      Outcome = "played"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeAbandoned   Outcome = "abandoned"
)

// Observer is told about every utterance that leaves a lane. It is called
// from player goroutines and must not block.
type Observer interface {
	UtteranceFinished(guildID string, u Utterance, outcome Outcome, err error)
}

// NotConnectedError means the guild has no open lane.
type NotConnectedError struct {
	GuildID string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("guild %s has no active voice session", e.GuildID)
}

// Status is a point-in-time view of a lane.
type Status struct {
	Pending    int
	Active     bool
	ActiveText string
	Held       bool
}

type Options struct {
	// Lookahead is how many queued utterances render while another plays.
	// Zero renders strictly one at a time.
	Lookahead int
	Observer  Observer
}

type Sequencer struct {
	renderer synthesis.Renderer
	opts     Options
	log      *slog.Logger
	metrics  *metrics

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

func New(renderer synthesis.Renderer, opts Options, log *slog.Logger) *Sequencer {
	s := &Sequencer{
		renderer: renderer,
		opts:     opts,
		log:      log.With(slog.String("component", "playback")),
		lanes:    make(map[string]*lane),
	}
	m, err := newMetrics(s)
	if err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	s.metrics = m
	return s
}

// Open starts a lane that plays on conn. Opening a guild twice is an error.
func (s *Sequencer) Open(guildID string, conn voice.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lanes[guildID]; ok {
		return fmt.Errorf("playback lane for guild %s already open", guildID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &lane{
		guildID: guildID,
		conn:    conn,
		seq:     s,
		ctx:     ctx,
		cancel:  cancel,
	}
	l.cond = sync.NewCond(&l.mu)
	s.lanes[guildID] = l
	s.wg.Add(1)
	go l.run()
	return nil
}

// Enqueue appends u to the guild's lane.
func (s *Sequencer) Enqueue(guildID string, u Utterance) error {
	l := s.lane(guildID)
	if l == nil {
		return &NotConnectedError{GuildID: guildID}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Kind == "" {
		u.Kind = KindMessage
	}
	if u.EnqueuedAt.IsZero() {
		u.EnqueuedAt = time.Now()
	}
	if !l.push(u) {
		return &NotConnectedError{GuildID: guildID}
	}
	s.metrics.enqueued(u.Kind)
	return nil
}

// Hold pauses the lane and stops the utterance playing now. It returns once
// nothing is playing or ctx ends.
func (s *Sequencer) Hold(ctx context.Context, guildID string) error {
	l := s.lane(guildID)
	if l == nil {
		return &NotConnectedError{GuildID: guildID}
	}
	return l.hold(ctx)
}

// Release resumes a held lane.
func (s *Sequencer) Release(guildID string) {
	if l := s.lane(guildID); l != nil {
		l.release()
	}
}

// Interrupt stops the utterance playing now. The queue keeps going.
func (s *Sequencer) Interrupt(guildID string) bool {
	l := s.lane(guildID)
	if l == nil {
		return false
	}
	return l.interrupt()
}

// Clear discards the guild's queued utterances and returns how many were
// dropped. The lane stays open and the utterance playing now is kept.
func (s *Sequencer) Clear(guildID string) int {
	l := s.lane(guildID)
	if l == nil {
		return 0
	}
	return l.clear()
}

// Abandon closes the lane, discarding queued utterances and stopping the one
// playing. It returns the number of utterances discarded.
func (s *Sequencer) Abandon(ctx context.Context, guildID string) int {
	s.mu.Lock()
	l := s.lanes[guildID]
	delete(s.lanes, guildID)
	s.mu.Unlock()
	if l == nil {
		return 0
	}
	return l.close(ctx)
}

func (s *Sequencer) Status(guildID string) (Status, bool) {
	l := s.lane(guildID)
	if l == nil {
		return Status{}, false
	}
	return l.status(), true
}

// Close abandons every lane and waits for the players to exit.
func (s *Sequencer) Close(ctx context.Context) {
	s.mu.Lock()
	lanes := s.lanes
	s.lanes = make(map[string]*lane)
	s.mu.Unlock()
	for _, l := range lanes {
		l.close(ctx)
	}
	s.wg.Wait()
}

func (s *Sequencer) lane(guildID string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lanes[guildID]
}

func (s *Sequencer) depth() (lanes, pending int64) {
	s.mu.Lock()
	all := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		all = append(all, l)
	}
	s.mu.Unlock()
	for _, l := range all {
		pending += int64(l.status().Pending)
	}
	return int64(len(all)), pending
}

func (s *Sequencer) finished(guildID string, u Utterance, outcome Outcome, err error) {
	s.metrics.finished(outcome)
	switch outcome {
	case OutcomeSkipped:
		s.log.Warn("utterance skipped", slog.String("guild_id", guildID), slog.String("utterance_id", u.ID), slogError(err))
	case OutcomePlayed:
		s.log.Debug("utterance played", slog.String("guild_id", guildID), slog.String("utterance_id", u.ID))
	}
	if s.opts.Observer != nil {
		s.opts.Observer.UtteranceFinished(guildID, u, outcome, err)
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

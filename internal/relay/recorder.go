package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/session"
)

type Publisher interface {
	PublishJSON(subject string, v any) error
}

// EventLog is the durable session history.
type EventLog interface {
	StartSession(ctx context.Context, sess eventstore.Session) error
	EndSession(ctx context.Context, sessionID, cause string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

const recorderBacklog = 256

// Recorder publishes utterance and session changes on the bus and writes them
// to the event log. Callbacks only enqueue; a single worker does the I/O so
// records keep their order.
type Recorder struct {
	pub    Publisher
	events EventLog
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	closed   bool
	sessions map[string]string
	queue    chan func(context.Context)
	wg       sync.WaitGroup
}

func NewRecorder(pub Publisher, events EventLog, logger *slog.Logger) *Recorder {
	return &Recorder{
		pub:      pub,
		events:   events,
		logger:   logger.With(slog.String("component", "recorder")),
		clock:    time.Now,
		sessions: make(map[string]string),
		queue:    make(chan func(context.Context), recorderBacklog),
	}
}

func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for fn := range r.queue {
			fn(ctx)
		}
	}()
}

// Close flushes pending records and stops the worker.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) submit(fn func(context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- fn:
	default:
		r.logger.Warn("recorder backlog full, dropping record")
	}
}

// SessionChanged implements session.Observer.
func (r *Recorder) SessionChanged(info session.Info, cause string) {
	r.mu.Lock()
	if info.State == session.StateDisconnected {
		delete(r.sessions, info.GuildID)
	} else {
		r.sessions[info.GuildID] = info.ID
	}
	r.mu.Unlock()

	now := r.clock().UTC()
	evt := protocol.SessionEvent{
		GuildID:        info.GuildID,
		SessionID:      info.ID,
		State:          info.State.String(),
		Cause:          cause,
		VoiceChannelID: info.VoiceChannelID,
		TextChannelID:  info.TextChannelID,
		Origin:         string(info.Origin),
		Timestamp:      now,
	}
	r.submit(func(ctx context.Context) {
		r.publish(protocol.SubjectSessionState, evt)

		var err error
		switch info.State {
		case session.StateConnecting:
			err = r.events.StartSession(ctx, eventstore.Session{
				ID:             info.ID,
				GuildID:        info.GuildID,
				VoiceChannelID: info.VoiceChannelID,
				TextChannelID:  info.TextChannelID,
				Origin:         string(info.Origin),
				StartedAt:      now,
			})
		case session.StateDisconnected:
			err = r.events.EndSession(ctx, info.ID, cause)
		default:
			if info.State == session.StateConnected {
				// Moves and rebinds land here; keep the session row current.
				err = r.events.StartSession(ctx, eventstore.Session{
					ID:             info.ID,
					GuildID:        info.GuildID,
					VoiceChannelID: info.VoiceChannelID,
					TextChannelID:  info.TextChannelID,
					Origin:         string(info.Origin),
				})
			}
			if err == nil {
				err = r.events.AppendEvent(ctx, eventstore.Event{
					SessionID: info.ID,
					GuildID:   info.GuildID,
					Type:      "session." + info.State.String(),
					Detail:    cause,
					CreatedAt: now,
				})
			}
		}
		if err != nil {
			r.logger.Warn("failed to record session change",
				slog.String("guild_id", info.GuildID),
				slog.String("state", info.State.String()),
				slogError(err),
			)
		}
	})
}

// UtteranceFinished implements playback.Observer.
func (r *Recorder) UtteranceFinished(guildID string, u playback.Utterance, outcome playback.Outcome, err error) {
	r.mu.Lock()
	sessionID := r.sessions[guildID]
	r.mu.Unlock()

	evt := protocol.UtteranceEvent{
		GuildID:     guildID,
		SessionID:   sessionID,
		UtteranceID: u.ID,
		Kind:        string(u.Kind),
		Text:        u.Text,
		Speaker:     u.Speaker,
		Outcome:     string(outcome),
		Timestamp:   r.clock().UTC(),
	}
	detail := u.Text
	if err != nil {
		evt.Error = err.Error()
		detail = err.Error()
	}
	subject := protocol.SubjectUtteranceSkipped
	if outcome == playback.OutcomePlayed {
		subject = protocol.SubjectUtterancePlayed
	}

	r.submit(func(ctx context.Context) {
		r.publish(subject, evt)
		if sessionID == "" {
			return
		}
		if err := r.events.AppendEvent(ctx, eventstore.Event{
			SessionID:   sessionID,
			GuildID:     guildID,
			Type:        "utterance." + string(outcome),
			UtteranceID: u.ID,
			Detail:      detail,
			CreatedAt:   evt.Timestamp,
		}); err != nil {
			r.logger.Warn("failed to record utterance", slog.String("guild_id", guildID), slogError(err))
		}
	})
}

func (r *Recorder) publish(subject string, v any) {
	if r.pub == nil {
		return
	}
	if err := r.pub.PublishJSON(subject, v); err != nil {
		r.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

// Package relay turns gateway events from the bus into speech and session
// changes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/sanitize"
	"github.com/loqalabs/loqa-relay/internal/session"
	"github.com/nats-io/nats.go"
)

type Sessions interface {
	Lookup(guildID string) (session.Info, bool)
	Speak(guildID, text string) error
}

// Dictionary rewrites text with the guild's pronunciations.
type Dictionary interface {
	Apply(ctx context.Context, guildID, text string) string
}

// Presence consumes voice state changes and gateway readiness.
type Presence interface {
	HandlePresence(ctx context.Context, p session.Presence)
	Reconcile(ctx context.Context) int
}

type Occupancy interface {
	HumanCount(guildID, channelID string) int
}

type Options struct {
	AttachmentText       string
	RequireHumanListener bool
}

// Drop reasons reported by HandleMessage.
const (
	DropNone       = ""
	DropBot        = "bot_author"
	DropMuted      = "muted"
	DropEmpty      = "empty"
	DropNoSession  = "no_session"
	DropNotBound   = "unbound_channel"
	DropNoListener = "no_listener"
	DropQueue      = "enqueue_failed"
)

type Service struct {
	bus       *bus.Client
	sessions  Sessions
	dict      Dictionary
	presence  Presence
	occupancy Occupancy
	sanitizer *sanitize.Sanitizer
	opts      Options
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewService(parent context.Context, busClient *bus.Client, sessions Sessions, dict Dictionary, presence Presence, occupancy Occupancy, sanitizer *sanitize.Sanitizer, opts Options, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:       busClient,
		sessions:  sessions,
		dict:      dict,
		presence:  presence,
		occupancy: occupancy,
		sanitizer: sanitizer,
		opts:      opts,
		logger:    logger.With(slog.String("component", "relay")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	handlers := []struct {
		subject string
		handle  nats.MsgHandler
	}{
		{protocol.SubjectGatewayMessage, s.handleMessage},
		{protocol.SubjectGatewayPresence, s.handlePresence},
		{protocol.SubjectGatewayReady, s.handleReady},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handle)
		if err != nil {
			for _, existing := range s.subs {
				_ = existing.Drain()
			}
			s.subs = nil
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 3
}

// spawn runs fn on its own goroutine unless the service is closing.
func (s *Service) spawn(fn func(ctx context.Context)) {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Service) handleMessage(msg *nats.Msg) {
	var evt protocol.MessageEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.logger.Warn("relay failed to decode message event", slogError(err))
		return
	}
	// Messages stay on the subscription goroutine so a guild's chat reaches
	// its lane in arrival order.
	s.HandleMessage(s.ctx, evt)
}

func (s *Service) handlePresence(msg *nats.Msg) {
	var evt protocol.PresenceEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.logger.Warn("relay failed to decode presence event", slogError(err))
		return
	}
	s.spawn(func(ctx context.Context) {
		s.presence.HandlePresence(ctx, session.Presence{
			GuildID:         evt.GuildID,
			UserID:          evt.UserID,
			DisplayName:     evt.DisplayName,
			Bot:             evt.Bot,
			Self:            evt.Self,
			BeforeChannelID: evt.BeforeChannelID,
			AfterChannelID:  evt.AfterChannelID,
		})
	})
}

func (s *Service) handleReady(msg *nats.Msg) {
	var evt protocol.ReadyEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.logger.Warn("relay failed to decode ready event", slogError(err))
		return
	}
	s.spawn(func(ctx context.Context) {
		n := s.presence.Reconcile(ctx)
		s.logger.Info("gateway ready, bindings reconciled",
			slog.String("gateway_session", evt.SessionID),
			slog.Int("guilds", len(evt.Guilds)),
			slog.Int("opened", n),
		)
	})
}

// HandleMessage runs one chat message through the speech pipeline and
// reports why it was dropped, or DropNone when it was queued.
func (s *Service) HandleMessage(ctx context.Context, evt protocol.MessageEvent) string {
	if evt.AuthorBot {
		return DropBot
	}
	if s.sanitizer.Muted(evt.Content) {
		return DropMuted
	}
	info, ok := s.sessions.Lookup(evt.GuildID)
	if !ok || info.State != session.StateConnected {
		return DropNoSession
	}
	if info.TextChannelID != evt.ChannelID {
		return DropNotBound
	}
	if s.opts.RequireHumanListener && s.occupancy != nil && s.occupancy.HumanCount(evt.GuildID, info.VoiceChannelID) == 0 {
		return DropNoListener
	}

	text := s.sanitizer.Sanitize(evt.Content)
	if evt.Attachments > 0 && s.opts.AttachmentText != "" {
		text = strings.TrimSpace(text + " " + s.opts.AttachmentText)
	}
	if text == "" {
		return DropEmpty
	}
	if s.dict != nil {
		text = s.dict.Apply(ctx, evt.GuildID, text)
	}

	if err := s.sessions.Speak(evt.GuildID, text); err != nil {
		var notConnected *session.NotConnectedError
		if errors.As(err, &notConnected) {
			return DropNoSession
		}
		s.logger.Warn("relay failed to queue message",
			slog.String("guild_id", evt.GuildID),
			slog.String("message_id", evt.MessageID),
			slogError(err),
		)
		return DropQueue
	}
	s.logger.Debug("message queued",
		slog.String("guild_id", evt.GuildID),
		slog.String("message_id", evt.MessageID),
		slog.Int("length", len([]rune(text))),
	)
	return DropNone
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Package autojoin connects guilds to their bound voice channel when members
// arrive and announces arrivals and departures in connected channels.
package autojoin

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-relay/internal/configstore"
	"github.com/loqalabs/loqa-relay/internal/session"
)

// Sessions is the registry surface the watcher drives.
type Sessions interface {
	Connect(ctx context.Context, req session.ConnectRequest) (session.Info, error)
	Lookup(guildID string) (session.Info, bool)
	LookupChannel(channelID string) (string, bool)
	Announce(guildID, text string) error
	ObservePresence(ctx context.Context, p session.Presence)
}

// Bindings reads stored auto-join opt-ins and the announcement toggle.
type Bindings interface {
	GetBinding(ctx context.Context, guildID string) (configstore.Binding, bool, error)
	ListBindings(ctx context.Context) ([]configstore.Binding, error)
	JoinLeaveEnabled(ctx context.Context, guildID string) (bool, error)
}

// Occupancy counts human listeners in a channel.
type Occupancy interface {
	HumanCount(guildID, channelID string) int
}

type Options struct {
	NotifyJoin        string
	NotifyLeave       string
	ReconcileInterval time.Duration
}

type Watcher struct {
	sessions  Sessions
	bindings  Bindings
	occupancy Occupancy
	opts      Options
	log       *slog.Logger
}

func NewWatcher(sessions Sessions, bindings Bindings, occupancy Occupancy, opts Options, log *slog.Logger) *Watcher {
	return &Watcher{
		sessions:  sessions,
		bindings:  bindings,
		occupancy: occupancy,
		opts:      opts,
		log:       log.With(slog.String("component", "autojoin")),
	}
}

// HandlePresence reacts to one voice state change.
func (w *Watcher) HandlePresence(ctx context.Context, p session.Presence) {
	if p.Self {
		w.sessions.ObservePresence(ctx, p)
		return
	}

	if !p.Bot {
		w.announce(ctx, p)
		if p.Joined() {
			w.maybeConnect(ctx, p)
		}
	}
	if p.Left() {
		w.sessions.ObservePresence(ctx, p)
	}
}

func (w *Watcher) announce(ctx context.Context, p session.Presence) {
	info, ok := w.sessions.Lookup(p.GuildID)
	if !ok || info.State != session.StateConnected {
		return
	}
	var tmpl string
	switch {
	case p.Joined() && p.AfterChannelID == info.VoiceChannelID:
		tmpl = w.opts.NotifyJoin
	case p.Left() && p.BeforeChannelID == info.VoiceChannelID:
		tmpl = w.opts.NotifyLeave
	}
	if tmpl == "" {
		return
	}
	enabled, err := w.bindings.JoinLeaveEnabled(ctx, p.GuildID)
	if err != nil {
		w.log.Warn("announcement toggle lookup failed", slog.String("guild_id", p.GuildID), slogError(err))
	}
	if !enabled {
		return
	}
	if err := w.sessions.Announce(p.GuildID, formatName(tmpl, p.DisplayName)); err != nil {
		w.log.Warn("presence announcement dropped", slog.String("guild_id", p.GuildID), slogError(err))
	}
}

func (w *Watcher) maybeConnect(ctx context.Context, p session.Presence) {
	if _, ok := w.sessions.Lookup(p.GuildID); ok {
		return
	}
	binding, found, err := w.bindings.GetBinding(ctx, p.GuildID)
	if err != nil {
		w.log.Warn("binding lookup failed, skipping auto-join", slog.String("guild_id", p.GuildID), slogError(err))
		return
	}
	if !found || binding.VoiceChannelID != p.AfterChannelID {
		return
	}
	w.connect(ctx, binding, "member joined")
}

// Reconcile connects every bound guild whose voice channel already has
// listeners. It returns the number of sessions opened.
func (w *Watcher) Reconcile(ctx context.Context) int {
	bindings, err := w.bindings.ListBindings(ctx)
	if err != nil {
		w.log.Warn("binding list failed, skipping reconcile", slogError(err))
		return 0
	}
	opened := 0
	for _, b := range bindings {
		if ctx.Err() != nil {
			break
		}
		if _, ok := w.sessions.Lookup(b.GuildID); ok {
			continue
		}
		if w.occupancy.HumanCount(b.GuildID, b.VoiceChannelID) == 0 {
			continue
		}
		if w.connect(ctx, b, "reconcile") {
			opened++
		}
	}
	return opened
}

// Run reconciles on every interval until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	if w.opts.ReconcileInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := w.Reconcile(ctx); n > 0 {
				w.log.Info("reconcile opened sessions", slog.Int("count", n))
			}
		}
	}
}

func (w *Watcher) connect(ctx context.Context, b configstore.Binding, reason string) bool {
	if owner, ok := w.sessions.LookupChannel(b.VoiceChannelID); ok {
		w.log.Info("auto-join skipped, channel occupied",
			slog.String("guild_id", b.GuildID),
			slog.String("voice_channel_id", b.VoiceChannelID),
			slog.String("owner_guild_id", owner),
		)
		return false
	}
	_, err := w.sessions.Connect(ctx, session.ConnectRequest{
		GuildID:        b.GuildID,
		VoiceChannelID: b.VoiceChannelID,
		TextChannelID:  b.TextChannelID,
		Origin:         session.OriginAutoJoin,
	})
	var occupied *session.ChannelOccupiedError
	var invalid *session.InvalidTransitionError
	switch {
	case err == nil:
		w.log.Info("auto-joined voice channel",
			slog.String("guild_id", b.GuildID),
			slog.String("voice_channel_id", b.VoiceChannelID),
			slog.String("reason", reason),
		)
		return true
	case errors.As(err, &occupied), errors.As(err, &invalid):
		w.log.Info("auto-join skipped", slog.String("guild_id", b.GuildID), slogError(err))
	default:
		w.log.Warn("auto-join failed", slog.String("guild_id", b.GuildID), slogError(err))
	}
	return false
}

func formatName(tmpl, name string) string {
	return strings.ReplaceAll(tmpl, "{name}", name)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

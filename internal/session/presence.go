package session

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Presence is one member's voice channel change. An empty channel id means
// the member was not in voice on that side of the change.
type Presence struct {
	GuildID         string
	UserID          string
	DisplayName     string
	Bot             bool
	Self            bool
	BeforeChannelID string
	AfterChannelID  string
}

func (p Presence) Joined() bool {
	return p.AfterChannelID != "" && p.AfterChannelID != p.BeforeChannelID
}

func (p Presence) Left() bool {
	return p.BeforeChannelID != "" && p.BeforeChannelID != p.AfterChannelID
}

// ObservePresence keeps sessions consistent with voice channel occupancy. When
// the last human leaves a session's channel the session is disconnected before
// this returns. Changes to the relay's own voice state follow kicks and drags.
func (r *Registry) ObservePresence(ctx context.Context, p Presence) {
	if p.Self {
		r.observeSelf(ctx, p)
		return
	}
	if !p.Left() {
		return
	}
	r.noteMoveDeparture(p.GuildID, p.BeforeChannelID)
	info, ok := r.Lookup(p.GuildID)
	if !ok || info.State != StateConnected || info.VoiceChannelID != p.BeforeChannelID {
		return
	}
	if r.transport.HumanCount(p.GuildID, p.BeforeChannelID) > 0 {
		return
	}
	r.log.Info("voice channel empty, disconnecting",
		slog.String("guild_id", p.GuildID),
		slog.String("voice_channel_id", p.BeforeChannelID),
	)
	r.countAutoDisconnect(ctx, "channel_empty")
	if err := r.disconnect(ctx, p.GuildID, "channel empty"); err != nil {
		r.log.Warn("auto-disconnect failed", slog.String("guild_id", p.GuildID), slogError(err))
	}
}

// noteMoveDeparture flags a departure from the channel a Move is heading to,
// so the move can re-check occupancy once it lands.
func (r *Registry) noteMoveDeparture(guildID, channelID string) {
	s := r.session(guildID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.moveTarget != "" && s.moveTarget == channelID {
		s.targetLeft = true
	}
	s.mu.Unlock()
}

func (r *Registry) observeSelf(ctx context.Context, p Presence) {
	s := r.session(p.GuildID)
	if s == nil {
		return
	}
	s.mu.Lock()
	state, current := s.info.State, s.info.VoiceChannelID
	s.mu.Unlock()
	if state != StateConnected || p.AfterChannelID == current {
		return
	}

	if p.AfterChannelID == "" {
		r.log.Info("relay removed from voice, disconnecting", slog.String("guild_id", p.GuildID))
		r.countAutoDisconnect(ctx, "removed")
		if err := r.disconnect(ctx, p.GuildID, "removed from channel"); err != nil {
			r.log.Warn("teardown after removal failed", slog.String("guild_id", p.GuildID), slogError(err))
		}
		return
	}

	s.op.Lock()
	defer s.op.Unlock()
	s.mu.Lock()
	if s.removed || s.info.State != StateConnected || s.info.VoiceChannelID != current {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	r.mu.Lock()
	if owner, ok := r.channels[p.AfterChannelID]; ok && owner != p.GuildID {
		r.mu.Unlock()
		r.log.Warn("relay dragged into a channel owned by another session",
			slog.String("guild_id", p.GuildID),
			slog.String("voice_channel_id", p.AfterChannelID),
			slog.String("owner_guild_id", owner),
		)
		return
	}
	delete(r.channels, current)
	r.channels[p.AfterChannelID] = p.GuildID
	r.mu.Unlock()

	s.mu.Lock()
	s.info.VoiceChannelID = p.AfterChannelID
	s.mu.Unlock()
	r.notify(s.snapshot(), "dragged")
	r.log.Info("relay dragged to another channel",
		slog.String("guild_id", p.GuildID),
		slog.String("from", current),
		slog.String("to", p.AfterChannelID),
	)
}

func (r *Registry) countAutoDisconnect(ctx context.Context, reason string) {
	if r.autoDisconnects == nil {
		return
	}
	r.autoDisconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

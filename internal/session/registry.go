// Package session tracks one voice session per guild and drives its
// connection state machine.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/synthesis"
	"github.com/loqalabs/loqa-relay/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var errJoinAborted = errors.New("join aborted by disconnect")

// Info is a snapshot of a guild session.
type Info struct {
	ID             string
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	State          State
	Origin         Origin
	Speaker        int
	Params         synthesis.Params
	ConnectedAt    time.Time
}

type ConnectRequest struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	Origin         Origin
}

// Lanes is the playback surface a session drives.
type Lanes interface {
	Open(guildID string, conn voice.Connection) error
	Enqueue(guildID string, u playback.Utterance) error
	Hold(ctx context.Context, guildID string) error
	Release(guildID string)
	Abandon(ctx context.Context, guildID string) int
}

// Settings supplies stored per-guild voice settings.
type Settings interface {
	GetSpeaker(ctx context.Context, guildID string) (int, bool, error)
	GetVoiceParams(ctx context.Context, guildID string) (synthesis.Params, error)
}

// Observer is told about every state change. Calls happen outside registry
// locks.
type Observer interface {
	SessionChanged(info Info, cause string)
}

type Options struct {
	DefaultSpeaker        int
	NotifyConnected       string
	NotifyAutoConnected   string
	NotifyMoved           string
	AllowRebindAutoJoined bool
	Observer              Observer
}

type Registry struct {
	transport voice.Transport
	lanes     Lanes
	settings  Settings
	opts      Options
	log       *slog.Logger
	clock     func() time.Time

	autoDisconnects metric.Int64Counter

	mu       sync.Mutex
	sessions map[string]*guildSession
	channels map[string]string
}

// guildSession holds op for the whole of a transition and mu only while
// touching fields.
type guildSession struct {
	op sync.Mutex

	mu         sync.Mutex
	info       Info
	conn       voice.Connection
	cancelJoin context.CancelFunc
	aborted    bool
	removed    bool

	// moveTarget is the channel a Move is heading to; targetLeft records a
	// departure from it seen before the move finished.
	moveTarget string
	targetLeft bool
}

func (s *guildSession) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Params = s.info.Params.Clone()
	return info
}

func (s *guildSession) setState(st State) Info {
	s.mu.Lock()
	s.info.State = st
	s.mu.Unlock()
	return s.snapshot()
}

func NewRegistry(transport voice.Transport, lanes Lanes, settings Settings, opts Options, log *slog.Logger) *Registry {
	r := &Registry{
		transport: transport,
		lanes:     lanes,
		settings:  settings,
		opts:      opts,
		log:       log.With(slog.String("component", "session")),
		clock:     time.Now,
		sessions:  make(map[string]*guildSession),
		channels:  make(map[string]string),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	return r
}

// Connect opens a session for a guild that has none.
func (r *Registry) Connect(ctx context.Context, req ConnectRequest) (Info, error) {
	if req.Origin == "" {
		req.Origin = OriginCommand
	}
	if req.TextChannelID == "" {
		req.TextChannelID = req.VoiceChannelID
	}

	r.mu.Lock()
	if owner, ok := r.channels[req.VoiceChannelID]; ok {
		r.mu.Unlock()
		return Info{}, &ChannelOccupiedError{ChannelID: req.VoiceChannelID, OwnerGuildID: owner}
	}
	if existing, ok := r.sessions[req.GuildID]; ok {
		r.mu.Unlock()
		info := existing.snapshot()
		return info, &InvalidTransitionError{GuildID: req.GuildID, From: info.State, Op: "connect"}
	}
	joinCtx, cancel := context.WithCancel(ctx)
	s := &guildSession{
		cancelJoin: cancel,
		info: Info{
			ID:             uuid.NewString(),
			GuildID:        req.GuildID,
			VoiceChannelID: req.VoiceChannelID,
			TextChannelID:  req.TextChannelID,
			State:          StateConnecting,
			Origin:         req.Origin,
			Speaker:        r.opts.DefaultSpeaker,
			Params:         synthesis.Params{},
		},
	}
	s.op.Lock()
	r.sessions[req.GuildID] = s
	r.channels[req.VoiceChannelID] = req.GuildID
	r.mu.Unlock()
	defer s.op.Unlock()
	defer cancel()

	r.notify(s.snapshot(), "connect")
	speaker, params := r.loadSettings(joinCtx, req.GuildID)

	conn, err := r.transport.Join(joinCtx, req.GuildID, req.VoiceChannelID)
	if err == nil {
		if err = r.lanes.Open(req.GuildID, conn); err != nil {
			_ = conn.Disconnect(ctx)
		}
	}
	if err == nil {
		s.mu.Lock()
		if s.aborted {
			err = errJoinAborted
		} else {
			s.conn = conn
			s.cancelJoin = nil
			s.info.Speaker = speaker
			s.info.Params = params
			s.info.State = StateConnected
			s.info.ConnectedAt = r.clock().UTC()
		}
		s.mu.Unlock()
		if err != nil {
			r.lanes.Abandon(ctx, req.GuildID)
			if derr := conn.Disconnect(ctx); derr != nil {
				r.log.Warn("disconnect after aborted join failed", slog.String("guild_id", req.GuildID), slogError(derr))
			}
		}
	}
	if err != nil {
		r.remove(s)
		r.notify(s.setState(StateDisconnected), "connect failed")
		return Info{}, &BackendConnectError{Op: "join", GuildID: req.GuildID, ChannelID: req.VoiceChannelID, Err: err}
	}

	info := s.snapshot()
	r.notify(info, "connected")
	r.log.Info("voice session connected",
		slog.String("guild_id", req.GuildID),
		slog.String("voice_channel_id", req.VoiceChannelID),
		slog.String("text_channel_id", req.TextChannelID),
		slog.String("origin", string(req.Origin)),
	)

	notice := r.opts.NotifyConnected
	if req.Origin == OriginAutoJoin {
		notice = r.opts.NotifyAutoConnected
	}
	if notice != "" {
		if err := r.Announce(req.GuildID, notice); err != nil {
			r.log.Warn("failed to announce connection", slog.String("guild_id", req.GuildID), slogError(err))
		}
	}
	return info, nil
}

// Move switches a connected session to another voice channel. The utterance
// playing at that moment is cut short and the queue resumes after the move.
// If the target channel emptied while the move was under way the session is
// disconnected afterwards.
func (r *Registry) Move(ctx context.Context, guildID, channelID string) (Info, error) {
	info, moved, targetLeft, err := r.move(ctx, guildID, channelID)
	if err != nil || !moved {
		return info, err
	}
	if targetLeft && r.transport.HumanCount(guildID, channelID) == 0 {
		r.log.Info("voice channel emptied during move, disconnecting",
			slog.String("guild_id", guildID),
			slog.String("voice_channel_id", channelID),
		)
		r.countAutoDisconnect(ctx, "channel_empty")
		if err := r.disconnect(ctx, guildID, "channel empty"); err != nil {
			r.log.Warn("auto-disconnect failed", slog.String("guild_id", guildID), slogError(err))
		}
		info.State = StateDisconnected
		return info, nil
	}
	if r.opts.NotifyMoved != "" {
		if err := r.Announce(guildID, r.opts.NotifyMoved); err != nil {
			r.log.Warn("failed to announce move", slog.String("guild_id", guildID), slogError(err))
		}
	}
	return info, nil
}

func (r *Registry) move(ctx context.Context, guildID, channelID string) (info Info, moved, targetLeft bool, err error) {
	s := r.session(guildID)
	if s == nil {
		return Info{}, false, false, &NotConnectedError{GuildID: guildID, State: StateDisconnected}
	}
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	removed, state, from, conn := s.removed, s.info.State, s.info.VoiceChannelID, s.conn
	s.mu.Unlock()
	if removed {
		return Info{}, false, false, &NotConnectedError{GuildID: guildID, State: StateDisconnected}
	}
	if state != StateConnected {
		return Info{}, false, false, &NotConnectedError{GuildID: guildID, State: state}
	}
	if from == channelID {
		return s.snapshot(), false, false, nil
	}

	r.mu.Lock()
	if owner, ok := r.channels[channelID]; ok {
		r.mu.Unlock()
		return Info{}, false, false, &ChannelOccupiedError{ChannelID: channelID, OwnerGuildID: owner}
	}
	r.channels[channelID] = guildID
	r.mu.Unlock()
	s.mu.Lock()
	s.moveTarget, s.targetLeft = channelID, false
	s.mu.Unlock()

	unreserve := func() {
		r.mu.Lock()
		delete(r.channels, channelID)
		r.mu.Unlock()
		s.mu.Lock()
		s.moveTarget, s.targetLeft = "", false
		s.mu.Unlock()
	}

	// The lane is idle and held before anyone sees the Moving state.
	if err := r.lanes.Hold(ctx, guildID); err != nil {
		unreserve()
		r.lanes.Release(guildID)
		return Info{}, false, false, err
	}
	r.notify(s.setState(StateMoving), "move")

	if err := conn.Move(ctx, channelID); err != nil {
		unreserve()
		r.notify(s.setState(StateConnected), "move failed")
		r.lanes.Release(guildID)
		return Info{}, false, false, &BackendConnectError{Op: "move", GuildID: guildID, ChannelID: channelID, Err: err}
	}

	r.mu.Lock()
	delete(r.channels, from)
	r.mu.Unlock()
	s.mu.Lock()
	s.info.VoiceChannelID = channelID
	s.info.State = StateConnected
	targetLeft = s.targetLeft
	s.moveTarget, s.targetLeft = "", false
	s.mu.Unlock()

	info = s.snapshot()
	r.notify(info, "moved")
	r.lanes.Release(guildID)
	r.log.Info("voice session moved", slog.String("guild_id", guildID), slog.String("from", from), slog.String("to", channelID))
	return info, true, targetLeft, nil
}

// RebindText points the session at another text channel.
func (r *Registry) RebindText(guildID, textChannelID string, origin Origin) (Info, error) {
	s := r.session(guildID)
	if s == nil {
		return Info{}, &NotConnectedError{GuildID: guildID, State: StateDisconnected}
	}
	s.mu.Lock()
	if s.removed || s.info.State != StateConnected {
		state := s.info.State
		s.mu.Unlock()
		return Info{}, &NotConnectedError{GuildID: guildID, State: state}
	}
	if s.info.Origin != origin && !r.opts.AllowRebindAutoJoined {
		o := s.info.Origin
		s.mu.Unlock()
		return Info{}, &RebindDeniedError{GuildID: guildID, Origin: o}
	}
	s.info.TextChannelID = textChannelID
	s.mu.Unlock()

	info := s.snapshot()
	r.notify(info, "rebind")
	return info, nil
}

// Disconnect tears a session down. Disconnecting a guild with no session
// succeeds. A session still joining has its join cancelled.
func (r *Registry) Disconnect(ctx context.Context, guildID string) error {
	return r.disconnect(ctx, guildID, "disconnect")
}

func (r *Registry) disconnect(ctx context.Context, guildID, cause string) error {
	s := r.session(guildID)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.info.State == StateConnecting && s.cancelJoin != nil {
		s.aborted = true
		cancel := s.cancelJoin
		s.mu.Unlock()
		cancel()
		s.op.Lock()
		s.op.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.op.Lock()
	defer s.op.Unlock()
	s.mu.Lock()
	removed, conn := s.removed, s.conn
	s.mu.Unlock()
	if removed {
		return nil
	}

	// Playback stops before the session leaves Connected.
	dropped := r.lanes.Abandon(ctx, guildID)
	r.notify(s.setState(StateDisconnecting), cause)
	var err error
	if conn != nil {
		err = conn.Disconnect(ctx)
	}
	r.remove(s)
	r.notify(s.setState(StateDisconnected), cause)
	r.log.Info("voice session disconnected",
		slog.String("guild_id", guildID),
		slog.String("cause", cause),
		slog.Int("dropped", dropped),
	)
	if err != nil {
		r.log.Warn("voice disconnect reported an error", slog.String("guild_id", guildID), slogError(err))
	}
	return nil
}

// Speak queues relayed chat for the guild.
func (r *Registry) Speak(guildID, text string) error {
	return r.enqueue(guildID, text, playback.KindMessage)
}

// Announce queues a relay notification for the guild.
func (r *Registry) Announce(guildID, text string) error {
	return r.enqueue(guildID, text, playback.KindNotification)
}

func (r *Registry) enqueue(guildID, text string, kind playback.Kind) error {
	s := r.session(guildID)
	if s == nil {
		return &NotConnectedError{GuildID: guildID, State: StateDisconnected}
	}
	s.mu.Lock()
	state, speaker, params := s.info.State, s.info.Speaker, s.info.Params.Clone()
	s.mu.Unlock()
	if state != StateConnected && state != StateMoving {
		return &NotConnectedError{GuildID: guildID, State: state}
	}
	err := r.lanes.Enqueue(guildID, playback.Utterance{Kind: kind, Text: text, Speaker: speaker, Params: params})
	var notConnected *playback.NotConnectedError
	if errors.As(err, &notConnected) {
		return &NotConnectedError{GuildID: guildID, State: state}
	}
	return err
}

// UpdateVoice applies changed settings to a live session. A nil speaker or
// params leaves that setting alone.
func (r *Registry) UpdateVoice(guildID string, speaker *int, params synthesis.Params) {
	s := r.session(guildID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if speaker != nil {
		s.info.Speaker = *speaker
	}
	if params != nil {
		s.info.Params = params.Clone()
	}
}

func (r *Registry) Lookup(guildID string) (Info, bool) {
	s := r.session(guildID)
	if s == nil {
		return Info{}, false
	}
	return s.snapshot(), true
}

// LookupChannel reports which guild session owns a voice channel.
func (r *Registry) LookupChannel(channelID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	guildID, ok := r.channels[channelID]
	return guildID, ok
}

func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	all := make([]*guildSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()
	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.snapshot())
	}
	return out
}

// Close disconnects every session.
func (r *Registry) Close(ctx context.Context) {
	for _, info := range r.Sessions() {
		if err := r.disconnect(ctx, info.GuildID, "shutdown"); err != nil {
			r.log.Warn("shutdown disconnect failed", slog.String("guild_id", info.GuildID), slogError(err))
		}
	}
}

func (r *Registry) session(guildID string) *guildSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[guildID]
}

// remove drops s from the maps. The caller holds s.op.
func (r *Registry) remove(s *guildSession) {
	s.mu.Lock()
	s.removed = true
	s.conn = nil
	s.cancelJoin = nil
	guildID, channelID := s.info.GuildID, s.info.VoiceChannelID
	s.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[guildID] == s {
		delete(r.sessions, guildID)
	}
	if r.channels[channelID] == guildID {
		delete(r.channels, channelID)
	}
}

func (r *Registry) loadSettings(ctx context.Context, guildID string) (int, synthesis.Params) {
	speaker, params := r.opts.DefaultSpeaker, synthesis.Params{}
	if r.settings == nil {
		return speaker, params
	}
	if id, ok, err := r.settings.GetSpeaker(ctx, guildID); err != nil {
		r.log.Warn("failed to load speaker, using default", slog.String("guild_id", guildID), slogError(err))
	} else if ok {
		speaker = id
	}
	if p, err := r.settings.GetVoiceParams(ctx, guildID); err != nil {
		r.log.Warn("failed to load voice params, using defaults", slog.String("guild_id", guildID), slogError(err))
	} else if p != nil {
		params = p
	}
	return speaker, params
}

func (r *Registry) notify(info Info, cause string) {
	if r.opts.Observer != nil {
		r.opts.Observer.SessionChanged(info, cause)
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-relay/session")
	gauge, err := meter.Int64ObservableGauge("relay.sessions", metric.WithDescription("Guild voice sessions by state"))
	if err != nil {
		return err
	}
	counter, err := meter.Int64Counter("relay.session.auto_disconnects", metric.WithDescription("Sessions closed because the channel emptied or the bot was removed"))
	if err != nil {
		return err
	}
	r.autoDisconnects = counter
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		counts := make(map[State]int64)
		for _, info := range r.Sessions() {
			counts[info.State]++
		}
		for st, n := range counts {
			obs.ObserveInt64(gauge, n, metric.WithAttributes(attribute.String("state", st.String())))
		}
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

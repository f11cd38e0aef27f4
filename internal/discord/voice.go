package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/voice"
)

var errSendTimeout = errors.New("timeout sending opus frame")

type frameEncoder interface {
	FrameSize() int
	Encode(frame []int16) ([]byte, error)
}

// link is the part of a discordgo voice connection the relay drives.
type link interface {
	Speaking(bool) error
	ChangeChannel(channelID string, mute, deaf bool) error
	Disconnect() error
}

type VoiceOptions struct {
	FrameMS     int
	SendTimeout time.Duration
}

// Transport joins voice channels through the gateway session.
type Transport struct {
	session *discordgo.Session
	decoder *audio.Decoder
	opts    VoiceOptions
	logger  *slog.Logger
}

func NewTransport(session *discordgo.Session, decoder *audio.Decoder, opts VoiceOptions, logger *slog.Logger) *Transport {
	if opts.FrameMS <= 0 {
		opts.FrameMS = 20
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	return &Transport{
		session: session,
		decoder: decoder,
		opts:    opts,
		logger:  logger.With(slog.String("component", "discord-voice")),
	}
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Join opens a voice connection. If ctx ends first the handshake is left to
// finish in the background and the late connection is closed.
func (t *Transport) Join(ctx context.Context, guildID, channelID string) (voice.Connection, error) {
	done := make(chan joinResult, 1)
	go func() {
		vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, true)
		done <- joinResult{vc: vc, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("join voice channel %s: %w", channelID, res.err)
		}
		enc, err := newOpusEncoder(t.opts.FrameMS)
		if err != nil {
			_ = res.vc.Disconnect()
			return nil, err
		}
		return newConnection(guildID, channelID, res.vc, res.vc.OpusSend, enc, t.decoder, t.opts.SendTimeout, t.logger), nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil && res.vc != nil {
				_ = res.vc.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

// HumanCount counts non-bot members in a voice channel from the state cache.
func (t *Transport) HumanCount(guildID, channelID string) int {
	return humanCount(t.session.State, guildID, channelID)
}

func humanCount(state *discordgo.State, guildID, channelID string) int {
	if state == nil {
		return 0
	}
	guild, err := state.Guild(guildID)
	if err != nil {
		return 0
	}
	state.RLock()
	defer state.RUnlock()
	n := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID || isBot(state, guild, vs) {
			continue
		}
		n++
	}
	return n
}

// isBot expects the state read lock to be held. The relay itself counts as a
// bot.
func isBot(state *discordgo.State, guild *discordgo.Guild, vs *discordgo.VoiceState) bool {
	if state.User != nil && vs.UserID == state.User.ID {
		return true
	}
	if vs.Member != nil && vs.Member.User != nil {
		return vs.Member.User.Bot
	}
	for _, m := range guild.Members {
		if m.User != nil && m.User.ID == vs.UserID {
			return m.User.Bot
		}
	}
	return false
}

type connection struct {
	guildID     string
	link        link
	send        chan<- []byte
	enc         frameEncoder
	decoder     *audio.Decoder
	sendTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	channelID string
	playing   bool
}

func newConnection(guildID, channelID string, l link, send chan<- []byte, enc frameEncoder, decoder *audio.Decoder, sendTimeout time.Duration, logger *slog.Logger) *connection {
	return &connection{
		guildID:     guildID,
		channelID:   channelID,
		link:        l,
		send:        send,
		enc:         enc,
		decoder:     decoder,
		sendTimeout: sendTimeout,
		logger:      logger.With(slog.String("guild_id", guildID)),
	}
}

func (c *connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

func (c *connection) Move(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.link.ChangeChannel(channelID, false, true); err != nil {
		return fmt.Errorf("change voice channel: %w", err)
	}
	c.mu.Lock()
	c.channelID = channelID
	c.mu.Unlock()
	return nil
}

// Play decodes the rendered audio and streams it frame by frame.
func (c *connection) Play(ctx context.Context, data []byte) (voice.Playback, error) {
	pcm, err := c.decoder.Decode(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	frames := audio.Frames(pcm, c.enc.FrameSize())
	if len(frames) == 0 {
		return nil, audio.ErrEmptyAudio
	}

	c.mu.Lock()
	if c.playing {
		c.mu.Unlock()
		return nil, errors.New("connection is already playing")
	}
	c.playing = true
	c.mu.Unlock()

	pb := &playback{done: make(chan struct{})}
	go func() {
		err := c.stream(ctx, frames)
		c.mu.Lock()
		c.playing = false
		c.mu.Unlock()
		pb.finish(err)
	}()
	return pb, nil
}

func (c *connection) stream(ctx context.Context, frames [][]int16) error {
	if err := c.link.Speaking(true); err != nil {
		c.logger.Debug("speaking flag not set", slogError(err))
	}
	defer func() {
		if err := c.link.Speaking(false); err != nil {
			c.logger.Debug("speaking flag not cleared", slogError(err))
		}
	}()

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()
	for _, frame := range frames {
		packet, err := c.enc.Encode(frame)
		if err != nil {
			return fmt.Errorf("encode opus frame: %w", err)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.sendTimeout)
		select {
		case c.send <- packet:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errSendTimeout
		}
	}
	return nil
}

func (c *connection) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

func (c *connection) Disconnect(context.Context) error {
	if err := c.link.Disconnect(); err != nil {
		return fmt.Errorf("disconnect voice: %w", err)
	}
	return nil
}

type playback struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (p *playback) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *playback) Done() <-chan struct{} { return p.done }
func (p *playback) Err() error            { return p.err }

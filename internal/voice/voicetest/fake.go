// Package voicetest provides an in-memory voice transport whose playbacks
// finish only when the test says so.
package voicetest

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-relay/internal/voice"
)

// Transport is a fake voice.Transport.
type Transport struct {
	mu       sync.Mutex
	humans   map[string]int
	joinErr  error
	joinGate chan struct{}
	conns    map[string]*Conn
	joins    int
}

func NewTransport() *Transport {
	return &Transport{humans: make(map[string]int), conns: make(map[string]*Conn)}
}

// SetHumans sets the listener count of a channel.
func (t *Transport) SetHumans(channelID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.humans[channelID] = n
}

// FailJoins makes every subsequent Join return err.
func (t *Transport) FailJoins(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joinErr = err
}

// BlockJoins makes Join wait until the returned function is called or the
// join context ends.
func (t *Transport) BlockJoins() (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.joinGate = gate
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(gate)
			t.mu.Lock()
			t.joinGate = nil
			t.mu.Unlock()
		})
	}
}

func (t *Transport) Join(ctx context.Context, guildID, channelID string) (voice.Connection, error) {
	t.mu.Lock()
	gate := t.joinGate
	joinErr := t.joinErr
	t.joins++
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if joinErr != nil {
		return nil, joinErr
	}
	c := &Conn{guildID: guildID, channelID: channelID, played: make(chan *Playback, 64)}
	t.mu.Lock()
	t.conns[guildID] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) HumanCount(_, channelID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.humans[channelID]
}

// Conn returns the latest connection opened for guildID.
func (t *Transport) Conn(guildID string) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[guildID]
}

func (t *Transport) Joins() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joins
}

// Conn is a fake voice.Connection. Every Play is delivered on Played and
// runs until Finish is called or its context ends.
type Conn struct {
	guildID string

	mu           sync.Mutex
	channelID    string
	moveErr      error
	playing      int
	maxPlaying   int
	disconnected bool
	history      []string
	overlapMove  bool
	onMove       func(channelID string)

	played chan *Playback
}

func (c *Conn) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

func (c *Conn) FailMoves(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moveErr = err
}

// OnMove runs fn during every successful Move, before Move returns.
func (c *Conn) OnMove(fn func(channelID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMove = fn
}

func (c *Conn) Move(_ context.Context, channelID string) error {
	c.mu.Lock()
	if c.moveErr != nil {
		err := c.moveErr
		c.mu.Unlock()
		return err
	}
	if c.playing > 0 {
		c.overlapMove = true
	}
	c.channelID = channelID
	hook := c.onMove
	c.mu.Unlock()
	if hook != nil {
		hook(channelID)
	}
	return nil
}

func (c *Conn) Play(ctx context.Context, audio []byte) (voice.Playback, error) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	c.playing++
	if c.playing > c.maxPlaying {
		c.maxPlaying = c.playing
	}
	c.history = append(c.history, string(audio))
	c.mu.Unlock()

	p := &Playback{Audio: string(audio), done: make(chan struct{}), finish: make(chan error, 1)}
	go func() {
		var err error
		select {
		case err = <-p.finish:
		case <-ctx.Done():
			err = ctx.Err()
		}
		c.mu.Lock()
		c.playing--
		c.mu.Unlock()
		p.err = err
		close(p.done)
	}()
	c.played <- p
	return p, nil
}

func (c *Conn) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing > 0
}

func (c *Conn) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

// Played delivers each playback in start order.
func (c *Conn) Played() <-chan *Playback { return c.played }

// MaxConcurrent is the highest number of simultaneous playbacks observed.
func (c *Conn) MaxConcurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxPlaying
}

// History lists the audio payloads in the order Play was called.
func (c *Conn) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.history...)
}

// MovedWhilePlaying reports whether Move was ever called during a playback.
func (c *Conn) MovedWhilePlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlapMove
}

func (c *Conn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// Playback is a fake voice.Playback.
type Playback struct {
	Audio  string
	done   chan struct{}
	finish chan error
	err    error
}

// Finish completes the playback.
func (p *Playback) Finish() {
	select {
	case p.finish <- nil:
	default:
	}
}

func (p *Playback) Done() <-chan struct{} { return p.done }
func (p *Playback) Err() error            { return p.err }

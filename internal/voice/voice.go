// Package voice declares the boundary between the relay and a voice
// platform: joining channels, moving, playing audio and counting listeners.
package voice

import "context"

// Transport opens voice connections and answers occupancy queries.
type Transport interface {
	Join(ctx context.Context, guildID, channelID string) (Connection, error)
	// HumanCount returns the number of non-bot members in a voice channel.
	HumanCount(guildID, channelID string) int
}

// Connection is one live voice connection for a guild.
type Connection interface {
	ChannelID() string
	Move(ctx context.Context, channelID string) error
	// Play starts streaming audio. Cancelling ctx stops the stream and
	// completes the returned Playback.
	Play(ctx context.Context, audio []byte) (Playback, error)
	Playing() bool
	Disconnect(ctx context.Context) error
}

// Playback is the completion signal of one Play call.
type Playback interface {
	Done() <-chan struct{}
	// Err is valid after Done is closed.
	Err() error
}

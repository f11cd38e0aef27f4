package synthesis

import "context"

// Renderer turns text into WAV audio for one speaker.
type Renderer interface {
	Render(ctx context.Context, text string, speaker int, params Params) ([]byte, error)
}

// Prober is the part of the backend the health monitor polls.
type Prober interface {
	Version(ctx context.Context) (string, error)
	Speakers(ctx context.Context) ([]Speaker, error)
}

var (
	_ Renderer = (*Client)(nil)
	_ Prober   = (*Client)(nil)
	_ Renderer = (*Mock)(nil)
	_ Prober   = (*Mock)(nil)
)

package discord

import (
	"fmt"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"layeh.com/gopus"
)

const maxOpusPacket = 4000

// opusEncoder encodes 48 kHz stereo frames for a voice connection.
type opusEncoder struct {
	enc       *gopus.Encoder
	frameSize int
}

func newOpusEncoder(frameMS int) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(audio.VoiceSampleRate, audio.VoiceChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, frameSize: audio.VoiceSampleRate * frameMS / 1000}, nil
}

// FrameSize is the number of samples per channel in one frame.
func (e *opusEncoder) FrameSize() int { return e.frameSize }

func (e *opusEncoder) Encode(frame []int16) ([]byte, error) {
	return e.enc.Encode(frame, e.frameSize, maxOpusPacket)
}

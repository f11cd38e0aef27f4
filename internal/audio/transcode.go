package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Transcoder pipes rendered audio through an external command that writes raw
// little-endian s16 PCM at 48 kHz stereo to stdout, for example
// `ffmpeg -i pipe:0 -f s16le -ar 48000 -ac 2 pipe:1`.
type Transcoder struct {
	cmd []string
}

func NewTranscoder(command string) (*Transcoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcode command empty")
	}
	return &Transcoder{cmd: args}, nil
}

func (t *Transcoder) Transcode(ctx context.Context, input []byte) (PCM, error) {
	cmd := exec.CommandContext(ctx, t.cmd[0], t.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[len(msg)-200:]
		}
		return PCM{}, fmt.Errorf("transcode %s: %w: %s", t.cmd[0], err, msg)
	}
	raw := stdout.Bytes()
	if len(raw) < 2 {
		return PCM{}, ErrEmptyAudio
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return PCM{SampleRate: VoiceSampleRate, Channels: VoiceChannels, Samples: samples}, nil
}

// Decoder turns backend audio into voice-ready PCM. WAV is decoded in
// process; anything else needs the transcoder.
type Decoder struct {
	transcoder *Transcoder
}

func NewDecoder(transcodeCommand string) (*Decoder, error) {
	d := &Decoder{}
	if strings.TrimSpace(transcodeCommand) != "" {
		t, err := NewTranscoder(transcodeCommand)
		if err != nil {
			return nil, err
		}
		d.transcoder = t
	}
	return d, nil
}

func (d *Decoder) Decode(ctx context.Context, data []byte) (PCM, error) {
	if d.transcoder != nil {
		return d.transcoder.Transcode(ctx, data)
	}
	pcm, err := DecodeWAV(data)
	if err != nil {
		return PCM{}, err
	}
	return ToFormat(pcm, VoiceSampleRate, VoiceChannels), nil
}

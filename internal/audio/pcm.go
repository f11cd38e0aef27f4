// Package audio converts rendered speech into the 48 kHz stereo Opus frames a
// voice connection sends.
package audio

import (
	"errors"
	"time"
)

const (
	VoiceSampleRate = 48000
	VoiceChannels   = 2
)

var ErrEmptyAudio = errors.New("audio contains no samples")

// PCM is interleaved signed 16-bit audio.
type PCM struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// Duration is the playing time of p.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return 0
	}
	frames := len(p.Samples) / p.Channels
	return time.Duration(frames) * time.Second / time.Duration(p.SampleRate)
}

// ToFormat remixes and resamples p. Channel counts other than one or two are
// folded to mono first.
func ToFormat(p PCM, sampleRate, channels int) PCM {
	if p.SampleRate == sampleRate && p.Channels == channels {
		return p
	}
	mono := p
	if p.Channels != 1 && (p.Channels != 2 || channels == 1) {
		mono = downmix(p)
	}
	resampled := resample(mono, sampleRate)
	if resampled.Channels == channels {
		return resampled
	}
	if channels == 2 && resampled.Channels == 1 {
		return upmix(resampled)
	}
	return downmix(resampled)
}

func downmix(p PCM) PCM {
	if p.Channels <= 1 {
		return p
	}
	frames := len(p.Samples) / p.Channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < p.Channels; c++ {
			sum += int(p.Samples[i*p.Channels+c])
		}
		out[i] = int16(sum / p.Channels)
	}
	return PCM{SampleRate: p.SampleRate, Channels: 1, Samples: out}
}

func upmix(p PCM) PCM {
	out := make([]int16, len(p.Samples)*2)
	for i, s := range p.Samples {
		out[2*i] = s
		out[2*i+1] = s
	}
	return PCM{SampleRate: p.SampleRate, Channels: 2, Samples: out}
}

// resample converts the rate with linear interpolation per channel.
func resample(p PCM, rate int) PCM {
	if p.SampleRate == rate || p.SampleRate <= 0 || len(p.Samples) == 0 {
		return PCM{SampleRate: rate, Channels: p.Channels, Samples: p.Samples}
	}
	ch := p.Channels
	inFrames := len(p.Samples) / ch
	outFrames := int(int64(inFrames) * int64(rate) / int64(p.SampleRate))
	out := make([]int16, outFrames*ch)
	step := float64(p.SampleRate) / float64(rate)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		for c := 0; c < ch; c++ {
			a := float64(p.Samples[idx*ch+c])
			b := float64(p.Samples[next*ch+c])
			out[i*ch+c] = int16(a + (b-a)*frac)
		}
	}
	return PCM{SampleRate: rate, Channels: ch, Samples: out}
}

// Frames splits p into fixed frames of frameSize samples per channel. The
// last frame is padded with silence.
func Frames(p PCM, frameSize int) [][]int16 {
	if frameSize <= 0 || p.Channels <= 0 {
		return nil
	}
	width := frameSize * p.Channels
	var frames [][]int16
	for start := 0; start < len(p.Samples); start += width {
		end := start + width
		if end <= len(p.Samples) {
			frames = append(frames, p.Samples[start:end])
			continue
		}
		last := make([]int16, width)
		copy(last, p.Samples[start:])
		frames = append(frames, last)
	}
	return frames
}

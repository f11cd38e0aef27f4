package synthesis

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-relay/internal/audio"
)

// Mock renders a short tone per utterance so the relay can run without a
// synthesis engine.
type Mock struct {
	sampleRate int
	channels   int
	delay      time.Duration

	mu   sync.Mutex
	dict map[string]UserDictWord
}

func NewMock(sampleRate int, stereo bool) *Mock {
	channels := 1
	if stereo {
		channels = 2
	}
	if sampleRate <= 0 {
		sampleRate = audio.VoiceSampleRate
	}
	return &Mock{sampleRate: sampleRate, channels: channels, delay: 50 * time.Millisecond, dict: make(map[string]UserDictWord)}
}

func (m *Mock) Render(ctx context.Context, text string, speaker int, params Params) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, &SynthesisError{Phase: "synthesis", Err: ctx.Err()}
	case <-time.After(m.delay):
	}
	runes := len([]rune(text))
	if runes == 0 {
		runes = 1
	}
	frames := m.sampleRate / 20 * runes
	volume := params.Resolve(ParamVolume)
	samples := make([]int16, frames*m.channels)
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(2*math.Pi*440*float64(i)/float64(m.sampleRate)) * 8000 * volume)
		for c := 0; c < m.channels; c++ {
			samples[i*m.channels+c] = v
		}
	}
	data, err := audio.EncodeWAV(audio.PCM{SampleRate: m.sampleRate, Channels: m.channels, Samples: samples})
	if err != nil {
		return nil, &SynthesisError{Phase: "synthesis", Err: err}
	}
	return data, nil
}

func (m *Mock) Version(context.Context) (string, error) { return "mock", nil }

func (m *Mock) Speakers(context.Context) ([]Speaker, error) {
	return []Speaker{{
		Name:        "Mock",
		SpeakerUUID: "00000000-0000-0000-0000-000000000000",
		Styles:      []Style{{Name: "ノーマル", ID: 888753760}},
	}}, nil
}

// AddUserDictWord keeps the word in memory under a fresh uuid.
func (m *Mock) AddUserDictWord(_ context.Context, w WordRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.dict[id] = dictWord(w)
	return id, nil
}

func (m *Mock) UpdateUserDictWord(_ context.Context, id string, w WordRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dict[id]; !ok {
		return &SynthesisError{Phase: "user_dict_word.update", Status: http.StatusNotFound}
	}
	m.dict[id] = dictWord(w)
	return nil
}

func (m *Mock) DeleteUserDictWord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dict[id]; !ok {
		return &SynthesisError{Phase: "user_dict_word.delete", Status: http.StatusNotFound}
	}
	delete(m.dict, id)
	return nil
}

func (m *Mock) UserDict(context.Context) (map[string]UserDictWord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]UserDictWord, len(m.dict))
	for id, w := range m.dict {
		out[id] = w
	}
	return out, nil
}

func dictWord(w WordRequest) UserDictWord {
	return UserDictWord{Surface: w.Surface, Pronunciation: w.Pronunciation, AccentType: w.AccentType, Priority: w.Priority}
}

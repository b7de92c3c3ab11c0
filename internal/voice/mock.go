package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/carevoice/internal/audio"
)

// MockTranscriber is the local stand-in used when no speech-to-text backend
// is configured. It returns Text for every non-empty clip.
type MockTranscriber struct {
	Text string

	mu    sync.Mutex
	calls int
	last  []byte
}

func NewMockTranscriber() *MockTranscriber {
	return &MockTranscriber{Text: "simulated voice input"}
}

func (m *MockTranscriber) Transcribe(ctx context.Context, clip []byte, mimeHint string) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	m.mu.Lock()
	m.calls++
	m.last = append(m.last[:0], clip...)
	m.mu.Unlock()

	if len(clip) == 0 {
		return Transcript{}, errors.New("empty audio clip")
	}

	var dur time.Duration
	if strings.Contains(mimeHint, "wav") {
		if pcm, rate, err := audio.StripWAVHeader(clip); err == nil {
			dur = time.Duration(audio.DurationMillis(pcm, rate)) * time.Millisecond
		}
	}
	return Transcript{Text: m.Text, Language: "en", Duration: dur}, nil
}

func (m *MockTranscriber) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockTranscriber) LastClip() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.last...)
}

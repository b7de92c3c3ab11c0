package voice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// FailoverTranscriber prefers the primary backend and switches to fallback
// when a primary call fails. Once fallback succeeds it stays active until it
// fails; then primary is retried.
type FailoverTranscriber struct {
	primary        Transcriber
	fallback       Transcriber
	fallbackActive atomic.Bool
}

func NewFailoverTranscriber(primary, fallback Transcriber) *FailoverTranscriber {
	return &FailoverTranscriber{primary: primary, fallback: fallback}
}

func (f *FailoverTranscriber) Transcribe(ctx context.Context, clip []byte, mimeHint string) (Transcript, error) {
	if f.fallbackActive.Load() {
		out, fbErr := f.fallback.Transcribe(ctx, clip, mimeHint)
		if fbErr == nil {
			return out, nil
		}
		out, prErr := f.primary.Transcribe(ctx, clip, mimeHint)
		if prErr == nil {
			f.fallbackActive.Store(false)
			return out, nil
		}
		return Transcript{}, fmt.Errorf("stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)
	}

	out, prErr := f.primary.Transcribe(ctx, clip, mimeHint)
	if prErr == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return Transcript{}, prErr
	}
	out, fbErr := f.fallback.Transcribe(ctx, clip, mimeHint)
	if fbErr != nil {
		return Transcript{}, fmt.Errorf("stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)
	}
	f.fallbackActive.Store(true)
	return out, nil
}

// FallbackActive reports whether calls currently go to the fallback.
func (f *FailoverTranscriber) FallbackActive() bool {
	return f.fallbackActive.Load()
}

package voice

import (
	"context"
	"time"
)

// Transcript is the text recognised in one audio clip.
type Transcript struct {
	Text     string
	Language string
	Duration time.Duration
}

// Transcriber turns a finished audio clip into text. mimeHint names the clip
// container, for example "audio/wav" or "audio/webm".
type Transcriber interface {
	Transcribe(ctx context.Context, clip []byte, mimeHint string) (Transcript, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, clip []byte, mimeHint string) (Transcript, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, clip []byte, mimeHint string) (Transcript, error) {
	return f(ctx, clip, mimeHint)
}

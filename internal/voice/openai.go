package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultSTTBaseURL = "https://api.groq.com/openai/v1"
	DefaultSTTModel   = "whisper-large-v3-turbo"
)

type OpenAITranscriberConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Language is an optional ISO-639-1 hint.
	Language string
	Timeout  time.Duration
}

// OpenAITranscriber calls an OpenAI compatible /audio/transcriptions
// endpoint (OpenAI, Groq and most self-hosted Whisper servers).
type OpenAITranscriber struct {
	client   *openai.Client
	model    string
	language string
	timeout  time.Duration
}

func NewOpenAITranscriber(cfg OpenAITranscriberConfig) (*OpenAITranscriber, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("stt api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	clientCfg.HTTPClient = &http.Client{}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultSTTModel
	}
	return &OpenAITranscriber{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: strings.TrimSpace(cfg.Language),
		timeout:  cfg.Timeout,
	}, nil
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, clip []byte, mimeHint string) (Transcript, error) {
	if len(clip) == 0 {
		return Transcript{}, errors.New("empty audio clip")
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: uploadName(mimeHint),
		Reader:   bytes.NewReader(clip),
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: t.language,
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("transcription request: %w", err)
	}
	return Transcript{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
		Duration: time.Duration(resp.Duration * float64(time.Second)),
	}, nil
}

// uploadName picks a file name whose extension lets the backend sniff the
// container.
func uploadName(mimeHint string) string {
	mime := strings.ToLower(strings.TrimSpace(mimeHint))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "uploaded.wav"
	case "audio/mpeg", "audio/mp3":
		return "uploaded.mp3"
	case "audio/ogg":
		return "uploaded.ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "uploaded.m4a"
	case "audio/flac":
		return "uploaded.flac"
	default:
		return "uploaded.webm"
	}
}

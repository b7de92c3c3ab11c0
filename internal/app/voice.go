package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/carevoice/internal/config"
	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/voice"
)

type sttSetup struct {
	transcriber voice.Transcriber
	resolved    string
	detail      string
}

func resolveTranscriber(cfg config.Config, logger *zap.Logger) (sttSetup, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.STTMode))
	if mode == "" {
		mode = "auto"
	}

	tryOpenAI := func() (sttSetup, bool, error) {
		if strings.TrimSpace(cfg.STTAPIKey) == "" {
			return sttSetup{}, false, nil
		}
		primary, err := voice.NewOpenAITranscriber(voice.OpenAITranscriberConfig{
			APIKey:   cfg.STTAPIKey,
			BaseURL:  cfg.STTBaseURL,
			Model:    cfg.STTModel,
			Language: cfg.STTLanguage,
			Timeout:  cfg.STTTimeout,
		})
		if err != nil {
			return sttSetup{}, false, fmt.Errorf("stt provider init failed: %w", err)
		}
		if strings.TrimSpace(cfg.STTFallbackBaseURL) == "" || strings.TrimSpace(cfg.STTFallbackAPIKey) == "" {
			return sttSetup{transcriber: primary, resolved: "openai", detail: "openai compatible"}, true, nil
		}
		fallback, err := voice.NewOpenAITranscriber(voice.OpenAITranscriberConfig{
			APIKey:   cfg.STTFallbackAPIKey,
			BaseURL:  cfg.STTFallbackBaseURL,
			Model:    firstNonEmpty(cfg.STTFallbackModel, cfg.STTModel),
			Language: cfg.STTLanguage,
			Timeout:  cfg.STTTimeout,
		})
		if err != nil {
			return sttSetup{}, false, fmt.Errorf("stt fallback init failed: %w", err)
		}
		return sttSetup{
			transcriber: voice.NewFailoverTranscriber(primary, fallback),
			resolved:    "openai",
			detail:      "openai compatible (automatic fallback endpoint)",
		}, true, nil
	}

	switch mode {
	case "openai":
		setup, ok, err := tryOpenAI()
		if err != nil {
			return sttSetup{}, err
		}
		if !ok {
			return sttSetup{}, fmt.Errorf("STT_MODE=openai but STT_API_KEY is not set")
		}
		return setup, nil
	case "mock":
		return sttSetup{transcriber: voice.NewMockTranscriber(), resolved: "mock", detail: "mock"}, nil
	case "auto":
		setup, ok, err := tryOpenAI()
		if err != nil {
			return sttSetup{}, err
		}
		if ok {
			return setup, nil
		}
		logger.Warn("no transcription backend configured; using mock stt")
		return sttSetup{transcriber: voice.NewMockTranscriber(), resolved: "mock", detail: "mock (no stt api key)"}, nil
	default:
		return sttSetup{}, fmt.Errorf("invalid STT_MODE: %q (expected auto|openai|mock)", cfg.STTMode)
	}
}

// observedTranscriber records transcription latency for both the upload
// endpoint and voice captures.
type observedTranscriber struct {
	next    voice.Transcriber
	metrics *observability.Metrics
	logger  *zap.Logger
}

func (o observedTranscriber) Transcribe(ctx context.Context, clip []byte, mimeHint string) (voice.Transcript, error) {
	started := time.Now()
	transcript, err := o.next.Transcribe(ctx, clip, mimeHint)
	o.metrics.ObserveTranscription(time.Since(started))
	if err != nil {
		o.logger.Debug("transcription failed", zap.Int("bytes", len(clip)), zap.Error(err))
	}
	return transcript, err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

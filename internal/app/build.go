package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/carevoice/internal/brain"
	"github.com/ent0n29/carevoice/internal/config"
	"github.com/ent0n29/carevoice/internal/httpapi"
	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/session"
	"github.com/ent0n29/carevoice/internal/turns"
	"github.com/ent0n29/carevoice/internal/voice"
)

const janitorInterval = 5 * time.Second

type BackendInfo struct {
	Brain  string
	STT    string
	Memory string
	Detail string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *turns.Orchestrator
	Metrics      *observability.Metrics
	Backends     BackendInfo

	// Cleanup should be called on shutdown to release external resources (DB, redis).
	Cleanup func() error
}

// Build wires the service from cfg. The janitor runs until ctx ends.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	memoryStore, err := memory.NewStore(ctx, memory.Options{
		Backend:     cfg.MemoryBackend,
		DatabaseURL: cfg.DatabaseURL,
		Redis: memory.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		TTL:         cfg.MemoryTTL,
		MaxSessions: cfg.MemoryMaxSessions,
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	gateway, err := brain.NewGateway(brain.Config{
		Mode:         cfg.BrainMode,
		APIKey:       cfg.BrainAPIKey,
		BaseURL:      cfg.BrainBaseURL,
		Model:        cfg.BrainModel,
		SystemPrompt: cfg.BrainSystemPrompt,
		ThreadURL:    cfg.BrainThreadURL,
		Timeout:      cfg.BrainTimeout,
		MaxRetries:   cfg.BrainMaxRetries,
	}, logger.Named("brain"))
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("brain gateway init failed: %w", err)
	}

	stt, err := resolveTranscriber(cfg, logger)
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}
	transcriber := observedTranscriber{next: stt.transcriber, metrics: metrics, logger: logger.Named("stt")}

	policy, err := session.ParseBusyPolicy(cfg.TurnBusyPolicy)
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}
	sessions := session.NewManager(cfg.SessionIdleTimeout, policy)
	// Idle expiry only drops the lease record. Stored history ages out through
	// the store's own TTL, or is evicted by an explicit end.
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Debug("session released", zap.String("session_id", s.ID))
		metrics.SessionEvents.WithLabelValues("released").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})
	sessions.StartJanitor(ctx, janitorInterval)

	deps := turns.Deps{
		Store:    memoryStore,
		Brain:    gateway,
		Sessions: sessions,
		Metrics:  metrics,
		Logger:   logger.Named("turns"),
	}
	// A nil *SessionRateLimiter must not become a non-nil interface.
	if limiter := turns.NewSessionRateLimiter(cfg.TurnRatePerMinute); limiter != nil {
		deps.Limiter = limiter
	}
	orchestrator, err := turns.NewOrchestrator(deps, turns.Config{
		FallbackMessage:   cfg.TurnFallbackMessage,
		ContextPrefixes:   cfg.TurnContextPrefixes,
		GenerationTimeout: cfg.BrainTimeout,
	})
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}

	backends := BackendInfo{
		Brain:  brainName(gateway),
		STT:    stt.resolved,
		Memory: memoryName(memoryStore),
		Detail: stt.detail,
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Turns:       orchestrator,
		Transcriber: transcriber,
		Sessions:    sessions,
		Metrics:     metrics,
		Logger:      logger.Named("http"),
		Capture: voice.CaptureConfig{
			Silence: voice.SilenceConfig{
				LoudnessThreshold: cfg.VADLoudnessThreshold,
				SilenceTimeout:    cfg.VADSilenceTimeout,
				SampleInterval:    cfg.VADSampleInterval,
			},
			MaxDuration:       cfg.CaptureMaxDuration,
			TranscribeTimeout: cfg.STTTimeout,
		},
		Backends: httpapi.Backends{Brain: backends.Brain, STT: backends.STT, Memory: backends.Memory},
	})

	cleanup := func() error {
		var errs []string
		if err := memoryStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := logger.Sync(); err != nil && !isSyncNoise(err) {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Backends:     backends,
		Cleanup:      cleanup,
	}, nil
}

func brainName(gw brain.Gateway) string {
	switch gw.(type) {
	case *brain.MockGateway:
		return brain.ModeMock
	case *brain.OpenAIGateway:
		return brain.ModeOpenAI
	case *brain.ThreadGateway:
		return brain.ModeThread
	case *brain.FallbackGateway:
		return "thread+openai"
	default:
		return "custom"
	}
}

func memoryName(store memory.Store) string {
	switch store.(type) {
	case *memory.InMemoryStore:
		return "memory"
	case *memory.PostgresStore:
		return "postgres"
	case *memory.RedisStore:
		return "redis"
	default:
		return "custom"
	}
}

// isSyncNoise reports the errors zap returns when syncing a terminal.
func isSyncNoise(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

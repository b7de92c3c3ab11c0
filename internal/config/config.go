package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice assistant service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	BrainMode         string
	BrainAPIKey       string
	BrainBaseURL      string
	BrainModel        string
	BrainSystemPrompt string
	BrainThreadURL    string
	BrainTimeout      time.Duration
	BrainMaxRetries   int

	STTMode            string
	STTAPIKey          string
	STTBaseURL         string
	STTModel           string
	STTLanguage        string
	STTTimeout         time.Duration
	STTFallbackBaseURL string
	STTFallbackModel   string
	STTFallbackAPIKey  string

	TurnFallbackMessage string
	TurnContextPrefixes []string
	TurnBusyPolicy      string
	TurnRatePerMinute   int

	SessionIdleTimeout time.Duration

	MemoryBackend     string
	DatabaseURL       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	MemoryTTL         time.Duration
	MemoryMaxSessions int

	VADLoudnessThreshold float64
	VADSilenceTimeout    time.Duration
	VADSampleInterval    time.Duration
	CaptureMaxDuration   time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "carevoice"),
		AllowedOrigins:   listFromEnv("APP_ALLOWED_ORIGINS", ","),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),

		BrainMode: strings.ToLower(envOrDefault("BRAIN_MODE", "auto")),
		// A dedicated key wins; API_KEY is the shared key for the hosted backend.
		BrainAPIKey:       firstNonEmpty(stringsTrimSpace("BRAIN_API_KEY"), stringsTrimSpace("API_KEY")),
		BrainBaseURL:      stringsTrimSpace("BRAIN_BASE_URL"),
		BrainModel:        stringsTrimSpace("BRAIN_MODEL"),
		BrainSystemPrompt: os.Getenv("BRAIN_SYSTEM_PROMPT"),
		BrainThreadURL:    stringsTrimSpace("BRAIN_THREAD_URL"),
		BrainTimeout:      30 * time.Second,
		BrainMaxRetries:   2,

		STTMode:            strings.ToLower(envOrDefault("STT_MODE", "auto")),
		STTAPIKey:          firstNonEmpty(stringsTrimSpace("STT_API_KEY"), stringsTrimSpace("API_KEY")),
		STTBaseURL:         stringsTrimSpace("STT_BASE_URL"),
		STTModel:           stringsTrimSpace("STT_MODEL"),
		STTLanguage:        stringsTrimSpace("STT_LANGUAGE"),
		STTTimeout:         20 * time.Second,
		STTFallbackBaseURL: stringsTrimSpace("STT_FALLBACK_BASE_URL"),
		STTFallbackModel:   stringsTrimSpace("STT_FALLBACK_MODEL"),
		STTFallbackAPIKey:  stringsTrimSpace("STT_FALLBACK_API_KEY"),

		TurnFallbackMessage: envOrDefault("TURN_FALLBACK_MESSAGE", "Explain the importance of fast language models"),
		TurnContextPrefixes: listFromEnv("TURN_CONTEXT_PREFIXES", "|"),
		TurnBusyPolicy:      strings.ToLower(envOrDefault("TURN_BUSY_POLICY", "queue")),

		SessionIdleTimeout: 30 * time.Minute,

		MemoryBackend:     strings.ToLower(stringsTrimSpace("MEMORY_BACKEND")),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		RedisAddr:         stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		MemoryTTL:         24 * time.Hour,
		MemoryMaxSessions: 10000,

		VADLoudnessThreshold: 5,
		VADSilenceTimeout:    2 * time.Second,
		VADSampleInterval:    100 * time.Millisecond,
		CaptureMaxDuration:   60 * time.Second,

		ShutdownTimeout: 15 * time.Second,
	}
	if cfg.STTFallbackAPIKey == "" {
		cfg.STTFallbackAPIKey = cfg.STTAPIKey
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainTimeout, err = durationFromEnv("BRAIN_TIMEOUT", cfg.BrainTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainMaxRetries, err = intFromEnv("BRAIN_MAX_RETRIES", cfg.BrainMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.STTTimeout, err = durationFromEnv("STT_TIMEOUT", cfg.STTTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnRatePerMinute, err = intFromEnv("TURN_RATE_PER_MIN", cfg.TurnRatePerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryTTL, err = durationFromEnv("MEMORY_TTL", cfg.MemoryTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryMaxSessions, err = intFromEnv("MEMORY_MAX_SESSIONS", cfg.MemoryMaxSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.VADLoudnessThreshold, err = floatFromEnv("VAD_LOUDNESS_THRESHOLD", cfg.VADLoudnessThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceTimeout, err = durationFromEnv("VAD_SILENCE_TIMEOUT", cfg.VADSilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSampleInterval, err = durationFromEnv("VAD_SAMPLE_INTERVAL", cfg.VADSampleInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureMaxDuration, err = durationFromEnv("CAPTURE_MAX_DURATION", cfg.CaptureMaxDuration)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.BrainMode {
	case "auto", "openai", "thread", "mock":
	default:
		return fmt.Errorf("BRAIN_MODE must be one of auto, openai, thread, mock")
	}
	if c.BrainMode == "thread" && c.BrainThreadURL == "" {
		return fmt.Errorf("BRAIN_THREAD_URL is required when BRAIN_MODE=thread")
	}
	if c.BrainMode == "openai" && c.BrainAPIKey == "" {
		return fmt.Errorf("BRAIN_API_KEY or API_KEY is required when BRAIN_MODE=openai")
	}
	switch c.STTMode {
	case "auto", "openai", "mock":
	default:
		return fmt.Errorf("STT_MODE must be one of auto, openai, mock")
	}
	if c.STTMode == "openai" && c.STTAPIKey == "" {
		return fmt.Errorf("STT_API_KEY or API_KEY is required when STT_MODE=openai")
	}
	switch c.TurnBusyPolicy {
	case "queue", "reject":
	default:
		return fmt.Errorf("TURN_BUSY_POLICY must be queue or reject")
	}
	switch c.MemoryBackend {
	case "", "memory", "postgres", "redis":
	default:
		return fmt.Errorf("MEMORY_BACKEND must be memory, postgres or redis")
	}
	if c.MemoryBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when MEMORY_BACKEND=postgres")
	}
	if c.MemoryBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when MEMORY_BACKEND=redis")
	}
	if c.SessionIdleTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if c.BrainTimeout <= 0 || c.STTTimeout <= 0 {
		return fmt.Errorf("BRAIN_TIMEOUT and STT_TIMEOUT must be positive")
	}
	if c.BrainMaxRetries < 0 {
		return fmt.Errorf("BRAIN_MAX_RETRIES must be >= 0")
	}
	if c.TurnRatePerMinute < 0 {
		return fmt.Errorf("TURN_RATE_PER_MIN must be >= 0")
	}
	if c.MemoryMaxSessions < 0 {
		return fmt.Errorf("MEMORY_MAX_SESSIONS must be >= 0")
	}
	if c.VADLoudnessThreshold < 0 || c.VADLoudnessThreshold > 128 {
		return fmt.Errorf("VAD_LOUDNESS_THRESHOLD must be within 0..128")
	}
	if c.VADSilenceTimeout <= 0 || c.VADSampleInterval <= 0 {
		return fmt.Errorf("VAD_SILENCE_TIMEOUT and VAD_SAMPLE_INTERVAL must be positive")
	}
	if c.VADSampleInterval > c.VADSilenceTimeout {
		return fmt.Errorf("VAD_SAMPLE_INTERVAL must not exceed VAD_SILENCE_TIMEOUT")
	}
	if c.CaptureMaxDuration < c.VADSilenceTimeout {
		return fmt.Errorf("CAPTURE_MAX_DURATION must be at least VAD_SILENCE_TIMEOUT")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// listFromEnv splits on sep and keeps entries verbatim apart from dropping
// empty ones. Context prefixes are matched exactly, so no trimming happens.
func listFromEnv(key, sep string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, sep) {
		if sep == "," {
			part = strings.TrimSpace(part)
		}
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

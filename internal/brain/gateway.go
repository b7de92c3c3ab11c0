package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/carevoice/internal/memory"
)

// TokenUsage is the token accounting a backend attaches to generated messages.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is one entry of the message list a backend returns. Backends echo
// conversation state back, so only some messages are newly generated.
type Message struct {
	Role    string
	Content string
	// Usage is nil when the backend attached no token accounting.
	Usage        *TokenUsage
	FinishReason string
	// HasFinishReason is true when the finish reason field was present, even
	// if its value was null or empty.
	HasFinishReason bool
}

// Request asks a backend for the next assistant message of a conversation.
// History is the full ordered session history and ends with the new user turn.
type Request struct {
	SessionKey string
	TurnID     string
	History    []memory.Turn
}

// LastUserText returns the content of the newest user turn.
func (r Request) LastUserText() string {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Role == memory.RoleUser {
			return r.History[i].Content
		}
	}
	return ""
}

type Response struct {
	Messages []Message
}

// Gateway is a stateless request/response text generation backend keyed by
// session for continuation.
type Gateway interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

const (
	ModeAuto   = "auto"
	ModeOpenAI = "openai"
	ModeThread = "thread"
	ModeMock   = "mock"
)

// Config controls gateway construction.
type Config struct {
	Mode         string
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	ThreadURL    string
	Timeout      time.Duration
	MaxRetries   int
}

func NewGateway(cfg Config, logger *zap.Logger) (Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeAuto
	}

	switch mode {
	case ModeAuto:
		return newAutoGateway(cfg, logger)
	case ModeOpenAI:
		return NewOpenAIGateway(openAIConfig(cfg), logger)
	case ModeThread:
		if strings.TrimSpace(cfg.ThreadURL) == "" {
			return nil, errors.New("brain thread url is required for thread mode")
		}
		return NewThreadGateway(threadConfig(cfg), logger), nil
	case ModeMock:
		return NewMockGateway(), nil
	default:
		return nil, fmt.Errorf("unsupported brain mode %q", cfg.Mode)
	}
}

func newAutoGateway(cfg Config, logger *zap.Logger) (Gateway, error) {
	var chat Gateway
	if strings.TrimSpace(cfg.APIKey) != "" {
		gw, err := NewOpenAIGateway(openAIConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		chat = gw
	}

	if strings.TrimSpace(cfg.ThreadURL) != "" {
		thread := NewThreadGateway(threadConfig(cfg), logger)
		if chat != nil {
			return NewFallbackGateway(thread, chat, logger), nil
		}
		return thread, nil
	}
	if chat != nil {
		return chat, nil
	}

	logger.Warn("no generation backend configured; using mock brain")
	return NewMockGateway(), nil
}

func openAIConfig(cfg Config) OpenAIConfig {
	return OpenAIConfig{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Timeout:      cfg.Timeout,
		MaxRetries:   cfg.MaxRetries,
	}
}

func threadConfig(cfg Config) ThreadConfig {
	return ThreadConfig{
		URL:        cfg.ThreadURL,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
	}
}

package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/reliability"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"

	DefaultSystemPrompt = `You are a friendly and empathetic healthcare advisor. Speak in a natural, human-like way.
Ask thoughtful questions to understand the user's symptoms, circumstances, and medical history,
but do not ask more than 3 questions at a time. Offer helpful suggestions and practical advice
based on the information provided. Remind the user that you are not a licensed medical professional
and cannot provide an official diagnosis or prescription. Encourage them to consult a healthcare
provider for personalized care when necessary. When appropriate, provide short and simple educational
information about symptoms, potential causes, and preventive measures.
Once you have enough information, summarize the user's symptoms and suggest possible next steps.`
)

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
	MaxRetries   int
}

// OpenAIGateway sends the full session history to an OpenAI compatible chat
// completions endpoint on every turn. The backend keeps no state.
type OpenAIGateway struct {
	client       *openai.Client
	model        string
	systemPrompt string
	timeout      time.Duration
	maxRetries   int
	logger       *zap.Logger
}

func NewOpenAIGateway(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIGateway, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("brain api key is required for openai mode")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = DefaultBaseURL
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	prompt := cfg.SystemPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultSystemPrompt
	}
	return &OpenAIGateway{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: prompt,
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		logger:       logger,
	}, nil
}

func (g *OpenAIGateway) Generate(ctx context.Context, req Request) (Response, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: g.systemPrompt})
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == memory.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}

	var resp openai.ChatCompletionResponse
	err := withRetries(ctx, g.maxRetries, g.logger, "chat_completion", func() error {
		var callErr error
		resp, callErr = g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    g.model,
			Messages: msgs,
			User:     req.SessionKey,
		})
		if callErr != nil {
			if isRetryableOpenAIError(callErr) {
				return retryable(callErr)
			}
			return callErr
		}
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}

	// Echo the conversation back the way stateful backends do so extraction
	// has to pick the generated message out of the list.
	out := make([]Message, 0, len(req.History)+1)
	for _, turn := range req.History {
		out = append(out, Message{Role: string(turn.Role), Content: turn.Content})
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out = append(out, Message{
			Role:    openai.ChatMessageRoleAssistant,
			Content: choice.Message.Content,
			Usage: &TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
			FinishReason:    string(choice.FinishReason),
			HasFinishReason: true,
		})
	}
	return Response{Messages: out}, nil
}

func isRetryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reliability.IsRetryableHTTPStatus(reqErr.HTTPStatusCode)
	}
	return false
}

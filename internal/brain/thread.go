package brain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/ent0n29/carevoice/internal/reliability"
)

type ThreadConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// ThreadGateway talks to a stateful backend that keeps conversation memory
// server side, keyed by thread id. Only the new user message is sent; the
// backend answers with its full message state for the thread.
type ThreadGateway struct {
	url        string
	apiKey     string
	maxRetries int
	client     *http.Client
	logger     *zap.Logger
}

func NewThreadGateway(cfg ThreadConfig, logger *zap.Logger) *ThreadGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ThreadGateway{
		url:        strings.TrimSpace(cfg.URL),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		maxRetries: cfg.MaxRetries,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type threadRequest struct {
	ThreadID string          `json:"thread_id"`
	TurnID   string          `json:"turn_id,omitempty"`
	Messages []threadMessage `json:"messages"`
}

type threadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (g *ThreadGateway) Generate(ctx context.Context, req Request) (Response, error) {
	payload, err := sonic.Marshal(threadRequest{
		ThreadID: req.SessionKey,
		TurnID:   req.TurnID,
		Messages: []threadMessage{{Role: "user", Content: req.LastUserText()}},
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	var body []byte
	err = withRetries(ctx, g.maxRetries, g.logger, "thread_invoke", func() error {
		var callErr error
		body, callErr = g.post(ctx, payload)
		return callErr
	})
	if err != nil {
		return Response{}, err
	}

	msgs, err := decodeThreadMessages(body)
	if err != nil {
		return Response{}, err
	}
	return Response{Messages: msgs}, nil
}

func (g *ThreadGateway) post(ctx context.Context, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	res, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retryable(fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		statusErr := fmt.Errorf("thread backend status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return nil, retryable(statusErr)
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// decodeThreadMessages accepts {"messages": [...]} or a bare array. Messages
// follow the LangChain serialisation: response_metadata carries tokenUsage and
// finish_reason.
func decodeThreadMessages(body []byte) ([]Message, error) {
	var root any
	if err := sonic.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("decode thread response: %w", err)
	}

	var items []any
	switch v := root.(type) {
	case []any:
		items = v
	case map[string]any:
		list, ok := v["messages"].([]any)
		if !ok {
			return nil, errors.New("thread response has no messages list")
		}
		items = list
	default:
		return nil, errors.New("thread response is not an object")
	}

	out := make([]Message, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, decodeThreadMessage(obj))
	}
	return out, nil
}

func decodeThreadMessage(obj map[string]any) Message {
	msg := Message{
		Role:    messageRole(obj),
		Content: contentText(obj["content"]),
	}

	meta, ok := obj["response_metadata"].(map[string]any)
	if !ok {
		return msg
	}
	if usage, ok := meta["tokenUsage"]; ok && truthy(usage) {
		msg.Usage = parseUsage(usage)
	}
	if reason, ok := meta["finish_reason"]; ok {
		msg.HasFinishReason = true
		msg.FinishReason, _ = reason.(string)
	}
	return msg
}

func messageRole(obj map[string]any) string {
	for _, k := range []string{"role", "type"} {
		if s, ok := obj[k].(string); ok && s != "" {
			switch s {
			case "ai", "AIMessage", "AIMessageChunk":
				return "assistant"
			case "human", "HumanMessage":
				return "user"
			default:
				return s
			}
		}
	}
	return ""
}

// contentText flattens string content or a list of text parts.
func contentText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, part := range c {
			switch p := part.(type) {
			case string:
				b.WriteString(p)
			case map[string]any:
				if s, ok := p["text"].(string); ok {
					b.WriteString(s)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// truthy follows JavaScript truthiness for decoded JSON values.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func parseUsage(v any) *TokenUsage {
	u := &TokenUsage{}
	obj, ok := v.(map[string]any)
	if !ok {
		return u
	}
	u.PromptTokens = intField(obj, "promptTokens", "prompt_tokens", "input_tokens")
	u.CompletionTokens = intField(obj, "completionTokens", "completion_tokens", "output_tokens")
	u.TotalTokens = intField(obj, "totalTokens", "total_tokens")
	return u
}

func intField(obj map[string]any, keys ...string) int {
	for _, k := range keys {
		if f, ok := obj[k].(float64); ok {
			return int(f)
		}
	}
	return 0
}

package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/carevoice/internal/memory"
)

// MockGateway provides deterministic local replies when no backend is
// configured.
type MockGateway struct{}

func NewMockGateway() *MockGateway { return &MockGateway{} }

func (g *MockGateway) Generate(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	out := make([]Message, 0, len(req.History)+1)
	for _, turn := range req.History {
		out = append(out, Message{Role: string(turn.Role), Content: turn.Content})
	}
	text := buildMockReply(req.History)
	out = append(out, Message{
		Role:            "assistant",
		Content:         text,
		Usage:           &TokenUsage{CompletionTokens: len(strings.Fields(text)), TotalTokens: len(strings.Fields(text))},
		FinishReason:    "stop",
		HasFinishReason: true,
	})
	return Response{Messages: out}, nil
}

func buildMockReply(history []memory.Turn) string {
	var users []string
	for _, t := range history {
		if t.Role == memory.RoleUser {
			users = append(users, strings.TrimSpace(t.Content))
		}
	}
	if len(users) == 0 {
		return "I am listening."
	}

	base := users[len(users)-1]
	if base == "" {
		base = "I am listening."
	}
	if len(users) == 1 || users[len(users)-2] == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, users[len(users)-2])
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// maxSessionIDLen bounds ids so they stay usable as Redis keys and SQL values.
const maxSessionIDLen = 128

var ErrInvalidSession = errors.New("invalid session id")

// Turn stores a single user or assistant conversational turn. Turns are never
// rewritten once appended.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps ordered conversation history per session id.
//
// History on a never-seen id returns an empty slice and creates the session
// record, so callers never need a separate create step.
type Store interface {
	Append(ctx context.Context, sessionID string, turn Turn) error
	History(ctx context.Context, sessionID string) ([]Turn, error)
	LastAssistantTurn(ctx context.Context, sessionID string) (Turn, bool, error)
	Evict(ctx context.Context, sessionID string) error
	Close() error
}

// ValidateSessionID rejects empty, oversized, or control-character ids.
func ValidateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSession)
	}
	if len(sessionID) > maxSessionIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSession, maxSessionIDLen)
	}
	for _, r := range sessionID {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidSession)
		}
	}
	return nil
}

func validateTurn(t Turn) error {
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return fmt.Errorf("invalid turn role %q", t.Role)
	}
	return nil
}

// lastAssistant scans from the end.
func lastAssistant(turns []Turn) (Turn, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleAssistant {
			return turns[i], true
		}
	}
	return Turn{}, false
}

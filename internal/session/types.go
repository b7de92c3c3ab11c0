package session

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// BusyPolicy decides what happens when a turn arrives for a session that
// already has one in flight.
type BusyPolicy string

const (
	// BusyQueue makes the second caller wait for the lease.
	BusyQueue BusyPolicy = "queue"
	// BusyReject fails the second caller with ErrBusy.
	BusyReject BusyPolicy = "reject"
)

func ParseBusyPolicy(v string) (BusyPolicy, error) {
	switch BusyPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", BusyQueue:
		return BusyQueue, nil
	case BusyReject:
		return BusyReject, nil
	default:
		return "", fmt.Errorf("unknown busy policy %q", v)
	}
}

// Session is the runtime view of one conversation thread.
type Session struct {
	ID             string    `json:"session_id"`
	Status         Status    `json:"status"`
	ActiveTurnID   string    `json:"active_turn_id,omitempty"`
	TurnCount      int       `json:"turn_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

package background

import (
	"context"
	"time"

	"github.com/noa10/mataresit-app-sub010/internal/search"
)

// Priority orders queued searches. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its level. The second return is
// false for unrecognized names.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "urgent":
		return PriorityUrgent, true
	default:
		return 0, false
	}
}

// Status describes where a conversation's search currently stands.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Callbacks receive task lifecycle notifications. All fields are optional.
// For any task reaching a terminal state exactly one of OnComplete/OnError
// fires; cancelled (superseded) tasks receive neither.
type Callbacks struct {
	OnProgress func(taskID, stage string)
	OnComplete func(taskID string, resp *search.Response)
	OnError    func(taskID string, err error)
}

// StartOptions tune a single search. Nil fields fall back to the policy
// priority and the configured retry bound.
type StartOptions struct {
	Priority   *Priority
	MaxRetries *int
	Callbacks  Callbacks
}

type task struct {
	id             string
	conversationID string
	params         search.Params
	userID         string
	priority       Priority
	boosted        bool
	createdAt      time.Time
	startedAt      time.Time
	retries        int
	maxRetries     int
	stage          string
	ctx            context.Context
	cancel         context.CancelFunc
	cb             Callbacks
}

// completedRecord is what survives of a task after its terminal state.
// Result payloads stay in the cache; we keep only what is needed to
// re-derive them.
type completedRecord struct {
	taskID         string
	conversationID string
	params         search.Params
	userID         string
	completedAt    time.Time
	err            error
}

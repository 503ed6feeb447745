package queue

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	// StatusSkipped marks deliveries dropped on purpose: duplicates caught at
	// processing time and items with no invitee identity to attach to.
	StatusSkipped Status = "skipped"
	// StatusDead marks deliveries that exhausted their retry budget.
	StatusDead Status = "dead"
)

// Source of a delivery. Backfill items are replayed through the same queue
// and flagged in the recorded activity's audit details.
const (
	SourceWebhook  = "webhook"
	SourceBackfill = "backfill"
)

// Delivery is one queued webhook delivery. The queue hands each row to at
// most one worker per attempt, but redelivery after a crash is possible;
// duplicate suppression belongs to the dedupe store, not the queue.
type Delivery struct {
	ID          string
	Payload     json.RawMessage
	Event       json.RawMessage
	Source      string
	IntakeKey   string
	Status      Status
	Attempt     int
	MaxAttempts int
	ReceivedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
	LastError   *string
}

type EnqueueRequest struct {
	Payload     json.RawMessage
	Event       json.RawMessage
	Source      string
	IntakeKey   string
	MaxAttempts int
	ReceivedAt  time.Time
}

// LogEntry is a completed attempt, kept for the watch monitor and operators.
type LogEntry struct {
	ID          string
	DeliveryID  string
	Status      Status
	Attempt     int
	IntakeKey   string
	ReceivedAt  time.Time
	CompletedAt time.Time
	LastError   *string
}

// Package queue is the durable delivery queue between the intake gateway and
// the processing worker. Deliveries are delivered at least once; exactly-once
// side effects are the dedupe store's job.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxAttempts = 4
	baseRetryDelay     = 30 * time.Second
	maxRetryDelay      = time.Hour
)

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if len(req.Payload) == 0 {
		return "", fmt.Errorf("payload is empty")
	}
	if req.IntakeKey == "" {
		return "", fmt.Errorf("intake_key is empty")
	}

	id := uuid.NewString()

	source := req.Source
	if source == "" {
		source = SourceWebhook
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = q.now()
	}

	var event any
	if len(req.Event) > 0 {
		event = string(req.Event)
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO delivery_queue(
  id, payload, event, source, intake_key, status, attempt, max_attempts, received_at
)
VALUES(?, ?, ?, ?, ?, ?, 1, ?, ?);
`, id, string(req.Payload), event, source, req.IntakeKey, StatusQueued, maxAttempts,
		receivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("enqueue delivery: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest due delivery and marks it running. Returns
// (nil, nil) if nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	nowS := q.now().UTC().Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM delivery_queue
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY received_at ASC, rowid ASC
  LIMIT 1
)
UPDATE delivery_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING
  id, payload, event, source, intake_key, status, attempt, max_attempts,
  received_at, started_at, completed_at, next_retry_at, last_error;
`, StatusQueued, nowS, StatusRunning, nowS)

	var (
		d            Delivery
		event        sql.NullString
		statusS      string
		receivedAtS  string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
		payload      string
	)
	err := row.Scan(
		&d.ID, &payload, &event, &d.Source, &d.IntakeKey, &statusS, &d.Attempt, &d.MaxAttempts,
		&receivedAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue delivery: %w", err)
	}

	d.Status = Status(statusS)
	d.Payload = []byte(payload)
	if event.Valid {
		d.Event = []byte(event.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, receivedAtS); err == nil {
		d.ReceivedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			d.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			d.CompletedAt = &t
		}
	}
	if nextRetryAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextRetryAtS.String); err == nil {
			d.NextRetryAt = &t
		}
	}
	if lastError.Valid {
		d.LastError = &lastError.String
	}
	return &d, nil
}

// Complete marks a delivery terminal and appends a row to delivery_log.
func (q *Queue) Complete(ctx context.Context, deliveryID string, status Status, lastError *string) error {
	if deliveryID == "" {
		return fmt.Errorf("deliveryID is empty")
	}
	if status != StatusSucceeded && status != StatusSkipped && status != StatusDead {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		attempt    int
		intakeKey  string
		receivedAt string
	)
	if err := tx.QueryRowContext(ctx, `
SELECT attempt, intake_key, received_at FROM delivery_queue WHERE id = ?;
`, deliveryID).Scan(&attempt, &intakeKey, &receivedAt); err != nil {
		return fmt.Errorf("load delivery for completion: %w", err)
	}

	completedAt := q.now().UTC().Format(time.RFC3339Nano)

	_, err = tx.ExecContext(ctx, `
UPDATE delivery_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, completedAt, lastError, deliveryID)
	if err != nil {
		return fmt.Errorf("update delivery completion: %w", err)
	}

	logID := fmt.Sprintf("%s-%d", deliveryID, attempt)
	_, err = tx.ExecContext(ctx, `
INSERT INTO delivery_log(id, delivery_id, status, attempt, intake_key, received_at, completed_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, logID, deliveryID, status, attempt, intakeKey, receivedAt, completedAt, lastError)
	if err != nil {
		return fmt.Errorf("insert delivery_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Fail records a processing failure. The delivery is requeued with backoff
// until max_attempts, then marked dead. Returns true when a retry was
// scheduled.
func (q *Queue) Fail(ctx context.Context, d *Delivery, errMsg string) (bool, error) {
	if d == nil {
		return false, fmt.Errorf("delivery is nil")
	}

	if d.Attempt >= d.MaxAttempts {
		if err := q.Complete(ctx, d.ID, StatusDead, &errMsg); err != nil {
			return false, err
		}
		return false, nil
	}

	retryAt := q.now().UTC().Add(retryDelay(d.Attempt)).Format(time.RFC3339Nano)
	_, err := q.db.ExecContext(ctx, `
UPDATE delivery_queue
SET status = ?, attempt = attempt + 1, next_retry_at = ?, last_error = ?
WHERE id = ?;
`, StatusQueued, retryAt, errMsg, d.ID)
	if err != nil {
		return false, fmt.Errorf("requeue delivery: %w", err)
	}
	return true, nil
}

// retryDelay doubles per attempt: 30s, 1m, 2m, ... capped at an hour.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// Depth returns queued and running counts for the watch monitor.
func (q *Queue) Depth(ctx context.Context) (queued, running int, err error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM delivery_queue WHERE status IN (?, ?) GROUP BY status;
`, StatusQueued, StatusRunning)
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, fmt.Errorf("queue depth: %w", err)
		}
		switch Status(status) {
		case StatusQueued:
			queued = n
		case StatusRunning:
			running = n
		}
	}
	return queued, running, rows.Err()
}

// RecentLog returns the latest completed attempts, newest first.
func (q *Queue) RecentLog(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT id, delivery_id, status, attempt, intake_key, received_at, completed_at, last_error
FROM delivery_log
ORDER BY completed_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("read delivery_log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e            LogEntry
			statusS      string
			receivedAtS  string
			completedAtS string
			lastError    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.DeliveryID, &statusS, &e.Attempt, &e.IntakeKey, &receivedAtS, &completedAtS, &lastError); err != nil {
			return nil, fmt.Errorf("read delivery_log: %w", err)
		}
		e.Status = Status(statusS)
		if t, err := time.Parse(time.RFC3339Nano, receivedAtS); err == nil {
			e.ReceivedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completedAtS); err == nil {
			e.CompletedAt = t
		}
		if lastError.Valid {
			e.LastError = &lastError.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

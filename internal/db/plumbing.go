package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/retry"
	"github.com/jmoiron/sqlx"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
)

// OutboxMessage is an event committed with a local transaction and waiting
// for the relay to publish it.
type OutboxMessage struct {
	ID        int64        `db:"id"`
	Source    string       `db:"source"`
	Topic     string       `db:"topic"`
	Key       string       `db:"msg_key"`
	Kind      string       `db:"kind"`
	EventID   string       `db:"event_id"`
	Payload   []byte       `db:"payload"`
	Status    string       `db:"status"`
	CreatedAt time.Time    `db:"created_at"`
	SentAt    sql.NullTime `db:"sent_at"`
}

// DeadLetterRecord is a stored dead letter.
type DeadLetterRecord struct {
	ID        int64     `db:"id"`
	Consumer  string    `db:"consumer"`
	Topic     string    `db:"topic"`
	Key       string    `db:"msg_key"`
	Kind      string    `db:"kind"`
	EventID   string    `db:"event_id"`
	Payload   []byte    `db:"payload"`
	Error     string    `db:"error"`
	Attempts  int       `db:"attempts"`
	CreatedAt time.Time `db:"created_at"`
}

// EnqueueOutbox stores a message for the relay.
func (q *Queries) EnqueueOutbox(ctx context.Context, m OutboxMessage) error {
	_, err := q.q.NamedExecContext(ctx, `
		INSERT INTO outbox (source, topic, msg_key, kind, event_id, payload, status)
		VALUES (:source, :topic, :msg_key, :kind, :event_id, :payload, 'PENDING')
	`, m)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("enqueueing outbox message: %w", err)
	}
	return nil
}

// PendingOutbox returns unsent messages for a source in insertion order.
func (q *Queries) PendingOutbox(ctx context.Context, source string, limit int) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	err := q.q.SelectContext(ctx, &msgs, `
		SELECT id, source, topic, msg_key, kind, event_id, payload, status, created_at, sent_at
		FROM outbox WHERE source = ? AND status = 'PENDING' ORDER BY id ASC LIMIT ?
	`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending outbox: %w", err)
	}
	return msgs, nil
}

// MarkOutboxSent flags messages as published.
func (q *Queries) MarkOutboxSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE outbox SET status = 'SENT', sent_at = CURRENT_TIMESTAMP WHERE id IN (?)
	`, ids)
	if err != nil {
		return fmt.Errorf("building outbox update: %w", err)
	}
	if _, err := q.q.ExecContext(ctx, q.q.Rebind(query), args...); err != nil {
		return fmt.Errorf("marking outbox sent: %w", err)
	}
	return nil
}

// TryProcess records that consumer handled eventID.
// Returns true if this is the first time, false if it was already processed.
func (q *Queries) TryProcess(ctx context.Context, consumer, eventID, kind string) (bool, error) {
	result, err := q.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (consumer, event_id, kind) VALUES (?, ?, ?)
	`, consumer, eventID, kind)
	if err != nil {
		return false, fmt.Errorf("recording processed event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

// IsProcessed reports whether consumer already handled eventID.
func (q *Queries) IsProcessed(ctx context.Context, consumer, eventID string) (bool, error) {
	var n int
	err := q.q.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM processed_events WHERE consumer = ? AND event_id = ?
	`, consumer, eventID)
	if err != nil {
		return false, fmt.Errorf("querying processed event: %w", err)
	}
	return n > 0, nil
}

// DeadLetter stores a message a consumer gave up on.
func (q *Queries) DeadLetter(ctx context.Context, dl retry.DeadLetter) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO dead_letters (consumer, topic, msg_key, kind, event_id, payload, error, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, dl.Consumer, dl.Topic, dl.Key, dl.Kind, dl.EventID, dl.Payload, dl.Error, dl.Attempts)
	if err != nil {
		return fmt.Errorf("recording dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters first.
func (q *Queries) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	var dls []DeadLetterRecord
	err := q.q.SelectContext(ctx, &dls, `
		SELECT id, consumer, topic, msg_key, kind, event_id, payload, error, attempts, created_at
		FROM dead_letters ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	return dls, nil
}

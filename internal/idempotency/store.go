// Package idempotency guards the executor's at-least-once Kafka ingress: a
// redelivered trade intent must never reach the broker twice. Processed
// intent ids and the outbox of execution events share one SQLite database so
// recording an outcome and queueing its event are atomic.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ismaiel54/order-execution-engine/internal/msg"
	_ "modernc.org/sqlite"
)

// Store provides intent deduplication and the execution-event outbox.
type Store struct {
	db          *sql.DB
	eventsTopic string
}

// OutboxEvent is an execution event waiting to be published.
type OutboxEvent struct {
	ID                  int64
	IntentID            string
	EventID             string
	Topic               string
	Key                 string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// Open creates or opens the store at path. Outbox events are queued for
// eventsTopic; an empty topic uses the default executions topic.
func Open(path, eventsTopic string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if eventsTopic == "" {
		eventsTopic = msg.TopicOrdersExecutions
	}
	store := &Store{db: db, eventsTopic: eventsTopic}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS processed_intents (
			intent_id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			first_seen_unix_millis INTEGER NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			intent_id TEXT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON outbox_events(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// Seen reports whether an intent id has already been processed.
func (s *Store) Seen(ctx context.Context, intentID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM processed_intents WHERE intent_id = ?",
		intentID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check intent: %w", err)
	}
	return true, nil
}

// RecordExecution atomically marks the intent processed and queues its
// execution event into the outbox. Returns (nil, nil) when another delivery
// already recorded this intent.
func (s *Store) RecordExecution(ctx context.Context, event msg.ExecutionEventMsg) (*OutboxEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_intents (intent_id, event_id, first_seen_unix_millis, status, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		event.IntentID, event.EventID, now, event.Status, event.Reason,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert processed intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution event: %w", err)
	}

	outRes, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_events (intent_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		event.IntentID, event.EventID, s.eventsTopic, event.Symbol, string(payload), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert outbox event: %w", err)
	}
	id, _ := outRes.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &OutboxEvent{
		ID:                id,
		IntentID:          event.IntentID,
		EventID:           event.EventID,
		Topic:             s.eventsTopic,
		Key:               event.Symbol,
		PayloadJSON:       string(payload),
		CreatedUnixMillis: now,
	}, nil
}

// ListUnpublished returns up to limit outbox events not yet published.
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, intent_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis
		 FROM outbox_events
		 WHERE published_unix_millis IS NULL
		 ORDER BY id
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.IntentID, &ev.EventID, &ev.Topic, &ev.Key, &ev.PayloadJSON, &ev.CreatedUnixMillis, &ev.PublishedUnixMillis); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkPublished stamps an outbox event as published.
func (s *Store) MarkPublished(ctx context.Context, eventID string, tsUnixMillis int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET published_unix_millis = ? WHERE event_id = ?",
		tsUnixMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

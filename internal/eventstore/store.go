// Package eventstore keeps raw provider webhooks in a month-partitioned table.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type InsertResult int

const (
	Inserted InsertResult = iota + 1
	Duplicate
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

type Record struct {
	ProviderEventID string
	Provider        string
	EventType       string
	ReceivedAt      time.Time
	Payload         json.RawMessage
}

// Event is a stored webhook awaiting reconciliation.
type Event struct {
	ProviderEventID string
	Provider        string
	EventType       string
	ReceivedAt      time.Time
	Payload         json.RawMessage
	Attempts        int
}

type Store struct {
	db         DB
	logger     *slog.Logger
	partitions *registry
	now        func() time.Time
}

func New(db DB, logger *slog.Logger) *Store {
	return &Store{
		db:         db,
		logger:     logger,
		partitions: newRegistry(),
		now:        time.Now,
	}
}

// InsertIfAbsent stores rec unless its provider event id was seen before.
// A missing monthly partition is created and the insert retried once.
func (s *Store) InsertIfAbsent(ctx context.Context, rec Record) (InsertResult, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = s.now()
	}
	rec.ReceivedAt = rec.ReceivedAt.UTC()

	res, err := s.insert(ctx, rec)
	if err == nil || !isMissingPartition(err) {
		return res, err
	}

	p := PartitionFor(rec.ReceivedAt)
	s.logger.Info("no partition for event, creating", "partition", p.Name, "event_id", rec.ProviderEventID)
	s.partitions.forget(p.Name)
	if err := s.EnsurePartitionFor(ctx, rec.ReceivedAt); err != nil {
		return 0, err
	}
	return s.insert(ctx, rec)
}

func (s *Store) insert(ctx context.Context, rec Record) (InsertResult, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO event_inbox (provider_event_id, provider, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		rec.ProviderEventID, rec.Provider, rec.ReceivedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert inbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Duplicate, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO events (provider_event_id, provider, event_type, received_at, data)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ProviderEventID, rec.Provider, rec.EventType, rec.ReceivedAt, []byte(rec.Payload),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit event: %w", err)
	}
	return Inserted, nil
}

// FetchUnprocessed returns due, unprocessed events oldest first.
// A non-positive limit returns every due event.
func (s *Store) FetchUnprocessed(ctx context.Context, limit int) ([]Event, error) {
	query := `
		SELECT provider_event_id, provider, event_type, received_at, data, attempts
		FROM events
		WHERE processed = false
		  AND quarantined_at IS NULL
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY received_at ASC, provider_event_id ASC`
	args := []any{s.now().UTC()}
	if limit > 0 {
		query += `
		LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e    Event
			data []byte
		)
		if err := rows.Scan(&e.ProviderEventID, &e.Provider, &e.EventType, &e.ReceivedAt, &data, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = json.RawMessage(data)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// MarkProcessed flags the event as reconciled. Repeated calls are no-ops.
func (s *Store) MarkProcessed(ctx context.Context, providerEventID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE events
		SET processed = true, processed_at = NOW()
		WHERE provider_event_id = $1 AND processed = false`,
		providerEventID,
	)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// RecordFailure counts a failed parse and schedules the next attempt.
// With quarantine set the event leaves the pending set for good.
func (s *Store) RecordFailure(ctx context.Context, providerEventID, reason string, nextAttemptAt time.Time, quarantine bool) error {
	_, err := s.db.Exec(ctx, `
		UPDATE events
		SET attempts = attempts + 1,
		    last_error = $2,
		    next_attempt_at = $3,
		    quarantined_at = CASE WHEN $4::boolean THEN NOW() ELSE NULL END
		WHERE provider_event_id = $1 AND processed = false`,
		providerEventID, reason, nextAttemptAt.UTC(), quarantine,
	)
	if err != nil {
		return fmt.Errorf("record event failure: %w", err)
	}
	return nil
}

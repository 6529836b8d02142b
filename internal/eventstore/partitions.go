package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeCheckViolation     = "23514"
	codeUniqueViolation    = "23505"
	codeDuplicateTable     = "42P07"
	codeWrongObjectType    = "42809"
	codeInvalidObjectDefin = "42P17"
)

type Partition struct {
	Name string
	From time.Time
	To   time.Time
}

// PartitionFor returns the monthly partition that owns t, in UTC.
func PartitionFor(t time.Time) Partition {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Partition{
		Name: fmt.Sprintf("events_y%04dm%02d", from.Year(), int(from.Month())),
		From: from,
		To:   from.AddDate(0, 1, 0),
	}
}

// registry remembers which partitions this process has already ensured.
type registry struct {
	mu    sync.Mutex
	known map[string]struct{}
}

func newRegistry() *registry {
	return &registry{known: make(map[string]struct{})}
}

func (r *registry) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.known[name]
	return ok
}

func (r *registry) add(name string) {
	r.mu.Lock()
	r.known[name] = struct{}{}
	r.mu.Unlock()
}

func (r *registry) forget(name string) {
	r.mu.Lock()
	delete(r.known, name)
	r.mu.Unlock()
}

// EnsurePartitionFor creates and attaches the partition covering t if absent.
// Losing a creation race to another writer counts as success.
func (s *Store) EnsurePartitionFor(ctx context.Context, t time.Time) error {
	p := PartitionFor(t)
	if s.partitions.has(p.Name) {
		return nil
	}

	ident := pgx.Identifier{p.Name}.Sanitize()
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (LIKE events INCLUDING DEFAULTS)`, ident)
	if _, err := s.db.Exec(ctx, create); err != nil && !isPartitionRace(err) {
		return fmt.Errorf("create partition %s: %w", p.Name, err)
	}

	attach := fmt.Sprintf(`ALTER TABLE events ATTACH PARTITION %s FOR VALUES FROM ('%s') TO ('%s')`,
		ident, p.From.Format(time.RFC3339), p.To.Format(time.RFC3339))
	if _, err := s.db.Exec(ctx, attach); err != nil && !isPartitionRace(err) {
		return fmt.Errorf("attach partition %s: %w", p.Name, err)
	}

	s.partitions.add(p.Name)
	s.logger.Info("events partition ready", "partition", p.Name)
	return nil
}

// EnsureUpcoming prepares the partition for now and the following months.
func (s *Store) EnsureUpcoming(ctx context.Context, now time.Time, months int) error {
	first := PartitionFor(now).From
	for i := 0; i <= months; i++ {
		if err := s.EnsurePartitionFor(ctx, first.AddDate(0, i, 0)); err != nil {
			return err
		}
	}
	return nil
}

// events has no CHECK constraints, so 23514 on insert means no partition
// holds the row. The message text follows lc_messages and is not matched.
func isMissingPartition(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeCheckViolation
}

func isPartitionRace(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeDuplicateTable, codeUniqueViolation, codeWrongObjectType, codeInvalidObjectDefin:
		return true
	}
	return false
}

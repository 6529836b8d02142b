package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	inboxInsert = regexp.QuoteMeta("INSERT INTO event_inbox")
	eventInsert = regexp.QuoteMeta("INSERT INTO events")
)

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s := New(mock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC) }
	return s, mock
}

func testRecord() Record {
	return Record{
		ProviderEventID: "evt_1",
		Provider:        "stripe",
		EventType:       "payment_intent.succeeded",
		Payload:         json.RawMessage(`{"id":"evt_1"}`),
	}
}

func inboxArgs() []any {
	return []any{pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()}
}

func eventArgs() []any {
	return []any{pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()}
}

func missingPartitionErr() error {
	return &pgconn.PgError{Code: "23514", Message: `no partition of relation "events" found for row`}
}

func TestPartitionFor(t *testing.T) {
	p := PartitionFor(time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC))

	assert.Equal(t, "events_y2026m12", p.Name)
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), p.From)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), p.To)

	eastern := time.FixedZone("UTC+3", 3*60*60)
	assert.Equal(t, "events_y2026m09", PartitionFor(time.Date(2026, 10, 1, 1, 0, 0, 0, eastern)).Name)
}

func TestInsertIfAbsentInserts(t *testing.T) {
	s, mock := newTestStore(t)
	received := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(inboxInsert).
		WithArgs("evt_1", "stripe", received).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(eventInsert).
		WithArgs("evt_1", "stripe", "payment_intent.succeeded", received, []byte(`{"id":"evt_1"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.InsertIfAbsent(context.Background(), testRecord())

	require.NoError(t, err)
	assert.Equal(t, Inserted, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsentDuplicate(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(inboxInsert).
		WithArgs(inboxArgs()...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	res, err := s.InsertIfAbsent(context.Background(), testRecord())

	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsentCreatesMissingPartition(t *testing.T) {
	s, mock := newTestStore(t)
	rec := testRecord()
	rec.ReceivedAt = time.Date(2027, 2, 3, 4, 5, 6, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(inboxInsert).WithArgs(inboxArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(eventInsert).WithArgs(eventArgs()...).WillReturnError(missingPartitionErr())
	mock.ExpectRollback()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "events_y2027m02" (LIKE events INCLUDING DEFAULTS)`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE events ATTACH PARTITION "events_y2027m02" FOR VALUES FROM ('2027-02-01T00:00:00Z') TO ('2027-03-01T00:00:00Z')`)).
		WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))
	mock.ExpectBegin()
	mock.ExpectExec(inboxInsert).WithArgs(inboxArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(eventInsert).WithArgs(eventArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.InsertIfAbsent(context.Background(), rec)

	require.NoError(t, err)
	assert.Equal(t, Inserted, res)
	assert.True(t, s.partitions.has("events_y2027m02"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsentRetriesOnlyOnce(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(inboxInsert).WithArgs(inboxArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(eventInsert).WithArgs(eventArgs()...).WillReturnError(missingPartitionErr())
	mock.ExpectRollback()
	mock.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("ATTACH PARTITION").WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))
	mock.ExpectBegin()
	mock.ExpectExec(inboxInsert).WithArgs(inboxArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(eventInsert).WithArgs(eventArgs()...).WillReturnError(missingPartitionErr())
	mock.ExpectRollback()

	_, err := s.InsertIfAbsent(context.Background(), testRecord())

	require.Error(t, err)
	assert.True(t, isMissingPartition(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsentCreatesPartitionWithLocalizedError(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(inboxInsert).WithArgs(inboxArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(eventInsert).WithArgs(eventArgs()...).
		WillReturnError(&pgconn.PgError{Code: "23514", Message: `keine Partition von Relation »events« für Zeile gefunden`})
	mock.ExpectRollback()
	mock.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("ATTACH PARTITION").WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))
	mock.ExpectBegin()
	mock.ExpectExec(inboxInsert).WithArgs(inboxArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(eventInsert).WithArgs(eventArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.InsertIfAbsent(context.Background(), testRecord())

	require.NoError(t, err)
	assert.Equal(t, Inserted, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsentSurfacesOtherErrors(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(inboxInsert).WithArgs(inboxArgs()...).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.InsertIfAbsent(context.Background(), testRecord())

	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsurePartitionForToleratesConcurrentCreation(t *testing.T) {
	for _, code := range []string{"42P07", "23505", "42809", "42P17"} {
		t.Run(code, func(t *testing.T) {
			s, mock := newTestStore(t)

			mock.ExpectExec("CREATE TABLE").WillReturnError(&pgconn.PgError{Code: code})
			mock.ExpectExec("ATTACH PARTITION").WillReturnError(&pgconn.PgError{Code: code})

			err := s.EnsurePartitionFor(context.Background(), s.now())

			assert.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEnsurePartitionForFailsOnOtherErrors(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("ATTACH PARTITION").WillReturnError(&pgconn.PgError{Code: "42501", Message: "permission denied"})

	err := s.EnsurePartitionFor(context.Background(), s.now())

	assert.ErrorContains(t, err, "attach partition events_y2026m10")
	assert.False(t, s.partitions.has("events_y2026m10"))
}

func TestEnsurePartitionForSkipsKnownPartitions(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("ATTACH PARTITION").WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))

	require.NoError(t, s.EnsurePartitionFor(context.Background(), s.now()))
	require.NoError(t, s.EnsurePartitionFor(context.Background(), s.now().Add(24*time.Hour)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureUpcoming(t *testing.T) {
	s, mock := newTestStore(t)
	for _, name := range []string{"events_y2026m10", "events_y2026m11", "events_y2026m12"} {
		mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "` + name + `"`)).
			WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
		mock.ExpectExec("ATTACH PARTITION").WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))
	}

	require.NoError(t, s.EnsureUpcoming(context.Background(), s.now(), 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchUnprocessedOrdersOldestFirst(t *testing.T) {
	s, mock := newTestStore(t)
	t1 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"provider_event_id", "provider", "event_type", "received_at", "data", "attempts"}).
		AddRow("evt_1", "stripe", "charge.refunded", t1, []byte(`{"a":1}`), 0).
		AddRow("evt_2", "stripe", "charge.refunded", t1.Add(time.Minute), []byte(`{"a":2}`), 2)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY received_at ASC, provider_event_id ASC")).
		WithArgs(s.now(), 50).
		WillReturnRows(rows)

	events, err := s.FetchUnprocessed(context.Background(), 50)

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt_1", events[0].ProviderEventID)
	assert.Equal(t, json.RawMessage(`{"a":2}`), events[1].Payload)
	assert.Equal(t, 2, events[1].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchUnprocessedWithoutLimit(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("FROM events").
		WithArgs(s.now()).
		WillReturnRows(pgxmock.NewRows([]string{"provider_event_id", "provider", "event_type", "received_at", "data", "attempts"}))

	events, err := s.FetchUnprocessed(context.Background(), 0)

	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedIsIdempotent(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("UPDATE events").WithArgs("evt_1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE events").WithArgs("evt_1").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.NoError(t, s.MarkProcessed(context.Background(), "evt_1"))
	assert.NoError(t, s.MarkProcessed(context.Background(), "evt_1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailure(t *testing.T) {
	s, mock := newTestStore(t)
	next := s.now().Add(4 * time.Second)

	mock.ExpectExec(regexp.QuoteMeta("SET attempts = attempts + 1")).
		WithArgs("evt_1", "malformed event", next, true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.RecordFailure(context.Background(), "evt_1", "malformed event", next, true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

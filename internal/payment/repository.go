package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("payment not found")

type Subscription struct {
	ID    int64
	Title string
	Roles []string
}

type Payment struct {
	ID             int64
	UserID         string
	SubscriptionID int64
	StartDate      time.Time
	EndDate        time.Time
	IsPaid         bool
	IntentID       string
	ClientSecret   string
	Subscription   Subscription
}

// Expiring is a paid subscription that ends on a given day.
type Expiring struct {
	UserID  string
	EndDate time.Time
	Title   string
}

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// FindByIntentID returns the newest payment for a provider payment intent.
func (r *Repository) FindByIntentID(ctx context.Context, intentID string) (Payment, error) {
	var p Payment
	err := r.db.QueryRow(ctx, `
		SELECT p.id, p.user_id::text, p.subscription_id, p.start_date, p.end_date, p.is_paid,
		       p.intent_id, COALESCE(p.client_secret, ''), s.id, s.title, s.roles
		FROM payments p
		JOIN subscriptions s ON s.id = p.subscription_id
		WHERE p.intent_id = $1
		ORDER BY p.id DESC
		LIMIT 1`,
		intentID,
	).Scan(
		&p.ID, &p.UserID, &p.SubscriptionID, &p.StartDate, &p.EndDate, &p.IsPaid,
		&p.IntentID, &p.ClientSecret, &p.Subscription.ID, &p.Subscription.Title, &p.Subscription.Roles,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("select payment %s: %w", intentID, err)
	}
	return p, nil
}

// MarkPaid flips is_paid for the intent. Already-paid rows are left alone.
func (r *Repository) MarkPaid(ctx context.Context, intentID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payments
		SET is_paid = true
		WHERE intent_id = $1 AND is_paid = false`,
		intentID,
	)
	if err != nil {
		return fmt.Errorf("mark payment paid: %w", err)
	}
	return nil
}

func (r *Repository) ListExpiring(ctx context.Context, day time.Time) ([]Expiring, error) {
	rows, err := r.db.Query(ctx, `
		SELECT p.user_id::text, p.end_date, COALESCE(s.title, '')
		FROM payments p
		LEFT JOIN subscriptions s ON s.id = p.subscription_id
		WHERE p.is_paid AND p.end_date = $1::date
		ORDER BY p.id`,
		day.Format(time.DateOnly),
	)
	if err != nil {
		return nil, fmt.Errorf("query expiring payments: %w", err)
	}
	defer rows.Close()

	var out []Expiring
	for rows.Next() {
		var e Expiring
		if err := rows.Scan(&e.UserID, &e.EndDate, &e.Title); err != nil {
			return nil, fmt.Errorf("scan expiring payment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimReminderDay records that expiry reminders for day are being sent.
// Only the first caller across restarts and replicas gets true.
func (r *Repository) ClaimReminderDay(ctx context.Context, day time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO reminder_runs (day)
		VALUES ($1::date)
		ON CONFLICT (day) DO NOTHING`,
		day.Format(time.DateOnly),
	)
	if err != nil {
		return false, fmt.Errorf("claim reminder day: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

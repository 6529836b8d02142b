// Package reconcile applies stored payment events to accounts.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Ilia-Abrosimov/Billing/internal/event"
	"github.com/Ilia-Abrosimov/Billing/internal/eventstore"
	"github.com/Ilia-Abrosimov/Billing/internal/payment"
)

type EventStore interface {
	FetchUnprocessed(ctx context.Context, limit int) ([]eventstore.Event, error)
	MarkProcessed(ctx context.Context, providerEventID string) error
	RecordFailure(ctx context.Context, providerEventID, reason string, nextAttemptAt time.Time, quarantine bool) error
}

type Payments interface {
	FindByIntentID(ctx context.Context, intentID string) (payment.Payment, error)
	MarkPaid(ctx context.Context, intentID string) error
}

type Parsers interface {
	Parser(provider string) (event.Parser, bool)
}

type Authorizer interface {
	Grant(ctx context.Context, users, roles []string, expiresAt time.Time) error
	Revoke(ctx context.Context, users, roles []string, effectiveAt time.Time) error
}

type Notifier interface {
	Notify(ctx context.Context, users []string, eventName string) error
}

type Options struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryMaxDelay  time.Duration
	SucceededEvent string
	CanceledEvent  string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = time.Hour
	}
	if o.SucceededEvent == "" {
		o.SucceededEvent = "payment_succeeded"
	}
	if o.CanceledEvent == "" {
		o.CanceledEvent = "payment_canceled"
	}
	return o
}

type Stats struct {
	Fetched     int
	Applied     int
	Skipped     int
	Failed      int
	Quarantined int
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeQuarantined
)

type Worker struct {
	store    EventStore
	payments Payments
	parsers  Parsers
	authz    Authorizer
	notifier Notifier
	opts     Options
	logger   *slog.Logger
	wake     chan struct{}
	now      func() time.Time
}

func NewWorker(store EventStore, payments Payments, parsers Parsers, authz Authorizer, notifier Notifier, opts Options, logger *slog.Logger) *Worker {
	return &Worker{
		store:    store,
		payments: payments,
		parsers:  parsers,
		authz:    authz,
		notifier: notifier,
		opts:     opts.withDefaults(),
		logger:   logger,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (w *Worker) Nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done. Cancellation is only observed between
// cycles; a started cycle always runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	timer := time.NewTimer(w.opts.PollInterval)
	defer timer.Stop()

	w.logger.Info("reconciliation worker started", "interval", w.opts.PollInterval)
	for {
		stats, err := w.ProcessPending(context.WithoutCancel(ctx))
		if err != nil {
			w.logger.Error("reconciliation cycle failed", "err", err)
		} else if stats.Fetched > 0 {
			w.logger.Info("reconciliation cycle done",
				"fetched", stats.Fetched, "applied", stats.Applied, "skipped", stats.Skipped,
				"failed", stats.Failed, "quarantined", stats.Quarantined)
		}

		if ctx.Err() != nil {
			w.logger.Info("reconciliation worker stopped")
			return nil
		}

		timer.Reset(w.opts.PollInterval)
		select {
		case <-ctx.Done():
			w.logger.Info("reconciliation worker stopped")
			return nil
		case <-timer.C:
		case <-w.wake:
		}
	}
}

// ProcessPending runs one cycle over the due backlog, oldest first.
func (w *Worker) ProcessPending(ctx context.Context) (Stats, error) {
	events, err := w.store.FetchUnprocessed(ctx, w.opts.BatchSize)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Fetched: len(events)}
	for _, e := range events {
		switch w.handle(ctx, e) {
		case outcomeApplied:
			stats.Applied++
		case outcomeSkipped:
			stats.Skipped++
		case outcomeFailed:
			stats.Failed++
		case outcomeQuarantined:
			stats.Quarantined++
		}
	}
	return stats, nil
}

func (w *Worker) handle(ctx context.Context, e eventstore.Event) outcome {
	log := w.logger.With("event_id", e.ProviderEventID, "provider", e.Provider)

	parser, ok := w.parsers.Parser(e.Provider)
	if !ok {
		log.Warn("no parser for provider, skipping event")
		return w.complete(ctx, log, e, outcomeSkipped)
	}

	evt, err := parser.Parse(e.Payload)
	if err != nil {
		if errors.Is(err, event.ErrMalformedEvent) {
			return w.fail(ctx, log, e, err)
		}
		log.Error("parse event", "err", err)
		return outcomeFailed
	}
	if evt == nil {
		log.Debug("unrecognized event type, skipping", "event_type", e.EventType)
		return w.complete(ctx, log, e, outcomeSkipped)
	}

	p, err := w.payments.FindByIntentID(ctx, evt.PaymentIntentID())
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			log.Warn("no payment for intent, skipping", "intent_id", evt.PaymentIntentID())
			return w.complete(ctx, log, e, outcomeSkipped)
		}
		log.Error("find payment", "intent_id", evt.PaymentIntentID(), "err", err)
		return outcomeFailed
	}

	switch evt.(type) {
	case event.PaymentSucceeded:
		w.applySucceeded(ctx, log, p)
	case event.ChargeRefunded:
		w.applyRefunded(ctx, log, p)
	}
	return w.complete(ctx, log, e, outcomeApplied)
}

func (w *Worker) applySucceeded(ctx context.Context, log *slog.Logger, p payment.Payment) {
	users := []string{p.UserID}
	if err := w.authz.Grant(ctx, users, p.Subscription.Roles, p.EndDate); err != nil {
		log.Error("grant roles", "user_id", p.UserID, "err", err)
	}
	if err := w.notifier.Notify(ctx, users, w.opts.SucceededEvent); err != nil {
		log.Warn("notify payment succeeded", "user_id", p.UserID, "err", err)
	}
	if err := w.payments.MarkPaid(ctx, p.IntentID); err != nil {
		log.Error("mark payment paid", "intent_id", p.IntentID, "err", err)
	}
}

func (w *Worker) applyRefunded(ctx context.Context, log *slog.Logger, p payment.Payment) {
	users := []string{p.UserID}
	if err := w.authz.Revoke(ctx, users, p.Subscription.Roles, today(w.now())); err != nil {
		log.Error("revoke roles", "user_id", p.UserID, "err", err)
	}
	if err := w.notifier.Notify(ctx, users, w.opts.CanceledEvent); err != nil {
		log.Warn("notify payment canceled", "user_id", p.UserID, "err", err)
	}
}

func (w *Worker) complete(ctx context.Context, log *slog.Logger, e eventstore.Event, result outcome) outcome {
	if err := w.store.MarkProcessed(ctx, e.ProviderEventID); err != nil {
		log.Error("mark event processed", "err", err)
		return outcomeFailed
	}
	return result
}

// fail schedules a malformed event for another attempt, or quarantines it
// once MaxAttempts is reached. It is never marked processed.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, e eventstore.Event, cause error) outcome {
	attempts := e.Attempts + 1
	quarantine := w.opts.MaxAttempts > 0 && attempts >= w.opts.MaxAttempts
	next := w.now().Add(retryDelay(attempts, w.opts.RetryMaxDelay))

	if err := w.store.RecordFailure(ctx, e.ProviderEventID, cause.Error(), next, quarantine); err != nil {
		log.Error("record event failure", "err", err)
	}
	if quarantine {
		log.Error("malformed event quarantined", "attempts", attempts, "err", cause)
		return outcomeQuarantined
	}
	log.Warn("malformed event, will retry", "attempts", attempts, "next_attempt_at", next, "err", cause)
	return outcomeFailed
}

func retryDelay(attempts int, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		attempts = 16
	}
	delay := time.Duration(1<<attempts) * time.Second
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

func today(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Package reminder warns users shortly before their subscription ends.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Ilia-Abrosimov/Billing/internal/payment"
)

type Source interface {
	ListExpiring(ctx context.Context, day time.Time) ([]payment.Expiring, error)
	ClaimReminderDay(ctx context.Context, day time.Time) (bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, users []string, eventName string) error
}

type Options struct {
	// At is the UTC time of day the reminder fires, as an offset from midnight.
	At        time.Duration
	LeadDays  int
	EventName string
}

type Job struct {
	source   Source
	notifier Notifier
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

func NewJob(source Source, notifier Notifier, opts Options, logger *slog.Logger) *Job {
	if opts.EventName == "" {
		opts.EventName = "subscription_expiring"
	}
	return &Job{
		source:   source,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		after:    time.After,
	}
}

// Run fires once a day at opts.At until ctx is done.
func (j *Job) Run(ctx context.Context) error {
	for {
		wait := untilNext(j.now(), j.opts.At)
		j.logger.Debug("expiry reminder scheduled", "in", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-j.after(wait):
		}

		if n, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("expiry reminder failed", "err", err)
		} else if n > 0 {
			j.logger.Info("expiry reminders sent", "users", n)
		}
	}
}

// RunOnce notifies every user whose paid subscription ends LeadDays from
// today and returns how many users were notified. A day already claimed by
// an earlier run is skipped.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	today := startOfDay(j.now())
	claimed, err := j.source.ClaimReminderDay(ctx, today)
	if err != nil {
		return 0, err
	}
	if !claimed {
		j.logger.Info("expiry reminders already sent today", "day", today.Format(time.DateOnly))
		return 0, nil
	}
	day := today.AddDate(0, 0, j.opts.LeadDays)

	expiring, err := j.source.ListExpiring(ctx, day)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(expiring))
	users := make([]string, 0, len(expiring))
	for _, e := range expiring {
		if _, ok := seen[e.UserID]; ok {
			continue
		}
		seen[e.UserID] = struct{}{}
		users = append(users, e.UserID)
	}
	if len(users) == 0 {
		return 0, nil
	}

	if err := j.notifier.Notify(ctx, users, j.opts.EventName); err != nil {
		return 0, fmt.Errorf("notify %d users: %w", len(users), err)
	}
	return len(users), nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func untilNext(now time.Time, at time.Duration) time.Duration {
	now = now.UTC()
	next := startOfDay(now).Add(at)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

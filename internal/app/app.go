package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Ilia-Abrosimov/Billing/internal/authz"
	"github.com/Ilia-Abrosimov/Billing/internal/config"
	"github.com/Ilia-Abrosimov/Billing/internal/eventstore"
	"github.com/Ilia-Abrosimov/Billing/internal/httpapi"
	"github.com/Ilia-Abrosimov/Billing/internal/ingest"
	"github.com/Ilia-Abrosimov/Billing/internal/notify"
	"github.com/Ilia-Abrosimov/Billing/internal/payment"
	"github.com/Ilia-Abrosimov/Billing/internal/provider"
	"github.com/Ilia-Abrosimov/Billing/internal/reconcile"
	"github.com/Ilia-Abrosimov/Billing/internal/reminder"
	"github.com/Ilia-Abrosimov/Billing/internal/remote"
	"github.com/Ilia-Abrosimov/Billing/internal/storage"
	"github.com/Ilia-Abrosimov/Billing/pkg/contracts"
	"github.com/Ilia-Abrosimov/Billing/pkg/messaging"

	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

type nudger interface {
	Nudge()
}

type Mode int

const (
	ModeServe Mode = iota
	ModeWorker
)

type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.Store
	events   *eventstore.Store
	worker   *reconcile.Worker
	wake     nudger
	reminder *reminder.Job
	httpSrv  *http.Server
	closers  []func()
}

type task struct {
	name string
	run  func(context.Context) error
}

func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, mode Mode) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	store, err := storage.New(ctx, cfg.DatabaseURL, storage.Options{AutoMigrate: cfg.AutoMigrate}, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	a.events = eventstore.New(store.Pool(), logger)
	if err := a.events.EnsureUpcoming(ctx, time.Now(), cfg.PartitionsAhead); err != nil {
		a.close()
		return nil, fmt.Errorf("prepare partitions: %w", err)
	}

	providers, err := provider.Build(cfg.Providers, provider.Secrets{Stripe: cfg.StripeWebhookSecret})
	if err != nil {
		a.close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}
	session := remote.NewSession(httpClient, cfg.LoginURL(), remote.Credentials{
		Email:    cfg.AuthEmail,
		Password: cfg.AuthPassword,
	}, logger)
	roles := authz.NewClient(session, cfg.RolesURL(), logger)
	notifier := notify.NewClient(session, cfg.NotificationURL, logger)
	payments := payment.NewRepository(store.Pool())

	a.worker = reconcile.NewWorker(a.events, payments, providers, roles, notifier, reconcile.Options{
		PollInterval:   cfg.PollInterval,
		BatchSize:      cfg.BatchSize,
		MaxAttempts:    cfg.MaxAttempts,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		SucceededEvent: cfg.SucceededEvent,
		CanceledEvent:  cfg.CanceledEvent,
	}, logger.With("component", "reconcile"))
	a.wake = a.worker

	if mode != ModeServe {
		return a, nil
	}

	a.reminder = reminder.NewJob(payments, notifier, reminder.Options{
		At:        cfg.ReminderAt,
		LeadDays:  cfg.ReminderLeadDays,
		EventName: cfg.ExpiringEvent,
	}, logger.With("component", "reminder"))

	var ingestOpts []ingest.Option
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, dedup cache will fail open", "addr", cfg.RedisAddr, "err", err)
		}
		ingestOpts = append(ingestOpts, ingest.WithDedup(ingest.NewRedisDedup(rdb, cfg.RedisDedupTTL)))
	}

	if cfg.RabbitURL != "" {
		publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.EventsExchange)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = publisher.Close() })
		ingestOpts = append(ingestOpts, ingest.WithPublisher(publisher))
	}

	ingestor := ingest.New(a.events, providers, logger.With("component", "ingest"), ingestOpts...)
	a.httpSrv = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewServer(ingestor, store, providers.Default(), cfg.MaxBodyBytes, logger),
	}

	return a, nil
}

// Run serves webhooks and runs the worker and reminder until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a.httpSrv == nil {
		return errors.New("app was not built in serve mode")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := []task{
		{name: "reconcile worker", run: a.worker.Run},
		{name: "expiry reminder", run: a.reminder.Run},
	}
	wakeups, err := a.wakeupTask()
	if err != nil {
		return err
	}
	if wakeups != nil {
		tasks = append(tasks, *wakeups)
	}

	errCh := make(chan error, len(tasks)+1)
	wait := a.start(ctx, tasks, errCh)

	go func() {
		a.logger.Info("payments http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGracePeriod)
	defer stop()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "err", err)
	}
	wait()
	return runErr
}

// RunWorker runs the reconciliation loop and, when RabbitMQ is configured,
// the wake-up consumer. With once it runs a single cycle and returns.
func (a *App) RunWorker(ctx context.Context, once bool) error {
	if once {
		stats, err := a.worker.ProcessPending(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("reconciliation cycle done",
			"fetched", stats.Fetched, "applied", stats.Applied, "skipped", stats.Skipped,
			"failed", stats.Failed, "quarantined", stats.Quarantined)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := []task{{name: "reconcile worker", run: a.worker.Run}}
	wakeups, err := a.wakeupTask()
	if err != nil {
		return err
	}
	if wakeups != nil {
		tasks = append(tasks, *wakeups)
	}

	errCh := make(chan error, len(tasks))
	wait := a.start(ctx, tasks, errCh)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()
	wait()
	return runErr
}

func (a *App) start(ctx context.Context, tasks []task, errCh chan<- error) (wait func()) {
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.run(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", t.name, err)
			}
		}()
	}
	return wg.Wait
}

// wakeupTask dials the wake-up queue. It returns nil when RabbitMQ is off.
func (a *App) wakeupTask() (*task, error) {
	if a.cfg.RabbitURL == "" {
		return nil, nil
	}
	consumer, err := messaging.NewRabbitConsumer(a.cfg.RabbitURL, a.cfg.EventsExchange, a.cfg.WakeupQueue, 32, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = consumer.Close() })
	return &task{
		name: "wake-up consumer",
		run: func(ctx context.Context) error {
			return consumer.Start(ctx, a.handleIngested)
		},
	}, nil
}

// EnsurePartitions prepares the current month and the next months without
// starting the rest of the service.
func EnsurePartitions(ctx context.Context, cfg config.Config, logger *slog.Logger, months int) error {
	store, err := storage.New(ctx, cfg.DatabaseURL, storage.Options{AutoMigrate: cfg.AutoMigrate}, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return eventstore.New(store.Pool(), logger).EnsureUpcoming(ctx, time.Now(), months)
}

func (a *App) Close() {
	a.close()
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) handleIngested(_ context.Context, msg amqp091.Delivery) error {
	var evt contracts.EventIngested
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("%w: decode ingest notice: %v", messaging.ErrPermanent, err)
	}
	a.logger.Debug("ingest notice received", "event_id", evt.ProviderEventID, "provider", evt.Provider)
	a.wake.Nudge()
	return nil
}

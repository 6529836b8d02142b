// Package ingest accepts provider webhooks and records them exactly once.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Ilia-Abrosimov/Billing/internal/eventstore"
	"github.com/Ilia-Abrosimov/Billing/internal/provider"
	"github.com/Ilia-Abrosimov/Billing/pkg/contracts"
)

// ErrInvalidWebhook covers unknown providers, bad signatures and bad bodies.
var ErrInvalidWebhook = errors.New("invalid webhook")

type Store interface {
	InsertIfAbsent(ctx context.Context, rec eventstore.Record) (eventstore.InsertResult, error)
}

type Providers interface {
	Provider(name string) (provider.Provider, bool)
}

// Dedup is a best-effort cache in front of the store.
type Dedup interface {
	Seen(ctx context.Context, provider, eventID string) (bool, error)
	Remember(ctx context.Context, provider, eventID string) error
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
}

type Option func(*Ingestor)

func WithDedup(d Dedup) Option {
	return func(i *Ingestor) { i.dedup = d }
}

// WithPublisher announces newly stored events so the worker can wake early.
func WithPublisher(p Publisher) Option {
	return func(i *Ingestor) { i.publisher = p }
}

type Ingestor struct {
	store     Store
	providers Providers
	dedup     Dedup
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func New(store Store, providers Providers, logger *slog.Logger, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:     store,
		providers: providers,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Receive verifies and stores a webhook, returning its provider event id.
// Redeliveries of a stored event succeed without writing anything.
func (i *Ingestor) Receive(ctx context.Context, providerName string, body []byte, header http.Header) (string, error) {
	p, ok := i.providers.Provider(providerName)
	if !ok {
		return "", fmt.Errorf("%w: %v %q", ErrInvalidWebhook, provider.ErrUnknownProvider, providerName)
	}

	hook, err := p.VerifyWebhook(body, header)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if !json.Valid(body) {
		return "", fmt.Errorf("%w: body is not JSON", ErrInvalidWebhook)
	}
	log := i.logger.With("provider", p.Name(), "event_id", hook.ID, "event_type", hook.Type)

	if i.dedup != nil {
		seen, err := i.dedup.Seen(ctx, p.Name(), hook.ID)
		if err != nil {
			log.Warn("dedup cache unavailable", "err", err)
		} else if seen {
			log.Debug("duplicate webhook served from cache")
			return hook.ID, nil
		}
	}

	receivedAt := i.now().UTC()
	res, err := i.store.InsertIfAbsent(ctx, eventstore.Record{
		ProviderEventID: hook.ID,
		Provider:        p.Name(),
		EventType:       hook.Type,
		ReceivedAt:      receivedAt,
		Payload:         json.RawMessage(body),
	})
	if err != nil {
		return "", fmt.Errorf("store webhook %s: %w", hook.ID, err)
	}

	if i.dedup != nil {
		if err := i.dedup.Remember(ctx, p.Name(), hook.ID); err != nil {
			log.Warn("dedup cache write failed", "err", err)
		}
	}

	if res == eventstore.Duplicate {
		log.Info("duplicate webhook ignored")
		return hook.ID, nil
	}

	log.Info("webhook stored")
	i.announce(ctx, log, contracts.EventIngested{
		ProviderEventID: hook.ID,
		Provider:        p.Name(),
		EventType:       hook.Type,
		ReceivedAt:      receivedAt,
	})
	return hook.ID, nil
}

func (i *Ingestor) announce(ctx context.Context, log *slog.Logger, evt contracts.EventIngested) {
	if i.publisher == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Warn("marshal ingest notice", "err", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := i.publisher.Publish(pubCtx, evt.Provider, payload); err != nil {
		log.Warn("publish ingest notice", "err", err)
	}
}

// Package provider adapts payment providers to the ingest and reconcile pipeline.
package provider

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/Ilia-Abrosimov/Billing/internal/event"
)

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrUnknownProvider  = errors.New("unknown payment provider")
)

// Webhook is what a provider vouches for after verifying a delivery.
type Webhook struct {
	ID   string
	Type string
}

// Provider verifies inbound webhooks and parses stored payloads.
type Provider interface {
	event.Parser
	Name() string
	VerifyWebhook(payload []byte, header http.Header) (Webhook, error)
}

// Registry resolves providers by name. The first registered one is the default.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if r.fallback == "" {
			r.fallback = p.Name()
		}
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Provider(name string) (Provider, bool) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	return p, ok
}

// Parser exposes only the parsing side, which is all the worker needs.
func (r *Registry) Parser(name string) (event.Parser, bool) {
	p, ok := r.Provider(name)
	if !ok {
		return nil, false
	}
	return p, true
}

func (r *Registry) Default() string {
	return r.fallback
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Secrets struct {
	Stripe string
}

func Build(names []string, secrets Secrets) (*Registry, error) {
	providers := make([]Provider, 0, len(names))
	for _, name := range names {
		switch name {
		case StripeName:
			providers = append(providers, NewStripe(secrets.Stripe))
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
	}
	if len(providers) == 0 {
		return nil, errors.New("no payment providers configured")
	}
	return NewRegistry(providers...), nil
}

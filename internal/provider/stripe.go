package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Ilia-Abrosimov/Billing/internal/event"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	StripeName            = "stripe"
	StripeSignatureHeader = "Stripe-Signature"
)

type stripeDecoder func(object json.RawMessage) (event.Event, error)

var stripeDecoders = map[string]stripeDecoder{
	"payment_intent.succeeded": decodePaymentIntent,
	"charge.refunded":          decodeRefundedCharge,
}

type Stripe struct {
	secret    string
	tolerance time.Duration
}

func NewStripe(secret string) *Stripe {
	return &Stripe{secret: secret, tolerance: webhook.DefaultTolerance}
}

func (s *Stripe) Name() string {
	return StripeName
}

func (s *Stripe) VerifyWebhook(payload []byte, header http.Header) (Webhook, error) {
	signature := header.Get(StripeSignatureHeader)
	if signature == "" {
		return Webhook{}, ErrMissingSignature
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Webhook{}, fmt.Errorf("verify stripe webhook: %w", err)
	}
	if evt.ID == "" {
		return Webhook{}, errors.New("stripe webhook without event id")
	}
	return Webhook{ID: evt.ID, Type: string(evt.Type)}, nil
}

func (s *Stripe) Parse(payload []byte) (event.Event, error) {
	var envelope struct {
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrMalformedEvent, err)
	}

	decode, ok := stripeDecoders[envelope.Type]
	if !ok {
		return nil, nil
	}

	object := bytes.TrimSpace(envelope.Data.Object)
	if len(object) == 0 || bytes.Equal(object, []byte("null")) {
		return nil, fmt.Errorf("%w: %s: missing data.object", event.ErrMalformedEvent, envelope.Type)
	}

	evt, err := decode(object)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", event.ErrMalformedEvent, envelope.Type, err)
	}
	if err := event.Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func decodePaymentIntent(object json.RawMessage) (event.Event, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(object, &pi); err != nil {
		return nil, err
	}
	evt := event.PaymentSucceeded{IntentID: pi.ID, Status: string(pi.Status)}
	if pi.Customer != nil {
		evt.CustomerID = pi.Customer.ID
	}
	return evt, nil
}

func decodeRefundedCharge(object json.RawMessage) (event.Event, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(object, &ch); err != nil {
		return nil, err
	}
	evt := event.ChargeRefunded{ChargeID: ch.ID, Status: string(ch.Status)}
	if ch.PaymentIntent != nil {
		evt.IntentID = ch.PaymentIntent.ID
	}
	return evt, nil
}

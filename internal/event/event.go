// Package event holds the canonical, provider-independent payment events.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Ilia-Abrosimov/Billing/pkg/contracts"

	"github.com/go-playground/validator/v10"
)

type Kind string

const (
	KindPaymentSucceeded Kind = "payment_intent_succeeded"
	KindChargeRefunded   Kind = "charge_refunded"
)

// ErrMalformedEvent marks a known event type whose object lacks required fields.
var ErrMalformedEvent = errors.New("malformed event")

// Event is one of PaymentSucceeded or ChargeRefunded.
type Event interface {
	Kind() Kind
	PaymentIntentID() string
}

// Parser turns a raw provider payload into a canonical event.
// Unrecognized event types yield a nil Event and a nil error.
type Parser interface {
	Parse(payload []byte) (Event, error)
}

type PaymentSucceeded struct {
	IntentID   string `json:"intent_id" validate:"required"`
	CustomerID string `json:"customer_id" validate:"required"`
	Status     string `json:"status" validate:"required"`
}

func (PaymentSucceeded) Kind() Kind                { return KindPaymentSucceeded }
func (e PaymentSucceeded) PaymentIntentID() string { return e.IntentID }

type ChargeRefunded struct {
	ChargeID string `json:"charge_id" validate:"required"`
	IntentID string `json:"intent_id" validate:"required"`
	Status   string `json:"status" validate:"required"`
}

func (ChargeRefunded) Kind() Kind                { return KindChargeRefunded }
func (e ChargeRefunded) PaymentIntentID() string { return e.IntentID }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports missing required fields as ErrMalformedEvent.
func Validate(e Event) error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, e.Kind(), err)
	}
	missing := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		missing = append(missing, fe.Field())
	}
	return fmt.Errorf("%w: %s: missing %s", ErrMalformedEvent, e.Kind(), strings.Join(missing, ", "))
}

// Encode renders e in the canonical {type, data} wire shape.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}
	return json.Marshal(contracts.CanonicalEvent{Type: string(e.Kind()), Data: data})
}

// Decode is the inverse of Encode. Unknown types yield a nil Event.
func Decode(raw []byte) (Event, error) {
	var wire contracts.CanonicalEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var (
		evt Event
		err error
	)
	switch Kind(wire.Type) {
	case KindPaymentSucceeded:
		var v PaymentSucceeded
		err = json.Unmarshal(wire.Data, &v)
		evt = v
	case KindChargeRefunded:
		var v ChargeRefunded
		err = json.Unmarshal(wire.Data, &v)
		evt = v
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, wire.Type, err)
	}
	if err := Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

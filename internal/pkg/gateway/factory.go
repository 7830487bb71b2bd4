package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/webhook"

	"github.com/cmehub/billing/internal/pkg/env"
)

const (
	ProviderStripe  = "stripe"
	ProviderSandbox = "sandbox"
)

// NewFromEnv builds the gateway selected by GATEWAY_PROVIDER.
func NewFromEnv() (Gateway, error) {
	provider := strings.ToLower(env.GetEnv("GATEWAY_PROVIDER", ProviderSandbox))
	switch provider {
	case ProviderStripe:
		key := env.GetEnv("STRIPE_SECRET_KEY", "")
		if key == "" {
			return nil, fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe gateway")
		}
		log.Info("[Gateway] Using stripe gateway")
		return NewStripeGateway(key, env.GetEnv("STRIPE_CURRENCY", "usd")), nil
	case ProviderSandbox:
		log.Warn("[Gateway] Using in-memory sandbox gateway")
		return NewSandbox(), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", provider)
	}
}

// Event is a verified processor notification that concerns one subscription.
type Event struct {
	ID             string
	Type           string
	SubscriptionID string
	Payload        []byte
}

// ParseStripeEvent verifies the signature header and extracts the
// subscription the event refers to. Events unrelated to subscriptions come
// back with an empty SubscriptionID.
func ParseStripeEvent(payload []byte, signature, secret string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("verify stripe signature: %w", err)
	}

	out := &Event{ID: evt.ID, Type: string(evt.Type), Payload: payload}
	switch {
	case strings.HasPrefix(out.Type, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription event: %w", err)
		}
		out.SubscriptionID = sub.ID
	case strings.HasPrefix(out.Type, "invoice."):
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice event: %w", err)
		}
		if inv.Subscription != nil {
			out.SubscriptionID = inv.Subscription.ID
		}
	}
	return out, nil
}

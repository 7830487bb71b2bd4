package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/cmehub/billing/internal/pkg/billing"
	"github.com/cmehub/billing/internal/pkg/gateway"
)

// EventParser verifies a raw webhook delivery and decodes it.
type EventParser func(payload []byte, signature, secret string) (*gateway.Event, error)

// BillingController receives payment processor webhooks
type BillingController struct {
	svc           *billing.Service
	webhookSecret string
	parse         EventParser
}

// NewBillingController creates a webhook controller verifying Stripe
// signatures with secret.
func NewBillingController(svc *billing.Service, secret string) *BillingController {
	return &BillingController{svc: svc, webhookSecret: secret, parse: gateway.ParseStripeEvent}
}

// HandleStripeWebhook records a Stripe delivery once and schedules a
// reconcile of the subscription it names. It never writes the ledger itself.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	if bc.webhookSecret == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "webhook_not_configured"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	evt, err := bc.parse(rawBody, c.Get("Stripe-Signature"), bc.webhookSecret)
	if err != nil {
		log.Warnf("[Webhook] Rejected stripe delivery: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outcome, err := bc.svc.IngestGatewayEvent(ctx, gateway.ProviderStripe, evt)
	if err != nil {
		log.Errorf("[Webhook] Failed to ingest stripe event %s: %v", evt.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":        true,
		"duplicate": outcome.Duplicate,
		"ignored":   outcome.Ignored,
	})
}

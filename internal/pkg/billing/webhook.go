package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/gateway"
)

// WebhookOutcome tells the HTTP layer how a delivery was handled.
type WebhookOutcome struct {
	Duplicate bool
	Ignored   bool
}

// IngestGatewayEvent records a verified gateway delivery once and schedules
// a reconcile of the subscription it names. Deliveries never mutate the
// ledger directly; the reconcile pass pulls the authoritative state.
func (s *Service) IngestGatewayEvent(ctx context.Context, provider string, evt *gateway.Event) (WebhookOutcome, error) {
	if evt == nil {
		return WebhookOutcome{}, validationf("event is required")
	}
	eventID := strings.TrimSpace(evt.ID)
	if eventID == "" {
		sum := sha256.Sum256(evt.Payload)
		eventID = "sha256:" + hex.EncodeToString(sum[:])
	}

	created, stored, err := s.ledger.CreateWebhookEventIfNotExists(&models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       evt.Type,
		SubscriptionID:  evt.SubscriptionID,
		PayloadJSON:     string(evt.Payload),
	})
	if err != nil {
		return WebhookOutcome{}, err
	}
	if !created && stored.ProcessedAt != nil && stored.ProcessingError == "" {
		return WebhookOutcome{Duplicate: true}, nil
	}

	outcome := WebhookOutcome{Duplicate: !created}
	var procErr error
	if stored.SubscriptionID == "" {
		outcome.Ignored = true
	} else {
		row, err := s.ledger.GetSubscriptionBySubscriptionID(stored.SubscriptionID)
		switch {
		case err == nil:
			if s.scheduler == nil {
				procErr = errors.New("no reconcile scheduler configured")
			} else {
				procErr = s.scheduler.ScheduleReconcile(ctx, row.UserID, row.ID)
			}
		case errors.Is(err, repository.ErrNotFound):
			log.Warnf("[Webhook] %s %s names unknown subscription %s", provider, evt.Type, stored.SubscriptionID)
			outcome.Ignored = true
		default:
			procErr = err
		}
	}

	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	if err := s.ledger.MarkWebhookProcessed(stored.ID, msg, s.now()); err != nil {
		log.Errorf("[Webhook] Failed to mark event %d processed: %v", stored.ID, err)
	}
	return outcome, procErr
}

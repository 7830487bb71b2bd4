package billing

import (
	"context"

	"github.com/gofiber/fiber/v2/log"

	"github.com/cmehub/billing/app/models"
)

// NotificationEvent names the points at which the notifier is called.
type NotificationEvent string

const (
	NotifyFirstInvoice   NotificationEvent = "first_invoice"
	NotifyUpgradeInvoice NotificationEvent = "upgrade_invoice"
	NotifyPaymentFailure NotificationEvent = "payment_failure"
	NotifyReceipt        NotificationEvent = "receipt"
)

// Notification carries what a notifier needs to render a message.
// PaymentMethod is the token used, when known. Transaction may be nil.
type Notification struct {
	Event         NotificationEvent
	User          *models.User
	Subscription  *models.UserSubscription
	PaymentMethod string
	Transaction   *models.SubscriptionTransaction
}

// Notifier delivers billing notifications. Errors are logged by the caller
// and never fail the billing operation.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }

// notify is best effort.
func (s *Service) notify(ctx context.Context, n Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.metrics.NotificationFailures.WithLabelValues(string(n.Event)).Inc()
		userID := uint(0)
		if n.User != nil {
			userID = n.User.ID
		}
		log.Errorf("[Billing] %s notification for user %d failed: %v", n.Event, userID, err)
	}
}

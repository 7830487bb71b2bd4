package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/billing"
)

var errNoRecipient = errors.New("user has no email address")

var subjects = map[billing.NotificationEvent]string{
	billing.NotifyFirstInvoice:   "Your CME subscription invoice",
	billing.NotifyUpgradeInvoice: "Your CME plan upgrade invoice",
	billing.NotifyPaymentFailure: "We could not process your CME subscription payment",
	billing.NotifyReceipt:        "Receipt for your CME subscription",
}

var bodyTemplate = template.Must(template.New("billing").Parse(`<p>Hello {{.Name}},</p>
{{- if eq .Event "payment_failure"}}
<p>Your payment for {{.Plan}} could not be processed{{if .Reason}} ({{.Reason}}){{end}}. Please update your payment method to keep your CME access.</p>
{{- else if eq .Event "receipt"}}
<p>We received your payment of {{.Amount}} for {{.Plan}}. Transaction {{.TransactionID}}.</p>
{{- else}}
<p>Your subscription to {{.Plan}} has been charged {{.Amount}}.{{if .PaidThrough}} It is paid through {{.PaidThrough}}.{{end}}</p>
{{- end}}
{{- if .Card}}
<p>Payment method: {{.Card}}</p>
{{- end}}`))

type bodyData struct {
	Event         string
	Name          string
	Plan          string
	Amount        string
	TransactionID string
	Reason        string
	PaidThrough   string
	Card          string
}

// Notifier emails billing events and keeps an outbox row per message. It
// implements billing.Notifier.
type Notifier struct {
	mailer Mailer
	outbox repository.NotificationRepository
	now    func() time.Time
}

// NewNotifier creates a notifier. A nil mailer records every message as
// skipped, which is what environments without SMTP want.
func NewNotifier(mailer Mailer, outbox repository.NotificationRepository) *Notifier {
	return &Notifier{mailer: mailer, outbox: outbox, now: time.Now}
}

// Notify renders and sends n.
func (s *Notifier) Notify(ctx context.Context, n billing.Notification) error {
	if n.User == nil {
		return errors.New("notification without user")
	}

	row := &models.Notification{
		UserID:    n.User.ID,
		Event:     string(n.Event),
		Recipient: n.User.Email,
		Subject:   subjectFor(n.Event),
	}
	if n.Subscription != nil {
		id := n.Subscription.ID
		row.SubscriptionID = &id
	}
	if n.Transaction != nil {
		row.TransactionID = n.Transaction.TransactionID
	}

	var sendErr error
	switch {
	case s.mailer == nil:
		row.Status = models.NotificationSkipped
	case n.User.Email == "":
		sendErr = errNoRecipient
		row.MarkFailed(sendErr)
	default:
		body, err := renderBody(n)
		if err == nil {
			err = s.mailer.Send(ctx, n.User.Email, row.Subject, body)
		}
		if err != nil {
			sendErr = err
			row.MarkFailed(err)
		} else {
			row.MarkSent(s.now().UTC())
		}
	}

	if s.outbox != nil {
		if err := s.outbox.Create(row); err != nil {
			log.Errorf("[Mail] Failed to record %s notification for user %d: %v", n.Event, n.User.ID, err)
		}
	}
	return sendErr
}

func subjectFor(ev billing.NotificationEvent) string {
	if s, ok := subjects[ev]; ok {
		return s
	}
	return "CME subscription update"
}

func renderBody(n billing.Notification) (string, error) {
	data := bodyData{Event: string(n.Event), Name: n.User.Name}
	if data.Name == "" {
		data.Name = n.User.Email
	}
	if sub := n.Subscription; sub != nil {
		if sub.Plan != nil {
			data.Plan = sub.Plan.Name
		}
		data.Amount = sub.NextBillingAmount.StringFixed(2)
		if sub.BillingEndDate != nil {
			data.PaidThrough = sub.BillingEndDate.Format("January 2, 2006")
		}
	}
	if data.Plan == "" {
		data.Plan = "your CME plan"
	}
	if tx := n.Transaction; tx != nil {
		data.Amount = tx.Amount.StringFixed(2)
		data.TransactionID = tx.TransactionID
		data.Reason = tx.ProcessorResponseText
	}
	if n.PaymentMethod != "" {
		data.Card = maskToken(n.PaymentMethod)
	}

	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s body: %w", n.Event, err)
	}
	return buf.String(), nil
}

// maskToken keeps the last four characters of a payment method token.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

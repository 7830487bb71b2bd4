package mail

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/billing"
)

type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func newOutbox(t *testing.T) repository.NotificationRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Notification{}))
	return repository.NewNotificationRepository(db)
}

func receiptNote() billing.Notification {
	end := time.Date(2027, time.January, 15, 0, 0, 0, 0, time.UTC)
	return billing.Notification{
		Event: billing.NotifyReceipt,
		User:  &models.User{ID: 9, Name: "Dr. Vega", Email: "vega@example.com"},
		Subscription: &models.UserSubscription{
			ID:                3,
			Plan:              &models.SubscriptionPlan{Name: "MD Annual"},
			NextBillingAmount: decimal.RequireFromString("100"),
			BillingEndDate:    &end,
		},
		PaymentMethod: "tok_visa_4242",
		Transaction: &models.SubscriptionTransaction{
			TransactionID: "txn_1",
			Amount:        decimal.RequireFromString("149.86"),
		},
	}
}

func TestNotifierSendsAndRecords(t *testing.T) {
	outbox := newOutbox(t)
	mailer := &fakeMailer{}
	n := NewNotifier(mailer, outbox)

	require.NoError(t, n.Notify(context.Background(), receiptNote()))

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, "vega@example.com", msg.to)
	assert.Equal(t, "Receipt for your CME subscription", msg.subject)
	assert.Contains(t, msg.body, "Dr. Vega")
	assert.Contains(t, msg.body, "149.86")
	assert.Contains(t, msg.body, "txn_1")
	assert.Contains(t, msg.body, "****4242")
	assert.NotContains(t, msg.body, "tok_visa")

	rows, err := outbox.ListByUser(9, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.NotificationSent, rows[0].Status)
	assert.Equal(t, "receipt", rows[0].Event)
	assert.Equal(t, "txn_1", rows[0].TransactionID)
	require.NotNil(t, rows[0].SubscriptionID)
	assert.Equal(t, uint(3), *rows[0].SubscriptionID)
	assert.NotNil(t, rows[0].SentAt)
}

func TestNotifierRecordsFailure(t *testing.T) {
	outbox := newOutbox(t)
	n := NewNotifier(&fakeMailer{err: errors.New("connection refused")}, outbox)

	note := receiptNote()
	note.Event = billing.NotifyPaymentFailure
	note.Transaction.ProcessorResponseText = "Insufficient Funds"
	err := n.Notify(context.Background(), note)
	assert.EqualError(t, err, "connection refused")

	failed, err := outbox.CountByStatus(models.NotificationFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
}

func TestNotifierWithoutMailerSkips(t *testing.T) {
	outbox := newOutbox(t)
	n := NewNotifier(nil, outbox)

	require.NoError(t, n.Notify(context.Background(), receiptNote()))

	skipped, err := outbox.CountByStatus(models.NotificationSkipped)
	require.NoError(t, err)
	assert.Equal(t, int64(1), skipped)
}

func TestNotifierRejectsMissingRecipient(t *testing.T) {
	n := NewNotifier(&fakeMailer{}, nil)

	assert.Error(t, n.Notify(context.Background(), billing.Notification{Event: billing.NotifyReceipt}))

	note := receiptNote()
	note.User.Email = ""
	assert.ErrorIs(t, n.Notify(context.Background(), note), errNoRecipient)
}

func TestRenderBody(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*billing.Notification)
		wants []string
	}{
		{
			name:  "receipt",
			edit:  func(*billing.Notification) {},
			wants: []string{"received your payment of 149.86", "MD Annual"},
		},
		{
			name: "payment failure with reason",
			edit: func(n *billing.Notification) {
				n.Event = billing.NotifyPaymentFailure
				n.Transaction.ProcessorResponseText = "Do Not Honor"
			},
			wants: []string{"could not be processed (Do Not Honor)"},
		},
		{
			name: "first invoice without transaction",
			edit: func(n *billing.Notification) {
				n.Event = billing.NotifyFirstInvoice
				n.Transaction = nil
			},
			wants: []string{"has been charged 100.00", "paid through January 15, 2027"},
		},
		{
			name: "unknown plan",
			edit: func(n *billing.Notification) {
				n.Event = billing.NotifyUpgradeInvoice
				n.Subscription.Plan = nil
			},
			wants: []string{"your CME plan"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			note := receiptNote()
			tt.edit(&note)
			body, err := renderBody(note)
			require.NoError(t, err)
			for _, want := range tt.wants {
				assert.Contains(t, body, want)
			}
		})
	}
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "****", maskToken("abc"))
	assert.Equal(t, "****4242", maskToken("tok_4242"))
}

func TestSMTPMailerSend(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", Port: "587", Username: "u", Password: "p"})
	assert.True(t, m.Enabled())

	var gotAddr, gotFrom string
	var gotMsg []byte
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotMsg = addr, from, msg
		assert.NotNil(t, a)
		assert.Equal(t, []string{"vega@example.com"}, to)
		return nil
	}

	require.NoError(t, m.Send(context.Background(), "vega@example.com", "Hi", "<p>body</p>"))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "no-reply@localhost", gotFrom)
	assert.True(t, strings.HasSuffix(string(gotMsg), "\r\n\r\n<p>body</p>"))
	assert.Contains(t, string(gotMsg), "Subject: Hi\r\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Send(ctx, "vega@example.com", "Hi", "x"), context.Canceled)
	assert.False(t, NewSMTPMailer(SMTPConfig{}).Enabled())
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v75"

	"github.com/cmehub/billing/app/models"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestFirstCycleDiscount(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		want string
	}{
		{
			name: "plan discount only",
			req:  CreateRequest{PlanDiscount: d("20")},
			want: "20",
		},
		{
			name: "lines stack on plan discount",
			req: CreateRequest{PlanDiscount: d("20"), Discounts: []DiscountLine{
				{ID: "invitee", Amount: d("10")},
				{ID: "org", Amount: d("5"), Quantity: 2},
			}},
			want: "40",
		},
		{
			name: "override replaces plan discount",
			req: CreateRequest{PlanDiscount: d("20"), Discounts: []DiscountLine{
				{ID: "inviter", Amount: d("10"), Quantity: 3, Override: true},
			}},
			want: "30",
		},
		{
			name: "negative clamps at zero",
			req:  CreateRequest{PlanDiscount: d("-5")},
			want: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.req.FirstCycleDiscount()
			assert.True(t, d(tt.want).Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestRecurringDiscount(t *testing.T) {
	lines := []DiscountLine{
		{ID: "once", Amount: d("10"), NumberOfBillingCycles: 1},
		{ID: "three", Amount: d("5"), NumberOfBillingCycles: 3},
		{ID: "forever", Amount: d("1")},
	}
	assert.True(t, d("16").Equal(RecurringDiscount(lines, 0)))
	assert.True(t, d("6").Equal(RecurringDiscount(lines, 1)))
	assert.True(t, d("1").Equal(RecurringDiscount(lines, 3)))
}

func TestErrorClassificationHelpers(t *testing.T) {
	unavailable := newError(ErrUnavailable, OpFind, "", "", errors.New("connection reset"))
	assert.True(t, Retryable(unavailable))
	assert.False(t, IsIndeterminate(unavailable))
	assert.Contains(t, unavailable.Error(), "connection reset")

	wrapped := fmt.Errorf("sync: %w", newError(ErrIndeterminate, OpCreate, "", "", context.DeadlineExceeded))
	assert.True(t, IsIndeterminate(wrapped))
	assert.True(t, errors.Is(wrapped, context.DeadlineExceeded))
	assert.False(t, Retryable(wrapped))

	assert.True(t, IsIndeterminate(context.DeadlineExceeded))
	assert.Equal(t, "", Message(nil))
	assert.Contains(t, Message(ErrRejected), "declined")
}

func TestClassifyStripeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"card", &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, HTTPStatusCode: 402}, ErrRejected},
		{"missing", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: 404}, ErrNotFound},
		{"rate limited", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 429}, ErrUnavailable},
		{"server", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 503}, ErrUnavailable},
		{"deadline", context.DeadlineExceeded, ErrIndeterminate},
		{"network", errors.New("dial tcp: connection refused"), ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyStripeError(OpCreate, tt.err)
			assert.True(t, errors.Is(got, tt.want), "got %v", got)
		})
	}
}

func TestStripeStatusMapping(t *testing.T) {
	assert.Equal(t, models.GatewayStatusActive, stripeStatus(stripe.SubscriptionStatusTrialing))
	assert.Equal(t, models.GatewayStatusPastDue, stripeStatus(stripe.SubscriptionStatusUnpaid))
	assert.Equal(t, models.GatewayStatusCanceled, stripeStatus(stripe.SubscriptionStatusCanceled))
	assert.Equal(t, models.GatewayStatusExpired, stripeStatus(stripe.SubscriptionStatusIncompleteExpired))
	assert.Equal(t, models.GatewayStatusPending, stripeStatus(stripe.SubscriptionStatusIncomplete))

	assert.Equal(t, models.TransactionStatusSettled, invoiceStatus(stripe.InvoiceStatusPaid))
	assert.Equal(t, models.TransactionStatusFailed, invoiceStatus(stripe.InvoiceStatusUncollectible))
}

func TestDiscountMetadataRoundTripMergesQuantities(t *testing.T) {
	var p stripe.Params
	lines := []DiscountLine{{ID: "inviter", Amount: d("10"), Quantity: 1}}
	assert.NoError(t, setDiscountMetadata(&p, lines))

	decoded := decodeDiscountMetadata(p.Metadata)
	merged := mergeDiscountLines(decoded, lines)
	sub := &Subscription{Discounts: merged}
	assert.True(t, d("20").Equal(sub.DiscountTotal("inviter")))

	assert.Nil(t, decodeDiscountMetadata(map[string]string{metaDiscounts: "{"}))
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(14986), toCents(d("149.86")))
	assert.Equal(t, int64(5015), toCents(d("50.145")))
	assert.True(t, d("149.86").Equal(fromCents(14986)))
}

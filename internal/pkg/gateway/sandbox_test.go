package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmehub/billing/app/models"
)

var sandboxNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb := NewSandbox()
	sb.SetClock(func() time.Time { return sandboxNow })
	sb.SetPlan("md-annual", decimal.NewFromInt(100), 12)
	sb.SetPlan("md-premium", decimal.NewFromInt(300), 12)
	return sb
}

func TestSandboxCreateWithTrial(t *testing.T) {
	sb := newTestSandbox(t)

	sub, err := sb.CreateSubscription(context.Background(), CreateRequest{
		PlanID:             "md-annual",
		PaymentMethodToken: "tok_ok",
		TrialDays:          7,
		PlanDiscount:       decimal.NewFromInt(20),
	})
	require.NoError(t, err)

	assert.Equal(t, models.GatewayStatusActive, sub.Status)
	assert.True(t, sub.TrialPeriod)
	assert.Equal(t, 0, sub.CurrentBillingCycle)
	assert.Equal(t, sandboxNow.AddDate(0, 0, 7), sub.FirstBillingDate)
	assert.True(t, decimal.NewFromInt(80).Equal(sub.NextBillingAmount))
	assert.Empty(t, sub.Transactions)
}

func TestSandboxCreateChargesImmediatelyWithoutTrial(t *testing.T) {
	sb := newTestSandbox(t)

	sub, err := sb.CreateSubscription(context.Background(), CreateRequest{
		PlanID:             "md-annual",
		PaymentMethodToken: "tok_ok",
		Discounts: []DiscountLine{
			{ID: "invitee", Amount: decimal.NewFromInt(10), NumberOfBillingCycles: 1},
			{ID: "org", Amount: decimal.NewFromInt(5)},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, sub.CurrentBillingCycle)
	require.Len(t, sub.Transactions, 1)
	assert.True(t, decimal.NewFromInt(85).Equal(sub.Transactions[0].Amount))
	assert.Equal(t, models.TransactionStatusSettled, sub.Transactions[0].Status)
	// Only the every-cycle org line survives into renewals.
	assert.True(t, decimal.NewFromInt(95).Equal(sub.NextBillingAmount))
	assert.NotNil(t, sub.LatestSettledSale())
}

func TestSandboxCreateIsIdempotent(t *testing.T) {
	sb := newTestSandbox(t)
	req := CreateRequest{PlanID: "md-annual", PaymentMethodToken: "tok_ok", IdempotencyKey: "key-1"}

	first, err := sb.CreateSubscription(context.Background(), req)
	require.NoError(t, err)
	second, err := sb.CreateSubscription(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, sb.Calls(OpCreate))
}

func TestSandboxCreateRejections(t *testing.T) {
	sb := newTestSandbox(t)

	_, err := sb.CreateSubscription(context.Background(), CreateRequest{PlanID: "unknown", PaymentMethodToken: "tok_ok"})
	assert.True(t, errors.Is(err, ErrRejected))

	_, err = sb.CreateSubscription(context.Background(), CreateRequest{PlanID: "md-annual", PaymentMethodToken: DeclinedToken})
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, "Do Not Honor", Message(err))
}

func TestSandboxCancelTwiceReportsAlreadyCanceled(t *testing.T) {
	sb := newTestSandbox(t)
	sub, err := sb.CreateSubscription(context.Background(), CreateRequest{PlanID: "md-annual", PaymentMethodToken: "tok_ok"})
	require.NoError(t, err)

	canceled, err := sb.CancelSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStatusCanceled, canceled.Status)

	again, err := sb.CancelSubscription(context.Background(), sub.ID)
	assert.True(t, errors.Is(err, ErrAlreadyCanceled))
	require.NotNil(t, again)
	assert.Equal(t, models.GatewayStatusCanceled, again.Status)
}

func TestSandboxUpdateCapAndDiscountQuantity(t *testing.T) {
	sb := newTestSandbox(t)
	sub, err := sb.CreateSubscription(context.Background(), CreateRequest{PlanID: "md-annual", PaymentMethodToken: "tok_ok"})
	require.NoError(t, err)

	zero := 0
	_, err = sb.UpdateSubscription(context.Background(), sub.ID, UpdateRequest{NumberOfBillingCycles: &zero})
	assert.True(t, errors.Is(err, ErrRejected), "cap below current cycle must be refused")

	one := 1
	line := DiscountLine{ID: "inviter", Amount: decimal.NewFromInt(10), Quantity: 1}
	updated, err := sb.UpdateSubscription(context.Background(), sub.ID, UpdateRequest{NumberOfBillingCycles: &one, Discounts: []DiscountLine{line}})
	require.NoError(t, err)
	require.NotNil(t, updated.NumberOfBillingCycles)
	assert.Equal(t, 1, *updated.NumberOfBillingCycles)

	updated, err = sb.UpdateSubscription(context.Background(), sub.ID, UpdateRequest{Discounts: []DiscountLine{line}})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(20).Equal(updated.DiscountTotal("inviter")))
	assert.True(t, decimal.NewFromInt(80).Equal(updated.NextBillingAmount))

	never := true
	updated, err = sb.UpdateSubscription(context.Background(), sub.ID, UpdateRequest{NeverExpires: &never})
	require.NoError(t, err)
	assert.Nil(t, updated.NumberOfBillingCycles)
}

func TestSandboxAdvanceCycle(t *testing.T) {
	sb := newTestSandbox(t)
	sub, err := sb.CreateSubscription(context.Background(), CreateRequest{PlanID: "md-annual", PaymentMethodToken: "tok_ok"})
	require.NoError(t, err)

	require.True(t, sb.AdvanceCycle(sub.ID))
	snap, _ := sb.Snapshot(sub.ID)
	assert.Equal(t, 2, snap.CurrentBillingCycle)
	assert.Len(t, snap.Transactions, 2)

	two := 2
	_, err = sb.UpdateSubscription(context.Background(), sub.ID, UpdateRequest{NumberOfBillingCycles: &two})
	require.NoError(t, err)
	require.True(t, sb.AdvanceCycle(sub.ID))
	snap, _ = sb.Snapshot(sub.ID)
	assert.Equal(t, models.GatewayStatusExpired, snap.Status)
}

func TestSandboxAdvanceCycleDeclinedGoesPastDue(t *testing.T) {
	sb := newTestSandbox(t)
	sb.Put(Subscription{
		ID:                  "sub-declined",
		PlanID:              "md-annual",
		Status:              models.GatewayStatusActive,
		CurrentBillingCycle: 1,
		NextBillingAmount:   decimal.NewFromInt(100),
		PaymentMethodToken:  DeclinedToken,
	})

	require.True(t, sb.AdvanceCycle("sub-declined"))
	snap, ok := sb.Snapshot("sub-declined")
	require.True(t, ok)
	assert.Equal(t, models.GatewayStatusPastDue, snap.Status)
	assert.Equal(t, 1, snap.CurrentBillingCycle)
	require.Len(t, snap.Transactions, 1)
	assert.Equal(t, models.TransactionStatusDeclined, snap.Transactions[0].Status)
}

func TestSandboxFailureInjection(t *testing.T) {
	sb := newTestSandbox(t)
	sb.FailNext(OpFind, newError(ErrUnavailable, OpFind, "", "", nil))

	_, err := sb.FindSubscription(context.Background(), "missing")
	assert.True(t, Retryable(err))

	_, err = sb.FindSubscription(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 2, sb.Calls(OpFind))
}

func TestSandboxLatencyIsIndeterminateButApplied(t *testing.T) {
	sb := newTestSandbox(t)
	sb.SetLatency(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sb.CreateSubscription(ctx, CreateRequest{PlanID: "md-annual", PaymentMethodToken: "tok_ok", IdempotencyKey: "slow"})
	require.Error(t, err)
	assert.True(t, IsIndeterminate(err))

	sb.SetLatency(0)
	sub, err := sb.CreateSubscription(context.Background(), CreateRequest{PlanID: "md-annual", PaymentMethodToken: "tok_ok", IdempotencyKey: "slow"})
	require.NoError(t, err)
	assert.Equal(t, "sbx_sub_1", sub.ID, "the timed-out create must have taken effect")
}

func TestSandboxChargeSale(t *testing.T) {
	sb := newTestSandbox(t)

	tx, err := sb.ChargeSale(context.Background(), SaleRequest{Amount: decimal.NewFromInt(42), PaymentMethodToken: "tok_ok"})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusSettled, tx.Status)

	_, err = sb.ChargeSale(context.Background(), SaleRequest{Amount: decimal.Zero, PaymentMethodToken: "tok_ok"})
	assert.True(t, errors.Is(err, ErrRejected))

	_, err = sb.ChargeSale(context.Background(), SaleRequest{Amount: decimal.NewFromInt(1), PaymentMethodToken: DeclinedToken})
	assert.True(t, errors.Is(err, ErrRejected))
}

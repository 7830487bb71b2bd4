package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"

	"github.com/cmehub/billing/app/models"
)

// Subscription metadata keys holding state Stripe has no native field for.
const (
	metaDiscounts      = "billing_discounts"
	metaCycleCap       = "billing_cycle_cap"
	metaIdempotencyKey = "billing_idempotency_key"
)

// StripeGateway adapts Stripe subscriptions to the Gateway contract. Plan ids
// are Stripe price ids. Stripe has no cycle cap, so a cap at the current
// cycle becomes cancel_at_period_end. Discount lines are folded into one-off
// coupons and mirrored in metadata so FindSubscription can report them.
type StripeGateway struct {
	api      *client.API
	currency string
}

func NewStripeGateway(secretKey, currency string) *StripeGateway {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{api: sc, currency: strings.ToLower(currency)}
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, req CreateRequest) (*Subscription, error) {
	customerID := req.CustomerID
	if customerID == "" {
		params := &stripe.CustomerParams{
			Email:         stripe.String(req.CustomerEmail),
			PaymentMethod: stripe.String(req.PaymentMethodToken),
			InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
				DefaultPaymentMethod: stripe.String(req.PaymentMethodToken),
			},
		}
		params.Context = ctx
		if req.IdempotencyKey != "" {
			params.SetIdempotencyKey(req.IdempotencyKey + ":customer")
		}
		cus, err := g.api.Customers.New(params)
		if err != nil {
			return nil, classifyStripeError(OpCreate, err)
		}
		customerID = cus.ID
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PlanID)},
		},
	}
	params.Context = ctx
	if req.PaymentMethodToken != "" {
		params.DefaultPaymentMethod = stripe.String(req.PaymentMethodToken)
	}
	if req.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}
	if off := req.FirstCycleDiscount(); off.IsPositive() {
		coupon, err := g.onceCoupon(ctx, off, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		params.Coupon = stripe.String(coupon)
	}
	if err := setDiscountMetadata(&params.Params, req.Discounts); err != nil {
		return nil, newError(ErrRejected, OpCreate, "", "invalid discounts", err)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata(metaIdempotencyKey, req.IdempotencyKey)
	}

	sub, err := g.api.Subscriptions.New(params)
	if err != nil {
		return nil, classifyStripeError(OpCreate, err)
	}
	return g.toSubscription(ctx, sub)
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := g.api.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		classified := classifyStripeError(OpCancel, err)
		if errors.Is(classified, ErrRejected) {
			// Stripe refuses to cancel twice; report that distinctly.
			if current, ferr := g.FindSubscription(ctx, subscriptionID); ferr == nil && current.Status.Terminal() {
				return current, newError(ErrAlreadyCanceled, OpCancel, "", "subscription already canceled", err)
			}
		}
		return nil, classified
	}
	return g.toSubscription(ctx, sub)
}

func (g *StripeGateway) UpdateSubscription(ctx context.Context, subscriptionID string, req UpdateRequest) (*Subscription, error) {
	current, err := g.getRaw(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	if req.NumberOfBillingCycles != nil {
		params.CancelAtPeriodEnd = stripe.Bool(true)
		params.AddMetadata(metaCycleCap, strconv.Itoa(*req.NumberOfBillingCycles))
	}
	if req.NeverExpires != nil && *req.NeverExpires {
		params.CancelAtPeriodEnd = stripe.Bool(false)
		params.AddMetadata(metaCycleCap, "")
	}
	if req.PaymentMethodToken != "" {
		params.DefaultPaymentMethod = stripe.String(req.PaymentMethodToken)
	}
	if len(req.Discounts) > 0 {
		lines := mergeDiscountLines(decodeDiscountMetadata(current.Metadata), req.Discounts)
		if err := setDiscountMetadata(&params.Params, lines); err != nil {
			return nil, newError(ErrRejected, OpUpdate, "", "invalid discounts", err)
		}
		added := decimal.Zero
		for _, d := range req.Discounts {
			added = added.Add(d.Total())
		}
		if added.IsPositive() {
			coupon, err := g.onceCoupon(ctx, added, "")
			if err != nil {
				return nil, err
			}
			params.Coupon = stripe.String(coupon)
		}
	}

	sub, err := g.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, classifyStripeError(OpUpdate, err)
	}
	return g.toSubscription(ctx, sub)
}

func (g *StripeGateway) FindSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	sub, err := g.getRaw(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return g.toSubscription(ctx, sub)
}

func (g *StripeGateway) ChargeSale(ctx context.Context, req SaleRequest) (*Transaction, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(toCents(req.Amount)),
		Currency:      stripe.String(g.currency),
		PaymentMethod: stripe.String(req.PaymentMethodToken),
		Confirm:       stripe.Bool(true),
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripeError(OpSale, err)
	}
	tx := &Transaction{
		ID:                    pi.ID,
		Amount:                fromCents(pi.Amount),
		Status:                paymentIntentStatus(pi.Status),
		Type:                  models.TransactionSale,
		ProcessorResponseCode: string(pi.Status),
		CreatedAt:             time.Unix(pi.Created, 0).UTC(),
	}
	if tx.Status != models.TransactionStatusSettled && tx.Status != models.TransactionStatusSubmitted {
		return nil, newError(ErrRejected, OpSale, string(pi.Status), "payment was not completed", nil)
	}
	return tx, nil
}

func (g *StripeGateway) getRaw(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, classifyStripeError(OpFind, err)
	}
	return sub, nil
}

func (g *StripeGateway) onceCoupon(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (string, error) {
	params := &stripe.CouponParams{
		AmountOff: stripe.Int64(toCents(amount)),
		Currency:  stripe.String(g.currency),
		Duration:  stripe.String(string(stripe.CouponDurationOnce)),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey + ":coupon")
	}
	coupon, err := g.api.Coupons.New(params)
	if err != nil {
		return "", classifyStripeError("coupon", err)
	}
	return coupon.ID, nil
}

func (g *StripeGateway) toSubscription(ctx context.Context, sub *stripe.Subscription) (*Subscription, error) {
	out := &Subscription{
		ID:                     sub.ID,
		Status:                 stripeStatus(sub.Status),
		TrialPeriod:            sub.Status == stripe.SubscriptionStatusTrialing,
		BillingPeriodStartDate: unixTime(sub.CurrentPeriodStart),
		BillingPeriodEndDate:   unixTime(sub.CurrentPeriodEnd),
		FirstBillingDate:       unixTime(sub.StartDate),
		Discounts:              decodeDiscountMetadata(sub.Metadata),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.TrialEnd > 0 {
		out.FirstBillingDate = unixTime(sub.TrialEnd)
	}
	if sub.DefaultPaymentMethod != nil {
		out.PaymentMethodToken = sub.DefaultPaymentMethod.ID
	}

	listPrice := decimal.Zero
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PlanID = sub.Items.Data[0].Price.ID
		listPrice = fromCents(sub.Items.Data[0].Price.UnitAmount)
	}

	txs, err := g.listTransactions(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	out.Transactions = txs
	for _, tx := range txs {
		if tx.Status == models.TransactionStatusSettled {
			out.CurrentBillingCycle++
		}
	}

	if raw := sub.Metadata[metaCycleCap]; raw != "" && sub.CancelAtPeriodEnd {
		if n, err := strconv.Atoi(raw); err == nil {
			out.NumberOfBillingCycles = &n
		}
	} else if sub.CancelAtPeriodEnd {
		n := out.CurrentBillingCycle
		out.NumberOfBillingCycles = &n
	}
	if out.TrialPeriod {
		out.NextBillingAmount = listPrice
	} else {
		out.NextBillingAmount = NonNegative(listPrice.Sub(RecurringDiscount(out.Discounts, out.CurrentBillingCycle)))
	}
	return out, nil
}

func (g *StripeGateway) listTransactions(ctx context.Context, subscriptionID string) ([]Transaction, error) {
	params := &stripe.InvoiceListParams{Subscription: stripe.String(subscriptionID)}
	params.Context = ctx
	iter := g.api.Invoices.List(params)

	var out []Transaction
	for iter.Next() {
		inv := iter.Invoice()
		if inv.Status == stripe.InvoiceStatusDraft {
			continue
		}
		amount := inv.AmountPaid
		if amount == 0 {
			amount = inv.AmountDue
		}
		if amount == 0 {
			continue
		}
		out = append(out, Transaction{
			ID:                    inv.ID,
			Amount:                fromCents(amount),
			Status:                invoiceStatus(inv.Status),
			Type:                  models.TransactionSale,
			ProcessorResponseCode: string(inv.Status),
			CreatedAt:             unixTime(inv.Created),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, classifyStripeError(OpFind, err)
	}
	return out, nil
}

func stripeStatus(s stripe.SubscriptionStatus) models.GatewayStatus {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.GatewayStatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.GatewayStatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return models.GatewayStatusCanceled
	case stripe.SubscriptionStatusIncompleteExpired:
		return models.GatewayStatusExpired
	case stripe.SubscriptionStatusIncomplete:
		return models.GatewayStatusPending
	default:
		log.Warnf("[Gateway] Unknown stripe subscription status %q, treating as pending", s)
		return models.GatewayStatusPending
	}
}

func invoiceStatus(s stripe.InvoiceStatus) string {
	switch s {
	case stripe.InvoiceStatusPaid:
		return models.TransactionStatusSettled
	case stripe.InvoiceStatusOpen:
		return models.TransactionStatusSubmitted
	case stripe.InvoiceStatusUncollectible:
		return models.TransactionStatusFailed
	case stripe.InvoiceStatusVoid:
		return models.TransactionStatusVoided
	default:
		return string(s)
	}
}

func paymentIntentStatus(s stripe.PaymentIntentStatus) string {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return models.TransactionStatusSettled
	case stripe.PaymentIntentStatusProcessing:
		return models.TransactionStatusSubmitted
	case stripe.PaymentIntentStatusRequiresCapture:
		return models.TransactionStatusAuthorized
	case stripe.PaymentIntentStatusCanceled:
		return models.TransactionStatusVoided
	default:
		return models.TransactionStatusFailed
	}
}

// classifyStripeError maps stripe-go errors onto the gateway taxonomy.
func classifyStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(ErrIndeterminate, op, "", "request did not complete", err)
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := string(stripeErr.Code)
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard:
			return newError(ErrRejected, op, code, stripeErr.Msg, err)
		case stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == 404:
			return newError(ErrNotFound, op, code, stripeErr.Msg, err)
		case stripeErr.HTTPStatusCode == 429 || stripeErr.HTTPStatusCode >= 500:
			return newError(ErrUnavailable, op, code, stripeErr.Msg, err)
		default:
			return newError(ErrRejected, op, code, stripeErr.Msg, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(ErrIndeterminate, op, "", "request timed out", err)
	}
	return newError(ErrUnavailable, op, "", "", err)
}

func setDiscountMetadata(p *stripe.Params, lines []DiscountLine) error {
	if len(lines) == 0 {
		return nil
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	if len(raw) > 500 {
		return fmt.Errorf("discount metadata too large (%d bytes)", len(raw))
	}
	p.AddMetadata(metaDiscounts, string(raw))
	return nil
}

func decodeDiscountMetadata(meta map[string]string) []DiscountLine {
	raw := meta[metaDiscounts]
	if raw == "" {
		return nil
	}
	var lines []DiscountLine
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		log.Warnf("[Gateway] Ignoring malformed discount metadata: %v", err)
		return nil
	}
	return lines
}

func mergeDiscountLines(existing, added []DiscountLine) []DiscountLine {
	out := append([]DiscountLine(nil), existing...)
	for _, line := range added {
		merged := false
		for i := range out {
			if out[i].ID == line.ID && !line.Override {
				q := line.Quantity
				if q <= 0 {
					q = 1
				}
				out[i].Quantity += q
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, line)
		}
	}
	return out
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

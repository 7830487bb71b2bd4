package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cmehub/billing/app/models"
)

// Gateway is the payment processor as seen by the billing state machine.
// Implementations must honor ctx deadlines; a deadline hit mid-call is
// reported as ErrIndeterminate because the remote side may have acted.
type Gateway interface {
	CreateSubscription(ctx context.Context, req CreateRequest) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, req UpdateRequest) (*Subscription, error)
	FindSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	ChargeSale(ctx context.Context, req SaleRequest) (*Transaction, error)
}

// DiscountLine is one discount attached to a gateway subscription. Amount is
// per unit; the effective reduction is Amount x Quantity. Override replaces
// the plan's own first-year discount instead of stacking on top of it.
// NumberOfBillingCycles of 0 means the line applies to every cycle.
type DiscountLine struct {
	ID                    string          `json:"id"`
	Amount                decimal.Decimal `json:"amount"`
	Quantity              int             `json:"quantity"`
	NumberOfBillingCycles int             `json:"cycles"`
	Override              bool            `json:"override,omitempty"`
}

// Total is the reduction this line contributes for one cycle.
func (d DiscountLine) Total() decimal.Decimal {
	q := d.Quantity
	if q <= 0 {
		q = 1
	}
	return d.Amount.Mul(decimal.NewFromInt(int64(q)))
}

type Transaction struct {
	ID                    string
	Amount                decimal.Decimal
	Status                string
	Type                  models.TransactionType
	ProcessorResponseCode string
	ProcessorResponseText string
	CreatedAt             time.Time
}

// Subscription is the gateway's authoritative snapshot of one subscription.
type Subscription struct {
	ID                     string
	CustomerID             string
	PlanID                 string
	Status                 models.GatewayStatus
	TrialPeriod            bool
	FirstBillingDate       time.Time
	BillingPeriodStartDate time.Time
	BillingPeriodEndDate   time.Time
	CurrentBillingCycle    int
	// NumberOfBillingCycles is nil while the subscription never expires.
	NumberOfBillingCycles *int
	NextBillingAmount     decimal.Decimal
	PaymentMethodToken    string
	Discounts             []DiscountLine
	Transactions          []Transaction
}

// DiscountTotal sums Amount x Quantity over the lines with the given id.
func (s *Subscription) DiscountTotal(id string) decimal.Decimal {
	total := decimal.Zero
	for _, d := range s.Discounts {
		if d.ID == id {
			total = total.Add(d.Total())
		}
	}
	return total
}

// LatestSettledSale returns the most recent settled sale, if any.
func (s *Subscription) LatestSettledSale() *Transaction {
	var latest *Transaction
	for i := range s.Transactions {
		tx := &s.Transactions[i]
		if tx.Type != models.TransactionSale || tx.Status != models.TransactionStatusSettled {
			continue
		}
		if latest == nil || tx.CreatedAt.After(latest.CreatedAt) {
			latest = tx
		}
	}
	return latest
}

type CreateRequest struct {
	PlanID             string
	PaymentMethodToken string
	CustomerID         string
	CustomerEmail      string
	// PlanDiscount is the plan's own first-year reduction (price - discountPrice).
	PlanDiscount   decimal.Decimal
	TrialDays      int
	Discounts      []DiscountLine
	IdempotencyKey string
}

// FirstCycleDiscount is what the first invoice is reduced by: the plan's own
// first-year discount (unless an override line replaces it) plus every
// additional line.
func (r CreateRequest) FirstCycleDiscount() decimal.Decimal {
	base := r.PlanDiscount
	extra := decimal.Zero
	overridden := false
	for _, d := range r.Discounts {
		if d.Override {
			if !overridden {
				base = decimal.Zero
				overridden = true
			}
			base = base.Add(d.Total())
			continue
		}
		extra = extra.Add(d.Total())
	}
	return NonNegative(base.Add(extra))
}

type UpdateRequest struct {
	NeverExpires          *bool
	NumberOfBillingCycles *int
	// Discounts are added; a line whose id already exists bumps its quantity.
	Discounts          []DiscountLine
	PaymentMethodToken string
}

type SaleRequest struct {
	Amount             decimal.Decimal
	PaymentMethodToken string
	CustomerID         string
	IdempotencyKey     string
}

// RecurringDiscount sums lines that still apply after the given cycle.
func RecurringDiscount(lines []DiscountLine, afterCycle int) decimal.Decimal {
	total := decimal.Zero
	for _, d := range lines {
		if d.NumberOfBillingCycles == 0 || d.NumberOfBillingCycles > afterCycle {
			total = total.Add(d.Total())
		}
	}
	return total
}

// NonNegative clamps v at zero.
func NonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

package billing

import (
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/cmehub/billing/app/models"
)

// ProrationInput is everything Prorate needs about the subscription being
// replaced and the plan replacing it.
type ProrationInput struct {
	// LastSettledSale is the amount of the most recent settled sale on the
	// old subscription, nil when none was found.
	LastSettledSale      *decimal.Decimal
	OldPlanPrice         decimal.Decimal
	DisplayStatus        models.DisplayStatus
	NextBillingAmount    decimal.Decimal
	NewPlanDiscountPrice decimal.Decimal
	// BillingDay is the number of days elapsed in the current cycle.
	BillingDay int
	DaysInYear int
}

type ProrationResult struct {
	Owed     decimal.Decimal
	Discount decimal.Decimal
	// UsedListPrice is set when no settled sale existed and the old plan's
	// list price stood in for it.
	UsedListPrice bool
}

// Prorate computes the credit for the unused part of the old cycle and what
// is owed on the new plan's first-year price. Intermediate values keep full
// precision; only the results are rounded half-up to cents.
func Prorate(in ProrationInput) ProrationResult {
	daysInYear := in.DaysInYear
	if daysInYear <= 0 {
		daysInYear = 365
	}
	billingDay := in.BillingDay
	if billingDay < 0 {
		billingDay = 0
	}
	if billingDay > daysInYear {
		billingDay = daysInYear
	}

	var out ProrationResult
	paid := in.OldPlanPrice
	if in.LastSettledSale != nil {
		paid = *in.LastSettledSale
	} else {
		out.UsedListPrice = true
	}

	remaining := decimal.NewFromInt(int64(daysInYear - billingDay))
	discount := paid.Mul(remaining).Div(decimal.NewFromInt(int64(daysInYear)))

	// A discount already earned on the coming cycle still belongs to the
	// user. Canceled rows have no coming cycle and forfeit it.
	if in.DisplayStatus == models.DisplayActive && in.OldPlanPrice.GreaterThan(in.NextBillingAmount) {
		discount = discount.Add(in.OldPlanPrice.Sub(in.NextBillingAmount))
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}

	owed := in.NewPlanDiscountPrice.Sub(discount)
	if owed.IsNegative() {
		owed = decimal.Zero
	}

	out.Discount = discount.Round(2)
	out.Owed = owed.Round(2)
	return out
}

// prorationFor builds the input from ledger state and logs the list-price
// fallback as a data-quality problem.
func prorationFor(old *models.UserSubscription, lastSale *models.SubscriptionTransaction, newPlan *models.SubscriptionPlan, billingDay, daysInYear int) ProrationResult {
	in := ProrationInput{
		DisplayStatus:        old.DisplayStatus,
		NextBillingAmount:    old.NextBillingAmount,
		NewPlanDiscountPrice: newPlan.DiscountPrice,
		BillingDay:           billingDay,
		DaysInYear:           daysInYear,
	}
	if old.Plan != nil {
		in.OldPlanPrice = old.Plan.Price
	}
	if lastSale != nil {
		amount := lastSale.Amount
		in.LastSettledSale = &amount
	}
	res := Prorate(in)
	if res.UsedListPrice {
		log.Warnf("[Billing] No settled sale for subscription %s, prorating from list price %s",
			old.SubscriptionID, in.OldPlanPrice.StringFixed(2))
	}
	return res
}

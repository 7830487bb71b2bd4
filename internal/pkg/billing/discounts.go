package billing

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/gateway"
)

// DiscountApplication is one discount that applies to a new subscription.
type DiscountApplication struct {
	Type              models.DiscountType
	GatewayDiscountID string
	Amount            decimal.Decimal
	NumBillingCycles  int
	// Override replaces the plan's own first-year discount instead of
	// stacking on top of it.
	Override bool
}

// SignupQuote is the engine's estimate. The gateway decides what is
// actually charged.
type SignupQuote struct {
	Applications   []DiscountApplication
	EstimatedPrice decimal.Decimal
}

// Has reports whether the quote contains a discount of type t.
func (q SignupQuote) Has(t models.DiscountType) bool {
	for _, a := range q.Applications {
		if a.Type == t {
			return true
		}
	}
	return false
}

// DiscountEngine resolves signup discounts for brand-new paid subscriptions.
type DiscountEngine struct {
	discounts repository.DiscountRepository
	users     repository.UserRepository
}

func NewDiscountEngine(discounts repository.DiscountRepository, users repository.UserRepository) *DiscountEngine {
	return &DiscountEngine{discounts: discounts, users: users}
}

// ResolveSignupDiscounts computes which discounts apply to user signing up
// for plan. An email promo wins outright; otherwise the referral discount
// (invitee, or convertee when the inviter is an affiliate) stacks with an
// organization or email-domain discount.
func (e *DiscountEngine) ResolveSignupDiscounts(user *models.User, plan *models.SubscriptionPlan) (SignupQuote, error) {
	quote := SignupQuote{EstimatedPrice: plan.DiscountPrice}

	promo, err := e.discounts.FindSignupPromo(user.Email)
	switch {
	case err == nil:
		amount := gateway.NonNegative(plan.DiscountPrice.Sub(promo.FirstYearPrice))
		if amount.IsPositive() {
			app := DiscountApplication{Type: models.DiscountBase, Amount: amount, NumBillingCycles: 1}
			if base, err := e.discounts.ActiveForType(models.DiscountBase); err == nil {
				app.GatewayDiscountID = base.DiscountID
			} else if !errors.Is(err, repository.ErrNotFound) {
				return SignupQuote{}, err
			}
			quote.Applications = []DiscountApplication{app}
		}
		quote.EstimatedPrice = gateway.NonNegative(plan.DiscountPrice.Sub(amount))
		return quote, nil
	case !errors.Is(err, repository.ErrNotFound):
		return SignupQuote{}, fmt.Errorf("find signup promo: %w", err)
	}

	referral, err := e.referralDiscount(user)
	if err != nil {
		return SignupQuote{}, err
	}
	if referral != nil {
		quote.Applications = append(quote.Applications, *referral)
	}

	org, err := e.discounts.FindOrgDiscount(user.OrganizationID, user.EmailDomain())
	switch {
	case err == nil:
		if org.Discount != nil && org.AppliesTo(user.CreatedAt) {
			quote.Applications = append(quote.Applications, applicationFor(org.Discount))
		}
	case !errors.Is(err, repository.ErrNotFound):
		return SignupQuote{}, fmt.Errorf("find org discount: %w", err)
	}

	total := decimal.Zero
	for _, a := range quote.Applications {
		total = total.Add(a.Amount)
	}
	quote.EstimatedPrice = gateway.NonNegative(plan.DiscountPrice.Sub(total))
	return quote, nil
}

func (e *DiscountEngine) referralDiscount(user *models.User) (*DiscountApplication, error) {
	if user.InvitedByID == nil {
		return nil, nil
	}
	inviter, err := e.users.GetByID(*user.InvitedByID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warnf("[Billing] User %d names missing inviter %d", user.ID, *user.InvitedByID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	kind := models.DiscountInvitee
	if inviter.IsAffiliate {
		kind = models.DiscountConvertee
	}
	d, err := e.discounts.ActiveForType(kind)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	app := applicationFor(d)
	return &app, nil
}

func applicationFor(d *models.Discount) DiscountApplication {
	return DiscountApplication{
		Type:              d.DiscountType,
		GatewayDiscountID: d.DiscountID,
		Amount:            d.Amount,
		NumBillingCycles:  d.NumBillingCycles,
	}
}

// discountLines converts applications into gateway discount lines.
func discountLines(apps []DiscountApplication) []gateway.DiscountLine {
	lines := make([]gateway.DiscountLine, 0, len(apps))
	for _, a := range apps {
		id := a.GatewayDiscountID
		if id == "" {
			id = string(a.Type)
		}
		lines = append(lines, gateway.DiscountLine{
			ID:                    id,
			Amount:                a.Amount,
			Quantity:              1,
			NumberOfBillingCycles: a.NumBillingCycles,
			Override:              a.Override,
		})
	}
	return lines
}

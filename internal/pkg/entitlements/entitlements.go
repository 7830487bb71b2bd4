package entitlements

import (
	"github.com/shopspring/decimal"

	"github.com/cmehub/billing/app/models"
)

// Quota is the CME allowance a plan grants for one refresh period.
type Quota struct {
	Credits   decimal.Decimal
	Unlimited bool
}

// QuotaFor derives the credit allowance from the plan's CME limits. The yearly
// limit wins; a monthly-only plan grants its monthly amount per refresh.
func QuotaFor(plan *models.SubscriptionPlan) Quota {
	if plan == nil {
		return Quota{}
	}
	if plan.UnlimitedCme() {
		return Quota{Unlimited: true}
	}
	if plan.MaxCmeYear > 0 {
		return Quota{Credits: decimal.NewFromInt(int64(plan.MaxCmeYear))}
	}
	return Quota{Credits: decimal.NewFromInt(int64(plan.MaxCmeMonth))}
}

// Entitled reports whether a subscription row currently grants access to its
// plan. Suspended rows keep their plan on record but grant nothing until the
// payment problem is resolved.
func Entitled(sub *models.UserSubscription) bool {
	if sub == nil {
		return false
	}
	switch sub.DisplayStatus {
	case models.DisplayTrial,
		models.DisplayActive,
		models.DisplayActiveCanceled,
		models.DisplayActiveDowngradeScheduled:
		return true
	case models.DisplaySuspended,
		models.DisplayTrialCanceled,
		models.DisplayEnterpriseCanceled,
		models.DisplayExpired:
		return false
	default:
		return false
	}
}

// EffectivePlan returns the plan a user's current subscription grants, or nil.
func EffectivePlan(sub *models.UserSubscription) *models.SubscriptionPlan {
	if !Entitled(sub) {
		return nil
	}
	return sub.Plan
}

package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/entitlements"
)

// CreditLedger tracks CME usage quota. It never touches money.
type CreditLedger struct {
	repo repository.CreditRepository
	now  func() time.Time
}

func NewCreditLedger(repo repository.CreditRepository, now func() time.Time) *CreditLedger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CreditLedger{repo: repo, now: now}
}

// RefreshForPlan resets the plan allowance to what plan grants. A nil plan
// zeroes the plan portion; boost credits are kept either way.
func (c *CreditLedger) RefreshForPlan(userID uint, plan *models.SubscriptionPlan) (*models.UserCmeCredit, error) {
	var planID *uint
	if plan != nil {
		id := plan.ID
		planID = &id
	}
	quota := entitlements.QuotaFor(plan)
	credit, err := c.repo.Refresh(userID, planID, quota.Credits, quota.Unlimited, c.now())
	if err != nil {
		return nil, fmt.Errorf("refresh credits for user %d: %w", userID, err)
	}
	return credit, nil
}

func (c *CreditLedger) Deduct(userID uint, amount decimal.Decimal) (*models.UserCmeCredit, error) {
	if !amount.IsPositive() {
		return nil, validationf("credit deduction must be positive, got %s", amount)
	}
	return c.repo.Deduct(userID, amount)
}

func (c *CreditLedger) AddBoost(userID uint, amount decimal.Decimal) (*models.UserCmeCredit, error) {
	if !amount.IsPositive() {
		return nil, validationf("boost must be positive, got %s", amount)
	}
	return c.repo.AddBoost(userID, amount)
}

// Balance returns spendable credits and whether the plan is unlimited.
func (c *CreditLedger) Balance(userID uint) (decimal.Decimal, bool, error) {
	credit, err := c.repo.Get(userID)
	if err != nil {
		return decimal.Zero, false, err
	}
	return credit.Available(), credit.PlanUnlimited, nil
}

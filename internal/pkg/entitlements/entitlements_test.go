package entitlements

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/cmehub/billing/app/models"
)

func TestQuotaFor(t *testing.T) {
	tests := []struct {
		name      string
		plan      *models.SubscriptionPlan
		credits   int64
		unlimited bool
	}{
		{name: "nil plan", plan: nil},
		{name: "unlimited", plan: &models.SubscriptionPlan{}, unlimited: true},
		{name: "yearly wins", plan: &models.SubscriptionPlan{MaxCmeMonth: 5, MaxCmeYear: 40}, credits: 40},
		{name: "monthly only", plan: &models.SubscriptionPlan{MaxCmeMonth: 5}, credits: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := QuotaFor(tt.plan)
			assert.Equal(t, tt.unlimited, q.Unlimited)
			assert.True(t, decimal.NewFromInt(tt.credits).Equal(q.Credits))
		})
	}
}

func TestEntitled(t *testing.T) {
	entitled := []models.DisplayStatus{
		models.DisplayTrial, models.DisplayActive,
		models.DisplayActiveCanceled, models.DisplayActiveDowngradeScheduled,
	}
	for _, ds := range entitled {
		assert.True(t, Entitled(&models.UserSubscription{DisplayStatus: ds}), ds)
	}
	for _, ds := range []models.DisplayStatus{
		models.DisplaySuspended, models.DisplayTrialCanceled,
		models.DisplayEnterpriseCanceled, models.DisplayExpired,
	} {
		assert.False(t, Entitled(&models.UserSubscription{DisplayStatus: ds}), ds)
	}
	assert.False(t, Entitled(nil))

	plan := &models.SubscriptionPlan{PlanID: "p"}
	assert.Same(t, plan, EffectivePlan(&models.UserSubscription{DisplayStatus: models.DisplayActive, Plan: plan}))
	assert.Nil(t, EffectivePlan(&models.UserSubscription{DisplayStatus: models.DisplayExpired, Plan: plan}))
}

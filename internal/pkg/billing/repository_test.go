package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSubscriptionLoadsPlanAndNextPlan(t *testing.T) {
	f := newFixture(t)
	premium := f.paidPlan("md-premium", "300.00", "300.00", 0)
	annual := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("preload@example.com")
	sub := f.subscribe(u, premium)

	repo := NewRepository(f.db)
	got, err := repo.GetSubscription(sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Plan)
	assert.Equal(t, premium.ID, got.Plan.ID)
	assert.Equal(t, "md-premium", got.Plan.PlanID)
	assert.Nil(t, got.NextPlan)

	res, _ := f.svc.DowngradePlan(f.ctx, sub, annual)
	require.True(t, res.Success, "%v", res.Err)

	got, err = repo.GetSubscriptionBySubscriptionID(sub.SubscriptionID)
	require.NoError(t, err)
	require.NotNil(t, got.Plan)
	assert.Equal(t, "md-premium", got.Plan.PlanID)
	require.NotNil(t, got.NextPlan)
	assert.Equal(t, "md-annual", got.NextPlan.PlanID)

	current, err := repo.CurrentSubscription(u.ID)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.NotNil(t, current.Plan)
	assert.Equal(t, premium.ID, current.Plan.ID)
}

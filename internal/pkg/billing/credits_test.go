package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmehub/billing/app/repository"
)

func TestCreditsFollowSubscription(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("credits@example.com")
	sub := f.subscribe(u, plan)

	balance, unlimited, err := f.svc.Credits().Balance(u.ID)
	require.NoError(t, err)
	assert.False(t, unlimited)
	assertMoney(t, "50", balance)

	_, err = f.svc.Credits().AddBoost(u.ID, dec("5"))
	require.NoError(t, err)

	credit, err := f.svc.Credits().Deduct(u.ID, dec("52"))
	require.NoError(t, err)
	assertMoney(t, "0", credit.PlanCredits)
	assertMoney(t, "3", credit.BoostCredits)

	_, err = f.svc.Credits().Deduct(u.ID, dec("4"))
	assert.ErrorIs(t, err, repository.ErrInsufficientCredits)

	res, _ := f.svc.TerminalCancelSubscription(f.ctx, sub)
	require.True(t, res.Success, "%v", res.Err)

	balance, _, err = f.svc.Credits().Balance(u.ID)
	require.NoError(t, err)
	assertMoney(t, "3", balance)
}

func TestCreditLedgerRejectsNonPositiveAmounts(t *testing.T) {
	f := newFixture(t)
	u := f.user("zero@example.com")

	_, err := f.svc.Credits().Deduct(u.ID, dec("0"))
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Credits().AddBoost(u.ID, dec("-2"))
	assert.ErrorIs(t, err, ErrValidation)
}

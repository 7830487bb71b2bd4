package billing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/internal/pkg/gateway"
)

func TestCreatePaidSubscriptionStartsTrialForNewUser(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 7)
	u := f.user("new@example.com")

	res, sub := f.svc.CreatePaidSubscription(f.ctx, u, PaidSignup{Plan: plan, PaymentMethodToken: testToken})
	require.True(t, res.Success, "%v", res.Err)
	require.NotNil(t, sub)

	assert.Equal(t, models.DisplayTrial, sub.DisplayStatus)
	assert.Equal(t, models.GatewayStatusActive, sub.Status)
	assert.Nil(t, res.Transaction)
	assert.Equal(t, sub.ID, f.current(u.ID).ID)
	assert.Equal(t, 1, f.gw.Calls(gateway.OpCreate))
	assert.Equal(t, 1, f.notes.count(NotifyFirstInvoice))

	stored, err := f.repos.User.GetByID(u.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.GatewayCustomerID)

	balance, unlimited, err := f.svc.Credits().Balance(u.ID)
	require.NoError(t, err)
	assert.False(t, unlimited)
	assertMoney(t, "50", balance)
}

func TestCreatePaidSubscriptionRefusesSecondOpenRow(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 7)
	u := f.user("twice@example.com")
	f.subscribe(u, plan)

	res, sub := f.svc.CreatePaidSubscription(f.ctx, u, PaidSignup{Plan: plan, PaymentMethodToken: testToken})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrValidation)
	assert.Nil(t, sub)
	assert.Equal(t, 1, f.gw.Calls(gateway.OpCreate))
	assert.Equal(t, 1, f.openCount(u.ID))
}

func TestCreatePaidSubscriptionNoTrialForReturningUser(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 7)
	u := f.user("returning@example.com")
	first := f.subscribe(u, plan)

	res, closed := f.svc.TerminalCancelSubscription(f.ctx, first)
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, models.DisplayTrialCanceled, closed.DisplayStatus)

	res, second := f.svc.CreatePaidSubscription(f.ctx, u, PaidSignup{Plan: plan, PaymentMethodToken: testToken})
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, models.DisplayActive, second.DisplayStatus)
	require.NotNil(t, res.Transaction)
	assertMoney(t, "100", res.Transaction.Amount)
	assert.Equal(t, 1, f.openCount(u.ID))
}

func TestCreatePaidSubscriptionAfterCancelOpensNewRemote(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("again@example.com")

	first := f.subscribe(u, plan)
	res, _ := f.svc.TerminalCancelSubscription(f.ctx, first)
	require.True(t, res.Success, "%v", res.Err)

	second := f.subscribe(u, plan)
	assert.NotEqual(t, first.SubscriptionID, second.SubscriptionID)
	assert.Equal(t, 2, f.gw.Calls(gateway.OpCreate))
	assert.Equal(t, 1, f.openCount(u.ID))

	res, _ = f.svc.TerminalCancelSubscription(f.ctx, second)
	require.True(t, res.Success, "%v", res.Err)
	third := f.subscribe(u, plan)
	assert.NotEqual(t, second.SubscriptionID, third.SubscriptionID)
	assert.Equal(t, 3, f.gw.Calls(gateway.OpCreate))
	assert.Equal(t, 1, f.openCount(u.ID))

	remote, ok := f.gw.Snapshot(third.SubscriptionID)
	require.True(t, ok)
	assert.Equal(t, models.GatewayStatusActive, remote.Status)
}

func TestCreatePaidSubscriptionDeclinedLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("declined@example.com")

	res, sub := f.svc.CreatePaidSubscription(f.ctx, u, PaidSignup{Plan: plan, PaymentMethodToken: gateway.DeclinedToken})
	assert.False(t, res.Success)
	assert.False(t, res.Indeterminate)
	assert.ErrorIs(t, res.Err, gateway.ErrRejected)
	assert.Equal(t, "Do Not Honor", res.Message)
	assert.Nil(t, sub)
	assert.Nil(t, f.current(u.ID))

	count, err := f.ledger.CountSubscriptionsByUser(u.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCreatePaidSubscriptionRequiresPaymentMethod(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("notoken@example.com")

	res, _ := f.svc.CreatePaidSubscription(f.ctx, u, PaidSignup{Plan: plan})
	assert.ErrorIs(t, res.Err, ErrValidation)
	assert.Zero(t, f.gw.Calls(gateway.OpCreate))
}

func TestCreatePaidSubscriptionIndeterminateThenRetryReusesRemote(t *testing.T) {
	cfg := testConfig()
	cfg.GatewayTimeout = 50 * time.Millisecond
	f := newFixtureWithConfig(t, cfg)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("slow@example.com")

	f.gw.SetLatency(300 * time.Millisecond)
	res, sub := f.svc.CreatePaidSubscription(f.ctx, u, PaidSignup{Plan: plan, PaymentMethodToken: testToken})
	assert.False(t, res.Success)
	assert.True(t, res.Indeterminate)
	assert.Nil(t, sub)
	assert.Nil(t, f.current(u.ID))
	require.Len(t, f.sched.scheduled(), 1)
	assert.Equal(t, u.ID, f.sched.scheduled()[0].userID)

	_, applied := f.gw.Snapshot("sbx_sub_1")
	assert.True(t, applied)

	f.gw.SetLatency(0)
	res, sub = f.svc.CreatePaidSubscription(f.ctx, u, PaidSignup{Plan: plan, PaymentMethodToken: testToken})
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, "sbx_sub_1", sub.SubscriptionID)
	assert.Equal(t, 1, f.openCount(u.ID))
}

func TestInviteeSignupCreditsInviter(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	f.discount("invitee-10", models.DiscountInvitee, "10.00", 1)
	f.discount("inviter-15", models.DiscountInviter, "15.00", 1)

	inviter := f.user("inviter@example.com")
	inviterSub := f.subscribe(inviter, plan)
	assertMoney(t, "100", inviterSub.NextBillingAmount)

	invitee := &models.User{Email: "invitee@example.org", InvitedByID: &inviter.ID}
	require.NoError(t, f.repos.User.Create(invitee))

	quote, err := f.svc.ResolveSignupDiscounts(f.ctx, invitee, plan)
	require.NoError(t, err)
	assert.True(t, quote.Has(models.DiscountInvitee))
	assert.False(t, quote.Has(models.DiscountConvertee))
	assertMoney(t, "90", quote.EstimatedPrice)

	res, _ := f.svc.CreatePaidSubscription(f.ctx, invitee, PaidSignup{Plan: plan, PaymentMethodToken: testToken})
	require.True(t, res.Success, "%v", res.Err)
	require.NotNil(t, res.Transaction)
	assertMoney(t, "90", res.Transaction.Amount)

	var inv models.InvitationDiscount
	require.NoError(t, f.db.Where("inviter_id = ? AND invitee_id = ?", inviter.ID, invitee.ID).First(&inv).Error)
	assert.NotNil(t, inv.CreditedAt)
	assert.Equal(t, inviterSub.SubscriptionID, inv.InviterSubscription)

	remote, ok := f.gw.Snapshot(inviterSub.SubscriptionID)
	require.True(t, ok)
	assertMoney(t, "15", remote.DiscountTotal("inviter-15"))
	assertMoney(t, "85", f.reload(inviterSub.ID).NextBillingAmount)

	var payouts int64
	require.NoError(t, f.db.Model(&models.AffiliatePayout{}).Count(&payouts).Error)
	assert.Zero(t, payouts)
}

func TestConverteeSignupRecordsAffiliatePayout(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	f.discount("invitee-10", models.DiscountInvitee, "10.00", 1)
	f.discount("convertee-20", models.DiscountConvertee, "20.00", 1)

	affiliate := &models.User{Email: "affiliate@example.com", IsAffiliate: true}
	require.NoError(t, f.repos.User.Create(affiliate))
	convertee := &models.User{Email: "convertee@example.org", InvitedByID: &affiliate.ID}
	require.NoError(t, f.repos.User.Create(convertee))

	res, sub := f.svc.CreatePaidSubscription(f.ctx, convertee, PaidSignup{Plan: plan, PaymentMethodToken: testToken})
	require.True(t, res.Success, "%v", res.Err)
	assertMoney(t, "80", res.Transaction.Amount)

	var payout models.AffiliatePayout
	require.NoError(t, f.db.Where("affiliate_id = ? AND convertee_id = ?", affiliate.ID, convertee.ID).First(&payout).Error)
	assertMoney(t, "80", payout.Amount)
	assert.Equal(t, sub.SubscriptionID, payout.SubscriptionID)

	var invitations int64
	require.NoError(t, f.db.Model(&models.InvitationDiscount{}).Count(&invitations).Error)
	assert.Zero(t, invitations)
}

func TestSignupPromoOverridesEveryOtherDiscount(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	f.discount("invitee-10", models.DiscountInvitee, "10.00", 1)
	inviter := f.user("promo-inviter@example.com")
	require.NoError(t, f.repos.Discount.CreateSignupPromo(&models.SignupEmailPromo{Email: "promo@example.com", FirstYearPrice: dec("50.00")}))

	u := &models.User{Email: "promo@example.com", InvitedByID: &inviter.ID}
	require.NoError(t, f.repos.User.Create(u))

	quote, err := f.svc.ResolveSignupDiscounts(f.ctx, u, plan)
	require.NoError(t, err)
	require.Len(t, quote.Applications, 1)
	assert.Equal(t, models.DiscountBase, quote.Applications[0].Type)
	assertMoney(t, "50", quote.Applications[0].Amount)
	assertMoney(t, "50", quote.EstimatedPrice)

	res, _ := f.svc.CreatePaidSubscription(f.ctx, u, PaidSignup{Plan: plan, PaymentMethodToken: testToken})
	require.True(t, res.Success, "%v", res.Err)
	assertMoney(t, "50", res.Transaction.Amount)
}

func TestConcurrentCreatesOpenAtMostOneSubscription(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("race@example.com")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := f.svc.CreatePaidSubscription(f.ctx, u, PaidSignup{Plan: plan, PaymentMethodToken: testToken})
			if res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, f.openCount(u.ID))
	assert.Equal(t, 1, f.gw.Calls(gateway.OpCreate))
}

func TestSwitchTrialToActiveChargesImmediately(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 14)
	u := f.user("switch@example.com")
	trial := f.subscribe(u, plan)
	require.Equal(t, models.DisplayTrial, trial.DisplayStatus)

	res, active := f.svc.SwitchTrialToActive(f.ctx, trial, "", nil)
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, models.DisplayActive, active.DisplayStatus)
	assertMoney(t, "100", res.Transaction.Amount)

	old := f.reload(trial.ID)
	assert.Equal(t, models.DisplayTrialCanceled, old.DisplayStatus)
	assert.True(t, old.IsTerminal())
	assert.Equal(t, active.ID, f.current(u.ID).ID)
	assert.Equal(t, 1, f.openCount(u.ID))
}

func TestSwitchTrialToActiveRejectsActiveRow(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("notrial@example.com")
	sub := f.subscribe(u, plan)

	res, _ := f.svc.SwitchTrialToActive(f.ctx, sub, testToken, nil)
	assert.ErrorIs(t, res.Err, ErrValidation)
	assert.Zero(t, f.gw.Calls(gateway.OpCancel))
}

func TestUpgradeProratesUnusedTime(t *testing.T) {
	f := newFixture(t)
	basic := f.paidPlan("basic", "120.00", "100.00", 0)
	pro := f.paidPlan("pro", "240.00", "200.00", 0)
	u := f.user("upgrade@example.com")

	sub := f.subscribe(u, basic)
	assertMoney(t, "120", sub.NextBillingAmount)

	f.clock.AddDays(182)
	res, upgraded := f.svc.UpgradePlan(f.ctx, sub, pro, "")
	require.True(t, res.Success, "%v", res.Err)
	require.NotNil(t, res.Transaction)
	// 200.00 owed on Pro less 100.00 x 183/365 of unused Basic.
	assertMoney(t, "149.86", res.Transaction.Amount)

	assert.Equal(t, pro.ID, upgraded.PlanRowID)
	assert.Equal(t, models.DisplayActive, upgraded.DisplayStatus)
	assertMoney(t, "240", upgraded.NextBillingAmount)

	old := f.reload(sub.ID)
	assert.Equal(t, models.DisplayExpired, old.DisplayStatus)
	assert.Equal(t, models.GatewayStatusCanceled, old.Status)
	assert.Equal(t, 1, f.openCount(u.ID))
	assert.Equal(t, 1, f.notes.count(NotifyUpgradeInvoice))
}

func TestUpgradeRequiresMoreExpensivePlan(t *testing.T) {
	f := newFixture(t)
	basic := f.paidPlan("basic", "120.00", "100.00", 0)
	cheap := f.paidPlan("cheap", "60.00", "60.00", 0)
	u := f.user("sideways@example.com")
	sub := f.subscribe(u, basic)

	res, _ := f.svc.UpgradePlan(f.ctx, sub, cheap, "")
	assert.ErrorIs(t, res.Err, ErrValidation)
	assert.Zero(t, f.gw.Calls(gateway.OpCancel))
}

func TestUpgradeFromFreePlanClosesFreeRow(t *testing.T) {
	f := newFixture(t)
	free := f.freePlan("free-md", "MD", "cardiology", 30)
	paid := f.paidPlan("md-annual", "100.00", "100.00", 7)
	u := f.user("free2paid@example.com")

	res, freeSub := f.svc.CreateFreeSubscription(f.ctx, u, free)
	require.True(t, res.Success, "%v", res.Err)

	res, sub := f.svc.UpgradePlan(f.ctx, freeSub, paid, testToken)
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, models.DisplayActive, sub.DisplayStatus)
	assertMoney(t, "100", res.Transaction.Amount)

	old := f.reload(freeSub.ID)
	assert.Equal(t, models.DisplayTrialCanceled, old.DisplayStatus)
	assert.True(t, old.IsTerminal())
	assert.Equal(t, 1, f.openCount(u.ID))
}

func TestDowngradeSchedulesAndCompletes(t *testing.T) {
	f := newFixture(t)
	premium := f.paidPlan("md-premium", "300.00", "300.00", 0)
	annual := f.paidPlan("md-annual", "100.00", "100.00", 0)
	f.discount("inviter-15", models.DiscountInviter, "15.00", 1)
	u := f.user("downgrade@example.com")
	sub := f.subscribe(u, premium)

	res, scheduled := f.svc.DowngradePlan(f.ctx, sub, annual)
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, models.DisplayActiveDowngradeScheduled, scheduled.DisplayStatus)
	require.NotNil(t, scheduled.NextPlanID)
	assert.Equal(t, annual.ID, *scheduled.NextPlanID)

	remote, _ := f.gw.Snapshot(sub.SubscriptionID)
	require.NotNil(t, remote.NumberOfBillingCycles)
	assert.Equal(t, 1, *remote.NumberOfBillingCycles)

	res, _ = f.svc.CompleteDowngrade(f.ctx, scheduled, "")
	assert.ErrorIs(t, res.Err, ErrValidation, "not due yet")

	// Two invites were credited during the year.
	f.gw.Mutate(sub.SubscriptionID, func(s *gateway.Subscription) {
		s.Discounts = append(s.Discounts, gateway.DiscountLine{ID: "inviter-15", Amount: dec("15.00"), Quantity: 2, NumberOfBillingCycles: 2})
	})
	f.clock.Set(testEpoch.AddDate(1, 0, 1))
	require.True(t, f.gw.AdvanceCycle(sub.SubscriptionID))

	res, next := f.svc.CompleteDowngrade(f.ctx, scheduled, "")
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, annual.ID, next.PlanRowID)
	assert.Equal(t, models.DisplayActive, next.DisplayStatus)
	assertMoney(t, "70", res.Transaction.Amount)

	old := f.reload(sub.ID)
	assert.Equal(t, models.DisplayExpired, old.DisplayStatus)
	assert.Equal(t, models.GatewayStatusExpired, old.Status)
	assert.Equal(t, 1, f.openCount(u.ID))

	creates := f.gw.Calls(gateway.OpCreate)
	require.NoError(t, NewJobRunner(f.svc).Run(f.ctx, JobCompleteDowngrade, sub.ID))
	assert.Equal(t, creates, f.gw.Calls(gateway.OpCreate))
}

func TestDowngradeRejectsMoreExpensivePlan(t *testing.T) {
	f := newFixture(t)
	annual := f.paidPlan("md-annual", "100.00", "100.00", 0)
	premium := f.paidPlan("md-premium", "300.00", "300.00", 0)
	u := f.user("updown@example.com")
	sub := f.subscribe(u, annual)

	res, _ := f.svc.DowngradePlan(f.ctx, sub, premium)
	assert.ErrorIs(t, res.Err, ErrValidation)
	assert.Zero(t, f.gw.Calls(gateway.OpUpdate))
}

func TestMakeActiveCanceledAndReactivate(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("reactivate@example.com")
	sub := f.subscribe(u, plan)

	res, canceled := f.svc.MakeActiveCanceled(f.ctx, sub)
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, models.DisplayActiveCanceled, canceled.DisplayStatus)
	remote, _ := f.gw.Snapshot(sub.SubscriptionID)
	require.NotNil(t, remote.NumberOfBillingCycles)

	res, active := f.svc.ReactivateSubscription(f.ctx, canceled, "")
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, models.DisplayActive, active.DisplayStatus)
	remote, _ = f.gw.Snapshot(sub.SubscriptionID)
	assert.Nil(t, remote.NumberOfBillingCycles)

	res, _ = f.svc.ReactivateSubscription(f.ctx, active, "")
	assert.ErrorIs(t, res.Err, ErrValidation)
}

func TestReactivateClearsScheduledDowngrade(t *testing.T) {
	f := newFixture(t)
	premium := f.paidPlan("md-premium", "300.00", "300.00", 0)
	annual := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("undo-downgrade@example.com")
	sub := f.subscribe(u, premium)

	res, scheduled := f.svc.DowngradePlan(f.ctx, sub, annual)
	require.True(t, res.Success, "%v", res.Err)

	res, active := f.svc.ReactivateSubscription(f.ctx, scheduled, "")
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, models.DisplayActive, active.DisplayStatus)
	assert.Nil(t, f.reload(sub.ID).NextPlanID)
}

func TestTerminalCancelEndsAccessImmediately(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("cancel@example.com")
	sub := f.subscribe(u, plan)

	allowed, err := f.svc.AllowNewSubscription(f.ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, allowed)

	res, closed := f.svc.TerminalCancelSubscription(f.ctx, sub)
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, models.DisplayExpired, closed.DisplayStatus)
	assert.Equal(t, models.GatewayStatusCanceled, closed.Status)

	balance, _, err := f.svc.Credits().Balance(u.ID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	allowed, err = f.svc.AllowNewSubscription(f.ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, allowed)

	res, _ = f.svc.TerminalCancelSubscription(f.ctx, closed)
	assert.ErrorIs(t, res.Err, ErrValidation)
	assert.Equal(t, 1, f.gw.Calls(gateway.OpCancel))
}

func TestTerminalCancelTreatsAlreadyCanceledAsSuccess(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 0)
	u := f.user("gone@example.com")
	sub := f.subscribe(u, plan)

	f.gw.Mutate(sub.SubscriptionID, func(s *gateway.Subscription) { s.Status = models.GatewayStatusCanceled })
	res, closed := f.svc.TerminalCancelSubscription(f.ctx, sub)
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, models.DisplayExpired, closed.DisplayStatus)
}

func TestOperationsRejectStaleSubscription(t *testing.T) {
	f := newFixture(t)
	plan := f.paidPlan("md-annual", "100.00", "100.00", 7)
	u := f.user("stale@example.com")
	trial := f.subscribe(u, plan)

	res, _ := f.svc.SwitchTrialToActive(f.ctx, trial, "", nil)
	require.True(t, res.Success, "%v", res.Err)

	res, _ = f.svc.MakeActiveCanceled(f.ctx, trial)
	assert.ErrorIs(t, res.Err, ErrValidation)
}

func TestLifecycleKeepsOneOpenSubscription(t *testing.T) {
	f := newFixture(t)
	free := f.freePlan("free-md", "MD", "cardiology", 30)
	basic := f.paidPlan("md-basic", "120.00", "100.00", 0)
	pro := f.paidPlan("md-pro", "240.00", "200.00", 0)
	u := f.user("lifecycle@example.com")

	res, sub := f.svc.CreateFreeSubscription(f.ctx, u, free)
	require.True(t, res.Success, "free: %v", res.Err)
	assert.Equal(t, 1, f.openCount(u.ID))

	res, sub = f.svc.UpgradePlan(f.ctx, sub, basic, testToken)
	require.True(t, res.Success, "free to paid: %v", res.Err)
	require.NotNil(t, sub.Plan)
	assert.Equal(t, basic.ID, sub.PlanRowID)
	assert.Equal(t, 1, f.openCount(u.ID))

	f.clock.AddDays(30)
	res, sub = f.svc.UpgradePlan(f.ctx, f.reload(sub.ID), pro, "")
	require.True(t, res.Success, "upgrade: %v", res.Err)
	assert.Equal(t, pro.ID, sub.PlanRowID)
	assert.Equal(t, 1, f.openCount(u.ID))

	res, sub = f.svc.DowngradePlan(f.ctx, f.reload(sub.ID), basic)
	require.True(t, res.Success, "downgrade: %v", res.Err)
	assert.Equal(t, models.DisplayActiveDowngradeScheduled, sub.DisplayStatus)
	assert.Equal(t, 1, f.openCount(u.ID))

	scheduled := f.reload(sub.ID)
	require.NotNil(t, scheduled.BillingEndDate)
	f.clock.Set(scheduled.BillingEndDate.AddDate(0, 0, 1))
	res, sub = f.svc.CompleteDowngrade(f.ctx, scheduled, "")
	require.True(t, res.Success, "complete downgrade: %v", res.Err)
	assert.Equal(t, basic.ID, sub.PlanRowID)
	assert.Equal(t, 1, f.openCount(u.ID))

	res, sub = f.svc.TerminalCancelSubscription(f.ctx, f.reload(sub.ID))
	require.True(t, res.Success, "cancel: %v", res.Err)
	assert.Equal(t, 0, f.openCount(u.ID))

	again := f.subscribe(u, basic)
	assert.NotEqual(t, sub.SubscriptionID, again.SubscriptionID)
	assert.Equal(t, 1, f.openCount(u.ID))
	assert.Equal(t, again.ID, f.current(u.ID).ID)
}

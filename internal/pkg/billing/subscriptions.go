package billing

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/gateway"
)

// Operation names, used for locking diagnostics, metrics and idempotency keys.
const (
	opCreateFree        = "create_free"
	opCreatePaid        = "create_paid"
	opSwitchTrial       = "switch_trial_to_active"
	opUpgrade           = "upgrade"
	opDowngrade         = "downgrade"
	opCompleteDowngrade = "complete_downgrade"
	opActiveCanceled    = "make_active_canceled"
	opReactivate        = "reactivate"
	opTerminalCancel    = "terminal_cancel"
)

// CreateFreeSubscription opens a free plan for user without touching the
// gateway. The row runs as a trial for the plan's trial days.
func (s *Service) CreateFreeSubscription(ctx context.Context, user *models.User, plan *models.SubscriptionPlan) (Result, *models.UserSubscription) {
	if user == nil || plan == nil {
		return failed(validationf("user and plan are required")), nil
	}
	return s.userOp(ctx, opCreateFree, user.ID, func(ctx context.Context) (Result, *models.UserSubscription) {
		fresh, current, err := s.loadUser(user.ID)
		if err != nil {
			return failed(err), nil
		}
		return s.createFreeLocked(fresh, current, plan)
	})
}

// PaidSignup describes a new paid subscription. Discounts nil means the
// signup discounts are resolved automatically for eligible users; an empty
// non-nil slice applies none.
type PaidSignup struct {
	Plan               *models.SubscriptionPlan
	PaymentMethodToken string
	Discounts          []DiscountApplication
}

// CreatePaidSubscription opens a paid gateway subscription for user. The
// plan's trial is granted only to users who never had a subscription.
func (s *Service) CreatePaidSubscription(ctx context.Context, user *models.User, signup PaidSignup) (Result, *models.UserSubscription) {
	if user == nil || signup.Plan == nil {
		return failed(validationf("user and plan are required")), nil
	}
	return s.userOp(ctx, opCreatePaid, user.ID, func(ctx context.Context) (Result, *models.UserSubscription) {
		fresh, current, err := s.loadUser(user.ID)
		if err != nil {
			return failed(err), nil
		}
		count, err := s.ledger.CountSubscriptionsByUser(fresh.ID)
		if err != nil {
			return failed(err), nil
		}

		apps := signup.Discounts
		if apps == nil {
			if apps, err = s.signupApplications(ctx, fresh, signup.Plan); err != nil {
				return failed(err), nil
			}
		}
		trialDays := 0
		if count == 0 {
			trialDays = signup.Plan.TrialDays
		}
		prior := ""
		if current != nil {
			prior = current.SubscriptionID
		}
		return s.createPaidLocked(ctx, paidCreate{
			op:        opCreatePaid,
			user:      fresh,
			current:   current,
			plan:      signup.Plan,
			token:     signup.PaymentMethodToken,
			apps:      apps,
			trialDays: trialDays,
			prior:     prior,
			event:     NotifyFirstInvoice,
		})
	})
}

// SwitchTrialToActive ends sub's trial early and starts paying on newPlan,
// or on the trial's own plan when newPlan is nil.
func (s *Service) SwitchTrialToActive(ctx context.Context, sub *models.UserSubscription, token string, newPlan *models.SubscriptionPlan) (Result, *models.UserSubscription) {
	if sub == nil {
		return failed(validationf("subscription is required")), nil
	}
	return s.userOp(ctx, opSwitchTrial, sub.UserID, func(ctx context.Context) (Result, *models.UserSubscription) {
		user, cur, err := s.loadCurrent(sub)
		if err != nil {
			return failed(err), nil
		}
		return s.switchTrialLocked(ctx, user, cur, token, newPlan)
	})
}

// UpgradePlan moves the user onto a more expensive paid plan. A live paid
// subscription is canceled and its unused time credited against the new one.
func (s *Service) UpgradePlan(ctx context.Context, sub *models.UserSubscription, newPlan *models.SubscriptionPlan, token string) (Result, *models.UserSubscription) {
	if sub == nil {
		return failed(validationf("subscription is required")), nil
	}
	return s.userOp(ctx, opUpgrade, sub.UserID, func(ctx context.Context) (Result, *models.UserSubscription) {
		user, cur, err := s.loadCurrent(sub)
		if err != nil {
			return failed(err), nil
		}
		if newPlan == nil || !newPlan.IsPaid() {
			return failed(validationf("upgrade target must be a paid plan")), nil
		}
		if cur.Plan == nil {
			return failed(validationf("subscription %s has no plan", cur.SubscriptionID)), nil
		}
		if !newPlan.Price.GreaterThan(cur.Plan.Price) {
			return failed(validationf("plan %s does not cost more than %s", newPlan.PlanID, cur.Plan.PlanID)), nil
		}
		if cur.Plan.IsFree() {
			return s.startActivePaidLocked(ctx, user, cur, newPlan, token)
		}
		if cur.IsEnterprise() && IsOpen(cur) {
			return failed(validationf("enterprise members cannot upgrade")), nil
		}

		switch cur.DisplayStatus {
		case models.DisplayTrial:
			return s.switchTrialLocked(ctx, user, cur, token, newPlan)
		case models.DisplayTrialCanceled:
			apps, err := s.signupApplications(ctx, user, newPlan)
			if err != nil {
				return failed(err), nil
			}
			return s.createPaidLocked(ctx, paidCreate{
				op: opUpgrade, user: user, current: cur, plan: newPlan,
				token: token, apps: apps, prior: cur.SubscriptionID, event: NotifyFirstInvoice,
			})
		case models.DisplayExpired, models.DisplayEnterpriseCanceled:
			return s.createPaidLocked(ctx, paidCreate{
				op: opUpgrade, user: user, current: cur, plan: newPlan,
				token: token, apps: []DiscountApplication{}, prior: cur.SubscriptionID, event: NotifyFirstInvoice,
			})
		case models.DisplayActive, models.DisplayActiveCanceled, models.DisplaySuspended:
			return s.prorateUpgradeLocked(ctx, user, cur, newPlan, token)
		case models.DisplayActiveDowngradeScheduled:
			return failed(validationf("reactivate subscription %s before upgrading", cur.SubscriptionID)), nil
		default:
			return failed(validationf("cannot upgrade from %s", cur.DisplayStatus)), nil
		}
	})
}

// DowngradePlan schedules a move to a cheaper paid plan at the end of the
// current cycle.
func (s *Service) DowngradePlan(ctx context.Context, sub *models.UserSubscription, newPlan *models.SubscriptionPlan) (Result, *models.UserSubscription) {
	if sub == nil {
		return failed(validationf("subscription is required")), nil
	}
	return s.userOp(ctx, opDowngrade, sub.UserID, func(ctx context.Context) (Result, *models.UserSubscription) {
		user, cur, err := s.loadCurrent(sub)
		if err != nil {
			return failed(err), nil
		}
		if cur.Status != models.GatewayStatusActive || cur.DisplayStatus != models.DisplayActive || cur.IsSynthetic() {
			return failed(validationf("only an active paid subscription can be downgraded, %s is %s", cur.SubscriptionID, cur.DisplayStatus)), nil
		}
		if newPlan == nil || !newPlan.IsPaid() {
			return failed(validationf("downgrade target must be a paid plan")), nil
		}
		if cur.Plan == nil || !newPlan.Price.LessThan(cur.Plan.Price) {
			return failed(validationf("plan %s does not cost less than the current plan", newPlan.PlanID)), nil
		}

		remote, err := s.gwFind(ctx, cur.SubscriptionID)
		if err != nil {
			return s.gatewayFailure(ctx, user.ID, cur.ID, err), nil
		}
		cycle := remote.CurrentBillingCycle
		if _, err := s.gwUpdate(ctx, cur.SubscriptionID, gateway.UpdateRequest{NumberOfBillingCycles: &cycle}); err != nil {
			return s.gatewayFailure(ctx, user.ID, cur.ID, err), nil
		}

		updated := *cur
		updated.DisplayStatus = models.DisplayActiveDowngradeScheduled
		updated.NextPlanID = &newPlan.ID
		updated.NextPlan = newPlan
		if cycle > updated.BillingCycle {
			updated.BillingCycle = cycle
		}
		if err := s.writeTransition(cur.DisplayStatus, &updated); err != nil {
			return failed(err), nil
		}
		log.Infof("[Billing] Downgrade of %s to %s scheduled after cycle %d", cur.SubscriptionID, newPlan.PlanID, cycle)
		return ok("downgrade scheduled"), &updated
	})
}

// CompleteDowngrade closes a due ActiveDowngradeScheduled row and opens the
// next plan. Inviter credit already earned carries over as a one-cycle
// override. An empty token reuses the old subscription's payment method.
func (s *Service) CompleteDowngrade(ctx context.Context, sub *models.UserSubscription, token string) (Result, *models.UserSubscription) {
	if sub == nil {
		return failed(validationf("subscription is required")), nil
	}
	return s.userOp(ctx, opCompleteDowngrade, sub.UserID, func(ctx context.Context) (Result, *models.UserSubscription) {
		user, cur, err := s.loadCurrent(sub)
		if err != nil {
			return failed(err), nil
		}
		if cur.DisplayStatus != models.DisplayActiveDowngradeScheduled || cur.NextPlanID == nil {
			return failed(validationf("subscription %s has no scheduled downgrade", cur.SubscriptionID)), nil
		}
		if cur.BillingEndDate == nil || s.now().Before(*cur.BillingEndDate) {
			return failed(validationf("downgrade of %s is not due yet", cur.SubscriptionID)), nil
		}
		nextPlan := cur.NextPlan
		if nextPlan == nil {
			if nextPlan, err = s.plans.GetByID(*cur.NextPlanID); err != nil {
				return failed(err), nil
			}
		}

		remote, err := s.gwFind(ctx, cur.SubscriptionID)
		if err != nil {
			return s.gatewayFailure(ctx, user.ID, cur.ID, err), nil
		}
		inviterID := string(models.DiscountInviter)
		if d, err := s.discounts.ActiveForType(models.DiscountInviter); err == nil {
			inviterID = d.DiscountID
		}
		earned := remote.DiscountTotal(inviterID)
		if token == "" {
			token = remote.PaymentMethodToken
		}

		canceled, err := s.gwCancel(ctx, cur.SubscriptionID)
		if err != nil {
			return s.gatewayFailure(ctx, user.ID, cur.ID, err), nil
		}
		closed := closedCopy(cur, canceled, models.DisplayExpired)
		if err := s.writeTransition(cur.DisplayStatus, closed); err != nil {
			return failed(err), nil
		}

		apps := []DiscountApplication{{
			Type:              models.DiscountInviter,
			GatewayDiscountID: inviterID,
			Amount:            earned,
			NumBillingCycles:  1,
			Override:          true,
		}}
		return s.createPaidLocked(ctx, paidCreate{
			op: opCompleteDowngrade, user: user, current: closed, plan: nextPlan,
			token: token, apps: apps, prior: cur.SubscriptionID, event: NotifyFirstInvoice,
		})
	})
}

// MakeActiveCanceled lets sub run to the end of its current cycle and then
// expire.
func (s *Service) MakeActiveCanceled(ctx context.Context, sub *models.UserSubscription) (Result, *models.UserSubscription) {
	if sub == nil {
		return failed(validationf("subscription is required")), nil
	}
	return s.userOp(ctx, opActiveCanceled, sub.UserID, func(ctx context.Context) (Result, *models.UserSubscription) {
		user, cur, err := s.loadCurrent(sub)
		if err != nil {
			return failed(err), nil
		}
		if cur.Status != models.GatewayStatusActive || cur.DisplayStatus != models.DisplayActive || cur.IsSynthetic() {
			return failed(validationf("subscription %s is %s, not an active paid subscription", cur.SubscriptionID, cur.DisplayStatus)), nil
		}

		remote, err := s.gwFind(ctx, cur.SubscriptionID)
		if err != nil {
			return s.gatewayFailure(ctx, user.ID, cur.ID, err), nil
		}
		cycle := remote.CurrentBillingCycle
		if _, err := s.gwUpdate(ctx, cur.SubscriptionID, gateway.UpdateRequest{NumberOfBillingCycles: &cycle}); err != nil {
			return s.gatewayFailure(ctx, user.ID, cur.ID, err), nil
		}

		updated := *cur
		updated.DisplayStatus = models.DisplayActiveCanceled
		if cycle > updated.BillingCycle {
			updated.BillingCycle = cycle
		}
		if err := s.writeTransition(cur.DisplayStatus, &updated); err != nil {
			return failed(err), nil
		}
		return ok("subscription will not renew"), &updated
	})
}

// ReactivateSubscription undoes MakeActiveCanceled or a scheduled downgrade.
// A non-empty token also replaces the payment method.
func (s *Service) ReactivateSubscription(ctx context.Context, sub *models.UserSubscription, token string) (Result, *models.UserSubscription) {
	if sub == nil {
		return failed(validationf("subscription is required")), nil
	}
	return s.userOp(ctx, opReactivate, sub.UserID, func(ctx context.Context) (Result, *models.UserSubscription) {
		user, cur, err := s.loadCurrent(sub)
		if err != nil {
			return failed(err), nil
		}
		if cur.Status != models.GatewayStatusActive {
			return failed(validationf("subscription %s is %s at the gateway", cur.SubscriptionID, cur.Status)), nil
		}
		if cur.DisplayStatus != models.DisplayActiveCanceled && cur.DisplayStatus != models.DisplayActiveDowngradeScheduled {
			return failed(validationf("subscription %s is %s, nothing to reactivate", cur.SubscriptionID, cur.DisplayStatus)), nil
		}

		never := true
		remote, err := s.gwUpdate(ctx, cur.SubscriptionID, gateway.UpdateRequest{NeverExpires: &never, PaymentMethodToken: token})
		if err != nil {
			return s.gatewayFailure(ctx, user.ID, cur.ID, err), nil
		}

		updated := *cur
		updated.DisplayStatus = models.DisplayActive
		updated.NextPlanID = nil
		updated.NextPlan = nil
		updated.NextBillingAmount = remote.NextBillingAmount
		if err := s.writeTransition(cur.DisplayStatus, &updated); err != nil {
			return failed(err), nil
		}
		return ok("subscription reactivated"), &updated
	})
}

// TerminalCancelSubscription ends sub immediately. Enterprise rows are ended
// through EndEnterpriseSubscription instead.
func (s *Service) TerminalCancelSubscription(ctx context.Context, sub *models.UserSubscription) (Result, *models.UserSubscription) {
	if sub == nil {
		return failed(validationf("subscription is required")), nil
	}
	return s.userOp(ctx, opTerminalCancel, sub.UserID, func(ctx context.Context) (Result, *models.UserSubscription) {
		user, cur, err := s.loadCurrent(sub)
		if err != nil {
			return failed(err), nil
		}
		if cur.IsEnterprise() {
			return failed(validationf("enterprise subscription %s is ended by its organization", cur.SubscriptionID)), nil
		}
		if !IsOpen(cur) {
			return failed(validationf("subscription %s is already closed", cur.SubscriptionID)), nil
		}
		return s.terminalCancelLocked(ctx, user, cur)
	})
}

func (s *Service) terminalCancelLocked(ctx context.Context, user *models.User, cur *models.UserSubscription) (Result, *models.UserSubscription) {
	var remote *gateway.Subscription
	if !cur.IsSynthetic() {
		var err error
		if remote, err = s.gwCancel(ctx, cur.SubscriptionID); err != nil {
			return s.gatewayFailure(ctx, user.ID, cur.ID, err), nil
		}
	}
	closed := closedCopy(cur, remote, terminalDisplayFor(cur.DisplayStatus))
	if err := s.writeTransition(cur.DisplayStatus, closed); err != nil {
		return failed(err), nil
	}
	s.refreshCredits(user.ID, closed)
	return ok("subscription canceled"), closed
}

// loadUser reads the user and their current row, which may be nil.
func (s *Service) loadUser(userID uint) (*models.User, *models.UserSubscription, error) {
	user, err := s.ledger.GetUser(userID)
	if err != nil {
		return nil, nil, err
	}
	current, err := s.ledger.CurrentSubscription(userID)
	if err != nil {
		return nil, nil, err
	}
	return user, current, nil
}

// signupApplications resolves signup discounts, or none for users who
// already paid for a plan.
func (s *Service) signupApplications(ctx context.Context, user *models.User, plan *models.SubscriptionPlan) ([]DiscountApplication, error) {
	quote, err := s.ResolveSignupDiscounts(ctx, user, plan)
	if err != nil {
		return nil, err
	}
	if quote.Applications == nil {
		return []DiscountApplication{}, nil
	}
	return quote.Applications, nil
}

func (s *Service) createFreeLocked(user *models.User, current *models.UserSubscription, plan *models.SubscriptionPlan, closing ...*models.UserSubscription) (Result, *models.UserSubscription) {
	if !plan.IsFree() {
		return failed(validationf("plan %s is not a free plan", plan.PlanID)), nil
	}
	if IsOpen(current) && !closes(current, closing) {
		return failed(validationf("user %d already has an open subscription %s", user.ID, current.SubscriptionID)), nil
	}

	now := s.now()
	start := timePtr(now)
	end := timePtr(now.AddDate(0, 0, plan.TrialDays))
	row := &models.UserSubscription{
		SubscriptionID:   models.FreeSubscriptionPrefix + uuid.NewString(),
		UserID:           user.ID,
		PlanRowID:        plan.ID,
		Plan:             plan,
		Status:           models.GatewayStatusActive,
		DisplayStatus:    models.DisplayTrial,
		BillingFirstDate: end,
		BillingStartDate: start,
		BillingEndDate:   end,
	}
	if _, err := s.commitNew(user.ID, user.CurrentSubscriptionID, row, nil, closing...); err != nil {
		return failed(err), nil
	}
	s.recordTransitionTo(row)
	s.refreshCredits(user.ID, row)
	log.Infof("[Billing] User %d started free plan %s until %s", user.ID, plan.PlanID, end.Format("2006-01-02"))
	return ok("free subscription created"), row
}

// paidCreate gathers the inputs of one gateway-backed subscription create.
type paidCreate struct {
	op        string
	user      *models.User
	current   *models.UserSubscription
	plan      *models.SubscriptionPlan
	token     string
	apps      []DiscountApplication
	trialDays int
	// prior names the subscription being replaced, for the idempotency key.
	prior   string
	event   NotificationEvent
	closing []*models.UserSubscription
}

func (s *Service) createPaidLocked(ctx context.Context, c paidCreate) (Result, *models.UserSubscription) {
	user := c.user
	if !c.plan.IsPaid() {
		return failed(validationf("plan %s is not a paid plan", c.plan.PlanID)), nil
	}
	if c.token == "" && user.GatewayCustomerID == "" {
		return failed(validationf("a payment method is required")), nil
	}
	if !allowNewFor(c.current) && !closes(c.current, c.closing) {
		return failed(validationf("user %d must cancel subscription %s first", user.ID, c.current.SubscriptionID)), nil
	}

	req := gateway.CreateRequest{
		PlanID:             c.plan.PlanID,
		PaymentMethodToken: c.token,
		CustomerID:         user.GatewayCustomerID,
		CustomerEmail:      user.Email,
		PlanDiscount:       planDiscount(c.plan),
		TrialDays:          c.trialDays,
		Discounts:          discountLines(c.apps),
		IdempotencyKey:     idempotencyKey(user.ID, c.op, c.plan.PlanID, c.prior),
	}
	remote, err := s.gwCreate(ctx, req)
	if err != nil {
		return s.gatewayFailure(ctx, user.ID, 0, err), nil
	}

	row := rowFromRemote(user.ID, c.plan, remote)
	txs := make([]models.SubscriptionTransaction, 0, len(remote.Transactions))
	for _, t := range remote.Transactions {
		txs = append(txs, transactionRow(user.ID, t))
	}
	stored, err := s.commitNew(user.ID, user.CurrentSubscriptionID, row, txs, c.closing...)
	if err != nil {
		log.Errorf("[Billing] Gateway subscription %s for user %d could not be committed: %v", remote.ID, user.ID, err)
		if _, cerr := s.gwCancel(ctx, remote.ID); cerr != nil {
			log.Errorf("[Billing] Compensating cancel of %s failed, needs manual cleanup: %v", remote.ID, cerr)
		}
		return failed(err), nil
	}
	s.recordTransitionTo(row)

	if remote.CustomerID != "" && remote.CustomerID != user.GatewayCustomerID {
		if err := s.users.SetGatewayCustomerID(user.ID, remote.CustomerID); err != nil {
			log.Errorf("[Billing] Failed to store gateway customer for user %d: %v", user.ID, err)
		}
		user.GatewayCustomerID = remote.CustomerID
	}

	firstSale := firstSettledSale(stored)
	s.recordReferral(ctx, user, row, c.apps, firstSale)
	s.refreshCredits(user.ID, row)

	res := ok("subscription created")
	if sale := remote.LatestSettledSale(); sale != nil {
		t := *sale
		res.Transaction = &t
	}
	s.notify(ctx, Notification{
		Event:         c.event,
		User:          user,
		Subscription:  row,
		PaymentMethod: c.token,
		Transaction:   firstSale,
	})
	if firstSale != nil {
		if err := s.ledger.MarkReceiptSent(firstSale.ID); err != nil {
			log.Errorf("[Billing] Failed to mark receipt for %s: %v", firstSale.TransactionID, err)
		}
	}
	log.Infof("[Billing] User %d subscribed to %s as %s (%s)", user.ID, c.plan.PlanID, row.SubscriptionID, row.DisplayStatus)
	return res, row
}

func (s *Service) switchTrialLocked(ctx context.Context, user *models.User, cur *models.UserSubscription, token string, newPlan *models.SubscriptionPlan) (Result, *models.UserSubscription) {
	target := newPlan
	if target == nil {
		target = cur.Plan
	}
	if target == nil {
		return failed(validationf("subscription %s has no plan", cur.SubscriptionID)), nil
	}
	if cur.Plan != nil && cur.Plan.IsFree() {
		return s.startActivePaidLocked(ctx, user, cur, target, token)
	}
	if cur.DisplayStatus != models.DisplayTrial || !IsOpen(cur) {
		return failed(validationf("subscription %s is %s, not in trial", cur.SubscriptionID, cur.DisplayStatus)), nil
	}
	if !target.IsPaid() {
		return failed(validationf("plan %s is not a paid plan", target.PlanID)), nil
	}

	count, err := s.ledger.CountSubscriptionsByUser(user.ID)
	if err != nil {
		return failed(err), nil
	}
	apps := []DiscountApplication{}
	if count == 1 {
		if apps, err = s.signupApplications(ctx, user, target); err != nil {
			return failed(err), nil
		}
	}

	canceled, err := s.gwCancel(ctx, cur.SubscriptionID)
	if err != nil {
		return s.gatewayFailure(ctx, user.ID, cur.ID, err), nil
	}
	if token == "" && canceled != nil {
		token = canceled.PaymentMethodToken
	}
	closed := closedCopy(cur, canceled, models.DisplayTrialCanceled)
	if err := s.writeTransition(cur.DisplayStatus, closed); err != nil {
		return failed(err), nil
	}
	return s.createPaidLocked(ctx, paidCreate{
		op: opSwitchTrial, user: user, current: closed, plan: target,
		token: token, apps: apps, prior: cur.SubscriptionID, event: NotifyFirstInvoice,
	})
}

// startActivePaidLocked replaces a free row with a paid subscription in one
// commit. No trial is granted.
func (s *Service) startActivePaidLocked(ctx context.Context, user *models.User, cur *models.UserSubscription, plan *models.SubscriptionPlan, token string) (Result, *models.UserSubscription) {
	apps, err := s.signupApplications(ctx, user, plan)
	if err != nil {
		return failed(err), nil
	}
	c := paidCreate{
		op: opSwitchTrial, user: user, current: cur, plan: plan,
		token: token, apps: apps, prior: cur.SubscriptionID, event: NotifyFirstInvoice,
	}
	if IsOpen(cur) {
		c.closing = []*models.UserSubscription{closedCopy(cur, nil, terminalDisplayFor(cur.DisplayStatus))}
	}
	return s.createPaidLocked(ctx, c)
}

func (s *Service) prorateUpgradeLocked(ctx context.Context, user *models.User, cur *models.UserSubscription, newPlan *models.SubscriptionPlan, token string) (Result, *models.UserSubscription) {
	remote, err := s.gwFind(ctx, cur.SubscriptionID)
	if err != nil {
		return s.gatewayFailure(ctx, user.ID, cur.ID, err), nil
	}

	var lastSale *models.SubscriptionTransaction
	if t := remote.LatestSettledSale(); t != nil {
		row := transactionRow(user.ID, *t)
		lastSale = &row
	} else if local, err := s.ledger.LatestSettledSale(cur.ID); err == nil {
		lastSale = local
	} else if !errors.Is(err, repository.ErrNotFound) {
		return failed(err), nil
	}
	start := remote.BillingPeriodStartDate
	if start.IsZero() && cur.BillingStartDate != nil {
		start = *cur.BillingStartDate
	}
	pr := prorationFor(cur, lastSale, newPlan, billingDay(start, s.now()), s.cfg.DaysInYear)
	if token == "" {
		token = remote.PaymentMethodToken
	}

	canceled, err := s.gwCancel(ctx, cur.SubscriptionID)
	if err != nil {
		return s.gatewayFailure(ctx, user.ID, cur.ID, err), nil
	}
	closed := closedCopy(cur, canceled, terminalDisplayFor(cur.DisplayStatus))
	if err := s.writeTransition(cur.DisplayStatus, closed); err != nil {
		return failed(err), nil
	}

	apps := []DiscountApplication{}
	if pr.Discount.IsPositive() {
		app := DiscountApplication{Type: models.DiscountBase, Amount: pr.Discount, NumBillingCycles: 1}
		if base, err := s.discounts.ActiveForType(models.DiscountBase); err == nil {
			app.GatewayDiscountID = base.DiscountID
		}
		apps = append(apps, app)
	}
	log.Infof("[Billing] Upgrade %s -> %s for user %d: credit %s, owed %s",
		cur.Plan.PlanID, newPlan.PlanID, user.ID, pr.Discount.StringFixed(2), pr.Owed.StringFixed(2))

	res, row := s.createPaidLocked(ctx, paidCreate{
		op: opUpgrade, user: user, current: closed, plan: newPlan,
		token: token, apps: apps, prior: cur.SubscriptionID, event: NotifyUpgradeInvoice,
	})
	if !res.Success && !res.Indeterminate {
		log.Errorf("[Billing] Upgrade of %s closed the old subscription but the new one failed; credit of %s was not applied",
			cur.SubscriptionID, pr.Discount.StringFixed(2))
	}
	return res, row
}

// recordReferral books the referral side effects of a signup. Failures are
// logged and never undo the signup.
func (s *Service) recordReferral(ctx context.Context, user *models.User, sub *models.UserSubscription, apps []DiscountApplication, firstSale *models.SubscriptionTransaction) {
	if user.InvitedByID == nil {
		return
	}
	for _, a := range apps {
		switch a.Type {
		case models.DiscountInvitee:
			inv := &models.InvitationDiscount{
				InviterID:           *user.InvitedByID,
				InviteeID:           user.ID,
				InviteeSubscription: sub.SubscriptionID,
			}
			created, err := s.ledger.CreateInvitationDiscountIfNotExists(inv)
			if err != nil {
				log.Errorf("[Billing] Failed to record invitation %d -> %d: %v", inv.InviterID, user.ID, err)
				continue
			}
			if created {
				s.creditInviter(ctx, inv)
			}
		case models.DiscountConvertee:
			amount := decimal.Zero
			if firstSale != nil {
				amount = firstSale.Amount
			}
			payout := &models.AffiliatePayout{
				AffiliateID:    *user.InvitedByID,
				ConverteeID:    user.ID,
				SubscriptionID: sub.SubscriptionID,
				Amount:         amount,
			}
			if _, err := s.ledger.CreateAffiliatePayoutIfNotExists(payout); err != nil {
				log.Errorf("[Billing] Failed to record affiliate payout %d -> %d: %v", payout.AffiliateID, user.ID, err)
			}
		}
	}
}

// creditInviter adds one inviter discount to the inviter's live paid
// subscription, if they have one.
func (s *Service) creditInviter(ctx context.Context, inv *models.InvitationDiscount) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	unlock, err := s.locker.Lock(lockCtx, inv.InviterID)
	cancel()
	if err != nil {
		log.Warnf("[Billing] Inviter %d busy, credit for invitee %d not applied: %v", inv.InviterID, inv.InviteeID, err)
		return
	}
	defer unlock()

	current, err := s.ledger.CurrentSubscription(inv.InviterID)
	if err != nil {
		log.Errorf("[Billing] Failed to load inviter %d: %v", inv.InviterID, err)
		return
	}
	if !IsOpen(current) || current.IsSynthetic() || current.Status != models.GatewayStatusActive {
		log.Infof("[Billing] Inviter %d has no live paid subscription to credit", inv.InviterID)
		return
	}
	d, err := s.discounts.ActiveForType(models.DiscountInviter)
	if err != nil {
		log.Warnf("[Billing] No active inviter discount, inviter %d not credited: %v", inv.InviterID, err)
		return
	}

	// Discount cycles count from the subscription's start.
	cycles := 0
	if d.NumBillingCycles > 0 {
		cycles = current.BillingCycle + d.NumBillingCycles
	}
	line := gateway.DiscountLine{ID: d.DiscountID, Amount: d.Amount, Quantity: 1, NumberOfBillingCycles: cycles}
	remote, err := s.gwUpdate(ctx, current.SubscriptionID, gateway.UpdateRequest{Discounts: []gateway.DiscountLine{line}})
	if err != nil {
		log.Errorf("[Billing] Failed to credit inviter %d on %s: %v", inv.InviterID, current.SubscriptionID, err)
		if gateway.IsIndeterminate(err) {
			s.scheduleReconcile(ctx, inv.InviterID, current.ID)
		}
		return
	}
	if err := s.ledger.MarkInviterCredited(inv.ID, current.SubscriptionID, remote.CurrentBillingCycle, s.now()); err != nil {
		log.Errorf("[Billing] Failed to mark invitation %d credited: %v", inv.ID, err)
	}
	if !remote.NextBillingAmount.Equal(current.NextBillingAmount) {
		updated := *current
		updated.NextBillingAmount = remote.NextBillingAmount
		if err := s.ledger.UpdateSubscription(&updated); err != nil {
			log.Errorf("[Billing] Failed to store next amount for %s: %v", current.SubscriptionID, err)
		}
	}
	log.Infof("[Billing] Credited inviter %d with %s on %s", inv.InviterID, d.Amount.StringFixed(2), current.SubscriptionID)
}

// terminalDisplayFor is the display status a row closes into.
func terminalDisplayFor(ds models.DisplayStatus) models.DisplayStatus {
	switch ds {
	case models.DisplayTrial:
		return models.DisplayTrialCanceled
	case models.DisplaySuspended:
		return models.DisplaySuspended
	default:
		return models.DisplayExpired
	}
}

// closedCopy returns cur closed with display status ds. The gateway's
// terminal status wins when known.
func closedCopy(cur *models.UserSubscription, remote *gateway.Subscription, ds models.DisplayStatus) *models.UserSubscription {
	closed := *cur
	closed.Status = models.GatewayStatusCanceled
	if remote != nil && remote.Status.Terminal() {
		closed.Status = remote.Status
	}
	closed.DisplayStatus = ds
	return &closed
}

func closes(current *models.UserSubscription, closing []*models.UserSubscription) bool {
	if current == nil {
		return false
	}
	for _, c := range closing {
		if c.ID == current.ID {
			return true
		}
	}
	return false
}

func firstSettledSale(txs []models.SubscriptionTransaction) *models.SubscriptionTransaction {
	for i := range txs {
		if txs[i].IsSettledSale() {
			t := txs[i]
			return &t
		}
	}
	return nil
}

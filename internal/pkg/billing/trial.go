package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/internal/pkg/entitlements"
)

const opCheckTrial = "check_trial_status"

// CheckTrialStatus settles a trial whose end date has passed. Free trials
// expire locally; paid trials take whatever state the gateway reports.
// Running it again on a settled row changes nothing.
func (s *Service) CheckTrialStatus(ctx context.Context, sub *models.UserSubscription) (Result, *models.UserSubscription) {
	if sub == nil || sub.ID == 0 {
		return failed(validationf("subscription is required")), nil
	}
	return s.userOp(ctx, opCheckTrial, sub.UserID, func(ctx context.Context) (Result, *models.UserSubscription) {
		cur, err := s.ledger.GetSubscription(sub.ID)
		if err != nil {
			return failed(err), nil
		}
		if cur.DisplayStatus != models.DisplayTrial || !IsOpen(cur) {
			return ok("not in trial"), cur
		}

		now := s.now()
		if cur.IsSynthetic() || (cur.Plan != nil && cur.Plan.IsFree()) {
			if cur.BillingEndDate == nil || now.Before(*cur.BillingEndDate) {
				return ok("trial still running"), cur
			}
			updated := *cur
			updated.Status = models.GatewayStatusExpired
			updated.DisplayStatus = models.DisplayTrialCanceled
			if err := s.writeTransition(cur.DisplayStatus, &updated); err != nil {
				return failed(err), nil
			}
			s.refreshIfCurrent(&updated)
			log.Infof("[Billing] Free trial %s of user %d ended", cur.SubscriptionID, cur.UserID)
			return ok("trial ended"), &updated
		}

		if cur.BillingFirstDate == nil || now.Before(*cur.BillingFirstDate) {
			return ok("trial still running"), cur
		}
		report, err := s.syncLocked(ctx, cur)
		if err != nil {
			return s.gatewayFailure(ctx, cur.UserID, cur.ID, err), cur
		}
		fresh, err := s.ledger.GetSubscription(cur.ID)
		if err != nil {
			return failed(err), nil
		}
		return ok(report.String()), fresh
	})
}

// refreshIfCurrent resets credits when sub is the user's current row.
func (s *Service) refreshIfCurrent(sub *models.UserSubscription) {
	user, err := s.ledger.GetUser(sub.UserID)
	if err != nil {
		log.Errorf("[Billing] %v", err)
		return
	}
	if user.CurrentSubscriptionID == nil || *user.CurrentSubscriptionID != sub.ID {
		return
	}
	s.refreshCredits(user.ID, sub)
}

func (r SyncReport) String() string {
	switch {
	case r.Skipped:
		return fmt.Sprintf("%s skipped", r.SubscriptionID)
	case r.Divergent:
		return fmt.Sprintf("%s diverged from gateway, left at %s", r.SubscriptionID, r.From)
	case r.Changed:
		return fmt.Sprintf("%s %s -> %s, %d new transactions", r.SubscriptionID, r.From, r.To, r.NewTransactions)
	default:
		return fmt.Sprintf("%s unchanged, %d new transactions", r.SubscriptionID, r.NewTransactions)
	}
}

func entitlementChanged(before, after *models.UserSubscription) bool {
	return entitlements.Entitled(before) != entitlements.Entitled(after)
}

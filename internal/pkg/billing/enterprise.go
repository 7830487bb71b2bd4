package billing

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
)

const (
	opCreateEnterprise = "create_enterprise"
	opEndEnterprise    = "end_enterprise"
)

// CreateEnterpriseMemberSubscription enrolls user in an organization's plan.
// Any open individual subscription is closed first; a paid one is canceled
// at the gateway.
func (s *Service) CreateEnterpriseMemberSubscription(ctx context.Context, user *models.User, plan *models.SubscriptionPlan) (Result, *models.UserSubscription) {
	if user == nil || plan == nil {
		return failed(validationf("user and plan are required")), nil
	}
	return s.userOp(ctx, opCreateEnterprise, user.ID, func(ctx context.Context) (Result, *models.UserSubscription) {
		if !plan.IsEnterprise() {
			return failed(validationf("plan %s is not an enterprise plan", plan.PlanID)), nil
		}
		fresh, current, err := s.loadUser(user.ID)
		if err != nil {
			return failed(err), nil
		}
		if current != nil && current.IsEnterprise() && IsOpen(current) {
			return failed(validationf("user %d is already an enterprise member", user.ID)), nil
		}

		var closing []*models.UserSubscription
		if IsOpen(current) {
			if current.IsSynthetic() {
				closing = append(closing, closedCopy(current, nil, terminalDisplayFor(current.DisplayStatus)))
			} else if res, _ := s.terminalCancelLocked(ctx, fresh, current); !res.Success {
				return res, nil
			}
		}

		now := s.now()
		row := &models.UserSubscription{
			SubscriptionID:   models.EnterpriseSubscriptionPrefix + uuid.NewString(),
			UserID:           fresh.ID,
			PlanRowID:        plan.ID,
			Plan:             plan,
			Status:           models.GatewayStatusActive,
			DisplayStatus:    models.DisplayActive,
			BillingFirstDate: timePtr(now),
			BillingStartDate: timePtr(now),
			BillingEndDate:   timePtr(now.AddDate(1, 0, 0)),
			BillingCycle:     1,
		}
		if _, err := s.commitNew(fresh.ID, fresh.CurrentSubscriptionID, row, nil, closing...); err != nil {
			return failed(err), nil
		}
		s.recordTransitionTo(row)
		s.refreshCredits(fresh.ID, row)
		log.Infof("[Billing] User %d joined enterprise plan %s", fresh.ID, plan.PlanID)
		return ok("enterprise subscription created"), row
	})
}

// EndEnterpriseSubscription closes an enterprise membership and falls back
// to the free plan matching the user's degree and specialty. Without such a
// plan the enterprise row is removed and the user's previous row becomes
// current again.
func (s *Service) EndEnterpriseSubscription(ctx context.Context, sub *models.UserSubscription) (Result, *models.UserSubscription) {
	if sub == nil {
		return failed(validationf("subscription is required")), nil
	}
	return s.userOp(ctx, opEndEnterprise, sub.UserID, func(ctx context.Context) (Result, *models.UserSubscription) {
		user, cur, err := s.loadCurrent(sub)
		if err != nil {
			return failed(err), nil
		}
		if !cur.IsEnterprise() {
			return failed(validationf("subscription %s is not an enterprise subscription", cur.SubscriptionID)), nil
		}
		if !IsOpen(cur) {
			return failed(validationf("subscription %s is already closed", cur.SubscriptionID)), nil
		}

		free, err := s.plans.FindFreePlan(user.Degree, user.Specialty)
		switch {
		case err == nil:
			closed := closedCopy(cur, nil, models.DisplayEnterpriseCanceled)
			return s.createFreeLocked(user, cur, free, closed)
		case errors.Is(err, repository.ErrNotFound):
			log.Warnf("[Billing] No free plan for degree %q specialty %q, removing enterprise row %s",
				user.Degree, user.Specialty, cur.SubscriptionID)
			return s.removeEnterpriseRow(user, cur)
		default:
			return failed(err), nil
		}
	})
}

// removeEnterpriseRow deletes cur and points the user at their latest
// remaining row, or at nothing.
func (s *Service) removeEnterpriseRow(user *models.User, cur *models.UserSubscription) (Result, *models.UserSubscription) {
	var fallback *models.UserSubscription
	err := s.ledger.Transaction(func(tx Repository) error {
		locked, err := tx.LockUser(user.ID)
		if err != nil {
			return err
		}
		if !sameID(locked.CurrentSubscriptionID, &cur.ID) {
			return ErrConflict
		}
		if err := tx.DeleteSubscription(cur.ID); err != nil {
			return err
		}
		remaining, err := tx.ListSubscriptionsByUser(user.ID)
		if err != nil {
			return err
		}
		var next *uint
		if n := len(remaining); n > 0 {
			fallback = &remaining[n-1]
			next = &fallback.ID
		}
		return tx.SetCurrentSubscription(user.ID, &cur.ID, next)
	})
	if err != nil {
		return failed(err), nil
	}
	s.metrics.TransitionsTotal.WithLabelValues(string(cur.DisplayStatus), string(models.DisplayEnterpriseCanceled)).Inc()
	s.refreshCredits(user.ID, fallback)
	return ok("enterprise subscription removed"), fallback
}

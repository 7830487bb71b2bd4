package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/billing"
	"github.com/cmehub/billing/internal/pkg/entitlements"
)

// AdminController exposes per-user billing state to operators
type AdminController struct {
	svc       *billing.Service
	users     repository.UserRepository
	scheduler billing.ReconcileScheduler
	validate  *validator.Validate
}

// NewAdminController creates a new admin controller
func NewAdminController(svc *billing.Service, users repository.UserRepository, scheduler billing.ReconcileScheduler) *AdminController {
	return &AdminController{
		svc:       svc,
		users:     users,
		scheduler: scheduler,
		validate:  validator.New(),
	}
}

// boostRequest is the body of a manual CME credit grant
type boostRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
}

// HandleAdminUserBilling returns the user's current subscription, entitlement
// and credit balance.
func (ac *AdminController) HandleAdminUserBilling(c *fiber.Ctx) error {
	userID, err := parseUintParam(c, "id")
	if err != nil {
		return errorJSON(c, "invalid_user", err)
	}
	user, err := ac.users.GetByID(userID)
	if err != nil {
		return errorJSON(c, "user_lookup_failed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	current, err := ac.svc.CurrentSubscription(user.ID)
	if err != nil {
		return errorJSON(c, "subscription_lookup_failed", err)
	}
	allowNew, err := ac.svc.AllowNewSubscription(ctx, user.ID)
	if err != nil {
		return errorJSON(c, "subscription_lookup_failed", err)
	}
	allowDiscount, err := ac.svc.AllowSignupDiscount(ctx, user.ID)
	if err != nil {
		return errorJSON(c, "subscription_lookup_failed", err)
	}
	balance, unlimited, err := ac.svc.Credits().Balance(user.ID)
	if err != nil {
		return errorJSON(c, "credit_lookup_failed", err)
	}

	resp := fiber.Map{
		"user_id":                user.ID,
		"email":                  user.Email,
		"current_subscription":   current,
		"entitled":               entitlements.Entitled(current),
		"allow_new_subscription": allowNew,
		"allow_signup_discount":  allowDiscount,
		"credits": fiber.Map{
			"available": balance.StringFixed(2),
			"unlimited": unlimited,
		},
	}
	if plan := entitlements.EffectivePlan(current); plan != nil {
		quota := entitlements.QuotaFor(plan)
		resp["quota"] = fiber.Map{
			"credits":   quota.Credits.StringFixed(2),
			"unlimited": quota.Unlimited,
		}
	}
	return c.JSON(resp)
}

// HandleAdminUserReconcile queues a reconcile of every gateway-backed row of the user
func (ac *AdminController) HandleAdminUserReconcile(c *fiber.Ctx) error {
	userID, err := parseUintParam(c, "id")
	if err != nil {
		return errorJSON(c, "invalid_user", err)
	}
	if _, err := ac.users.GetByID(userID); err != nil {
		return errorJSON(c, "user_lookup_failed", err)
	}
	if ac.scheduler == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "jobs_disabled"})
	}
	if err := ac.scheduler.ScheduleReconcile(c.Context(), userID, 0); err != nil {
		return errorJSON(c, "schedule_failed", err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ok": true, "user_id": userID})
}

// HandleAdminUserBoost adds boost credits to the user's CME balance
func (ac *AdminController) HandleAdminUserBoost(c *fiber.Ctx) error {
	userID, err := parseUintParam(c, "id")
	if err != nil {
		return errorJSON(c, "invalid_user", err)
	}

	var req boostRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, "invalid_body", fmt.Errorf("%w: %v", billing.ErrValidation, err))
	}
	if err := ac.validate.Struct(req); err != nil {
		return errorJSON(c, "invalid_body", fmt.Errorf("%w: %v", billing.ErrValidation, err))
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return errorJSON(c, "invalid_amount", fmt.Errorf("%w: amount must be positive", billing.ErrValidation))
	}
	if _, err := ac.users.GetByID(userID); err != nil {
		return errorJSON(c, "user_lookup_failed", err)
	}

	credit, err := ac.svc.Credits().AddBoost(userID, amount)
	if err != nil {
		return errorJSON(c, "boost_failed", err)
	}
	return c.JSON(fiber.Map{
		"user_id":   userID,
		"available": credit.Available().StringFixed(2),
		"boost":     credit.BoostCredits.StringFixed(2),
	})
}

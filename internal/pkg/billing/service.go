package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/entitlements"
	"github.com/cmehub/billing/internal/pkg/gateway"
	"github.com/cmehub/billing/internal/pkg/metrics"
)

// ReconcileScheduler queues a reconcile pass. A zero subscriptionRowID asks
// for every gateway-backed row of the user.
type ReconcileScheduler interface {
	ScheduleReconcile(ctx context.Context, userID, subscriptionRowID uint) error
}

// Deps are the collaborators of a Service. Locker, Notifier, Scheduler,
// Metrics and Now have working defaults.
type Deps struct {
	Ledger    Repository
	Plans     repository.PlanRepository
	Users     repository.UserRepository
	Discounts repository.DiscountRepository
	Credits   repository.CreditRepository
	Gateway   gateway.Gateway
	Locker    Locker
	Notifier  Notifier
	Scheduler ReconcileScheduler
	Metrics   *metrics.Metrics
	Now       func() time.Time
	Config    Config
}

// Service is the billing state machine. It holds no per-user state; every
// mutation runs under the user's lock and commits through the ledger.
type Service struct {
	ledger    Repository
	plans     repository.PlanRepository
	users     repository.UserRepository
	discounts repository.DiscountRepository
	gw        gateway.Gateway
	locker    Locker
	notifier  Notifier
	scheduler ReconcileScheduler
	metrics   *metrics.Metrics
	now       func() time.Time
	cfg       Config

	engine  *DiscountEngine
	credits *CreditLedger
}

// NewService creates a billing service from injected collaborators.
func NewService(d Deps) *Service {
	s := &Service{
		ledger:    d.Ledger,
		plans:     d.Plans,
		users:     d.Users,
		discounts: d.Discounts,
		gw:        d.Gateway,
		locker:    d.Locker,
		notifier:  d.Notifier,
		scheduler: d.Scheduler,
		metrics:   d.Metrics,
		now:       d.Now,
		cfg:       d.Config.normalized(),
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	s.engine = NewDiscountEngine(d.Discounts, d.Users)
	s.credits = NewCreditLedger(d.Credits, s.now)
	return s
}

// NewServiceFromDB wires a service over one GORM handle.
func NewServiceFromDB(db *gorm.DB, gw gateway.Gateway, locker Locker, notifier Notifier, scheduler ReconcileScheduler, cfg Config) *Service {
	repos := repository.NewRepositories(db)
	return NewService(Deps{
		Ledger:    NewRepository(db),
		Plans:     repos.Plan,
		Users:     repos.User,
		Discounts: repos.Discount,
		Credits:   repos.Credit,
		Gateway:   gw,
		Locker:    locker,
		Notifier:  notifier,
		Scheduler: scheduler,
		Config:    cfg,
	})
}

// CurrentSubscription returns the row the user's pointer names, or nil
// when the user has none.
func (s *Service) CurrentSubscription(userID uint) (*models.UserSubscription, error) {
	return s.ledger.CurrentSubscription(userID)
}

// Credits exposes the CME credit ledger.
func (s *Service) Credits() *CreditLedger {
	return s.credits
}

// Discounts exposes the signup discount engine.
func (s *Service) Discounts() *DiscountEngine {
	return s.engine
}

// AllowNewSubscription reports whether the user may open a new paid
// subscription: no subscription yet, or the current one is Canceled or Expired.
func (s *Service) AllowNewSubscription(_ context.Context, userID uint) (bool, error) {
	current, err := s.ledger.CurrentSubscription(userID)
	if err != nil {
		return false, err
	}
	return allowNewFor(current), nil
}

// AllowSignupDiscount reports whether the user never held a paid plan past
// its trial.
func (s *Service) AllowSignupDiscount(_ context.Context, userID uint) (bool, error) {
	paid, err := s.ledger.HasPaidSubscription(userID)
	if err != nil {
		return false, err
	}
	return !paid, nil
}

// ResolveSignupDiscounts quotes the signup discounts for user on plan. Users
// who already paid for a plan get an empty quote.
func (s *Service) ResolveSignupDiscounts(ctx context.Context, user *models.User, plan *models.SubscriptionPlan) (SignupQuote, error) {
	allowed, err := s.AllowSignupDiscount(ctx, user.ID)
	if err != nil {
		return SignupQuote{}, err
	}
	if !allowed {
		return SignupQuote{EstimatedPrice: plan.DiscountPrice}, nil
	}
	return s.engine.ResolveSignupDiscounts(user, plan)
}

// userOp runs fn under the user's lock and records the outcome.
func (s *Service) userOp(ctx context.Context, op string, userID uint, fn func(ctx context.Context) (Result, *models.UserSubscription)) (Result, *models.UserSubscription) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	unlock, err := s.locker.Lock(lockCtx, userID)
	cancel()
	if err != nil {
		s.metrics.OperationsTotal.WithLabelValues(op, "error").Inc()
		log.Warnf("[Billing] %s: could not lock user %d: %v", op, userID, err)
		return failed(fmt.Errorf("%w: %v", ErrConflict, err)), nil
	}
	defer unlock()

	res, sub := fn(ctx)
	outcome := "success"
	switch {
	case res.Indeterminate:
		outcome = "indeterminate"
	case !res.Success:
		outcome = "error"
	}
	s.metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	if !res.Success && !res.Indeterminate && res.Err != nil {
		log.Infof("[Billing] %s for user %d failed: %v", op, userID, res.Err)
	}
	return res, sub
}

// loadCurrent reloads sub and checks it is still the user's current row.
func (s *Service) loadCurrent(sub *models.UserSubscription) (*models.User, *models.UserSubscription, error) {
	if sub == nil || sub.ID == 0 {
		return nil, nil, validationf("subscription is required")
	}
	fresh, err := s.ledger.GetSubscription(sub.ID)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.ledger.GetUser(fresh.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user.CurrentSubscriptionID == nil || *user.CurrentSubscriptionID != fresh.ID {
		return nil, nil, validationf("subscription %s is not the current subscription of user %d", fresh.SubscriptionID, user.ID)
	}
	return user, fresh, nil
}

// callGateway applies the per-call timeout and, for retryable calls, retries
// ErrUnavailable with exponential backoff.
func (s *Service) callGateway(ctx context.Context, op string, retryable bool, fn func(ctx context.Context) error) error {
	attempts := 1
	if retryable {
		attempts += s.cfg.GatewayMaxRetries
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := s.cfg.GatewayRetryBackoff * time.Duration(1<<(i-1))
			select {
			case <-ctx.Done():
				return err
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		start := time.Now()
		err = fn(callCtx)
		cancel()

		s.metrics.GatewayCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		s.metrics.GatewayCallsTotal.WithLabelValues(op, gatewayOutcome(err)).Inc()
		if err == nil || !gateway.Retryable(err) {
			return err
		}
		log.Warnf("[Gateway] %s attempt %d/%d unavailable: %v", op, i+1, attempts, err)
	}
	return err
}

func gatewayOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case gateway.IsIndeterminate(err):
		return "indeterminate"
	case errors.Is(err, gateway.ErrRejected):
		return "rejected"
	case errors.Is(err, gateway.ErrNotFound):
		return "not_found"
	case errors.Is(err, gateway.ErrAlreadyCanceled):
		return "already_canceled"
	default:
		return "unavailable"
	}
}

func (s *Service) gwFind(ctx context.Context, subscriptionID string) (*gateway.Subscription, error) {
	var remote *gateway.Subscription
	err := s.callGateway(ctx, gateway.OpFind, true, func(ctx context.Context) error {
		var err error
		remote, err = s.gw.FindSubscription(ctx, subscriptionID)
		return err
	})
	if errors.Is(err, gateway.ErrNotFound) {
		log.Warnf("[Billing] Data integrity: subscription %s missing at gateway", subscriptionID)
	}
	return remote, err
}

// gwCancel treats an already-canceled subscription as canceled.
func (s *Service) gwCancel(ctx context.Context, subscriptionID string) (*gateway.Subscription, error) {
	var remote *gateway.Subscription
	err := s.callGateway(ctx, gateway.OpCancel, true, func(ctx context.Context) error {
		var err error
		remote, err = s.gw.CancelSubscription(ctx, subscriptionID)
		return err
	})
	if errors.Is(err, gateway.ErrAlreadyCanceled) {
		log.Infof("[Billing] Subscription %s was already canceled at gateway", subscriptionID)
		return remote, nil
	}
	return remote, err
}

func (s *Service) gwUpdate(ctx context.Context, subscriptionID string, req gateway.UpdateRequest) (*gateway.Subscription, error) {
	var remote *gateway.Subscription
	err := s.callGateway(ctx, gateway.OpUpdate, false, func(ctx context.Context) error {
		var err error
		remote, err = s.gw.UpdateSubscription(ctx, subscriptionID, req)
		return err
	})
	return remote, err
}

func (s *Service) gwCreate(ctx context.Context, req gateway.CreateRequest) (*gateway.Subscription, error) {
	var remote *gateway.Subscription
	err := s.callGateway(ctx, gateway.OpCreate, req.IdempotencyKey != "", func(ctx context.Context) error {
		var err error
		remote, err = s.gw.CreateSubscription(ctx, req)
		return err
	})
	return remote, err
}

// gatewayFailure turns a gateway error into a Result, scheduling a reconcile
// pass when the outcome is unknown.
func (s *Service) gatewayFailure(ctx context.Context, userID, rowID uint, err error) Result {
	if !gateway.IsIndeterminate(err) {
		return failed(err)
	}
	log.Warnf("[Billing] Gateway outcome unknown for user %d, scheduling reconcile: %v", userID, err)
	s.scheduleReconcile(ctx, userID, rowID)
	return indeterminate(err)
}

func (s *Service) scheduleReconcile(ctx context.Context, userID, rowID uint) {
	if s.scheduler == nil {
		log.Warnf("[Billing] No reconcile scheduler configured; user %d needs a manual reconcile", userID)
		return
	}
	if err := s.scheduler.ScheduleReconcile(context.WithoutCancel(ctx), userID, rowID); err != nil {
		log.Errorf("[Billing] Failed to schedule reconcile for user %d: %v", userID, err)
	}
}

var idempotencyNamespace = uuid.MustParse("5b0c7a52-8c3e-4c55-9d6a-3f1f9c2d1e77")

// idempotencyKey is stable for one logical request so a retried create after
// an unknown outcome reuses the remote subscription.
func idempotencyKey(userID uint, op, planID, priorSubscriptionID string) string {
	name := fmt.Sprintf("%d|%s|%s|%s", userID, op, planID, priorSubscriptionID)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// rowFromRemote builds the ledger row for a freshly created gateway subscription.
func rowFromRemote(userID uint, plan *models.SubscriptionPlan, remote *gateway.Subscription) *models.UserSubscription {
	display := models.DisplayActive
	if remote.TrialPeriod {
		display = models.DisplayTrial
	}
	return &models.UserSubscription{
		SubscriptionID:    remote.ID,
		UserID:            userID,
		PlanRowID:         plan.ID,
		Plan:              plan,
		Status:            remote.Status,
		DisplayStatus:     display,
		BillingFirstDate:  timePtr(remote.FirstBillingDate),
		BillingStartDate:  timePtr(remote.BillingPeriodStartDate),
		BillingEndDate:    timePtr(remote.BillingPeriodEndDate),
		BillingCycle:      remote.CurrentBillingCycle,
		NextBillingAmount: remote.NextBillingAmount,
	}
}

func transactionRow(userID uint, t gateway.Transaction) models.SubscriptionTransaction {
	return models.SubscriptionTransaction{
		TransactionID:         t.ID,
		UserID:                userID,
		Amount:                t.Amount,
		Status:                t.Status,
		Type:                  t.Type,
		ProcessorResponseCode: t.ProcessorResponseCode,
		ProcessorResponseText: t.ProcessorResponseText,
		TransactedAt:          timePtr(t.CreatedAt),
	}
}

// commitNew makes row the user's current subscription in one transaction:
// the user row is locked, closing rows are written, row and its
// transactions are inserted and the pointer moves from expected to row.
func (s *Service) commitNew(userID uint, expected *uint, row *models.UserSubscription, txs []models.SubscriptionTransaction, closing ...*models.UserSubscription) ([]models.SubscriptionTransaction, error) {
	var stored []models.SubscriptionTransaction
	err := s.ledger.Transaction(func(tx Repository) error {
		user, err := tx.LockUser(userID)
		if err != nil {
			return err
		}
		if !sameID(user.CurrentSubscriptionID, expected) {
			return ErrConflict
		}
		for _, c := range closing {
			if err := tx.UpdateSubscription(c); err != nil {
				return err
			}
		}
		if err := tx.CreateSubscription(row); err != nil {
			return err
		}
		for i := range txs {
			t := txs[i]
			t.SubscriptionRowID = row.ID
			if _, err := tx.UpsertTransaction(&t); err != nil {
				return err
			}
			stored = append(stored, t)
		}
		return tx.SetCurrentSubscription(userID, expected, &row.ID)
	})
	if err != nil {
		return nil, err
	}
	for _, c := range closing {
		s.recordTransitionTo(c)
	}
	return stored, nil
}

// writeTransition persists sub's lifecycle columns after checking the move
// from the stored display status is legal.
func (s *Service) writeTransition(from models.DisplayStatus, sub *models.UserSubscription) error {
	if !CanTransition(from, sub.DisplayStatus) {
		return validationf("illegal transition %s -> %s for %s", from, sub.DisplayStatus, sub.SubscriptionID)
	}
	if err := s.ledger.UpdateSubscription(sub); err != nil {
		return err
	}
	if from != sub.DisplayStatus {
		s.metrics.TransitionsTotal.WithLabelValues(string(from), string(sub.DisplayStatus)).Inc()
	}
	return nil
}

func (s *Service) recordTransitionTo(sub *models.UserSubscription) {
	s.metrics.TransitionsTotal.WithLabelValues("open", string(sub.DisplayStatus)).Inc()
}

// refreshCredits resets the CME allowance to what sub now grants.
func (s *Service) refreshCredits(userID uint, sub *models.UserSubscription) {
	if _, err := s.credits.RefreshForPlan(userID, entitlements.EffectivePlan(sub)); err != nil {
		log.Errorf("[Billing] %v", err)
	}
}

// billingDay counts whole days elapsed since the start of the current cycle.
func billingDay(start time.Time, now time.Time) int {
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return int(now.Sub(start).Hours() / 24)
}

func sameID(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// timePtr stores whole seconds, matching what the ledger columns keep.
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC().Truncate(time.Second)
	return &u
}

func planDiscount(plan *models.SubscriptionPlan) decimal.Decimal {
	return gateway.NonNegative(plan.Price.Sub(plan.DiscountPrice))
}

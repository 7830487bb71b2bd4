package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cmehub/billing/app/models"
)

// Sandbox operation names, used for failure injection and call counting.
const (
	OpCreate = "create"
	OpCancel = "cancel"
	OpUpdate = "update"
	OpFind   = "find"
	OpSale   = "sale"
)

// DeclinedToken is a payment method token the sandbox always declines.
const DeclinedToken = "fake-processor-declined-visa-nonce"

type sandboxPlan struct {
	price       decimal.Decimal
	cycleMonths int
}

// Sandbox is an in-memory Gateway for local development and tests. Every
// mutation is applied before any injected latency elapses, so a caller that
// times out observes the same "remote may have acted" ambiguity as with a
// real processor.
type Sandbox struct {
	mu         sync.Mutex
	now        func() time.Time
	latency    time.Duration
	plans      map[string]sandboxPlan
	subs       map[string]*Subscription
	idempotent map[string]string
	failures   map[string][]error
	calls      map[string]int
	seq        int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		now:        func() time.Time { return time.Now().UTC() },
		plans:      make(map[string]sandboxPlan),
		subs:       make(map[string]*Subscription),
		idempotent: make(map[string]string),
		failures:   make(map[string][]error),
		calls:      make(map[string]int),
	}
}

// SetClock makes the sandbox share the caller's notion of now.
func (s *Sandbox) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetLatency delays every answer by d after the operation has been applied.
func (s *Sandbox) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetPlan registers a plan's list price and cycle length.
func (s *Sandbox) SetPlan(planID string, price decimal.Decimal, cycleMonths int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cycleMonths <= 0 {
		cycleMonths = 12
	}
	s.plans[planID] = sandboxPlan{price: price, cycleMonths: cycleMonths}
}

// FailNext queues err as the result of the next call to op.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Calls returns how many times op was invoked.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Put stores sub as-is, replacing any subscription with the same id.
func (s *Sandbox) Put(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copySubscription(&sub)
	s.subs[sub.ID] = c
}

// Snapshot returns a copy of the stored subscription.
func (s *Sandbox) Snapshot(id string) (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return *copySubscription(sub), true
}

// Mutate edits a stored subscription in place.
func (s *Sandbox) Mutate(id string, fn func(*Subscription)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return false
	}
	fn(sub)
	return true
}

// AdvanceCycle simulates a renewal: a capped subscription whose last cycle
// ended expires, otherwise the next amount is charged and a new window opens.
func (s *Sandbox) AdvanceCycle(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || sub.Status != models.GatewayStatusActive && sub.Status != models.GatewayStatusPastDue {
		return false
	}
	if sub.NumberOfBillingCycles != nil && sub.CurrentBillingCycle >= *sub.NumberOfBillingCycles {
		sub.Status = models.GatewayStatusExpired
		return true
	}
	plan := s.plans[sub.PlanID]
	now := s.now()
	amount := sub.NextBillingAmount
	if amount.IsPositive() {
		tx := s.newTransaction(amount, sub.PaymentMethodToken, now)
		sub.Transactions = append(sub.Transactions, tx)
		if tx.Status != models.TransactionStatusSettled {
			sub.Status = models.GatewayStatusPastDue
			return true
		}
	}
	sub.Status = models.GatewayStatusActive
	sub.TrialPeriod = false
	sub.CurrentBillingCycle++
	start := sub.BillingPeriodEndDate
	if start.IsZero() {
		start = now
	}
	sub.BillingPeriodStartDate = start
	sub.BillingPeriodEndDate = start.AddDate(0, plan.cycleMonths, 0)
	sub.NextBillingAmount = NonNegative(plan.price.Sub(RecurringDiscount(sub.Discounts, sub.CurrentBillingCycle)))
	return true
}

func (s *Sandbox) CreateSubscription(ctx context.Context, req CreateRequest) (*Subscription, error) {
	out, err := s.apply(ctx, OpCreate, func() (*Subscription, error) {
		if req.IdempotencyKey != "" {
			if id, ok := s.idempotent[req.IdempotencyKey]; ok {
				return copySubscription(s.subs[id]), nil
			}
		}
		plan, ok := s.plans[req.PlanID]
		if !ok {
			return nil, newError(ErrRejected, OpCreate, "91904", "Plan ID is invalid.", nil)
		}
		if req.PaymentMethodToken == DeclinedToken {
			return nil, newError(ErrRejected, OpCreate, "2000", "Do Not Honor", nil)
		}

		now := s.now()
		s.seq++
		sub := &Subscription{
			ID:                 fmt.Sprintf("sbx_sub_%d", s.seq),
			CustomerID:         req.CustomerID,
			PlanID:             req.PlanID,
			Status:             models.GatewayStatusActive,
			PaymentMethodToken: req.PaymentMethodToken,
			Discounts:          append([]DiscountLine(nil), req.Discounts...),
		}
		if sub.CustomerID == "" {
			sub.CustomerID = fmt.Sprintf("sbx_cus_%d", s.seq)
		}
		firstCharge := NonNegative(plan.price.Sub(req.FirstCycleDiscount()))

		if req.TrialDays > 0 {
			trialEnd := now.AddDate(0, 0, req.TrialDays)
			sub.TrialPeriod = true
			sub.FirstBillingDate = trialEnd
			sub.BillingPeriodStartDate = now
			sub.BillingPeriodEndDate = trialEnd
			sub.NextBillingAmount = firstCharge
		} else {
			sub.FirstBillingDate = now
			sub.BillingPeriodStartDate = now
			sub.BillingPeriodEndDate = now.AddDate(0, plan.cycleMonths, 0)
			sub.CurrentBillingCycle = 1
			sub.NextBillingAmount = NonNegative(plan.price.Sub(RecurringDiscount(sub.Discounts, 1)))
			if firstCharge.IsPositive() {
				sub.Transactions = append(sub.Transactions, s.newTransaction(firstCharge, req.PaymentMethodToken, now))
			}
		}

		s.subs[sub.ID] = sub
		if req.IdempotencyKey != "" {
			s.idempotent[req.IdempotencyKey] = sub.ID
		}
		return copySubscription(sub), nil
	})
	return out, err
}

func (s *Sandbox) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return s.apply(ctx, OpCancel, func() (*Subscription, error) {
		sub, ok := s.subs[subscriptionID]
		if !ok {
			return nil, newError(ErrNotFound, OpCancel, "", "subscription "+subscriptionID+" not found", nil)
		}
		if sub.Status.Terminal() {
			return copySubscription(sub), newError(ErrAlreadyCanceled, OpCancel, "81905", "Subscription has already been canceled.", nil)
		}
		sub.Status = models.GatewayStatusCanceled
		return copySubscription(sub), nil
	})
}

func (s *Sandbox) UpdateSubscription(ctx context.Context, subscriptionID string, req UpdateRequest) (*Subscription, error) {
	return s.apply(ctx, OpUpdate, func() (*Subscription, error) {
		sub, ok := s.subs[subscriptionID]
		if !ok {
			return nil, newError(ErrNotFound, OpUpdate, "", "subscription "+subscriptionID+" not found", nil)
		}
		if sub.Status.Terminal() {
			return nil, newError(ErrRejected, OpUpdate, "81901", "Cannot edit a canceled subscription.", nil)
		}
		if req.NumberOfBillingCycles != nil {
			if *req.NumberOfBillingCycles < sub.CurrentBillingCycle {
				return nil, newError(ErrRejected, OpUpdate, "91907", "Number of billing cycles cannot be less than the current billing cycle.", nil)
			}
			n := *req.NumberOfBillingCycles
			sub.NumberOfBillingCycles = &n
		}
		if req.NeverExpires != nil && *req.NeverExpires {
			sub.NumberOfBillingCycles = nil
		}
		if req.PaymentMethodToken != "" {
			sub.PaymentMethodToken = req.PaymentMethodToken
		}
		for _, line := range req.Discounts {
			merged := false
			for i := range sub.Discounts {
				if sub.Discounts[i].ID == line.ID && !line.Override {
					q := line.Quantity
					if q <= 0 {
						q = 1
					}
					sub.Discounts[i].Quantity += q
					merged = true
					break
				}
			}
			if !merged {
				sub.Discounts = append(sub.Discounts, line)
			}
		}
		if !sub.TrialPeriod {
			plan := s.plans[sub.PlanID]
			sub.NextBillingAmount = NonNegative(plan.price.Sub(RecurringDiscount(sub.Discounts, sub.CurrentBillingCycle)))
		}
		return copySubscription(sub), nil
	})
}

func (s *Sandbox) FindSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return s.apply(ctx, OpFind, func() (*Subscription, error) {
		sub, ok := s.subs[subscriptionID]
		if !ok {
			return nil, newError(ErrNotFound, OpFind, "", "subscription "+subscriptionID+" not found", nil)
		}
		return copySubscription(sub), nil
	})
}

func (s *Sandbox) ChargeSale(ctx context.Context, req SaleRequest) (*Transaction, error) {
	var tx Transaction
	_, err := s.apply(ctx, OpSale, func() (*Subscription, error) {
		if !req.Amount.IsPositive() {
			return nil, newError(ErrRejected, OpSale, "81531", "Amount must be greater than zero.", nil)
		}
		tx = s.newTransaction(req.Amount, req.PaymentMethodToken, s.now())
		if tx.Status != models.TransactionStatusSettled {
			return nil, newError(ErrRejected, OpSale, tx.ProcessorResponseCode, tx.ProcessorResponseText, nil)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// apply runs fn under the lock after consuming any injected failure, then
// waits out the configured latency.
func (s *Sandbox) apply(ctx context.Context, op string, fn func() (*Subscription, error)) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(ErrIndeterminate, op, "", "context done before call", err)
	}

	s.mu.Lock()
	s.calls[op]++
	if queued := s.failures[op]; len(queued) > 0 {
		err := queued[0]
		s.failures[op] = queued[1:]
		s.mu.Unlock()
		return nil, err
	}
	out, err := fn()
	latency := s.latency
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, newError(ErrIndeterminate, op, "", "timed out waiting for gateway", ctx.Err())
		case <-time.After(latency):
		}
	}
	return out, err
}

func (s *Sandbox) newTransaction(amount decimal.Decimal, token string, at time.Time) Transaction {
	s.seq++
	tx := Transaction{
		ID:                    fmt.Sprintf("sbx_txn_%d", s.seq),
		Amount:                amount,
		Status:                models.TransactionStatusSettled,
		Type:                  models.TransactionSale,
		ProcessorResponseCode: "1000",
		ProcessorResponseText: "Approved",
		CreatedAt:             at,
	}
	if token == DeclinedToken {
		tx.Status = models.TransactionStatusDeclined
		tx.ProcessorResponseCode = "2000"
		tx.ProcessorResponseText = "Do Not Honor"
	}
	return tx
}

func copySubscription(sub *Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	c := *sub
	c.Discounts = append([]DiscountLine(nil), sub.Discounts...)
	c.Transactions = append([]Transaction(nil), sub.Transactions...)
	if sub.NumberOfBillingCycles != nil {
		n := *sub.NumberOfBillingCycles
		c.NumberOfBillingCycles = &n
	}
	return &c
}

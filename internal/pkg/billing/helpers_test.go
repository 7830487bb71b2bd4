package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/database"
	"github.com/cmehub/billing/internal/pkg/gateway"
	"github.com/cmehub/billing/internal/pkg/metrics"
)

var testEpoch = time.Date(2026, time.January, 15, 9, 0, 0, 0, time.UTC)

const testToken = "tok_visa"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) AddDays(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, n)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Notification
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, note)
	return n.err
}

func (n *recordingNotifier) count(ev NotificationEvent) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Event == ev {
			c++
		}
	}
	return c
}

type scheduledReconcile struct {
	userID uint
	rowID  uint
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduledReconcile
}

func (s *recordingScheduler) ScheduleReconcile(_ context.Context, userID, rowID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduledReconcile{userID: userID, rowID: rowID})
	return nil
}

func (s *recordingScheduler) scheduled() []scheduledReconcile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduledReconcile(nil), s.calls...)
}

// countingRepository counts in-place lifecycle writes made outside of
// commit transactions.
type countingRepository struct {
	Repository
	mu      sync.Mutex
	updates int
}

func (r *countingRepository) UpdateSubscription(sub *models.UserSubscription) error {
	r.mu.Lock()
	r.updates++
	r.mu.Unlock()
	return r.Repository.UpdateSubscription(sub)
}

func (r *countingRepository) writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	db      *gorm.DB
	clock   *testClock
	gw      *gateway.Sandbox
	repos   *repository.Repositories
	ledger  *countingRepository
	notes   *recordingNotifier
	sched   *recordingScheduler
	metrics *metrics.Metrics
	svc     *Service
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))
	return db
}

func testConfig() Config {
	return Config{
		GatewayTimeout:    2 * time.Second,
		GatewayMaxRetries: 2,
		LockTimeout:       5 * time.Second,
		DaysInYear:        365,
	}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithConfig(t, testConfig())
}

func newFixtureWithConfig(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := newTestDB(t)
	clock := &testClock{now: testEpoch}
	gw := gateway.NewSandbox()
	gw.SetClock(clock.Now)

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		db:      db,
		clock:   clock,
		gw:      gw,
		repos:   repository.NewRepositories(db),
		ledger:  &countingRepository{Repository: NewRepository(db)},
		notes:   &recordingNotifier{},
		sched:   &recordingScheduler{},
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}
	f.svc = NewService(Deps{
		Ledger:    f.ledger,
		Plans:     f.repos.Plan,
		Users:     f.repos.User,
		Discounts: f.repos.Discount,
		Credits:   f.repos.Credit,
		Gateway:   gw,
		Notifier:  f.notes,
		Scheduler: f.sched,
		Metrics:   f.metrics,
		Now:       clock.Now,
		Config:    cfg,
	})
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.StringFixed(2))
}

func (f *fixture) paidPlan(planID, price, discountPrice string, trialDays int) *models.SubscriptionPlan {
	f.t.Helper()
	p := &models.SubscriptionPlan{
		PlanID:             planID,
		Name:               planID,
		Price:              dec(price),
		DiscountPrice:      dec(discountPrice),
		TrialDays:          trialDays,
		BillingCycleMonths: 12,
		PlanType:           models.PlanTypePaidIndividual,
		MaxCmeYear:         50,
		Active:             true,
	}
	require.NoError(f.t, f.repos.Plan.Upsert(p))
	f.gw.SetPlan(planID, p.Price, 12)
	return p
}

func (f *fixture) freePlan(planID, degree, specialty string, trialDays int) *models.SubscriptionPlan {
	f.t.Helper()
	key, err := f.repos.Plan.EnsurePlanKey(degree, specialty)
	require.NoError(f.t, err)
	p := &models.SubscriptionPlan{
		PlanID:             planID,
		Name:               planID,
		TrialDays:          trialDays,
		BillingCycleMonths: 12,
		PlanType:           models.PlanTypeFreeIndividual,
		MaxCmeYear:         5,
		PlanKeyID:          &key.ID,
		Active:             true,
	}
	require.NoError(f.t, f.repos.Plan.Upsert(p))
	return p
}

func (f *fixture) enterprisePlan(planID string) *models.SubscriptionPlan {
	f.t.Helper()
	p := &models.SubscriptionPlan{
		PlanID:             planID,
		Name:               planID,
		BillingCycleMonths: 12,
		PlanType:           models.PlanTypeEnterprise,
		Active:             true,
	}
	require.NoError(f.t, f.repos.Plan.Upsert(p))
	return p
}

func (f *fixture) user(email string) *models.User {
	f.t.Helper()
	u := &models.User{Email: email, Degree: "MD", Specialty: "cardiology"}
	require.NoError(f.t, f.repos.User.Create(u))
	return u
}

func (f *fixture) discount(id string, typ models.DiscountType, amount string, cycles int) *models.Discount {
	f.t.Helper()
	d := &models.Discount{
		DiscountID:       id,
		DiscountType:     typ,
		Amount:           dec(amount),
		NumBillingCycles: cycles,
		ActiveForType:    true,
	}
	require.NoError(f.t, f.repos.Discount.Create(d))
	return d
}

func (f *fixture) current(userID uint) *models.UserSubscription {
	f.t.Helper()
	sub, err := f.ledger.CurrentSubscription(userID)
	require.NoError(f.t, err)
	return sub
}

func (f *fixture) reload(id uint) *models.UserSubscription {
	f.t.Helper()
	sub, err := f.ledger.GetSubscription(id)
	require.NoError(f.t, err)
	return sub
}

func (f *fixture) openCount(userID uint) int {
	f.t.Helper()
	subs, err := f.ledger.ListSubscriptionsByUser(userID)
	require.NoError(f.t, err)
	n := 0
	for i := range subs {
		if IsOpen(&subs[i]) {
			n++
		}
	}
	return n
}

// subscribe opens a paid subscription and fails the test if it does not succeed.
func (f *fixture) subscribe(u *models.User, plan *models.SubscriptionPlan) *models.UserSubscription {
	f.t.Helper()
	res, sub := f.svc.CreatePaidSubscription(f.ctx, u, PaidSignup{Plan: plan, PaymentMethodToken: testToken})
	require.True(f.t, res.Success, "create failed: %v", res.Err)
	return sub
}

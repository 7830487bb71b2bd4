package repository

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/cmehub/billing/app/models"
)

// ErrNotFound is returned by lookups that callers branch on as "absent".
var ErrNotFound = errors.New("record not found")

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	Update(user *models.User) error
	SetGatewayCustomerID(userID uint, customerID string) error
	List(offset, limit int) ([]models.User, error)
	ListByOrganization(orgID uint) ([]models.User, error)
	Count() (int64, error)
	Search(query string) ([]models.User, error)
	CreateOrganization(org *models.Organization) error
	GetOrganization(id uint) (*models.Organization, error)
}

// PlanRepository is the read side of the plan catalog plus the writes the
// catalog seeder needs.
type PlanRepository interface {
	GetByID(id uint) (*models.SubscriptionPlan, error)
	GetByPlanID(planID string) (*models.SubscriptionPlan, error)
	List() ([]models.SubscriptionPlan, error)
	ListActive(planType models.PlanType) ([]models.SubscriptionPlan, error)
	// FindFreePlan returns the active free plan for a (degree, specialty)
	// profile, or ErrNotFound when the profile has none.
	FindFreePlan(degree, specialty string) (*models.SubscriptionPlan, error)
	FindEnterprisePlan(orgID uint) (*models.SubscriptionPlan, error)
	UpgradeOptions(plan *models.SubscriptionPlan) ([]models.SubscriptionPlan, error)
	EnsurePlanKey(degree, specialty string) (*models.PlanKey, error)
	Upsert(plan *models.SubscriptionPlan) error
	Update(plan *models.SubscriptionPlan) error
}

// DiscountRepository holds discount definitions and the signup promos.
type DiscountRepository interface {
	Create(discount *models.Discount) error
	// ActiveForType returns the single discount active for t, or ErrNotFound.
	ActiveForType(t models.DiscountType) (*models.Discount, error)
	// Activate makes id the only active discount of its type.
	Activate(id uint) error
	GetByDiscountID(discountID string) (*models.Discount, error)
	CreateOrgDiscount(od *models.OrgDiscount) error
	FindOrgDiscount(orgID *uint, emailDomain string) (*models.OrgDiscount, error)
	CreateSignupPromo(promo *models.SignupEmailPromo) error
	FindSignupPromo(email string) (*models.SignupEmailPromo, error)
}

// CreditRepository persists the CME credit ledger.
type CreditRepository interface {
	Get(userID uint) (*models.UserCmeCredit, error)
	Refresh(userID uint, planID *uint, planCredits decimal.Decimal, unlimited bool, at time.Time) (*models.UserCmeCredit, error)
	// Deduct removes amount, plan credits first, then boost. It returns
	// ErrInsufficientCredits without writing when the balance is short.
	Deduct(userID uint, amount decimal.Decimal) (*models.UserCmeCredit, error)
	AddBoost(userID uint, amount decimal.Decimal) (*models.UserCmeCredit, error)
}

// QueueRepository inspects the redis keys the billing job queue uses
type QueueRepository interface {
	GetTTL(key string) (time.Duration, error)
	GetListLength(key string) (int64, error)
	FindKeysByPatterns(patterns []string) ([]string, error)
	DeleteKeys(keys []string) (int64, error)
}

// NotificationRepository stores the billing notification outbox.
type NotificationRepository interface {
	Create(n *models.Notification) error
	ListByUser(userID uint, limit int) ([]models.Notification, error)
	CountByStatus(status models.NotificationStatus) (int64, error)
}

// ErrInsufficientCredits is returned when a deduction exceeds the balance.
var ErrInsufficientCredits = errors.New("insufficient CME credits")

// Repositories struct holds all repository instances
type Repositories struct {
	User         UserRepository
	Plan         PlanRepository
	Discount     DiscountRepository
	Credit       CreditRepository
	Queue        QueueRepository
	Notification NotificationRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:         NewUserRepository(db),
		Plan:         NewPlanRepository(db),
		Discount:     NewDiscountRepository(db),
		Credit:       NewCreditRepository(db),
		Queue:        NewQueueRepository(),
		Notification: NewNotificationRepository(db),
	}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

package billing

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/app/repository"
)

// Repository is the subscription ledger. Lookups that find nothing return
// repository.ErrNotFound, except CurrentSubscription which returns nil.
type Repository interface {
	// Transaction runs fn against a repository bound to one DB transaction.
	Transaction(fn func(tx Repository) error) error
	// LockUser loads the user row with a write lock held until the
	// surrounding transaction ends.
	LockUser(userID uint) (*models.User, error)
	GetUser(userID uint) (*models.User, error)

	GetSubscription(id uint) (*models.UserSubscription, error)
	GetSubscriptionBySubscriptionID(subscriptionID string) (*models.UserSubscription, error)
	CurrentSubscription(userID uint) (*models.UserSubscription, error)
	ListSubscriptionsByUser(userID uint) ([]models.UserSubscription, error)
	CountSubscriptionsByUser(userID uint) (int64, error)
	// HasPaidSubscription reports whether the user ever held a paid plan past
	// its trial, which disqualifies them from signup discounts.
	HasPaidSubscription(userID uint) (bool, error)
	CreateSubscription(sub *models.UserSubscription) error
	// UpdateSubscription writes the lifecycle columns of a non-terminal row.
	UpdateSubscription(sub *models.UserSubscription) error
	DeleteSubscription(id uint) error
	// SetCurrentSubscription moves the user's pointer from expected to next
	// and fails with ErrConflict when the stored pointer is not expected.
	SetCurrentSubscription(userID uint, expected, next *uint) error

	// UpsertTransaction inserts by TransactionID or refreshes the mutable
	// columns of the existing row. created reports an insert.
	UpsertTransaction(tx *models.SubscriptionTransaction) (created bool, err error)
	ListTransactions(subscriptionRowID uint) ([]models.SubscriptionTransaction, error)
	LatestSettledSale(subscriptionRowID uint) (*models.SubscriptionTransaction, error)
	MarkReceiptSent(id uint) error

	CreateInvitationDiscountIfNotExists(row *models.InvitationDiscount) (bool, error)
	MarkInviterCredited(id uint, inviterSubscription string, inviterCycle int, at time.Time) error
	CreateAffiliatePayoutIfNotExists(row *models.AffiliatePayout) (bool, error)

	ListDueDowngrades(now time.Time, userID uint) ([]models.UserSubscription, error)
	ListTrialCandidates(userID uint) ([]models.UserSubscription, error)
	ListReconcileCandidates(userID uint) ([]models.UserSubscription, error)

	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string, at time.Time) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing ledger backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// lifecycleColumns are the only columns a ledger row may change in place.
var lifecycleColumns = []string{
	"status",
	"display_status",
	"billing_cycle",
	"next_billing_amount",
	"billing_start_date",
	"billing_end_date",
	"next_plan_id",
	"updated_at",
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repository.ErrNotFound
	}
	return err
}

func (r *gormRepository) Transaction(fn func(tx Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) LockUser(userID uint) (*models.User, error) {
	var user models.User
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *gormRepository) GetUser(userID uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *gormRepository) withPlans() *gorm.DB {
	return r.db.Preload("Plan").Preload("NextPlan")
}

func (r *gormRepository) GetSubscription(id uint) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	if err := r.withPlans().First(&sub, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionBySubscriptionID(subscriptionID string) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	if err := r.withPlans().Where("subscription_id = ?", subscriptionID).First(&sub).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (r *gormRepository) CurrentSubscription(userID uint) (*models.UserSubscription, error) {
	user, err := r.GetUser(userID)
	if err != nil {
		return nil, err
	}
	if user.CurrentSubscriptionID == nil {
		return nil, nil
	}
	return r.GetSubscription(*user.CurrentSubscriptionID)
}

func (r *gormRepository) ListSubscriptionsByUser(userID uint) ([]models.UserSubscription, error) {
	var subs []models.UserSubscription
	err := r.withPlans().Where("user_id = ?", userID).Order("created_at ASC, id ASC").Find(&subs).Error
	return subs, err
}

func (r *gormRepository) CountSubscriptionsByUser(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.UserSubscription{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

func (r *gormRepository) HasPaidSubscription(userID uint) (bool, error) {
	var count int64
	err := r.db.Model(&models.UserSubscription{}).
		Joins("JOIN subscription_plans ON subscription_plans.id = user_subscriptions.plan_id").
		Where("user_subscriptions.user_id = ?", userID).
		Where("subscription_plans.plan_type = ?", models.PlanTypePaidIndividual).
		Where("user_subscriptions.display_status NOT IN ?", []models.DisplayStatus{models.DisplayTrial, models.DisplayTrialCanceled}).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) CreateSubscription(sub *models.UserSubscription) error {
	return r.db.Omit(clause.Associations).Create(sub).Error
}

func (r *gormRepository) UpdateSubscription(sub *models.UserSubscription) error {
	updates := map[string]interface{}{
		"status":              sub.Status,
		"display_status":      sub.DisplayStatus,
		"billing_cycle":       sub.BillingCycle,
		"next_billing_amount": sub.NextBillingAmount,
		"billing_start_date":  sub.BillingStartDate,
		"billing_end_date":    sub.BillingEndDate,
		"next_plan_id":        sub.NextPlanID,
		"updated_at":          time.Now().UTC(),
	}
	return r.db.Model(&models.UserSubscription{}).
		Where("id = ? AND status NOT IN ?", sub.ID, []models.GatewayStatus{models.GatewayStatusCanceled, models.GatewayStatusExpired}).
		Select(lifecycleColumns).
		Updates(updates).Error
}

func (r *gormRepository) DeleteSubscription(id uint) error {
	return r.db.Delete(&models.UserSubscription{}, id).Error
}

func (r *gormRepository) SetCurrentSubscription(userID uint, expected, next *uint) error {
	if expected != nil && next != nil && *expected == *next {
		return nil
	}
	q := r.db.Model(&models.User{}).Where("id = ?", userID)
	if expected == nil {
		q = q.Where("current_subscription_id IS NULL")
	} else {
		q = q.Where("current_subscription_id = ?", *expected)
	}
	res := q.Update("current_subscription_id", next)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *gormRepository) UpsertTransaction(tx *models.SubscriptionTransaction) (bool, error) {
	incoming := *tx
	res := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}},
		DoNothing: true,
	}).Create(tx)
	if res.Error != nil {
		return false, res.Error
	}
	created := res.RowsAffected > 0

	var stored models.SubscriptionTransaction
	if err := r.db.Where("transaction_id = ?", incoming.TransactionID).First(&stored).Error; err != nil {
		return false, err
	}
	if !created && (stored.Status != incoming.Status ||
		stored.ProcessorResponseCode != incoming.ProcessorResponseCode ||
		stored.ProcessorResponseText != incoming.ProcessorResponseText) {
		updates := map[string]interface{}{
			"status":                  incoming.Status,
			"processor_response_code": incoming.ProcessorResponseCode,
			"processor_response_text": incoming.ProcessorResponseText,
		}
		if err := r.db.Model(&models.SubscriptionTransaction{}).Where("id = ?", stored.ID).Updates(updates).Error; err != nil {
			return false, err
		}
		stored.Status = incoming.Status
		stored.ProcessorResponseCode = incoming.ProcessorResponseCode
		stored.ProcessorResponseText = incoming.ProcessorResponseText
	}
	*tx = stored
	return created, nil
}

func (r *gormRepository) ListTransactions(subscriptionRowID uint) ([]models.SubscriptionTransaction, error) {
	var txs []models.SubscriptionTransaction
	err := r.db.Where("subscription_row_id = ?", subscriptionRowID).Order("transacted_at ASC, id ASC").Find(&txs).Error
	return txs, err
}

func (r *gormRepository) LatestSettledSale(subscriptionRowID uint) (*models.SubscriptionTransaction, error) {
	var tx models.SubscriptionTransaction
	err := r.db.Where("subscription_row_id = ? AND type = ? AND status IN ?", subscriptionRowID, models.TransactionSale,
		[]string{models.TransactionStatusSettled, models.TransactionStatusSubmitted}).
		Order("transacted_at DESC, id DESC").First(&tx).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

func (r *gormRepository) MarkReceiptSent(id uint) error {
	return r.db.Model(&models.SubscriptionTransaction{}).Where("id = ?", id).Update("receipt_sent", true).Error
}

func (r *gormRepository) CreateInvitationDiscountIfNotExists(row *models.InvitationDiscount) (bool, error) {
	res := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "inviter_id"}, {Name: "invitee_id"}},
		DoNothing: true,
	}).Create(row)
	return res.RowsAffected > 0, res.Error
}

func (r *gormRepository) MarkInviterCredited(id uint, inviterSubscription string, inviterCycle int, at time.Time) error {
	return r.db.Model(&models.InvitationDiscount{}).Where("id = ?", id).Updates(map[string]interface{}{
		"inviter_subscription":  inviterSubscription,
		"inviter_billing_cycle": inviterCycle,
		"credited_at":           &at,
	}).Error
}

func (r *gormRepository) CreateAffiliatePayoutIfNotExists(row *models.AffiliatePayout) (bool, error) {
	res := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "affiliate_id"}, {Name: "convertee_id"}},
		DoNothing: true,
	}).Create(row)
	return res.RowsAffected > 0, res.Error
}

func (r *gormRepository) ListDueDowngrades(now time.Time, userID uint) ([]models.UserSubscription, error) {
	var subs []models.UserSubscription
	q := r.withPlans().
		Where("display_status = ? AND next_plan_id IS NOT NULL", models.DisplayActiveDowngradeScheduled).
		Where("billing_end_date IS NOT NULL AND billing_end_date <= ?", now)
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	err := q.Order("id ASC").Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListTrialCandidates(userID uint) ([]models.UserSubscription, error) {
	var subs []models.UserSubscription
	q := r.withPlans().
		Where("display_status = ? AND status NOT IN ?", models.DisplayTrial,
			[]models.GatewayStatus{models.GatewayStatusCanceled, models.GatewayStatusExpired})
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	err := q.Order("id ASC").Find(&subs).Error
	return subs, err
}

// ListReconcileCandidates returns gateway-backed rows worth pulling: every
// live row, or with a user filter every row of that user so terminal rows
// can catch up on late transactions.
func (r *gormRepository) ListReconcileCandidates(userID uint) ([]models.UserSubscription, error) {
	var subs []models.UserSubscription
	q := r.withPlans().
		Where("subscription_id NOT LIKE ? AND subscription_id NOT LIKE ?",
			models.FreeSubscriptionPrefix+"%", models.EnterpriseSubscriptionPrefix+"%")
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	} else {
		q = q.Where("status NOT IN ?", []models.GatewayStatus{models.GatewayStatusCanceled, models.GatewayStatusExpired})
	}
	err := q.Order("id ASC").Find(&subs).Error
	return subs, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string, at time.Time) error {
	updates := map[string]interface{}{
		"processed_at":     &at,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

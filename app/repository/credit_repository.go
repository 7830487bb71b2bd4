package repository

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cmehub/billing/app/models"
)

// creditRepository implements the CreditRepository interface
type creditRepository struct {
	db *gorm.DB
}

// NewCreditRepository creates a new CME credit repository instance
func NewCreditRepository(db *gorm.DB) CreditRepository {
	return &creditRepository{db: db}
}

// Get returns the user's credit row, or a zero balance when none exists yet.
func (r *creditRepository) Get(userID uint) (*models.UserCmeCredit, error) {
	var credit models.UserCmeCredit
	err := r.db.Where("user_id = ?", userID).First(&credit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.UserCmeCredit{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &credit, nil
}

// Refresh resets the plan portion of the balance. Boost credits carry over.
func (r *creditRepository) Refresh(userID uint, planID *uint, planCredits decimal.Decimal, unlimited bool, at time.Time) (*models.UserCmeCredit, error) {
	var out *models.UserCmeCredit
	err := r.db.Transaction(func(tx *gorm.DB) error {
		credit, err := lockCredit(tx, userID)
		if err != nil {
			return err
		}
		credit.PlanID = planID
		credit.PlanCredits = planCredits
		credit.PlanUnlimited = unlimited
		credit.RefreshedAt = &at
		if err := tx.Save(credit).Error; err != nil {
			return err
		}
		out = credit
		return nil
	})
	return out, err
}

func (r *creditRepository) Deduct(userID uint, amount decimal.Decimal) (*models.UserCmeCredit, error) {
	if !amount.IsPositive() {
		return nil, errors.New("deduction must be positive")
	}
	var out *models.UserCmeCredit
	err := r.db.Transaction(func(tx *gorm.DB) error {
		credit, err := lockCredit(tx, userID)
		if err != nil {
			return err
		}
		remaining := amount
		if credit.PlanUnlimited {
			remaining = decimal.Zero
		} else {
			fromPlan := decimal.Min(credit.PlanCredits, remaining)
			if fromPlan.IsPositive() {
				credit.PlanCredits = credit.PlanCredits.Sub(fromPlan)
				remaining = remaining.Sub(fromPlan)
			}
		}
		if remaining.IsPositive() {
			if credit.BoostCredits.LessThan(remaining) {
				return ErrInsufficientCredits
			}
			credit.BoostCredits = credit.BoostCredits.Sub(remaining)
		}
		if err := tx.Save(credit).Error; err != nil {
			return err
		}
		out = credit
		return nil
	})
	return out, err
}

func (r *creditRepository) AddBoost(userID uint, amount decimal.Decimal) (*models.UserCmeCredit, error) {
	if !amount.IsPositive() {
		return nil, errors.New("boost must be positive")
	}
	var out *models.UserCmeCredit
	err := r.db.Transaction(func(tx *gorm.DB) error {
		credit, err := lockCredit(tx, userID)
		if err != nil {
			return err
		}
		credit.BoostCredits = credit.BoostCredits.Add(amount)
		if err := tx.Save(credit).Error; err != nil {
			return err
		}
		out = credit
		return nil
	})
	return out, err
}

func lockCredit(tx *gorm.DB, userID uint) (*models.UserCmeCredit, error) {
	var credit models.UserCmeCredit
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&credit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		credit = models.UserCmeCredit{UserID: userID}
		if err := tx.Create(&credit).Error; err != nil {
			return nil, err
		}
		return &credit, nil
	}
	if err != nil {
		return nil, err
	}
	return &credit, nil
}

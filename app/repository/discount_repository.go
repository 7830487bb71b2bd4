package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/cmehub/billing/app/models"
)

// discountRepository implements the DiscountRepository interface
type discountRepository struct {
	db *gorm.DB
}

// NewDiscountRepository creates a new discount repository instance
func NewDiscountRepository(db *gorm.DB) DiscountRepository {
	return &discountRepository{db: db}
}

// Create inserts a discount. An active row deactivates any other active row
// of the same type in the same transaction.
func (r *discountRepository) Create(discount *models.Discount) error {
	if !discount.DiscountType.Valid() {
		return errors.New("invalid discount type: " + string(discount.DiscountType))
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		if discount.ActiveForType {
			if err := tx.Model(&models.Discount{}).
				Where("discount_type = ? AND active_for_type = ?", discount.DiscountType, true).
				Update("active_for_type", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(discount).Error
	})
}

func (r *discountRepository) ActiveForType(t models.DiscountType) (*models.Discount, error) {
	var d models.Discount
	err := r.db.Where("discount_type = ? AND active_for_type = ?", t, true).
		Order("id DESC").First(&d).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *discountRepository) Activate(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var d models.Discount
		if err := tx.First(&d, id).Error; err != nil {
			return translate(err)
		}
		if err := tx.Model(&models.Discount{}).
			Where("discount_type = ? AND id <> ?", d.DiscountType, d.ID).
			Update("active_for_type", false).Error; err != nil {
			return err
		}
		return tx.Model(&d).Update("active_for_type", true).Error
	})
}

func (r *discountRepository) GetByDiscountID(discountID string) (*models.Discount, error) {
	var d models.Discount
	if err := r.db.Where("discount_id = ?", discountID).Order("id DESC").First(&d).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *discountRepository) CreateOrgDiscount(od *models.OrgDiscount) error {
	od.EmailDomain = strings.ToLower(strings.TrimSpace(od.EmailDomain))
	return r.db.Omit("Discount").Create(od).Error
}

// FindOrgDiscount prefers an organization match over an email-domain match.
func (r *discountRepository) FindOrgDiscount(orgID *uint, emailDomain string) (*models.OrgDiscount, error) {
	if orgID != nil {
		var od models.OrgDiscount
		err := r.db.Preload("Discount").Where("organization_id = ?", *orgID).Order("id DESC").First(&od).Error
		if err == nil {
			return &od, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	emailDomain = strings.ToLower(strings.TrimSpace(emailDomain))
	if emailDomain == "" {
		return nil, ErrNotFound
	}
	var od models.OrgDiscount
	err := r.db.Preload("Discount").Where("email_domain = ?", emailDomain).Order("id DESC").First(&od).Error
	if err != nil {
		return nil, translate(err)
	}
	return &od, nil
}

func (r *discountRepository) CreateSignupPromo(promo *models.SignupEmailPromo) error {
	promo.Email = strings.ToLower(strings.TrimSpace(promo.Email))
	return r.db.Create(promo).Error
}

func (r *discountRepository) FindSignupPromo(email string) (*models.SignupEmailPromo, error) {
	var promo models.SignupEmailPromo
	err := r.db.Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&promo).Error
	if err != nil {
		return nil, translate(err)
	}
	return &promo, nil
}

package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cmehub/billing/app/models"
)

// planRepository implements the PlanRepository interface
type planRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new plan catalog repository instance
func NewPlanRepository(db *gorm.DB) PlanRepository {
	return &planRepository{db: db}
}

func (r *planRepository) GetByID(id uint) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	if err := r.db.First(&plan, id).Error; err != nil {
		return nil, translate(err)
	}
	return &plan, nil
}

func (r *planRepository) GetByPlanID(planID string) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	if err := r.db.Where("plan_id = ?", planID).First(&plan).Error; err != nil {
		return nil, translate(err)
	}
	return &plan, nil
}

// List returns every plan ordered by type and price.
func (r *planRepository) List() ([]models.SubscriptionPlan, error) {
	var plans []models.SubscriptionPlan
	err := r.db.Order("plan_type ASC, price ASC, id ASC").Find(&plans).Error
	return plans, err
}

func (r *planRepository) ListActive(planType models.PlanType) ([]models.SubscriptionPlan, error) {
	var plans []models.SubscriptionPlan
	err := r.db.Where("active = ? AND plan_type = ?", true, planType).
		Order("price ASC, id ASC").Find(&plans).Error
	return plans, err
}

// FindFreePlan resolves the plan key first; an empty specialty matches the
// degree-wide key when no specialty-specific one exists.
func (r *planRepository) FindFreePlan(degree, specialty string) (*models.SubscriptionPlan, error) {
	degree = strings.TrimSpace(degree)
	specialty = strings.TrimSpace(specialty)
	if degree == "" {
		return nil, ErrNotFound
	}

	candidates := []string{specialty}
	if specialty != "" {
		candidates = append(candidates, "")
	}
	for _, sp := range candidates {
		var plan models.SubscriptionPlan
		err := r.db.Joins("JOIN plan_keys ON plan_keys.id = subscription_plans.plan_key_id").
			Where("plan_keys.degree = ? AND plan_keys.specialty = ?", degree, sp).
			Where("subscription_plans.plan_type = ? AND subscription_plans.active = ?", models.PlanTypeFreeIndividual, true).
			Order("subscription_plans.id ASC").
			First(&plan).Error
		if err == nil {
			return &plan, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (r *planRepository) FindEnterprisePlan(orgID uint) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	err := r.db.Where("organization_id = ? AND plan_type = ? AND active = ?", orgID, models.PlanTypeEnterprise, true).
		Order("id ASC").First(&plan).Error
	if err != nil {
		return nil, translate(err)
	}
	return &plan, nil
}

// UpgradeOptions lists active paid plans priced above plan, the explicit
// upgrade link first.
func (r *planRepository) UpgradeOptions(plan *models.SubscriptionPlan) ([]models.SubscriptionPlan, error) {
	var plans []models.SubscriptionPlan
	q := r.db.Where("active = ? AND plan_type = ? AND price > ?", true, models.PlanTypePaidIndividual, plan.Price)
	if plan.PlanKeyID != nil {
		q = q.Where("plan_key_id = ? OR plan_key_id IS NULL", *plan.PlanKeyID)
	}
	if err := q.Order("price ASC, id ASC").Find(&plans).Error; err != nil {
		return nil, err
	}
	if plan.UpgradePlanID == nil {
		return plans, nil
	}
	for i := range plans {
		if plans[i].ID == *plan.UpgradePlanID && i > 0 {
			linked := plans[i]
			copy(plans[1:i+1], plans[:i])
			plans[0] = linked
			break
		}
	}
	return plans, nil
}

func (r *planRepository) EnsurePlanKey(degree, specialty string) (*models.PlanKey, error) {
	key := models.PlanKey{Degree: strings.TrimSpace(degree), Specialty: strings.TrimSpace(specialty)}
	err := r.db.Where("degree = ? AND specialty = ?", key.Degree, key.Specialty).
		FirstOrCreate(&key).Error
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// Upsert inserts plan or, when a plan with the same PlanID exists, updates it
// in place and copies the stored primary key back onto plan.
func (r *planRepository) Upsert(plan *models.SubscriptionPlan) error {
	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "plan_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "price", "discount_price", "trial_days", "billing_cycle_months", "plan_type",
			"max_cme_month", "max_cme_year", "organization_id", "plan_key_id", "active", "updated_at",
		}),
	}).Create(plan).Error
	if err != nil {
		return err
	}
	stored, err := r.GetByPlanID(plan.PlanID)
	if err != nil {
		return err
	}
	plan.ID = stored.ID
	return nil
}

func (r *planRepository) Update(plan *models.SubscriptionPlan) error {
	return r.db.Save(plan).Error
}

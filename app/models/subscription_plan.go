package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanType is the closed set of plan families.
type PlanType string

const (
	PlanTypePaidIndividual PlanType = "paid-individual"
	PlanTypeFreeIndividual PlanType = "free-individual"
	PlanTypeEnterprise     PlanType = "enterprise"
)

// Valid reports whether t is a known plan type.
func (t PlanType) Valid() bool {
	switch t {
	case PlanTypePaidIndividual, PlanTypeFreeIndividual, PlanTypeEnterprise:
		return true
	default:
		return false
	}
}

// PlanKey groups plans by the (degree, specialty) profile they are offered to.
type PlanKey struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Degree    string    `gorm:"type:varchar(50);not null;index:ux_plan_keys_degree_specialty,unique,priority:1" json:"degree"`
	Specialty string    `gorm:"type:varchar(100);not null;default:'';index:ux_plan_keys_degree_specialty,unique,priority:2" json:"specialty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubscriptionPlan is a catalog entry. PlanID doubles as the gateway plan or
// price reference. DiscountPrice is the first-year price.
type SubscriptionPlan struct {
	ID                 uint            `gorm:"primaryKey" json:"id"`
	PlanID             string          `gorm:"type:varchar(191);not null;uniqueIndex" json:"plan_id"`
	Name               string          `gorm:"type:varchar(150);not null" json:"name"`
	Price              decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"price"`
	DiscountPrice      decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"discount_price"`
	TrialDays          int             `gorm:"not null;default:0" json:"trial_days"`
	BillingCycleMonths int             `gorm:"not null;default:12" json:"billing_cycle_months"`
	PlanType           PlanType        `gorm:"type:varchar(32);not null;index" json:"plan_type"`
	MaxCmeMonth        int             `gorm:"not null;default:0" json:"max_cme_month"`
	MaxCmeYear         int             `gorm:"not null;default:0" json:"max_cme_year"`
	UpgradePlanID      *uint           `json:"upgrade_plan_id,omitempty"`
	DowngradePlanID    *uint           `json:"downgrade_plan_id,omitempty"`
	OrganizationID     *uint           `gorm:"index" json:"organization_id,omitempty"`
	PlanKeyID          *uint           `gorm:"index" json:"plan_key_id,omitempty"`
	Active             bool            `gorm:"default:true;index" json:"active"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *SubscriptionPlan) IsFree() bool {
	return p.PlanType == PlanTypeFreeIndividual
}

func (p *SubscriptionPlan) IsPaid() bool {
	return p.PlanType == PlanTypePaidIndividual
}

func (p *SubscriptionPlan) IsEnterprise() bool {
	return p.PlanType == PlanTypeEnterprise
}

// UnlimitedCme reports whether the plan carries no CME quota at all.
func (p *SubscriptionPlan) UnlimitedCme() bool {
	return p.MaxCmeMonth == 0 && p.MaxCmeYear == 0
}

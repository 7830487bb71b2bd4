package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserCmeCredit is the usage quota ledger. It is independent from money and
// refreshed whenever the user's plan changes.
type UserCmeCredit struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	UserID        uint            `gorm:"not null;uniqueIndex" json:"user_id"`
	PlanID        *uint           `json:"plan_id,omitempty"`
	PlanCredits   decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"plan_credits"`
	PlanUnlimited bool            `gorm:"default:false" json:"plan_unlimited"`
	BoostCredits  decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"boost_credits"`
	RefreshedAt   *time.Time      `gorm:"type:timestamp;default:null" json:"refreshed_at,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Available returns the credits a user can still spend. Unlimited plans
// report only their boost balance.
func (c *UserCmeCredit) Available() decimal.Decimal {
	return c.PlanCredits.Add(c.BoostCredits)
}

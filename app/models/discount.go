package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType is the closed set of discount families.
type DiscountType string

const (
	DiscountInviter   DiscountType = "inviter"
	DiscountInvitee   DiscountType = "invitee"
	DiscountConvertee DiscountType = "convertee"
	DiscountOrg       DiscountType = "org"
	DiscountBase      DiscountType = "base"
)

func (t DiscountType) Valid() bool {
	switch t {
	case DiscountInviter, DiscountInvitee, DiscountConvertee, DiscountOrg, DiscountBase:
		return true
	default:
		return false
	}
}

// Discount mirrors a gateway discount definition. At most one row per
// DiscountType has ActiveForType set.
type Discount struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	DiscountID       string          `gorm:"type:varchar(100);not null;index" json:"discount_id"`
	DiscountType     DiscountType    `gorm:"type:varchar(20);not null;index:idx_discounts_type_active,priority:1" json:"discount_type"`
	Amount           decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"amount"`
	NumBillingCycles int             `gorm:"not null;default:1" json:"num_billing_cycles"`
	ActiveForType    bool            `gorm:"default:false;index:idx_discounts_type_active,priority:2" json:"active_for_type"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrgDiscount scopes a discount to an organization or to an email domain.
// Users qualify only when they joined before JoinEndDate.
type OrgDiscount struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	OrganizationID *uint      `gorm:"index" json:"organization_id,omitempty"`
	EmailDomain    string     `gorm:"type:varchar(200);default:'';index" json:"email_domain"`
	DiscountRowID  uint       `gorm:"not null" json:"discount_row_id"`
	Discount       *Discount  `gorm:"foreignKey:DiscountRowID;references:ID" json:"discount,omitempty"`
	JoinEndDate    *time.Time `gorm:"type:timestamp;default:null" json:"join_end_date,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// AppliesTo reports whether a user who joined at joinedAt still qualifies.
func (o *OrgDiscount) AppliesTo(joinedAt time.Time) bool {
	if o.JoinEndDate == nil {
		return true
	}
	return joinedAt.Before(*o.JoinEndDate)
}

// SignupEmailPromo sets the first-year price for one email address and
// overrides every other signup discount.
type SignupEmailPromo struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	Email          string          `gorm:"type:varchar(200);not null;uniqueIndex" json:"email"`
	FirstYearPrice decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"first_year_price"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// InvitationDiscount records that an invitee's signup credited their inviter.
type InvitationDiscount struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	InviterID           uint       `gorm:"not null;index:ux_invitation_discounts_pair,unique,priority:1" json:"inviter_id"`
	InviteeID           uint       `gorm:"not null;index:ux_invitation_discounts_pair,unique,priority:2" json:"invitee_id"`
	InviteeSubscription string     `gorm:"type:varchar(191);default:''" json:"invitee_subscription"`
	InviterSubscription string     `gorm:"type:varchar(191);default:''" json:"inviter_subscription"`
	InviterBillingCycle int        `gorm:"default:0" json:"inviter_billing_cycle"`
	CreditedAt          *time.Time `gorm:"type:timestamp;default:null" json:"credited_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// AffiliatePayout records a convertee brought in by an affiliate inviter.
type AffiliatePayout struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	AffiliateID    uint            `gorm:"not null;index:ux_affiliate_payouts_pair,unique,priority:1" json:"affiliate_id"`
	ConverteeID    uint            `gorm:"not null;index:ux_affiliate_payouts_pair,unique,priority:2" json:"convertee_id"`
	SubscriptionID string          `gorm:"type:varchar(191);default:''" json:"subscription_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"amount"`
	PaidAt         *time.Time      `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

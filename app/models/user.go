package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// User is the aggregate root for billing. CurrentSubscriptionID points at the
// single subscription row that is authoritative for entitlements.
type User struct {
	ID                    uint           `gorm:"primaryKey" json:"id"`
	Name                  string         `gorm:"type:varchar(150)" json:"name" validate:"max=150"`
	Email                 string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,max=200"`
	Degree                string         `gorm:"type:varchar(50);index:idx_users_plan_key,priority:1" json:"degree" validate:"max=50"`
	Specialty             string         `gorm:"type:varchar(100);index:idx_users_plan_key,priority:2" json:"specialty" validate:"max=100"`
	OrganizationID        *uint          `gorm:"index" json:"organization_id,omitempty"`
	InvitedByID           *uint          `gorm:"index" json:"invited_by_id,omitempty"`
	IsAffiliate           bool           `gorm:"default:false" json:"is_affiliate"`
	GatewayCustomerID     string         `gorm:"type:varchar(191);default:''" json:"-"`
	CurrentSubscriptionID *uint          `gorm:"index" json:"current_subscription_id,omitempty"`
	CreatedAt             time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt             gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// EmailDomain returns the lower-cased domain part of the user's email.
func (u *User) EmailDomain() string {
	at := strings.LastIndex(u.Email, "@")
	if at < 0 || at == len(u.Email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(u.Email[at+1:]))
}

// Organization groups enterprise members and owns enterprise plans.
type Organization struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(200);not null" json:"name"`
	Slug      string    `gorm:"type:varchar(100);uniqueIndex" json:"slug"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

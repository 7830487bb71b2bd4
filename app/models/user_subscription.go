package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GatewayStatus is the payment processor's own view of a subscription.
type GatewayStatus string

const (
	GatewayStatusActive   GatewayStatus = "Active"
	GatewayStatusCanceled GatewayStatus = "Canceled"
	GatewayStatusExpired  GatewayStatus = "Expired"
	GatewayStatusPastDue  GatewayStatus = "PastDue"
	GatewayStatusPending  GatewayStatus = "Pending"
)

// Terminal reports whether a row with this status is closed for good.
func (s GatewayStatus) Terminal() bool {
	return s == GatewayStatusCanceled || s == GatewayStatusExpired
}

// DisplayStatus is the richer, user-facing lifecycle state.
type DisplayStatus string

const (
	DisplayTrial                    DisplayStatus = "Trial"
	DisplayActive                   DisplayStatus = "Active"
	DisplayActiveCanceled           DisplayStatus = "ActiveCanceled"
	DisplayActiveDowngradeScheduled DisplayStatus = "ActiveDowngradeScheduled"
	DisplayTrialCanceled            DisplayStatus = "TrialCanceled"
	DisplayEnterpriseCanceled       DisplayStatus = "EnterpriseCanceled"
	DisplaySuspended                DisplayStatus = "Suspended"
	DisplayExpired                  DisplayStatus = "Expired"
)

// Synthetic subscription id prefixes for rows that never reach the gateway.
const (
	FreeSubscriptionPrefix       = "free."
	EnterpriseSubscriptionPrefix = "ent."
)

// UserSubscription is one ledger row. A plan change always inserts a new row;
// only the lifecycle columns below are ever updated in place.
type UserSubscription struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	SubscriptionID    string            `gorm:"type:varchar(191);not null;uniqueIndex" json:"subscription_id"`
	UserID            uint              `gorm:"not null;index:idx_user_subscriptions_user_created,priority:1" json:"user_id"`
	PlanRowID         uint              `gorm:"column:plan_id;not null;index" json:"plan_id"`
	Plan              *SubscriptionPlan `gorm:"foreignKey:PlanRowID;references:ID" json:"plan,omitempty"`
	Status            GatewayStatus     `gorm:"type:varchar(32);not null;index" json:"status"`
	DisplayStatus     DisplayStatus     `gorm:"type:varchar(32);not null;index" json:"display_status"`
	BillingFirstDate  *time.Time        `gorm:"type:timestamp;default:null" json:"billing_first_date,omitempty"`
	BillingStartDate  *time.Time        `gorm:"type:timestamp;default:null" json:"billing_start_date,omitempty"`
	BillingEndDate    *time.Time        `gorm:"type:timestamp;default:null;index" json:"billing_end_date,omitempty"`
	BillingCycle      int               `gorm:"not null;default:0" json:"billing_cycle"`
	NextBillingAmount decimal.Decimal   `gorm:"type:decimal(10,2);not null;default:0" json:"next_billing_amount"`
	NextPlanID        *uint             `json:"next_plan_id,omitempty"`
	NextPlan          *SubscriptionPlan `gorm:"foreignKey:NextPlanID;references:ID" json:"next_plan,omitempty"`
	CreatedAt         time.Time         `gorm:"autoCreateTime;index:idx_user_subscriptions_user_created,priority:2" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the row is closed and only open to transaction catch-up.
func (s *UserSubscription) IsTerminal() bool {
	return s.Status.Terminal()
}

// IsSynthetic reports whether the row has no gateway counterpart.
func (s *UserSubscription) IsSynthetic() bool {
	return IsSyntheticSubscriptionID(s.SubscriptionID)
}

func (s *UserSubscription) IsEnterprise() bool {
	return strings.HasPrefix(s.SubscriptionID, EnterpriseSubscriptionPrefix)
}

func IsSyntheticSubscriptionID(id string) bool {
	return strings.HasPrefix(id, FreeSubscriptionPrefix) || strings.HasPrefix(id, EnterpriseSubscriptionPrefix)
}

// TransactionType distinguishes charges from refunds.
type TransactionType string

const (
	TransactionSale   TransactionType = "sale"
	TransactionCredit TransactionType = "credit"
)

// Transaction statuses as mirrored from the gateway.
const (
	TransactionStatusSettled    = "settled"
	TransactionStatusSubmitted  = "submitted_for_settlement"
	TransactionStatusAuthorized = "authorized"
	TransactionStatusFailed     = "failed"
	TransactionStatusDeclined   = "processor_declined"
	TransactionStatusVoided     = "voided"
)

// SubscriptionTransaction mirrors a gateway transaction. Rows are upserted by
// TransactionID only.
type SubscriptionTransaction struct {
	ID                    uint            `gorm:"primaryKey" json:"id"`
	TransactionID         string          `gorm:"type:varchar(191);not null;uniqueIndex" json:"transaction_id"`
	SubscriptionRowID     uint            `gorm:"not null;index" json:"subscription_row_id"`
	UserID                uint            `gorm:"not null;index" json:"user_id"`
	Amount                decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"amount"`
	Status                string          `gorm:"type:varchar(50);not null;index" json:"status"`
	Type                  TransactionType `gorm:"type:varchar(16);not null;default:'sale'" json:"type"`
	ProcessorResponseCode string          `gorm:"type:varchar(32);default:''" json:"processor_response_code"`
	ProcessorResponseText string          `gorm:"type:varchar(255);default:''" json:"processor_response_text"`
	ReceiptSent           bool            `gorm:"default:false" json:"receipt_sent"`
	TransactedAt          *time.Time      `gorm:"type:timestamp;default:null" json:"transacted_at,omitempty"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsSettledSale reports whether the transaction is money actually collected.
func (t *SubscriptionTransaction) IsSettledSale() bool {
	if t.Type != TransactionSale {
		return false
	}
	switch t.Status {
	case TransactionStatusSettled, TransactionStatusSubmitted:
		return true
	default:
		return false
	}
}

// IsFailedSale reports whether a charge attempt was refused.
func (t *SubscriptionTransaction) IsFailedSale() bool {
	if t.Type != TransactionSale {
		return false
	}
	return t.Status == TransactionStatusFailed || t.Status == TransactionStatusDeclined
}

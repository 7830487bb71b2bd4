package models

import (
	"time"
)

// NotificationStatus records what happened to an outgoing billing message.
type NotificationStatus string

const (
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
	NotificationSkipped NotificationStatus = "skipped"
)

// Notification is the outbox row written for every billing message, sent
// or not, so support can see what a user was told.
type Notification struct {
	ID             uint               `gorm:"primaryKey" json:"id"`
	UserID         uint               `gorm:"index" json:"user_id"`
	Event          string             `gorm:"type:varchar(50);index" json:"event"`
	SubscriptionID *uint              `gorm:"index" json:"subscription_id,omitempty"`
	TransactionID  string             `gorm:"type:varchar(191);default:''" json:"transaction_id,omitempty"`
	Recipient      string             `gorm:"type:varchar(200)" json:"recipient"`
	Subject        string             `gorm:"type:varchar(255)" json:"subject"`
	Status         NotificationStatus `gorm:"type:varchar(20);index" json:"status"`
	Error          string             `gorm:"type:text" json:"error,omitempty"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	CreatedAt      time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

// MarkSent marks the notification as delivered at t.
func (n *Notification) MarkSent(t time.Time) {
	n.Status = NotificationSent
	n.SentAt = &t
	n.Error = ""
}

// MarkFailed records a delivery error.
func (n *Notification) MarkFailed(err error) {
	n.Status = NotificationFailed
	n.Error = err.Error()
}

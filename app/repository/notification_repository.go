package repository

import (
	"gorm.io/gorm"

	"github.com/cmehub/billing/app/models"
)

// notificationRepository implements the NotificationRepository interface
type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository creates a new notification outbox repository
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

// Create stores a new outbox row
func (r *notificationRepository) Create(n *models.Notification) error {
	return r.db.Create(n).Error
}

// ListByUser returns the newest notifications of a user first
func (r *notificationRepository) ListByUser(userID uint, limit int) ([]models.Notification, error) {
	var out []models.Notification
	q := r.db.Where("user_id = ?", userID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountByStatus counts outbox rows in status
func (r *notificationRepository) CountByStatus(status models.NotificationStatus) (int64, error) {
	var n int64
	err := r.db.Model(&models.Notification{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

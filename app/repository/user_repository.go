package repository

import (
	"strings"

	"gorm.io/gorm"

	"github.com/cmehub/billing/app/models"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create creates a new user in the database
func (r *userRepository) Create(user *models.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if err := user.Validate(); err != nil {
		return err
	}
	return r.db.Create(user).Error
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(id uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// GetByEmail retrieves a user by their email address
func (r *userRepository) GetByEmail(email string) (*models.User, error) {
	var user models.User
	err := r.db.Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// Update saves the profile columns. The subscription pointer is owned by the
// billing ledger and is never written from here.
func (r *userRepository) Update(user *models.User) error {
	return r.db.Model(user).
		Select("name", "email", "degree", "specialty", "organization_id", "invited_by_id", "is_affiliate").
		Updates(user).Error
}

// SetGatewayCustomerID stores the processor's customer reference.
func (r *userRepository) SetGatewayCustomerID(userID uint, customerID string) error {
	return r.db.Model(&models.User{}).Where("id = ?", userID).
		Update("gateway_customer_id", customerID).Error
}

// List retrieves a paginated list of users
func (r *userRepository) List(offset, limit int) ([]models.User, error) {
	var users []models.User
	err := r.db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&users).Error
	return users, err
}

// ListByOrganization returns every member of an organization.
func (r *userRepository) ListByOrganization(orgID uint) ([]models.User, error) {
	var users []models.User
	err := r.db.Where("organization_id = ?", orgID).Order("id ASC").Find(&users).Error
	return users, err
}

// Count returns the total number of users
func (r *userRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.User{}).Count(&count).Error
	return count, err
}

// Search searches for users by name or email
func (r *userRepository) Search(query string) ([]models.User, error) {
	var users []models.User
	searchPattern := "%" + strings.TrimSpace(query) + "%"
	err := r.db.Where("name LIKE ? OR email LIKE ?", searchPattern, searchPattern).Find(&users).Error
	return users, err
}

func (r *userRepository) CreateOrganization(org *models.Organization) error {
	return r.db.Create(org).Error
}

func (r *userRepository) GetOrganization(id uint) (*models.Organization, error) {
	var org models.Organization
	if err := r.db.First(&org, id).Error; err != nil {
		return nil, translate(err)
	}
	return &org, nil
}

package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/cmehub/billing/app/models"
	"github.com/cmehub/billing/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the process-wide handle opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// Models lists every table owned by the billing service, parents first.
func Models() []interface{} {
	return []interface{}{
		&models.Organization{},
		&models.PlanKey{},
		&models.SubscriptionPlan{},
		&models.User{},
		&models.UserSubscription{},
		&models.SubscriptionTransaction{},
		&models.Discount{},
		&models.OrgDiscount{},
		&models.SignupEmailPromo{},
		&models.InvitationDiscount{},
		&models.AffiliatePayout{},
		&models.UserCmeCredit{},
		&models.BillingWebhookEvent{},
		&models.Notification{},
	}
}

// AutoMigrate creates or updates the billing schema on db.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func SetupDatabase() {
	var err error
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,  // disable datetime precision, which not supported before MySQL 5.6
			DontSupportRenameIndex:    true,  // drop & create when rename index, rename index not supported before MySQL 5.7, MariaDB
			DontSupportRenameColumn:   true,  // `change` when rename column, rename column not supported before MySQL 8, MariaDB
			SkipInitializeWithVersion: false, // auto configure based on currently MySQL version
		}), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
		if err == nil {
			if env.GetBool("DB_AUTO_MIGRATE", true) {
				if merr := AutoMigrate(DB); merr != nil {
					log.Errorf("[Database] AutoMigrate failed: %v", merr)
				}
			}
			return
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %s...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}

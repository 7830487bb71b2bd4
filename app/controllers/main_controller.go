package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthController reports whether the service's backing stores answer
type HealthController struct {
	db    *gorm.DB
	redis *redis.Client
}

// NewHealthController creates a health controller. A nil store is not checked.
func NewHealthController(db *gorm.DB, client *redis.Client) *HealthController {
	return &HealthController{db: db, redis: client}
}

// HandleHealth answers 200 when every configured store responds and 503 otherwise
func (hc *HealthController) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	checks := fiber.Map{}
	healthy := true

	if hc.db != nil {
		checks["database"] = "ok"
		sqlDB, err := hc.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
	}
	if hc.redis != nil {
		checks["redis"] = "ok"
		if err := hc.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if !healthy {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{"status": state, "checks": checks})
}

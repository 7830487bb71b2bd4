package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/cmehub/billing/app/controllers"
	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/billing"
	"github.com/cmehub/billing/internal/pkg/jobqueue"
	"github.com/cmehub/billing/internal/pkg/middleware"
)

// Dependencies are the collaborators the HTTP handlers are built from.
// Manager may be nil when background jobs are disabled.
type Dependencies struct {
	DB            *gorm.DB
	Redis         *redis.Client
	Service       *billing.Service
	Repos         *repository.Repositories
	Manager       *jobqueue.Manager
	WebhookSecret string
	Admin         middleware.AdminConfig
}

type HttpRouter struct {
	deps Dependencies

	health  *controllers.HealthController
	billing *controllers.BillingController
	admin   *controllers.AdminController
	queue   *controllers.AdminQueueController
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	h.registerPublicRoutes(app)
	h.registerAdminRoutes(app)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	var scheduler billing.ReconcileScheduler
	if deps.Manager != nil {
		scheduler = deps.Manager.GetQueue()
	}
	return &HttpRouter{
		deps:    deps,
		health:  controllers.NewHealthController(deps.DB, deps.Redis),
		billing: controllers.NewBillingController(deps.Service, deps.WebhookSecret),
		admin:   controllers.NewAdminController(deps.Service, deps.Repos.User, scheduler),
		queue:   controllers.NewAdminQueueController(deps.Repos.Queue, deps.Manager),
	}
}

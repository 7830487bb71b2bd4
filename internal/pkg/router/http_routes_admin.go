package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/cmehub/billing/internal/pkg/metrics"
	"github.com/cmehub/billing/internal/pkg/middleware"
)

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	requireAdmin := middleware.RequireAdmin(h.deps.Admin)

	// prometheus metrics
	app.Get("/metrics", requireAdmin, adaptor.HTTPHandler(metrics.Handler()))

	adminGroup := app.Group("/admin", requireAdmin)

	// Per-user billing state
	adminGroup.Get("/users/:id/billing", h.admin.HandleAdminUserBilling)
	adminGroup.Post("/users/:id/reconcile", h.admin.HandleAdminUserReconcile)
	adminGroup.Post("/users/:id/credits/boost", h.admin.HandleAdminUserBoost)

	// Job queue monitor + manual sweeps
	adminGroup.Get("/queues", h.queue.HandleAdminQueues)
	adminGroup.Post("/queues/bulk-delete", h.queue.HandleAdminQueueBulkDelete)
	adminGroup.Post("/jobs/:job", h.queue.HandleAdminRunJob)
}

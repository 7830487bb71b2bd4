package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs a group of routes on the app
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers every route of the billing ops server.
func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewHttpRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}

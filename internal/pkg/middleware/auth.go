package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/cmehub/billing/internal/pkg/env"
)

// AdminConfig holds the credentials accepted on ops routes
type AdminConfig struct {
	User     string
	Password string
	APIKey   string
}

// AdminConfigFromEnv reads ADMIN_USER, ADMIN_PASSWORD and ADMIN_API_KEY.
func AdminConfigFromEnv() AdminConfig {
	return AdminConfig{
		User:     env.GetEnv("ADMIN_USER", "admin"),
		Password: env.GetEnv("ADMIN_PASSWORD", ""),
		APIKey:   env.GetEnv("ADMIN_API_KEY", ""),
	}
}

// RequireAdmin protects ops routes. A request carrying the configured API key
// (X-API-Key or a bearer token) passes; anything else must present HTTP basic
// credentials. With neither a password nor a key configured every request is
// refused.
func RequireAdmin(cfg AdminConfig) fiber.Handler {
	users := map[string]string{}
	if cfg.Password != "" {
		users[cfg.User] = cfg.Password
	}
	if len(users) == 0 && cfg.APIKey == "" {
		log.Warn("[Middleware] No admin credentials configured; ops routes are locked")
	}

	basic := basicauth.New(basicauth.Config{
		Users: users,
		Realm: "billing-admin",
		Unauthorized: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="billing-admin"`)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "admin credentials required",
			})
		},
	})

	return func(c *fiber.Ctx) error {
		if matchAPIKey(c, cfg.APIKey) {
			c.Locals(LocalsAdminVia, "api_key")
			return c.Next()
		}
		if len(users) == 0 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "admin credentials required",
			})
		}
		c.Locals(LocalsAdminVia, "basic")
		return basic(c)
	}
}

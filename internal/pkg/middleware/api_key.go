package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// LocalsAdminVia records how an ops request authenticated ("api_key" or "basic").
const LocalsAdminVia = "admin_via"

// matchAPIKey compares the presented key with want in constant time.
func matchAPIKey(c *fiber.Ctx, want string) bool {
	if want == "" {
		return false
	}
	got := extractAPIKeyFromHeader(c)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

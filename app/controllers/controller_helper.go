package controllers

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/billing"
	"github.com/cmehub/billing/internal/pkg/gateway"
)

// parseUintParam reads a positive integer route parameter
func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	raw := c.Params(name)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", billing.ErrValidation, name, raw)
	}
	return uint(v), nil
}

// parseUintQuery reads an optional non-negative integer query parameter
func parseUintQuery(c *fiber.Ctx, name string) (uint, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", billing.ErrValidation, name, raw)
	}
	return uint(v), nil
}

// statusForError maps the billing error taxonomy onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, billing.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, billing.ErrInsufficientCredits):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrRejected):
		return fiber.StatusPaymentRequired
	case errors.Is(err, gateway.ErrUnavailable), errors.Is(err, gateway.ErrIndeterminate):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// errorJSON writes a JSON error body in the shape every handler uses
func errorJSON(c *fiber.Ctx, code string, err error) error {
	return c.Status(statusForError(err)).JSON(fiber.Map{
		"error":   code,
		"message": err.Error(),
	})
}

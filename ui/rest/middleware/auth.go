package middleware

import (
	"crypto/subtle"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/charla-io/charla/observability"
	"github.com/charla-io/charla/pkg/utils"
)

// RequestID ensures every request carries an id for log correlation. The
// caller's X-Request-Id wins when present.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals("request_id", id)
		c.Set("X-Request-Id", id)
		return c.Next()
	}
}

// Metrics records request latency by route and status code.
func Metrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		endpoint := c.Route().Path
		observability.HTTPRequestDuration.
			WithLabelValues(endpoint, strconv.Itoa(c.Response().StatusCode())).
			Observe(time.Since(start).Seconds())
		return err
	}
}

// AdminToken guards the admin surface with a static shared token.
func AdminToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Status(fiber.StatusForbidden).JSON(utils.ResponseData{
				Status: fiber.StatusForbidden, Code: "FORBIDDEN", Message: "Admin surface disabled",
			})
		}
		got := c.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return c.Status(fiber.StatusForbidden).JSON(utils.ResponseData{
				Status: fiber.StatusForbidden, Code: "FORBIDDEN", Message: "Invalid admin token",
			})
		}
		return c.Next()
	}
}

// WorkspaceHeader requires a well-formed X-Workspace-Id and stashes it in
// locals for the handlers.
func WorkspaceHeader() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get("X-Workspace-Id")
		if id == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(utils.ResponseData{
				Status: fiber.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "X-Workspace-Id header is required",
			})
		}
		if _, err := uuid.Parse(id); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(utils.ResponseData{
				Status: fiber.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "X-Workspace-Id must be a UUID",
			})
		}
		c.Locals("workspace_id", id)
		return c.Next()
	}
}

// WorkspaceID reads the id stashed by WorkspaceHeader.
func WorkspaceID(c *fiber.Ctx) string {
	if id, ok := c.Locals("workspace_id").(string); ok {
		return id
	}
	return ""
}

package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

func initHealth(app fiber.Router, version string) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"service":   "charla",
			"version":   version,
		})
	})
}

package rest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/charla-io/charla/router"
)

type routerStatsHandler struct {
	svc *router.Service
}

func initAdminRouter(admin fiber.Router, svc *router.Service) {
	h := &routerStatsHandler{svc: svc}
	admin.Get("/router/stats", h.Stats)
}

// Stats returns the live dispatch state: armed debounce timers and turns
// currently being decided.
func (h *routerStatsHandler) Stats(c *fiber.Ctx) error {
	return c.JSON(h.svc.Stats())
}

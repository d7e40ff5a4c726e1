package rest

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/charla-io/charla/orchestrator"
	"github.com/charla-io/charla/pkg/utils"
	"github.com/charla-io/charla/ui/rest/middleware"
)

type orchestratorHandler struct {
	svc *orchestrator.Service
}

func initOrchestrator(app fiber.Router, svc *orchestrator.Service) {
	h := &orchestratorHandler{svc: svc}
	app.Post("/orchestrator/decide", middleware.WorkspaceHeader(), h.Decide)
}

func (h *orchestratorHandler) Decide(c *fiber.Ctx) error {
	var snap orchestrator.Snapshot
	if err := c.BodyParser(&snap); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(utils.ResponseData{
			Status: fiber.StatusUnprocessableEntity, Code: "VALIDATION_ERROR", Message: "malformed snapshot",
		})
	}

	decision, err := h.svc.Decide(c.UserContext(), middleware.WorkspaceID(c), snap)
	if err != nil {
		var throttled orchestrator.ThrottledError
		if errors.As(err, &throttled) {
			c.Set("Retry-After", strconv.Itoa(int(throttled.RetryAfter.Seconds())+1))
		}
		utils.PanicIfNeeded(err)
	}

	return c.JSON(decision)
}

package rest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/charla-io/charla/actions"
	pkgError "github.com/charla-io/charla/pkg/error"
	"github.com/charla-io/charla/pkg/utils"
	"github.com/charla-io/charla/ui/rest/middleware"
)

type actionsHandler struct {
	svc *actions.Service
}

func initActions(app fiber.Router, svc *actions.Service) {
	h := &actionsHandler{svc: svc}
	app.Post("/tools/execute_action", middleware.WorkspaceHeader(), h.Execute)
}

// Execute answers 200 for terminal results (fresh or replayed) and 202 while
// a concurrent execution still holds the key.
func (h *actionsHandler) Execute(c *fiber.Ctx) error {
	var req actions.Request
	if err := c.BodyParser(&req); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed action request"))
	}
	req.WorkspaceID = middleware.WorkspaceID(c)

	result, err := h.svc.Execute(c.UserContext(), req)
	utils.PanicIfNeeded(err)

	if result.InFlight {
		return c.Status(fiber.StatusAccepted).JSON(result)
	}
	return c.JSON(result)
}

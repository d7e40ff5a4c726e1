package rest

import (
	"github.com/gofiber/fiber/v2"

	pkgError "github.com/charla-io/charla/pkg/error"
	"github.com/charla-io/charla/pkg/utils"
	"github.com/charla-io/charla/retrieval"
	"github.com/charla-io/charla/ui/rest/middleware"
)

type searchHandler struct {
	svc *retrieval.Service
}

func initSearch(app fiber.Router, svc *retrieval.Service) {
	h := &searchHandler{svc: svc}
	app.Post("/tools/retrieve_context", middleware.WorkspaceHeader(), h.RetrieveContext)
	app.Post("/search", middleware.WorkspaceHeader(), h.Search)
}

type searchBody struct {
	ConversationID string                   `json:"conversation_id"`
	WorkspaceID    string                   `json:"workspace_id"`
	Query          string                   `json:"query"`
	Filters        map[string]any           `json:"filters"`
	TopK           int                      `json:"top_k"`
	Hybrid         bool                     `json:"hybrid"`
	Cursor         string                   `json:"cursor"`
	PaginationMode retrieval.PaginationMode `json:"pagination_mode"`
}

// RetrieveContext is the orchestrator-facing tool: small top_k, no cursors.
func (h *searchHandler) RetrieveContext(c *fiber.Ctx) error {
	var body searchBody
	if err := c.BodyParser(&body); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed retrieval request"))
	}
	if body.TopK <= 0 || body.TopK > 20 {
		body.TopK = 5
	}

	resp, err := h.svc.Search(c.UserContext(), retrieval.Request{
		WorkspaceID: middleware.WorkspaceID(c),
		Query:       body.Query,
		Filters:     body.Filters,
		TopK:        body.TopK,
		Hybrid:      body.Hybrid,
	})
	utils.PanicIfNeeded(err)
	return c.JSON(resp)
}

// Search is the general endpoint with cursors and pagination modes.
func (h *searchHandler) Search(c *fiber.Ctx) error {
	var body searchBody
	if err := c.BodyParser(&body); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed search request"))
	}

	workspaceID := middleware.WorkspaceID(c)
	if body.WorkspaceID != "" && body.WorkspaceID != workspaceID {
		utils.PanicIfNeeded(pkgError.ForbiddenError("workspace_id does not match X-Workspace-Id"))
	}

	resp, err := h.svc.Search(c.UserContext(), retrieval.Request{
		WorkspaceID:    workspaceID,
		Query:          body.Query,
		Filters:        body.Filters,
		TopK:           body.TopK,
		Hybrid:         body.Hybrid,
		Cursor:         body.Cursor,
		PaginationMode: body.PaginationMode,
	})
	utils.PanicIfNeeded(err)
	return c.JSON(resp)
}

package rest

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/charla-io/charla/core/tenant"
	pkgError "github.com/charla-io/charla/pkg/error"
	"github.com/charla-io/charla/pkg/utils"
)

type workspacesHandler struct {
	repo *tenant.GormRepository
}

func initAdminWorkspaces(admin fiber.Router, repo *tenant.GormRepository) {
	h := &workspacesHandler{repo: repo}
	admin.Post("/workspaces", h.Create)
	admin.Get("/workspaces", h.List)
	admin.Get("/workspaces/:id", h.Get)
	admin.Post("/workspaces/:id/channels", h.CreateChannel)
	admin.Get("/workspaces/:id/channels", h.ListChannels)
}

type createWorkspaceBody struct {
	Name     string                   `json:"name"`
	PlanTier string                   `json:"plan_tier"`
	Vertical string                   `json:"vertical"`
	Settings tenant.WorkspaceSettings `json:"settings"`
}

func (h *workspacesHandler) Create(c *fiber.Ctx) error {
	var body createWorkspaceBody
	if err := c.BodyParser(&body); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed workspace body"))
	}
	if err := validation.ValidateStruct(&body,
		validation.Field(&body.Name, validation.Required, validation.Length(1, 120)),
		validation.Field(&body.Vertical, validation.Required),
	); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError(err.Error()))
	}
	if !tenant.Vertical(body.Vertical).Valid() {
		utils.PanicIfNeeded(pkgError.ValidationError("unknown vertical: " + body.Vertical))
	}

	now := time.Now().UTC()
	ws := tenant.Workspace{
		ID:        uuid.NewString(),
		Name:      body.Name,
		PlanTier:  body.PlanTier,
		Vertical:  tenant.Vertical(body.Vertical),
		Settings:  body.Settings,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ws.PlanTier == "" {
		ws.PlanTier = "starter"
	}
	utils.PanicIfNeeded(h.repo.CreateWorkspace(c.UserContext(), ws))

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"workspace_id": ws.ID})
}

func (h *workspacesHandler) List(c *fiber.Ctx) error {
	list, err := h.repo.ListWorkspaces(c.UserContext())
	utils.PanicIfNeeded(err)
	return c.JSON(fiber.Map{"workspaces": list})
}

func (h *workspacesHandler) Get(c *fiber.Ctx) error {
	ws, err := h.repo.GetWorkspace(c.UserContext(), c.Params("id"))
	if err != nil {
		utils.PanicIfNeeded(pkgError.NotFoundError("workspace not found"))
	}
	return c.JSON(ws)
}

type createChannelBody struct {
	DisplayPhone string `json:"display_phone"`
}

func (h *workspacesHandler) CreateChannel(c *fiber.Ctx) error {
	var body createChannelBody
	if err := c.BodyParser(&body); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed channel body"))
	}
	if body.DisplayPhone == "" {
		utils.PanicIfNeeded(pkgError.ValidationError("display_phone is required"))
	}

	now := time.Now().UTC()
	ch := tenant.Channel{
		ID:           uuid.NewString(),
		WorkspaceID:  c.Params("id"),
		DisplayPhone: body.DisplayPhone,
		Status:       "active",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	utils.PanicIfNeeded(h.repo.CreateChannel(c.UserContext(), ch))

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"channel_id": ch.ID})
}

func (h *workspacesHandler) ListChannels(c *fiber.Ctx) error {
	channels, err := h.repo.ListChannels(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)
	return c.JSON(fiber.Map{"channels": channels})
}

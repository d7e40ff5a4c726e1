package rest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/charla-io/charla/ingestion"
	pkgError "github.com/charla-io/charla/pkg/error"
	"github.com/charla-io/charla/pkg/utils"
	"github.com/charla-io/charla/ui/rest/middleware"
)

type filesHandler struct {
	svc *ingestion.Service
}

func initFiles(app fiber.Router, svc *ingestion.Service) {
	h := &filesHandler{svc: svc}
	files := app.Group("/files", middleware.WorkspaceHeader())
	files.Post("/", h.Upload)
	files.Get("/", h.List)
	files.Get("/:id", h.Get)
	files.Delete("/:id", h.Delete)
	files.Delete("/:id/purge", h.Purge)
	files.Post("/:id/reingest", h.Reingest)
}

func (h *filesHandler) Upload(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("multipart field 'file' is required"))
	}

	src, err := header.Open()
	utils.PanicIfNeeded(err)
	defer src.Close()

	result, err := h.svc.Upload(c.UserContext(), middleware.WorkspaceID(c), header.Filename, header.Header.Get("Content-Type"), src)
	utils.PanicIfNeeded(err)

	return c.JSON(result)
}

func (h *filesHandler) List(c *fiber.Ctx) error {
	files, err := h.svc.ListFiles(c.UserContext(), middleware.WorkspaceID(c), c.QueryInt("limit", 50))
	utils.PanicIfNeeded(err)
	return c.JSON(fiber.Map{"files": files})
}

func (h *filesHandler) Get(c *fiber.Ctx) error {
	file, err := h.svc.GetFile(c.UserContext(), middleware.WorkspaceID(c), c.Params("id"))
	utils.PanicIfNeeded(err)
	return c.JSON(file)
}

func (h *filesHandler) Delete(c *fiber.Ctx) error {
	err := h.svc.Delete(c.UserContext(), middleware.WorkspaceID(c), c.Params("id"))
	utils.PanicIfNeeded(err)
	return c.JSON(utils.ResponseData{Status: 200, Code: "SUCCESS", Message: "File deleted"})
}

func (h *filesHandler) Purge(c *fiber.Ctx) error {
	err := h.svc.Purge(c.UserContext(), middleware.WorkspaceID(c), c.Params("id"))
	utils.PanicIfNeeded(err)
	return c.JSON(utils.ResponseData{Status: 200, Code: "SUCCESS", Message: "File purged"})
}

func (h *filesHandler) Reingest(c *fiber.Ctx) error {
	err := h.svc.Reingest(c.UserContext(), middleware.WorkspaceID(c), c.Params("id"))
	utils.PanicIfNeeded(err)
	return c.JSON(utils.ResponseData{Status: 200, Code: "SUCCESS", Message: "Reingestion enqueued"})
}

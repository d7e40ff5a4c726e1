package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/charla-io/charla/ingestion"
	pkgError "github.com/charla-io/charla/pkg/error"
	"github.com/charla-io/charla/pkg/utils"
	"github.com/charla-io/charla/scheduler"
)

type adminJobsHandler struct {
	repo scheduler.Repository
}

func initAdminJobs(admin fiber.Router, repo scheduler.Repository) {
	h := &adminJobsHandler{repo: repo}
	admin.Post("/jobs/requeue", h.Requeue)
	admin.Post("/jobs/requeue-one", h.RequeueOne)
	admin.Post("/jobs/pause", h.Pause)
	admin.Get("/jobs/dlq", h.DLQ)
	admin.Get("/jobs/stats", h.Stats)
	admin.Get("/jobs/next", h.Next)
}

func (h *adminJobsHandler) Requeue(c *fiber.Ctx) error {
	jobType := c.Query("job_type")
	if jobType == "" {
		utils.PanicIfNeeded(pkgError.ValidationError("job_type query param is required"))
	}
	n, err := h.repo.RequeueFailed(c.UserContext(), jobType)
	utils.PanicIfNeeded(err)
	return c.JSON(fiber.Map{"requeued": n, "job_type": jobType})
}

func (h *adminJobsHandler) RequeueOne(c *fiber.Ctx) error {
	jobID := c.Query("job_id")
	if jobID == "" {
		utils.PanicIfNeeded(pkgError.ValidationError("job_id query param is required"))
	}
	if err := h.repo.RequeueOne(c.UserContext(), jobID); err != nil {
		utils.PanicIfNeeded(pkgError.NotFoundError("no failed job with id " + jobID))
	}
	return c.JSON(utils.ResponseData{Status: 200, Code: "SUCCESS", Message: "Job requeued"})
}

func (h *adminJobsHandler) Pause(c *fiber.Ctx) error {
	jobID := c.Query("job_id")
	if jobID == "" {
		utils.PanicIfNeeded(pkgError.ValidationError("job_id query param is required"))
	}
	pause := c.QueryBool("pause", true)
	if err := h.repo.SetPaused(c.UserContext(), jobID, pause); err != nil {
		utils.PanicIfNeeded(pkgError.NotFoundError("no job with id " + jobID))
	}
	return c.JSON(fiber.Map{"job_id": jobID, "paused": pause})
}

func (h *adminJobsHandler) DLQ(c *fiber.Ctx) error {
	jobs, err := h.repo.ListDLQ(c.UserContext(), c.Query("job_type"), c.QueryInt("limit", 100))
	utils.PanicIfNeeded(err)
	return c.JSON(fiber.Map{"jobs": jobs})
}

func (h *adminJobsHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.repo.Stats(c.UserContext())
	utils.PanicIfNeeded(err)
	return c.JSON(fiber.Map{"stats": stats})
}

func (h *adminJobsHandler) Next(c *fiber.Ctx) error {
	jobs, err := h.repo.NextJobs(c.UserContext(), c.QueryInt("limit", 10))
	utils.PanicIfNeeded(err)
	return c.JSON(fiber.Map{"jobs": jobs})
}

type adminIngestionHandler struct {
	svc *ingestion.Service
}

func initAdminIngestion(admin fiber.Router, svc *ingestion.Service) {
	h := &adminIngestionHandler{svc: svc}
	admin.Post("/ocr/run-once", h.RunOCROnce)
	admin.Post("/ocr/enable", h.EnableOCR)
	admin.Get("/ocr/stats", h.OCRStats)
	admin.Post("/purge-deleted", h.PurgeDeleted)
}

func (h *adminIngestionHandler) RunOCROnce(c *fiber.Ctx) error {
	n, err := h.svc.RunOCROnce(c.UserContext(), c.QueryInt("limit", 10))
	utils.PanicIfNeeded(err)
	return c.JSON(fiber.Map{"processed": n})
}

func (h *adminIngestionHandler) EnableOCR(c *fiber.Ctx) error {
	documentID := c.Query("document_id")
	workspaceID := c.Query("workspace_id")
	if documentID == "" || workspaceID == "" {
		utils.PanicIfNeeded(pkgError.ValidationError("document_id and workspace_id query params are required"))
	}
	err := h.svc.EnableOCR(c.UserContext(), workspaceID, documentID)
	utils.PanicIfNeeded(err)
	return c.JSON(utils.ResponseData{Status: 200, Code: "SUCCESS", Message: "OCR enabled for document"})
}

func (h *adminIngestionHandler) OCRStats(c *fiber.Ctx) error {
	stats, err := h.svc.OCRStats(c.UserContext())
	utils.PanicIfNeeded(err)
	return c.JSON(stats)
}

func (h *adminIngestionHandler) PurgeDeleted(c *fiber.Ctx) error {
	retentionDays := c.QueryInt("retention_days", 0)
	now := time.Now().UTC()
	if retentionDays > 0 {
		// Una retencion explicita corre la ventana hacia adelante: purga lo
		// que venza dentro de esos dias.
		now = now.AddDate(0, 0, retentionDays)
	}
	n, err := h.svc.PurgeDeleted(c.UserContext(), now)
	utils.PanicIfNeeded(err)
	return c.JSON(fiber.Map{"purged": n})
}

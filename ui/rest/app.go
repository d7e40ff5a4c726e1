package rest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/charla-io/charla/actions"
	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/core/tenant"
	"github.com/charla-io/charla/infrastructure/whatsapp"
	"github.com/charla-io/charla/ingestion"
	"github.com/charla-io/charla/orchestrator"
	"github.com/charla-io/charla/retrieval"
	"github.com/charla-io/charla/router"
	"github.com/charla-io/charla/scheduler"
	"github.com/charla-io/charla/ui/rest/middleware"
)

// Dependencies collects everything the HTTP surface needs. Nil fields leave
// their routes unregistered, which keeps tests small.
type Dependencies struct {
	Config       *config.Config
	Router       *router.Service
	Validator    *whatsapp.SignatureValidator
	Orchestrator *orchestrator.Service
	Retrieval    *retrieval.Service
	Ingestion    *ingestion.Service
	Actions      *actions.Service
	Jobs         scheduler.Repository
	Tenants      *tenant.GormRepository
}

// InitRoutes wires the whole public and admin surface onto the app.
func InitRoutes(app *fiber.App, deps Dependencies) {
	app.Use(middleware.Recovery())
	app.Use(middleware.RequestID())
	app.Use(middleware.Metrics())

	initHealth(app, deps.Config.App.Version)
	initMetrics(app, deps.Config.Admin.MetricsKey)

	if deps.Router != nil {
		initWebhook(app, deps.Router, deps.Validator, deps.Config)
	}
	if deps.Orchestrator != nil {
		initOrchestrator(app, deps.Orchestrator)
	}
	if deps.Retrieval != nil {
		initSearch(app, deps.Retrieval)
	}
	if deps.Ingestion != nil {
		initFiles(app, deps.Ingestion)
	}
	if deps.Actions != nil {
		initActions(app, deps.Actions)
	}

	admin := app.Group("/admin", middleware.AdminToken(deps.Config.Admin.Token))
	if deps.Router != nil {
		initAdminRouter(admin, deps.Router)
	}
	if deps.Jobs != nil {
		initAdminJobs(admin, deps.Jobs)
	}
	if deps.Ingestion != nil {
		initAdminIngestion(admin, deps.Ingestion)
	}
	if deps.Tenants != nil {
		initAdminWorkspaces(admin, deps.Tenants)
	}
}

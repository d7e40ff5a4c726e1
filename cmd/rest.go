package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberCors "github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/charla-io/charla/actions"
	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/core/database"
	"github.com/charla-io/charla/core/tenant"
	"github.com/charla-io/charla/infrastructure/ai"
	"github.com/charla-io/charla/infrastructure/ephemeral"
	"github.com/charla-io/charla/infrastructure/valkey"
	"github.com/charla-io/charla/infrastructure/whatsapp"
	"github.com/charla-io/charla/ingestion"
	"github.com/charla-io/charla/observability"
	"github.com/charla-io/charla/orchestrator"
	"github.com/charla-io/charla/pkg/utils"
	"github.com/charla-io/charla/retrieval"
	"github.com/charla-io/charla/router"
	"github.com/charla-io/charla/scheduler"
	uiRest "github.com/charla-io/charla/ui/rest"
)

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Run the HTTP API, the message router and the job dispatcher",
	Run:   runRest,
}

func init() {
	rootCmd.AddCommand(restCmd)
}

func runRest(_ *cobra.Command, _ []string) {
	cfg := config.Global

	db, err := database.NewDatabase(cfg)
	if err != nil {
		logrus.Fatalf("No se pudo conectar a la base de datos: %v", err)
	}

	if err := runMigrations(cfg, db); err != nil {
		logrus.Fatalf("Migración fallida: %v", err)
	}

	valkeyClient, err := valkey.NewClient(valkey.Config{
		Address:   cfg.Ephemeral.URL,
		Password:  cfg.Ephemeral.Password,
		DB:        cfg.Ephemeral.DB,
		KeyPrefix: cfg.Ephemeral.KeyPrefix,
	})
	if err != nil {
		logrus.Fatalf("No se pudo conectar al almacén efímero: %v", err)
	}

	if err := utils.CreateFolder(cfg.App.StoragePath, cfg.App.UploadPath); err != nil {
		logrus.Fatalf("No se pudo preparar el almacenamiento local: %v", err)
	}

	// Proveedores externos. Un mismo API key sirve chat y embeddings.
	openAI := ai.NewOpenAIProvider(cfg.Embedding.APIKey, cfg.Orchestrator.Model, cfg.Embedding.Model, cfg.Embedding.Dimension)
	var llm ai.LLMProvider
	var embedder ai.EmbeddingProvider
	if cfg.Embedding.APIKey != "" {
		llm = openAI
		embedder = openAI
	} else {
		logrus.Warn("[CMD] OPENAI_API_KEY vacío: extracción por keywords y retrieval léxico solamente")
	}

	// Estado efímero.
	dedup := ephemeral.NewValkeyDedupStore(valkeyClient)
	debounce := ephemeral.NewValkeyDebounceBuffer(valkeyClient, cfg.Router.DebounceWindow)
	limiter := ephemeral.NewValkeyRateLimiter(valkeyClient, cfg.Router.RateLimitPerMin)
	embedCache := ephemeral.NewValkeyEmbeddingCache(valkeyClient, cfg.Ephemeral.EmbedCacheTTL, cfg.Ephemeral.EmbedCacheSize)

	// Tenancy.
	tenantRepo := tenant.NewGormRepository(db)
	resolver := tenant.NewResolver(tenantRepo)

	// Retrieval.
	searchRepo := retrieval.NewGormSearchRepository(db, cfg.Database.StatementTimeout)
	retrievalSvc := retrieval.NewService(searchRepo, embedder, embedCache, cfg.Retrieval)

	// Scheduler + ingestion pipeline.
	jobsRepo := scheduler.NewGormRepository(db)
	ingestRepo := ingestion.NewGormRepository(db, cfg.Database.StatementTimeout)
	fileStore := ingestion.NewFileStore(cfg.App.UploadPath, cfg.Ingestion.MaxUploadBytes, cfg.Ingestion.StrictMIMESniff)
	extractor := ingestion.NewCommandExtractor("pdftotext", cfg.Ingestion.ProcessTimeout)
	var ocr ingestion.OCRProvider
	if cfg.Ingestion.OCREnabled {
		ocr = ingestion.NewSubprocessOCR(cfg.Ingestion.OCRCommand, cfg.Ingestion.OCRTimeout)
	}
	ingestionSvc := ingestion.NewService(ingestRepo, fileStore, extractor, ocr, embedder, jobsRepo,
		cfg.Ingestion, cfg.Scheduler, cfg.Embedding)

	breakers := scheduler.NewBreakerRegistry(cfg.Embedding.CBFails, cfg.Embedding.CBWindow, cfg.Embedding.CBCooldown)
	dispatcher := scheduler.NewDispatcher(jobsRepo, map[string]scheduler.Executor{
		ingestion.JobExtract: ingestion.NewExtractExecutor(ingestionSvc),
		ingestion.JobChunk:   ingestion.NewChunkExecutor(ingestionSvc),
		ingestion.JobEmbed:   ingestion.NewEmbedExecutor(ingestionSvc),
	}, breakers, []string{ingestion.JobEmbed}, cfg.Scheduler)

	// Actions.
	actionsRepo := actions.NewRepository(db)
	calendar := actions.NewRESTCalendarProvider(cfg.Provider.BaseURL, cfg.Provider.Timeout)
	actionsSvc := actions.NewService(db, actionsRepo, tenantRepo, []actions.Handler{
		actions.NewCreateOrderHandler(actionsRepo),
		actions.NewScheduleVisitHandler(actionsRepo),
		actions.NewBookSlotHandler(actionsRepo, calendar),
	}, cfg.Database.StatementTimeout)

	// Orchestrator.
	guard := orchestrator.NewRateGuard(cfg.Orchestrator.MinCallSpacing, cfg.Orchestrator.SpacingJitter)
	orchestratorSvc := orchestrator.NewService(
		tenantRepo,
		orchestrator.NewSlotExtractor(llm),
		orchestrator.NewComposer(llm),
		retrievalSvc,
		actionToolRunner{svc: actionsSvc},
		guard,
	)

	// Router.
	sender := whatsapp.NewRESTProvider(cfg.Provider.BaseURL, cfg.Security.ProviderAuthToken, cfg.Provider.Timeout)
	routerRepo := router.NewGormRepository(db, cfg.Database.StatementTimeout)
	routerSvc := router.NewService(resolver, routerRepo, dedup, debounce, limiter, orchestratorSvc, sender, cfg.Router)

	validator := whatsapp.NewSignatureValidator(cfg.Security.ProviderAuthToken)

	// Trabajos de fondo.
	background, cancelBackground := context.WithCancel(context.Background())
	dispatcher.Start(background)
	ingestionSvc.StartJanitor(background, time.Hour)
	go poolGaugeLoop(background, db)

	app := fiber.New(fiber.Config{
		AppName:   "charla " + cfg.App.Version,
		BodyLimit: int(cfg.Ingestion.MaxUploadBytes) + 1024*1024,
	})
	app.Use(fiberCors.New(fiberCors.Config{
		AllowOrigins: joinOrigins(cfg.App.CorsAllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, X-Workspace-Id, X-Admin-Token, X-Request-Id, X-Provider-Signature",
	}))

	uiRest.InitRoutes(app, uiRest.Dependencies{
		Config:       cfg,
		Router:       routerSvc,
		Validator:    validator,
		Orchestrator: orchestratorSvc,
		Retrieval:    retrievalSvc,
		Ingestion:    ingestionSvc,
		Actions:      actionsSvc,
		Jobs:         jobsRepo,
		Tenants:      tenantRepo,
	})

	go func() {
		if err := app.Listen(":" + cfg.App.Port); err != nil {
			logrus.Fatalf("El servidor HTTP terminó con error: %v", err)
		}
	}()
	logrus.WithField("port", cfg.App.Port).Info("[CMD] Servidor iniciado")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logrus.Info("[CMD] Apagando...")
	_ = app.ShutdownWithTimeout(10 * time.Second)
	routerSvc.Shutdown()
	dispatcher.Stop()
	cancelBackground()
	valkeyClient.Close()
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logrus.Info("[CMD] Apagado limpio")
}

// actionToolRunner adapts the action executor to the orchestrator's tool
// interface, deriving the wire-level request from the decided call.
type actionToolRunner struct {
	svc *actions.Service
}

func (r actionToolRunner) Run(ctx context.Context, workspaceID, conversationID, actionName string, payload map[string]any, idempotencyKey string) (string, map[string]any, error) {
	result, err := r.svc.Execute(ctx, actions.Request{
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		ActionName:     actionName,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", nil, err
	}
	return result.Summary, result.Details, nil
}

func poolGaugeLoop(ctx context.Context, db *gorm.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := database.Stats(db)
			observability.DBPoolInUse.Set(float64(stats.InUse))
			observability.DBPoolMax.Set(float64(stats.Max))
		}
	}
}

func joinOrigins(origins []string) string {
	out := ""
	for i, o := range origins {
		if i > 0 {
			out += ", "
		}
		out += o
	}
	return out
}

package rest

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/infrastructure/whatsapp"
	"github.com/charla-io/charla/orchestrator"
	"github.com/charla-io/charla/retrieval"
	"github.com/charla-io/charla/router"
)

func testConfig() *config.Config {
	return &config.Config{
		App:    config.AppConfig{Version: "test"},
		Admin:  config.AdminConfig{Token: "secreto"},
		Router: config.RouterConfig{MaxWebhookBytes: 1024, MaxBodyChars: 2000, DebounceMax: 5},
	}
}

func newTestApp(deps Dependencies) *fiber.App {
	app := fiber.New()
	if deps.Config == nil {
		deps.Config = testConfig()
	}
	InitRoutes(app, deps)
	return app
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(Dependencies{})

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "charla", body["service"])
	assert.Equal(t, "test", body["version"])
}

func TestMetricsEndpointGated(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.MetricsKey = "clave"
	app := newTestApp(Dependencies{Config: cfg})

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("X-Metrics-Key", "clave")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "charla_")
}

func TestAdminRequiresToken(t *testing.T) {
	app := newTestApp(Dependencies{Ingestion: nil, Jobs: nil})

	// Aun sin rutas hijas, el grupo /admin responde 403 sin token valido.
	req := httptest.NewRequest("POST", "/admin/jobs/requeue?job_type=embed", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestAdminRouterStats(t *testing.T) {
	app := newTestApp(Dependencies{Router: &router.Service{}})

	req := httptest.NewRequest("GET", "/admin/router/stats", nil)
	req.Header.Set("X-Admin-Token", "secreto")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 0, body["pending_timers"])
	assert.EqualValues(t, 0, body["in_flight"])
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	deps := Dependencies{
		Config:    testConfig(),
		Router:    &router.Service{},
		Validator: whatsapp.NewSignatureValidator("token-secreto"),
	}
	app := newTestApp(deps)

	req := httptest.NewRequest("POST", "/webhooks/wa/inbound/form",
		strings.NewReader("From=whatsapp%3A%2B5491111111111&To=whatsapp%3A%2B5491155550000&Body=Hola&MessageSid=SM1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Provider-Signature", "firma-invalida")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestErrorEnvelopeCarriesRequestID(t *testing.T) {
	deps := Dependencies{
		Config:    testConfig(),
		Router:    &router.Service{},
		Validator: whatsapp.NewSignatureValidator("token-secreto"),
	}
	app := newTestApp(deps)

	req := httptest.NewRequest("POST", "/webhooks/wa/inbound/form",
		strings.NewReader("From=whatsapp%3A%2B5491111111111&Body=Hola&MessageSid=SM9"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Request-Id", "req-trace-1")
	req.Header.Set("X-Provider-Signature", "firma-invalida")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "req-trace-1", body["request_id"])
}

func TestWebhookJSONDisabledByDefault(t *testing.T) {
	deps := Dependencies{
		Config: testConfig(),
		Router: &router.Service{},
	}
	app := newTestApp(deps)

	req := httptest.NewRequest("POST", "/webhooks/wa/inbound/json", strings.NewReader(`{"body":"hola"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 415, resp.StatusCode)
}

func TestWebhookPayloadTooLarge(t *testing.T) {
	deps := Dependencies{
		Config: testConfig(),
		Router: &router.Service{},
	}
	app := newTestApp(deps)

	big := "Body=" + strings.Repeat("a", 2048)
	req := httptest.NewRequest("POST", "/webhooks/wa/inbound/form", strings.NewReader(big))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 413, resp.StatusCode)
}

func TestDecideRequiresWorkspaceHeader(t *testing.T) {
	deps := Dependencies{
		Config:       testConfig(),
		Orchestrator: orchestrator.NewService(nil, orchestrator.NewSlotExtractor(nil), orchestrator.NewComposer(nil), nil, nil, nil),
	}
	app := newTestApp(deps)

	req := httptest.NewRequest("POST", "/orchestrator/decide", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestSearchRejectsWorkspaceMismatch(t *testing.T) {
	deps := Dependencies{
		Config:    testConfig(),
		Retrieval: retrieval.NewService(nil, nil, nil, config.RetrievalConfig{}),
	}
	app := newTestApp(deps)

	body := `{"workspace_id":"5f0f0d7e-0000-4000-8000-000000000001","query":"pizza"}`
	req := httptest.NewRequest("POST", "/search", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workspace-Id", "5f0f0d7e-0000-4000-8000-000000000002")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charla-io/charla/core/tenant"
	"github.com/charla-io/charla/retrieval"
)

type fakeRetriever struct {
	lastReq retrieval.Request
	results []retrieval.Result
	err     error
}

func (f *fakeRetriever) Search(_ context.Context, req retrieval.Request) (*retrieval.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &retrieval.Response{Results: f.results, TotalResults: len(f.results)}, nil
}

type fakeRunner struct {
	calls   []string
	lastKey string
	payload map[string]any
	err     error
}

func (f *fakeRunner) Run(_ context.Context, _, _, actionName string, payload map[string]any, key string) (string, map[string]any, error) {
	f.calls = append(f.calls, actionName)
	f.lastKey = key
	f.payload = payload
	if f.err != nil {
		return "", nil, f.err
	}
	return "Pedido #42 confirmado", map[string]any{"order_id": "42"}, nil
}

func newTestService(retriever ContextRetriever, runner ActionRunner) *Service {
	// Sin LLM: extraccion por keywords y respuestas deterministas.
	return NewService(nil, NewSlotExtractor(nil), NewComposer(nil), retriever, runner, nil)
}

func TestDecideGreetsFirst(t *testing.T) {
	svc := newTestService(nil, nil)

	dec, err := svc.Decide(context.Background(), "ws-1", Snapshot{
		ConversationID: "conv-1",
		Vertical:       tenant.VerticalFoodService,
		UserInput:      "hola",
	})
	require.NoError(t, err)

	assert.Equal(t, ActionGreet, dec.NextAction)
	assert.Contains(t, dec.Assistant, "menú")
	assert.Empty(t, dec.ToolCalls)
}

func TestDecideAsksForMissingSlotInPriorityOrder(t *testing.T) {
	svc := newTestService(nil, nil)

	dec, err := svc.Decide(context.Background(), "ws-1", Snapshot{
		ConversationID: "conv-1",
		Vertical:       tenant.VerticalFoodService,
		UserInput:      "quiero pedir algo",
		Greeted:        true,
		Slots:          map[string]SlotValue{"category": StringSlot("pizza")},
	})
	require.NoError(t, err)

	// Falta "items", el siguiente slot requerido despues de category.
	assert.Equal(t, ActionSlotFill, dec.NextAction)
	assert.Equal(t, "¿Qué items querés y en qué cantidad?", dec.Assistant)
}

func TestDecideDeliveryPromotesAddress(t *testing.T) {
	svc := newTestService(nil, nil)

	dec, err := svc.Decide(context.Background(), "ws-1", Snapshot{
		ConversationID: "conv-1",
		Vertical:       tenant.VerticalFoodService,
		UserInput:      "que sea delivery",
		Greeted:        true,
		Slots: map[string]SlotValue{
			"category":       StringSlot("pizza"),
			"items":          StringSlot("2 margheritas"),
			"payment_method": StringSlot("cash"),
		},
	})
	require.NoError(t, err)

	// delivery_method se extrajo por keyword y promueve address a requerido.
	assert.Equal(t, ActionSlotFill, dec.NextAction)
	assert.Equal(t, "delivery", dec.Slots["delivery_method"].Text())
	assert.Equal(t, "¿A qué dirección te lo enviamos?", dec.Assistant)
}

// Escenario completo de food service: con todos los slots en un solo mensaje
// el orquestador ejecuta create_order.
func TestDecideExecutesCreateOrder(t *testing.T) {
	runner := &fakeRunner{}
	svc := newTestService(nil, runner)

	dec, err := svc.Decide(context.Background(), "ws-1", Snapshot{
		ConversationID: "conv-1",
		Vertical:       tenant.VerticalFoodService,
		UserInput:      "2 margheritas, delivery a Av. Corrientes 1234, pago efectivo",
		Greeted:        true,
		LastAction:     string(ActionRetrieveContext),
		Slots: map[string]SlotValue{
			"category": StringSlot("pizza"),
			"items":    StringSlot("2 margheritas"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, ActionExecuteAction, dec.NextAction)
	require.Len(t, dec.ToolCalls, 1)
	assert.Equal(t, "execute_action", dec.ToolCalls[0].Tool)
	assert.Equal(t, "create_order", dec.ToolCalls[0].Args["action_name"])
	assert.Equal(t, []string{"create_order"}, runner.calls)
	assert.True(t, dec.End)

	items, ok := runner.payload["items"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "margheritas", items[0]["name"])
	assert.Equal(t, 2, items[0]["quantity"])
	assert.Equal(t, "delivery", runner.payload["delivery_method"])
	assert.Equal(t, "cash", runner.payload["payment_method"])
	assert.Equal(t, "Av. Corrientes 1234", runner.payload["address"])
}

func TestDecideIdempotencyKeyIsDeterministic(t *testing.T) {
	snap := Snapshot{
		ConversationID: "conv-1",
		Vertical:       tenant.VerticalFoodService,
		UserInput:      "2 margheritas, delivery a Av. Corrientes 1234, pago efectivo",
		Greeted:        true,
		LastAction:     string(ActionRetrieveContext),
		Slots: map[string]SlotValue{
			"category": StringSlot("pizza"),
			"items":    StringSlot("2 margheritas"),
		},
	}

	runnerA := &fakeRunner{}
	_, err := newTestService(nil, runnerA).Decide(context.Background(), "ws-1", snap)
	require.NoError(t, err)

	runnerB := &fakeRunner{}
	_, err = newTestService(nil, runnerB).Decide(context.Background(), "ws-1", snap)
	require.NoError(t, err)

	// El mismo turno repetido produce la misma clave: el ejecutor de acciones
	// lo resuelve como replay.
	assert.NotEmpty(t, runnerA.lastKey)
	assert.Equal(t, runnerA.lastKey, runnerB.lastKey)
}

func TestDecideRetrievesContextBeforeActing(t *testing.T) {
	retriever := &fakeRetriever{results: []retrieval.Result{
		{ChunkID: "c1", Text: "Margherita $8000, Napolitana $9500"},
	}}
	svc := newTestService(retriever, &fakeRunner{})

	dec, err := svc.Decide(context.Background(), "ws-1", Snapshot{
		ConversationID: "conv-1",
		Vertical:       tenant.VerticalFoodService,
		UserInput:      "dale, confirmo",
		Greeted:        true,
		Slots: map[string]SlotValue{
			"category":        StringSlot("pizza"),
			"items":           StringSlot("2 margheritas"),
			"delivery_method": StringSlot("pickup"),
			"payment_method":  StringSlot("cash"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, ActionRetrieveContext, dec.NextAction)
	require.Len(t, dec.ToolCalls, 1)
	assert.Equal(t, "retrieve_context", dec.ToolCalls[0].Tool)
	assert.Equal(t, []string{"Margherita $8000, Napolitana $9500"}, dec.ContextUsed)
	assert.Equal(t, "ws-1", retriever.lastReq.WorkspaceID)
	assert.Contains(t, retriever.lastReq.Query, "pizza")
}

func TestDecideRetrievalFailureDegradesToAnswer(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("embeddings caidos")}
	svc := newTestService(retriever, &fakeRunner{})

	dec, err := svc.Decide(context.Background(), "ws-1", Snapshot{
		ConversationID: "conv-1",
		Vertical:       tenant.VerticalFoodService,
		UserInput:      "dale",
		Greeted:        true,
		Slots: map[string]SlotValue{
			"category":        StringSlot("pizza"),
			"items":           StringSlot("1 napolitana"),
			"delivery_method": StringSlot("pickup"),
			"payment_method":  StringSlot("card"),
		},
	})
	require.NoError(t, err)

	// La falla de retrieval no rompe el turno: responde sin contexto.
	assert.Equal(t, ActionRetrieveContext, dec.NextAction)
	assert.Empty(t, dec.ContextUsed)
	assert.NotEmpty(t, dec.Assistant)
}

func TestDecideActionFailureKeepsSlots(t *testing.T) {
	runner := &fakeRunner{err: errors.New("db caida")}
	svc := newTestService(nil, runner)

	original := map[string]SlotValue{
		"category":        StringSlot("pizza"),
		"items":           StringSlot("1 napolitana"),
		"delivery_method": StringSlot("pickup"),
		"payment_method":  StringSlot("cash"),
	}
	dec, err := svc.Decide(context.Background(), "ws-1", Snapshot{
		ConversationID: "conv-1",
		Vertical:       tenant.VerticalFoodService,
		UserInput:      "confirmo el pedido",
		Greeted:        true,
		LastAction:     string(ActionRetrieveContext),
		Slots:          original,
	})
	require.NoError(t, err)

	assert.Equal(t, fallbackAnswer, dec.Assistant)
	assert.False(t, dec.End)
	// Los slots no se mutan ante una falla interna.
	assert.Equal(t, len(original), len(dec.Slots))
	for k, v := range original {
		assert.Equal(t, v.Text(), dec.Slots[k].Text())
	}
}

func TestDecideEscalatesAfterMaxAttempts(t *testing.T) {
	svc := newTestService(nil, nil)

	snap := Snapshot{
		ConversationID: "conv-1",
		Vertical:       tenant.VerticalFoodService,
		UserInput:      "no se, cualquier cosa",
		Greeted:        true,
		AttemptsCount:  3,
	}
	dec, err := svc.Decide(context.Background(), "ws-1", snap)
	require.NoError(t, err)

	// El cuarto intento sin progreso escala a humano.
	assert.Equal(t, ActionAskHuman, dec.NextAction)
	assert.True(t, dec.End)
	assert.Equal(t, 4, dec.AttemptsCount)
}

func TestDecideAttemptsResetOnProgress(t *testing.T) {
	svc := newTestService(nil, nil)

	dec, err := svc.Decide(context.Background(), "ws-1", Snapshot{
		ConversationID: "conv-1",
		Vertical:       tenant.VerticalFoodService,
		UserInput:      "lo pago en efectivo",
		Greeted:        true,
		AttemptsCount:  2,
	})
	require.NoError(t, err)

	// Se extrajo payment_method: el contador no avanza aunque falten slots.
	assert.Equal(t, ActionSlotFill, dec.NextAction)
	assert.Equal(t, 2, dec.AttemptsCount)
	assert.Equal(t, "cash", dec.Slots["payment_method"].Text())
}

func TestDecideRateGuardRejectsBurst(t *testing.T) {
	guard := NewRateGuard(400*time.Millisecond, 0)
	svc := NewService(nil, NewSlotExtractor(nil), NewComposer(nil), nil, nil, guard)

	snap := Snapshot{ConversationID: "conv-1", Vertical: tenant.VerticalFoodService}
	_, err := svc.Decide(context.Background(), "ws-1", snap)
	require.NoError(t, err)

	_, err = svc.Decide(context.Background(), "ws-1", snap)
	require.Error(t, err)

	var throttled ThrottledError
	require.ErrorAs(t, err, &throttled)
	assert.Equal(t, 429, throttled.StatusCode())
	assert.Greater(t, throttled.RetryAfter, time.Duration(0))

	// Otra conversacion no comparte el limite.
	_, err = svc.Decide(context.Background(), "ws-1", Snapshot{
		ConversationID: "conv-2", Vertical: tenant.VerticalFoodService,
	})
	assert.NoError(t, err)
}

func TestRateGuardEvictsIdleConversations(t *testing.T) {
	guard := NewRateGuard(400*time.Millisecond, 0)
	clock := time.Now()
	guard.now = func() time.Time { return clock }

	ok, _ := guard.Allow("conv-idle")
	require.True(t, ok)

	// Pasada la ventana de desalojo, el siguiente Allow barre la entrada vieja.
	clock = clock.Add(5 * time.Minute)
	ok, _ = guard.Allow("conv-activa")
	require.True(t, ok)

	guard.mu.Lock()
	_, stillThere := guard.lastCall["conv-idle"]
	guard.mu.Unlock()
	assert.False(t, stillThere)

	// La conversacion activa sigue limitada con normalidad.
	ok, retry := guard.Allow("conv-activa")
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
}

func TestDecideRejectsUnknownVertical(t *testing.T) {
	svc := newTestService(nil, nil)

	_, err := svc.Decide(context.Background(), "ws-1", Snapshot{
		ConversationID: "conv-1",
		Vertical:       tenant.Vertical("crypto_exchange"),
	})
	assert.Error(t, err)
}

func TestSlotValueJSONRoundTrip(t *testing.T) {
	in := map[string]SlotValue{
		"category":       StringSlot("pizza"),
		"bedrooms":       IntSlot(2),
		"budget_max":     FloatSlot(1500.5),
		"confirmed":      BoolSlot(true),
		"preferred_date": DateSlot("2025-10-06"),
		"preferred_time": TimeSlot("16:30"),
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	// En el wire los slots son valores JSON planos.
	assert.Contains(t, string(data), `"category":"pizza"`)
	assert.Contains(t, string(data), `"bedrooms":2`)
	assert.Contains(t, string(data), `"confirmed":true`)

	var out map[string]SlotValue
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, SlotString, out["category"].Kind)
	assert.Equal(t, SlotInt, out["bedrooms"].Kind)
	assert.Equal(t, int64(2), out["bedrooms"].Int)
	assert.Equal(t, SlotFloat, out["budget_max"].Kind)
	assert.Equal(t, SlotBool, out["confirmed"].Kind)
	assert.Equal(t, SlotDate, out["preferred_date"].Kind)
	assert.Equal(t, SlotTime, out["preferred_time"].Kind)
}

func TestKeywordExtractRealEstate(t *testing.T) {
	policy := PolicyFor(tenant.VerticalRealEstate)
	slots := KeywordExtract(policy, "quiero alquilar, puedo visitar el 2025-11-03")

	assert.Equal(t, "alquiler", slots["operation"].Text())
	assert.Equal(t, "2025-11-03", slots["visit_datetime"].Text())
}

func TestParseItems(t *testing.T) {
	items := parseItems("2 margheritas, 1 faina y 3 empanadas de carne")
	require.Len(t, items, 3)
	assert.Equal(t, "margheritas", items[0]["name"])
	assert.Equal(t, 2, items[0]["quantity"])
	assert.Equal(t, "faina", items[1]["name"])
	assert.Equal(t, "empanadas de carne", items[2]["name"])
	assert.Equal(t, 3, items[2]["quantity"])
}

func TestBuildFiltersFromSlots(t *testing.T) {
	filters := buildFilters(map[string]SlotValue{
		"zone":       StringSlot("Palermo"),
		"operation":  StringSlot("venta"),
		"budget_min": IntSlot(100000),
		"budget_max": IntSlot(200000),
	})

	assert.Equal(t, "Palermo", filters["city"])
	assert.Equal(t, "venta", filters["operation"])
	assert.Equal(t, "100000-200000", filters["price"])
}

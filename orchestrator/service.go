package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charla-io/charla/core/tenant"
	pkgError "github.com/charla-io/charla/pkg/error"
	"github.com/charla-io/charla/retrieval"
)

// ThrottledError rejects a turn that arrived before the per-conversation
// spacing elapsed. RetryAfter feeds the HTTP Retry-After header.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("conversación con demasiadas llamadas, reintentar en %s", e.RetryAfter)
}

func (e ThrottledError) ErrCode() string { return "RATE_LIMITED" }

func (e ThrottledError) StatusCode() int { return http.StatusTooManyRequests }

// ContextRetriever is the retrieval tool surface the orchestrator uses.
type ContextRetriever interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
}

// ActionRunner executes a decided business action.
type ActionRunner interface {
	Run(ctx context.Context, workspaceID, conversationID, actionName string, payload map[string]any, idempotencyKey string) (summary string, details map[string]any, err error)
}

// Service is the deterministic dialog FSM. Each Decide call is stateless:
// the snapshot in, the decision out. The LLM is confined to slot extraction
// and response composition.
type Service struct {
	tenants   tenant.Repository
	extractor *SlotExtractor
	composer  *Composer
	retriever ContextRetriever
	runner    ActionRunner
	guard     *RateGuard
}

func NewService(tenants tenant.Repository, extractor *SlotExtractor, composer *Composer, retriever ContextRetriever, runner ActionRunner, guard *RateGuard) *Service {
	return &Service{
		tenants:   tenants,
		extractor: extractor,
		composer:  composer,
		retriever: retriever,
		runner:    runner,
		guard:     guard,
	}
}

// Decide runs one turn. It only errors for request-level problems (invalid
// snapshot, burst); internal failures collapse into a retry answer with no
// slot mutation.
func (s *Service) Decide(ctx context.Context, workspaceID string, snap Snapshot) (*Decision, error) {
	if snap.ConversationID == "" {
		return nil, pkgError.ValidationError("conversation_id es requerido")
	}
	if !snap.Vertical.Valid() {
		return nil, pkgError.ValidationError("vertical desconocida: " + string(snap.Vertical))
	}

	if s.guard != nil {
		if ok, retryAfter := s.guard.Allow(snap.ConversationID); !ok {
			return nil, ThrottledError{RetryAfter: retryAfter}
		}
	}

	policy := PolicyFor(snap.Vertical)
	slots := cloneSlots(snap.Slots)

	// 1. Saludo inicial.
	if !snap.Greeted {
		return &Decision{
			Assistant:     s.composer.Compose(ctx, snap.Vertical, snap.UserInput, nil, policy.GreetingOpener),
			Slots:         slots,
			NextAction:    ActionGreet,
			AttemptsCount: snap.AttemptsCount,
		}, nil
	}

	// 2. Extraccion de slots del turno.
	extracted := s.extractor.Extract(ctx, policy, snap.UserInput)
	filledNew := false
	for name, value := range extracted {
		if value.Empty() {
			continue
		}
		if prev, ok := slots[name]; !ok || prev.Empty() || prev.Text() != value.Text() {
			filledNew = true
		}
		slots[name] = value
	}

	// 3. Slots requeridos faltantes.
	if missing := policy.MissingRequiredSlots(slots); len(missing) > 0 {
		attempts := snap.AttemptsCount
		if !filledNew {
			attempts++
		}
		if attempts > policy.MaxAttempts {
			return &Decision{
				Assistant:     "Te paso con una persona del equipo para ayudarte mejor. ¡Un momento!",
				Slots:         slots,
				NextAction:    ActionAskHuman,
				AttemptsCount: attempts,
				End:           true,
			}, nil
		}
		question := policy.SlotQuestions[missing[0]]
		if question == "" {
			question = fmt.Sprintf("¿Me podrías indicar %s?", missing[0])
		}
		return &Decision{
			Assistant:     question,
			Slots:         slots,
			NextAction:    ActionSlotFill,
			AttemptsCount: attempts,
		}, nil
	}

	// 4. Recuperar contexto antes de actuar.
	if policy.RAGBeforeAct && snap.LastAction != string(ActionRetrieveContext) && snap.LastAction != string(ActionExecuteAction) {
		return s.retrieveAndAnswer(ctx, workspaceID, snap, policy, slots)
	}

	// 5. Ejecutar la accion del objetivo.
	return s.executeAction(ctx, workspaceID, snap, policy, slots)
}

// retrieveAndAnswer issues the retrieval tool call, then composes citing the
// context. Retrieval outages degrade to a plain answer.
func (s *Service) retrieveAndAnswer(ctx context.Context, workspaceID string, snap Snapshot, policy PolicyConfig, slots map[string]SlotValue) (*Decision, error) {
	query := buildQuery(snap.UserInput, slots)
	filters := buildFilters(slots)

	call := ToolCall{
		Tool: "retrieve_context",
		Args: map[string]any{"query": query, "filters": filters, "top_k": 5, "hybrid": true},
	}

	var contextUsed []string
	if s.retriever != nil {
		resp, err := s.retriever.Search(ctx, retrieval.Request{
			WorkspaceID: workspaceID,
			Query:       query,
			Filters:     filters,
			TopK:        5,
			Hybrid:      true,
		})
		if err != nil {
			logrus.WithError(err).Warn("[Orchestrator] Context retrieval failed")
		} else {
			for _, r := range resp.Results {
				contextUsed = append(contextUsed, r.Text)
			}
		}
	}

	instruction := "Responde a la consulta del cliente con el contexto disponible y confirma el siguiente paso."
	return &Decision{
		Assistant:     s.composer.Compose(ctx, snap.Vertical, snap.UserInput, contextUsed, instruction),
		Slots:         slots,
		ToolCalls:     []ToolCall{call},
		ContextUsed:   contextUsed,
		NextAction:    ActionRetrieveContext,
		AttemptsCount: snap.AttemptsCount,
	}, nil
}

func (s *Service) executeAction(ctx context.Context, workspaceID string, snap Snapshot, policy PolicyConfig, slots map[string]SlotValue) (*Decision, error) {
	// Precondicion de horario para turnos presenciales.
	if snap.Vertical == tenant.VerticalPersonalServices {
		if refusal := s.offHoursRefusal(ctx, workspaceID, slots); refusal != "" {
			return &Decision{
				Assistant:     refusal,
				Slots:         slots,
				NextAction:    ActionAnswer,
				AttemptsCount: snap.AttemptsCount,
			}, nil
		}
	}

	payload := buildActionPayload(policy.ActionName, slots)
	key := idempotencyKey(snap.ConversationID, policy.ActionName, payload)
	call := ToolCall{
		Tool: "execute_action",
		Args: map[string]any{
			"action_name":     policy.ActionName,
			"payload":         payload,
			"idempotency_key": key,
		},
	}

	if s.runner == nil {
		return &Decision{
			Assistant:     s.composer.Compose(ctx, snap.Vertical, snap.UserInput, nil, "Confirma al cliente que su pedido esta siendo procesado."),
			Slots:         slots,
			ToolCalls:     []ToolCall{call},
			NextAction:    ActionExecuteAction,
			AttemptsCount: snap.AttemptsCount,
		}, nil
	}

	summary, _, err := s.runner.Run(ctx, workspaceID, snap.ConversationID, policy.ActionName, payload, key)
	if err != nil {
		// La falla no muta slots: el proximo turno retoma donde estaba.
		logrus.WithError(err).Warn("[Orchestrator] Action execution failed")
		return &Decision{
			Assistant:     fallbackAnswer,
			Slots:         cloneSlots(snap.Slots),
			ToolCalls:     []ToolCall{call},
			NextAction:    ActionAnswer,
			AttemptsCount: snap.AttemptsCount,
		}, nil
	}

	return &Decision{
		Assistant:     s.composer.Compose(ctx, snap.Vertical, snap.UserInput, []string{summary}, "Confirma la operacion al cliente con estos datos."),
		Slots:         slots,
		ToolCalls:     []ToolCall{call},
		ContextUsed:   []string{summary},
		NextAction:    ActionExecuteAction,
		AttemptsCount: snap.AttemptsCount,
		End:           true,
	}, nil
}

// offHoursRefusal checks the workspace business hours against the requested
// slot and, outside them, proposes in-hours alternatives.
func (s *Service) offHoursRefusal(ctx context.Context, workspaceID string, slots map[string]SlotValue) string {
	if s.tenants == nil {
		return ""
	}
	ws, err := s.tenants.GetWorkspace(ctx, workspaceID)
	if err != nil || ws.Settings.BusinessHours.Empty() {
		return ""
	}

	date, okDate := slots["preferred_date"]
	hour, okHour := slots["preferred_time"]
	if !okDate || !okHour {
		return ""
	}
	when, err := time.Parse("2006-01-02 15:04", date.Text()+" "+hour.Text())
	if err != nil {
		return ""
	}
	if ws.Settings.BusinessHours.Contains(when) {
		return ""
	}
	return fmt.Sprintf("Ese horario queda fuera de nuestra atencion (%s). ¿Te queda bien otro horario dentro de ese rango?",
		ws.Settings.BusinessHours.String())
}

func cloneSlots(slots map[string]SlotValue) map[string]SlotValue {
	out := make(map[string]SlotValue, len(slots))
	for k, v := range slots {
		out[k] = v
	}
	return out
}

// buildQuery pairs the user turn with the filled slots so retrieval sees the
// whole intent.
func buildQuery(userInput string, slots map[string]SlotValue) string {
	parts := []string{strings.TrimSpace(userInput)}
	for _, name := range []string{"category", "type", "zone", "service_type"} {
		if v, ok := slots[name]; ok && !v.Empty() {
			parts = append(parts, v.Text())
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// buildFilters derives the retrieval filter map from slots, in the grammar
// the retrieval engine normalizes.
func buildFilters(slots map[string]SlotValue) map[string]any {
	out := map[string]any{}
	for slot, filter := range map[string]string{
		"category":  "category",
		"zone":      "city",
		"operation": "operation",
	} {
		if v, ok := slots[slot]; ok && !v.Empty() {
			out[filter] = v.Text()
		}
	}
	if lo, okLo := slots["budget_min"]; okLo {
		if hi, okHi := slots["budget_max"]; okHi {
			out["price"] = lo.Text() + "-" + hi.Text()
		} else {
			out["price"] = ">=" + lo.Text()
		}
	} else if hi, ok := slots["budget_max"]; ok {
		out["price"] = "<=" + hi.Text()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var itemRe = regexp.MustCompile(`(?i)(\d+)\s+([\p{L}][\p{L}\s-]*?)(?:\s*(?:,|y\b|$))`)

// parseItems reads "2 margheritas, 1 faina" style item lists.
func parseItems(text string) []map[string]any {
	var items []map[string]any
	for _, m := range itemRe.FindAllStringSubmatch(text, -1) {
		qty, err := strconv.Atoi(m[1])
		if err != nil || qty <= 0 {
			continue
		}
		name := strings.TrimSpace(m[2])
		if name == "" {
			continue
		}
		items = append(items, map[string]any{"name": name, "quantity": qty})
	}
	return items
}

// buildActionPayload maps the filled slot state to the action contract.
func buildActionPayload(actionName string, slots map[string]SlotValue) map[string]any {
	text := func(name string) string {
		if v, ok := slots[name]; ok {
			return v.Text()
		}
		return ""
	}

	switch actionName {
	case "create_order":
		payload := map[string]any{
			"items":           parseItems(text("items")),
			"delivery_method": text("delivery_method"),
			"payment_method":  text("payment_method"),
		}
		if addr := text("address"); addr != "" {
			payload["address"] = addr
		}
		return payload
	case "schedule_visit":
		return map[string]any{
			"property_id":        text("visit_property_id"),
			"preferred_datetime": text("visit_datetime"),
			"contact_info":       map[string]any{},
		}
	default: // book_slot
		payload := map[string]any{
			"service_type":   text("service_type"),
			"preferred_date": text("preferred_date"),
			"preferred_time": text("preferred_time"),
			"client_name":    text("client_name"),
		}
		for _, opt := range []string{"client_email", "client_phone", "staff_preference"} {
			if v := text(opt); v != "" {
				payload[opt] = v
			}
		}
		return payload
	}
}

// idempotencyKey is deterministic over (conversation, action, payload), so a
// replayed turn reuses the recorded execution.
func idempotencyKey(conversationID, actionName string, payload map[string]any) string {
	var b strings.Builder
	b.WriteString(conversationID)
	b.WriteByte('|')
	b.WriteString(actionName)
	b.WriteByte('|')
	writeCanonicalPayload(&b, payload)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

func writeCanonicalPayload(b *strings.Builder, payload map[string]any) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(b, "%v", payload[k])
		b.WriteByte(';')
	}
}

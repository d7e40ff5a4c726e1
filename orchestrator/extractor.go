package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/charla-io/charla/infrastructure/ai"
)

// SlotExtractor pulls slot candidates out of a user turn. The LLM path is
// constrained to the vertical's slot set with a JSON schema; if the call or
// the parse fails, keyword heuristics take over.
type SlotExtractor struct {
	llm ai.LLMProvider
}

func NewSlotExtractor(llm ai.LLMProvider) *SlotExtractor {
	return &SlotExtractor{llm: llm}
}

const extractorSystemPrompt = `Sos un extractor de datos. Dado el mensaje de un cliente,
extrae unicamente los campos pedidos. No inventes valores: si un campo no
aparece en el mensaje, omitilo. Responde solo JSON.`

// Extract returns the slots found in userInput, typed via InferSlot. Never
// errors: on any failure it degrades to the keyword fallback.
func (e *SlotExtractor) Extract(ctx context.Context, policy PolicyConfig, userInput string) map[string]SlotValue {
	if strings.TrimSpace(userInput) == "" {
		return nil
	}

	if e.llm != nil {
		if slots, err := e.extractLLM(ctx, policy, userInput); err == nil {
			return slots
		} else {
			logrus.WithError(err).Debug("[Orchestrator] LLM slot extraction failed, using keyword fallback")
		}
	}
	return KeywordExtract(policy, userInput)
}

func (e *SlotExtractor) extractLLM(ctx context.Context, policy PolicyConfig, userInput string) (map[string]SlotValue, error) {
	allSlots := append(append([]string{}, policy.RequiredSlots...), policy.OptionalSlots...)

	properties := map[string]any{}
	for _, name := range allSlots {
		properties[name] = map[string]any{"type": []string{"string", "number", "boolean", "null"}}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}

	prompt := fmt.Sprintf("Campos posibles: %s\n\nMensaje del cliente: %q", strings.Join(allSlots, ", "), userInput)
	raw, err := e.llm.CompleteJSON(ctx, extractorSystemPrompt, prompt, "slot_extraction", schema)
	if err != nil {
		return nil, err
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse slot json: %w", err)
	}

	out := make(map[string]SlotValue)
	for k, v := range parsed {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		out[k] = InferSlot(v)
	}
	return out, nil
}

var (
	deliveryRe = regexp.MustCompile(`(?i)\b(delivery|env[ií]o|a domicilio|me lo (env[ií]|tra[ei])|mandar)\b`)
	pickupRe   = regexp.MustCompile(`(?i)\b(pickup|retiro|retirar|lo paso a buscar|por el local)\b`)
	cashRe     = regexp.MustCompile(`(?i)\b(efectivo|cash)\b`)
	cardRe     = regexp.MustCompile(`(?i)\b(tarjeta|d[eé]bito|cr[eé]dito|card)\b`)
	addressRe  = regexp.MustCompile(`(?i)\b(?:a|en)\s+((?:av\.?|avenida|calle|diagonal|pasaje)\s+[\wáéíóúñ\.\s]+?\s+\d+)`)
	dateRe     = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	timeRe     = regexp.MustCompile(`\b(\d{1,2}:\d{2})\b`)
	buyRe      = regexp.MustCompile(`(?i)\b(comprar|compra|venta)\b`)
	rentRe     = regexp.MustCompile(`(?i)\b(alquilar|alquiler|renta)\b`)
)

// KeywordExtract is the tolerant fallback: cheap pattern matching over the
// vertical's slot set.
func KeywordExtract(policy PolicyConfig, userInput string) map[string]SlotValue {
	out := make(map[string]SlotValue)
	text := strings.TrimSpace(userInput)

	has := func(name string) bool {
		for _, s := range policy.RequiredSlots {
			if s == name {
				return true
			}
		}
		for _, s := range policy.OptionalSlots {
			if s == name {
				return true
			}
		}
		return false
	}

	if has("delivery_method") {
		if deliveryRe.MatchString(text) {
			out["delivery_method"] = StringSlot("delivery")
		} else if pickupRe.MatchString(text) {
			out["delivery_method"] = StringSlot("pickup")
		}
	}
	if has("payment_method") {
		if cashRe.MatchString(text) {
			out["payment_method"] = StringSlot("cash")
		} else if cardRe.MatchString(text) {
			out["payment_method"] = StringSlot("card")
		}
	}
	if has("address") {
		if m := addressRe.FindStringSubmatch(text); m != nil {
			out["address"] = StringSlot(strings.TrimSpace(m[1]))
		}
	}
	if has("operation") {
		if buyRe.MatchString(text) {
			out["operation"] = StringSlot("venta")
		} else if rentRe.MatchString(text) {
			out["operation"] = StringSlot("alquiler")
		}
	}
	if m := dateRe.FindStringSubmatch(text); m != nil {
		if has("preferred_date") {
			out["preferred_date"] = DateSlot(m[1])
		} else if has("visit_datetime") {
			out["visit_datetime"] = StringSlot(m[1])
		}
	}
	if m := timeRe.FindStringSubmatch(text); m != nil && has("preferred_time") {
		out["preferred_time"] = TimeSlot(m[1])
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

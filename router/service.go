package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/core/tenant"
	"github.com/charla-io/charla/infrastructure/ephemeral"
	"github.com/charla-io/charla/infrastructure/whatsapp"
	"github.com/charla-io/charla/observability"
	"github.com/charla-io/charla/orchestrator"
	pkgError "github.com/charla-io/charla/pkg/error"
)

const dedupTTL = time.Hour

// Decider is the orchestrator surface the router dispatches turns to.
type Decider interface {
	Decide(ctx context.Context, workspaceID string, snap orchestrator.Snapshot) (*orchestrator.Decision, error)
}

// Service routes inbound provider messages: dedup, debounce, conversation
// assembly, orchestrator dispatch, outbound reply. One Service per process.
type Service struct {
	resolver *tenant.Resolver
	repo     Repository
	dedup    ephemeral.DedupStore
	buffer   ephemeral.DebounceBuffer
	limiter  ephemeral.RateLimiter
	decider  Decider
	sender   whatsapp.Provider
	cfg      config.RouterConfig

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inFlight map[string]bool
	wg       sync.WaitGroup
	closed   bool
}

func NewService(resolver *tenant.Resolver, repo Repository, dedup ephemeral.DedupStore, buffer ephemeral.DebounceBuffer, limiter ephemeral.RateLimiter, decider Decider, sender whatsapp.Provider, cfg config.RouterConfig) *Service {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 700 * time.Millisecond
	}
	if cfg.DebounceMax <= 0 {
		cfg.DebounceMax = 5
	}
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = 2000
	}
	return &Service{
		resolver: resolver,
		repo:     repo,
		dedup:    dedup,
		buffer:   buffer,
		limiter:  limiter,
		decider:  decider,
		sender:   sender,
		cfg:      cfg,
		timers:   make(map[string]*time.Timer),
		inFlight: make(map[string]bool),
	}
}

// HandleInbound processes one verified webhook delivery.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) (*RouteResult, error) {
	if strings.TrimSpace(in.Body) == "" && in.MediaURL == "" {
		return nil, pkgError.ValidationError("mensaje sin contenido")
	}
	if len(in.Body) > s.cfg.MaxBodyChars {
		return nil, pkgError.ValidationError("el cuerpo del mensaje excede el máximo permitido")
	}
	if in.ProviderSID == "" {
		return nil, pkgError.ValidationError("MessageSid es requerido")
	}

	from, err := NormalizePhone(in.From)
	if err != nil {
		return nil, err
	}
	to, err := NormalizePhone(in.To)
	if err != nil {
		return nil, err
	}

	binding, err := s.resolver.Resolve(ctx, BarePhone(to), BarePhone(from), in.ProfileName)
	if err != nil {
		return nil, pkgError.NotFoundError("canal no registrado para " + to)
	}
	ws := binding.Workspace

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, ws.ID, binding.Contact.ID)
		if err != nil {
			logrus.WithError(err).Warn("[Router] Rate limiter unavailable, allowing message")
		} else if !allowed {
			observability.WebhookReceived.WithLabelValues(OutcomeRateLimited).Inc()
			return nil, pkgError.RateLimitedError("demasiados mensajes, esperá un momento")
		}
	}

	won, err := s.dedup.SetIfAbsent(ctx, ws.ID, in.ProviderSID, dedupTTL)
	if err != nil {
		return nil, err
	}
	if !won {
		observability.WebhookReceived.WithLabelValues(OutcomeDuplicate).Inc()
		logrus.WithFields(logrus.Fields{
			"workspace_id": ws.ID,
			"provider_sid": in.ProviderSID,
		}).Debug("[Router] Duplicate inbound message discarded")
		return &RouteResult{NextAction: OutcomeDuplicate}, nil
	}

	conv, err := s.repo.OpenConversation(ctx, ws.ID, binding.Channel.ID, binding.Contact.ID)
	if err != nil {
		return nil, err
	}

	msg := Message{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		Role:              RoleUser,
		Direction:         DirectionInbound,
		MessageType:       messageType(in),
		ProviderMessageID: in.ProviderSID,
		Content:           in.Body,
		MediaURL:          in.MediaURL,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.repo.SaveMessage(ctx, ws.ID, msg); err != nil {
		return nil, err
	}

	count, err := s.buffer.Append(ctx, ws.ID, binding.Contact.ID, ephemeral.BufferedMessage{
		MessageID:  msg.ID,
		ProviderID: in.ProviderSID,
		Text:       in.Body,
		ReceivedAt: msg.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	observability.WebhookReceived.WithLabelValues(OutcomeBuffered).Inc()

	if count >= s.cfg.DebounceMax {
		// Tope del buffer: no esperamos más silencio.
		s.cancelTimer(ws.ID, binding.Contact.ID)
		s.dispatchFlush(binding, conv, "threshold")
		return &RouteResult{NextAction: OutcomeDispatched, ConversationID: conv.ID, MessageID: msg.ID}, nil
	}

	// Cada mensaje rearma la ventana: el flush dispara cuando el contacto
	// deja de escribir, con todo lo acumulado en un solo turno.
	s.scheduleFlush(binding, conv, s.cfg.DebounceWindow)
	return &RouteResult{NextAction: OutcomeBuffered, ConversationID: conv.ID, MessageID: msg.ID}, nil
}

// PoolStats is a point-in-time view of the dispatch state.
type PoolStats struct {
	PendingTimers int `json:"pending_timers"`
	InFlight      int `json:"in_flight"`
}

func (s *Service) Stats() PoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	busy := 0
	for _, b := range s.inFlight {
		if b {
			busy++
		}
	}
	return PoolStats{PendingTimers: len(s.timers), InFlight: busy}
}

// Shutdown cancels pending delayed flushes and waits for in-flight turns.
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func flushKey(workspaceID, contactID string) string {
	return workspaceID + "|" + contactID
}

func (s *Service) cancelTimer(workspaceID, contactID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[flushKey(workspaceID, contactID)]; ok {
		t.Stop()
		delete(s.timers, flushKey(workspaceID, contactID))
	}
}

// scheduleFlush arms the delayed flush for the contact, replacing any
// previous timer.
func (s *Service) scheduleFlush(binding tenant.Binding, conv Conversation, delay time.Duration) {
	key := flushKey(binding.Workspace.ID, binding.Contact.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		s.dispatchFlush(binding, conv, "timer")
	})
}

// dispatchFlush runs the flush on its own goroutine, guaranteeing at most
// one orchestrator call in flight per (workspace, contact).
func (s *Service) dispatchFlush(binding tenant.Binding, conv Conversation, trigger string) {
	key := flushKey(binding.Workspace.ID, binding.Contact.ID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.inFlight[key] {
		// Un turno en curso: los mensajes quedan en el buffer y el timer
		// los recoge cuando termine.
		s.mu.Unlock()
		s.scheduleFlush(binding, conv, s.cfg.DebounceWindow)
		return
	}
	s.inFlight[key] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, key)
			s.mu.Unlock()
			s.wg.Done()
		}()
		observability.DebounceFlushes.WithLabelValues(trigger).Inc()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		s.flushTurn(ctx, binding, conv)
	}()
}

// flushTurn drains the buffer, persists the synthetic combined turn, asks
// the orchestrator for a decision and sends the reply.
func (s *Service) flushTurn(ctx context.Context, binding tenant.Binding, conv Conversation) {
	ws := binding.Workspace

	msgs, err := s.buffer.Flush(ctx, ws.ID, binding.Contact.ID)
	if err != nil {
		logrus.WithError(err).Error("[Router] Debounce flush failed")
		return
	}
	if len(msgs) == 0 {
		return
	}

	parts := make([]string, 0, len(msgs))
	sourceIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Text) != "" {
			parts = append(parts, strings.TrimSpace(m.Text))
		}
		sourceIDs = append(sourceIDs, m.MessageID)
	}
	combined := strings.Join(parts, " ")
	lastProviderID := msgs[len(msgs)-1].ProviderID

	// El turno sintético también entra al historial, con sufijo determinista
	// para respetar la unicidad por workspace.
	syntheticID := uuid.NewString()
	if len(msgs) > 1 {
		if err := s.repo.SaveMessage(ctx, ws.ID, Message{
			ID:                syntheticID,
			ConversationID:    conv.ID,
			Role:              RoleUser,
			Direction:         DirectionInbound,
			MessageType:       "text",
			ProviderMessageID: lastProviderID + ":agg",
			Content:           combined,
			Metadata:          map[string]any{"synthetic": true, "source_message_ids": sourceIDs},
			CreatedAt:         time.Now().UTC(),
		}); err != nil {
			logrus.WithError(err).Error("[Router] Could not persist synthetic turn")
			return
		}
	}

	state, err := s.repo.GetState(ctx, ws.ID, conv.ID)
	if err != nil {
		logrus.WithError(err).Error("[Router] Could not load conversation state")
		return
	}

	decision, err := s.decider.Decide(ctx, ws.ID, orchestrator.Snapshot{
		ConversationID: conv.ID,
		Vertical:       ws.Vertical,
		UserInput:      combined,
		Greeted:        state.Greeted,
		Slots:          toSlotValues(state.Slots),
		Objective:      state.Objective,
		LastAction:     state.LastAction,
		AttemptsCount:  state.AttemptsCount,
	})
	if err != nil {
		var throttled orchestrator.ThrottledError
		if errors.As(err, &throttled) {
			// Demasiado pronto: los mensajes vuelven al buffer y el timer
			// reintenta pasado el margen.
			for _, m := range msgs {
				if _, err := s.buffer.Append(ctx, ws.ID, binding.Contact.ID, m); err != nil {
					logrus.WithError(err).Error("[Router] Could not re-buffer throttled turn")
					return
				}
			}
			s.scheduleFlush(binding, conv, throttled.RetryAfter+s.cfg.DebounceWindow)
			return
		}
		logrus.WithError(err).WithField("conversation_id", conv.ID).Error("[Router] Orchestrator decision failed")
		return
	}

	if err := s.repo.SaveState(ctx, ws.ID, ConversationState{
		ConversationID: conv.ID,
		WorkspaceID:    ws.ID,
		Slots:          fromSlotValues(decision.Slots),
		Objective:      state.Objective,
		Greeted:        true,
		AttemptsCount:  decision.AttemptsCount,
		LastAction:     string(decision.NextAction),
	}); err != nil {
		logrus.WithError(err).Error("[Router] Could not persist conversation state")
		return
	}

	var providerSID string
	if s.sender != nil && decision.Assistant != "" {
		sid, err := s.sender.SendMessage(ctx, "whatsapp:"+binding.Channel.DisplayPhone, "whatsapp:"+binding.Contact.Phone, decision.Assistant)
		if err != nil {
			logrus.WithError(err).Error("[Router] Outbound send failed")
		} else {
			providerSID = sid
		}
	}

	if decision.Assistant != "" {
		if err := s.repo.SaveMessage(ctx, ws.ID, Message{
			ID:                uuid.NewString(),
			ConversationID:    conv.ID,
			Role:              RoleAssistant,
			Direction:         DirectionOutbound,
			MessageType:       "text",
			ProviderMessageID: providerSID,
			Content:           decision.Assistant,
			CreatedAt:         time.Now().UTC(),
		}); err != nil {
			logrus.WithError(err).Error("[Router] Could not persist assistant reply")
		}
	}

	if decision.End && decision.NextAction == orchestrator.ActionAskHuman {
		if err := s.repo.CloseConversation(ctx, ws.ID, conv.ID); err != nil {
			logrus.WithError(err).Warn("[Router] Could not close escalated conversation")
		}
	}

	logrus.WithFields(logrus.Fields{
		"workspace_id":    ws.ID,
		"conversation_id": conv.ID,
		"contact":         observability.MaskPhone(binding.Contact.Phone),
		"next_action":     decision.NextAction,
		"aggregated":      len(msgs),
	}).Info("[Router] Turn dispatched")
}

func messageType(in Inbound) string {
	if in.MessageType != "" {
		return in.MessageType
	}
	if in.MediaURL != "" {
		return "media"
	}
	return "text"
}

// toSlotValues retypes the persisted plain-JSON slot map for the FSM.
func toSlotValues(slots map[string]any) map[string]orchestrator.SlotValue {
	out := make(map[string]orchestrator.SlotValue, len(slots))
	for k, v := range slots {
		out[k] = orchestrator.InferSlot(v)
	}
	return out
}

// fromSlotValues flattens the decision slots back to plain JSON values.
func fromSlotValues(slots map[string]orchestrator.SlotValue) map[string]any {
	raw, err := json.Marshal(slots)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

package actions

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/charla-io/charla/core/database"
	"github.com/charla-io/charla/core/tenant"
	"github.com/charla-io/charla/observability"
	pkgError "github.com/charla-io/charla/pkg/error"
)

// Service is the action executor. The claim commits on its own so concurrent
// duplicates observe the in-flight row; the handler then runs in a second
// tenant transaction where the domain row, the outbox event and the success
// finalization commit together.
type Service struct {
	db       *gorm.DB
	repo     *Repository
	tenants  tenant.Repository
	handlers map[string]Handler
	timeout  time.Duration
}

func NewService(db *gorm.DB, repo *Repository, tenants tenant.Repository, handlers []Handler, stmtTimeout time.Duration) *Service {
	table := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		table[h.Name()] = h
	}
	// schedule_appointment es un alias historico de book_slot.
	if h, ok := table["book_slot"]; ok {
		table["schedule_appointment"] = h
	}
	return &Service{db: db, repo: repo, tenants: tenants, handlers: table, timeout: stmtTimeout}
}

func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	defer func() {
		observability.ActionDuration.WithLabelValues(req.ActionName).Observe(time.Since(start).Seconds())
	}()

	if err := validation.ValidateStructWithContext(ctx, &req,
		validation.Field(&req.ActionName, validation.Required),
		validation.Field(&req.IdempotencyKey, validation.Required, validation.Length(1, 64)),
		validation.Field(&req.ConversationID, validation.Required),
	); err != nil {
		observability.ActionRequests.WithLabelValues(req.ActionName, "invalid").Inc()
		return nil, pkgError.ValidationError(err.Error())
	}

	handler, ok := s.handlers[strings.ToLower(req.ActionName)]
	if !ok {
		observability.ActionRequests.WithLabelValues(req.ActionName, "invalid").Inc()
		return nil, pkgError.ValidationError("accion desconocida: " + req.ActionName)
	}

	ws, err := s.tenants.GetWorkspace(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	fingerprint := Fingerprint(req.Payload)

	// Fase 1: reclamar la clave. Commit propio para que los duplicados
	// concurrentes vean la fila en processing.
	var exec Execution
	var inserted bool
	err = database.TenantSession(ctx, s.db, req.WorkspaceID, s.timeout, func(tx *gorm.DB) error {
		var err error
		exec, inserted, err = s.repo.InsertOrClaim(tx, Execution{
			WorkspaceID:    req.WorkspaceID,
			ConversationID: req.ConversationID,
			ActionName:     req.ActionName,
			IdempotencyKey: req.IdempotencyKey,
			Details:        map[string]any{"fingerprint": fingerprint},
		})
		return err
	})
	if err != nil {
		observability.ActionRequests.WithLabelValues(req.ActionName, "error").Inc()
		return nil, err
	}

	if !inserted {
		// Replay: una huella distinta se registra pero no se rechaza.
		if stored, ok := exec.Details["fingerprint"].(string); ok && stored != fingerprint {
			logrus.WithFields(logrus.Fields{
				"action_id":       exec.ID,
				"idempotency_key": req.IdempotencyKey,
			}).Warn("[Actions] Payload fingerprint mismatch on replay")
		}
		observability.ActionRequests.WithLabelValues(req.ActionName, "replayed").Inc()
		result := &Result{
			ActionID:  exec.ID,
			Status:    string(exec.Status),
			Summary:   exec.Summary,
			Details:   exec.Details,
			CreatedAt: exec.CreatedAt,
			Replayed:  true,
			InFlight:  exec.Status == ExecutionProcessing,
		}
		if eta, ok := exec.Details["eta_minutes"].(float64); ok {
			n := int(eta)
			result.ETAMinutes = &n
		}
		return result, nil
	}

	// Fase 2: el handler y la finalizacion comparten transaccion.
	var outcome *Outcome
	var details map[string]any
	err = database.TenantSession(ctx, s.db, req.WorkspaceID, s.timeout, func(tx *gorm.DB) error {
		var handlerErr error
		outcome, handlerErr = handler.Execute(ctx, tx, ws, req.ConversationID, req.Payload)
		if handlerErr != nil {
			return handlerErr
		}

		details = outcome.Details
		if details == nil {
			details = map[string]any{}
		}
		details["fingerprint"] = fingerprint
		details["action_execution_id"] = exec.ID

		if err := s.repo.Finalize(tx, req.WorkspaceID, exec.ID, ExecutionSuccess, outcome.Summary, details); err != nil {
			return err
		}
		return s.repo.WriteOutbox(tx, req.WorkspaceID, outcome.EventType, details)
	})
	if err != nil {
		s.recordFailure(ctx, req.WorkspaceID, exec.ID, err)
		observability.ActionRequests.WithLabelValues(req.ActionName, "failed").Inc()
		return nil, err
	}

	observability.ActionRequests.WithLabelValues(req.ActionName, "success").Inc()
	return &Result{
		ActionID:   exec.ID,
		Status:     string(ExecutionSuccess),
		Summary:    outcome.Summary,
		Details:    details,
		CreatedAt:  exec.CreatedAt,
		ETAMinutes: outcome.ETAMinutes,
	}, nil
}

// recordFailure persists the failed status after the domain writes rolled
// back. The claim row survived phase 1, so the update lands.
func (s *Service) recordFailure(ctx context.Context, workspaceID, executionID string, cause error) {
	err := database.TenantSession(ctx, s.db, workspaceID, s.timeout, func(tx *gorm.DB) error {
		return s.repo.Finalize(tx, workspaceID, executionID, ExecutionFailed,
			"la accion fallo", map[string]any{"error": cause.Error()})
	})
	if err != nil {
		logrus.WithError(err).Error("[Actions] Could not record execution failure")
	}
}

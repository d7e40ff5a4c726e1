package actions

import (
	"time"

	"github.com/shopspring/decimal"
)

type ExecutionStatus string

const (
	ExecutionProcessing ExecutionStatus = "processing"
	ExecutionSuccess    ExecutionStatus = "success"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// Execution is the idempotency log of one business operation. Rows are
// immutable after reaching a terminal status; replays with the same
// (workspace, idempotency_key) return the recorded result.
type Execution struct {
	ID             string
	WorkspaceID    string
	ConversationID string
	ActionName     string
	IdempotencyKey string
	Status         ExecutionStatus
	Summary        string
	Details        map[string]any
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Request is the execute_action input.
type Request struct {
	WorkspaceID    string
	ConversationID string         `json:"conversation_id"`
	ActionName     string         `json:"action_name"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Result is what the endpoint returns. Replayed describes whether the row
// pre-existed (terminal replay answers 200, in-flight answers 202).
type Result struct {
	ActionID   string         `json:"action_id"`
	Status     string         `json:"status"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ETAMinutes *int           `json:"eta_minutes,omitempty"`
	Replayed   bool           `json:"-"`
	InFlight   bool           `json:"-"`
}

// Catalog entities, all tenant-scoped and filtered to active rows.

type MenuItem struct {
	ID          string
	WorkspaceID string
	SKU         string
	Name        string
	Price       decimal.Decimal
	Active      bool
}

type Property struct {
	ID          string
	WorkspaceID string
	Title       string
	City        string
	Operation   string
	Price       decimal.Decimal
	Available   bool
}

type ServiceType struct {
	ID          string
	WorkspaceID string
	Name        string
	DurationMin int
	Price       decimal.Decimal
	Active      bool
}

type StaffMember struct {
	ID          string
	WorkspaceID string
	Name        string
	CalendarID  string
	Active      bool
}

// Domain rows written by the handlers.

type Order struct {
	ID             string
	WorkspaceID    string
	ConversationID string
	Items          []OrderItem
	Total          decimal.Decimal
	DeliveryMethod string
	Address        string
	PaymentMethod  string
	Status         string
	CreatedAt      time.Time
}

type OrderItem struct {
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Unit     decimal.Decimal `json:"unit_price"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

type Visit struct {
	ID                string
	WorkspaceID       string
	ConversationID    string
	PropertyID        string
	PreferredDatetime time.Time
	ContactInfo       map[string]any
	Status            string
	CreatedAt         time.Time
}

type Appointment struct {
	ID             string
	WorkspaceID    string
	ConversationID string
	ServiceTypeID  string
	StaffID        string
	ScheduledAt    time.Time
	DurationMin    int
	ClientName     string
	ClientEmail    string
	ClientPhone    string
	GoogleEventID  string
	Status         string
	CreatedAt      time.Time
}

// OutboxEvent is written in the same transaction as the domain row and
// drained by a downstream delivery worker.
type OutboxEvent struct {
	ID          string
	WorkspaceID string
	EventType   string
	Payload     map[string]any
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/charla-io/charla/core/tenant"
	pkgError "github.com/charla-io/charla/pkg/error"
)

// Outcome is what a handler reports back to the executor.
type Outcome struct {
	Summary    string
	Details    map[string]any
	EventType  string
	ETAMinutes *int
}

// Handler implements one business action. It runs inside the execution's
// tenant transaction: domain row, outbox event and execution finalization
// commit together.
type Handler interface {
	Name() string
	Execute(ctx context.Context, tx *gorm.DB, ws tenant.Workspace, conversationID string, payload map[string]any) (*Outcome, error)
}

func decodePayload(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return pkgError.ValidationError("payload invalido")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return pkgError.ValidationError("payload invalido: " + err.Error())
	}
	return nil
}

// --- create_order (food service) ---

type orderItemInput struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

type createOrderInput struct {
	Items          []orderItemInput `json:"items"`
	DeliveryMethod string           `json:"delivery_method"`
	Address        string           `json:"address"`
	PaymentMethod  string           `json:"payment_method"`
}

type CreateOrderHandler struct {
	repo *Repository
}

func NewCreateOrderHandler(repo *Repository) *CreateOrderHandler {
	return &CreateOrderHandler{repo: repo}
}

func (h *CreateOrderHandler) Name() string { return "create_order" }

func (h *CreateOrderHandler) Execute(ctx context.Context, tx *gorm.DB, ws tenant.Workspace, conversationID string, payload map[string]any) (*Outcome, error) {
	var input createOrderInput
	if err := decodePayload(payload, &input); err != nil {
		return nil, err
	}
	err := validation.ValidateStructWithContext(ctx, &input,
		validation.Field(&input.Items, validation.Required, validation.Length(1, 50)),
		validation.Field(&input.DeliveryMethod, validation.Required, validation.In("pickup", "delivery")),
		validation.Field(&input.PaymentMethod, validation.Required),
		validation.Field(&input.Address, validation.When(input.DeliveryMethod == "delivery", validation.Required)),
	)
	if err != nil {
		return nil, pkgError.ValidationError(err.Error())
	}

	total := decimal.Zero
	items := make([]OrderItem, 0, len(input.Items))
	for _, in := range input.Items {
		if in.Quantity <= 0 {
			in.Quantity = 1
		}
		lookup := in.SKU
		if lookup == "" {
			lookup = in.Name
		}
		item, err := h.repo.FindMenuItem(tx, ws.ID, lookup)
		if err != nil {
			return nil, err
		}
		subtotal := item.Price.Mul(decimal.NewFromInt(int64(in.Quantity))).Round(2)
		items = append(items, OrderItem{
			SKU:      item.SKU,
			Name:     item.Name,
			Quantity: in.Quantity,
			Unit:     item.Price,
			Subtotal: subtotal,
		})
		total = total.Add(subtotal)
	}
	total = total.Round(2)

	order, err := h.repo.CreateOrder(tx, Order{
		WorkspaceID:    ws.ID,
		ConversationID: conversationID,
		Items:          items,
		Total:          total,
		DeliveryMethod: input.DeliveryMethod,
		Address:        input.Address,
		PaymentMethod:  input.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}

	eta := 15 + 2*len(items)
	return &Outcome{
		Summary: fmt.Sprintf("Pedido confirmado: %d items, total $%s", len(items), total.StringFixed(2)),
		Details: map[string]any{
			"order_id":        order.ID,
			"items":           items,
			"total":           total.StringFixed(2),
			"delivery_method": order.DeliveryMethod,
			"eta_minutes":     eta,
		},
		EventType:  "order_created",
		ETAMinutes: &eta,
	}, nil
}

// --- schedule_visit (real estate) ---

type scheduleVisitInput struct {
	PropertyID        string         `json:"property_id"`
	PreferredDatetime string         `json:"preferred_datetime"`
	ContactInfo       map[string]any `json:"contact_info"`
}

type ScheduleVisitHandler struct {
	repo *Repository
}

func NewScheduleVisitHandler(repo *Repository) *ScheduleVisitHandler {
	return &ScheduleVisitHandler{repo: repo}
}

func (h *ScheduleVisitHandler) Name() string { return "schedule_visit" }

func (h *ScheduleVisitHandler) Execute(ctx context.Context, tx *gorm.DB, ws tenant.Workspace, conversationID string, payload map[string]any) (*Outcome, error) {
	var input scheduleVisitInput
	if err := decodePayload(payload, &input); err != nil {
		return nil, err
	}
	err := validation.ValidateStructWithContext(ctx, &input,
		validation.Field(&input.PropertyID, validation.Required, is.UUIDv4),
		validation.Field(&input.PreferredDatetime, validation.Required),
	)
	if err != nil {
		return nil, pkgError.ValidationError(err.Error())
	}

	when, err := time.Parse(time.RFC3339, input.PreferredDatetime)
	if err != nil {
		return nil, pkgError.ValidationError("preferred_datetime debe ser RFC3339")
	}

	property, err := h.repo.GetProperty(tx, ws.ID, input.PropertyID)
	if err != nil {
		return nil, err
	}
	if !property.Available {
		return nil, pkgError.ValidationError("la propiedad no esta disponible")
	}

	visit, err := h.repo.CreateVisit(tx, Visit{
		WorkspaceID:       ws.ID,
		ConversationID:    conversationID,
		PropertyID:        property.ID,
		PreferredDatetime: when,
		ContactInfo:       input.ContactInfo,
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Summary: fmt.Sprintf("Visita agendada a %s para %s", property.Title, when.Format("2006-01-02 15:04")),
		Details: map[string]any{
			"visit_id":           visit.ID,
			"property_id":        property.ID,
			"property_title":     property.Title,
			"preferred_datetime": when.Format(time.RFC3339),
		},
		EventType: "visit_scheduled",
	}, nil
}

// --- book_slot / schedule_appointment (personal services) ---

type bookSlotInput struct {
	ServiceType     string `json:"service_type"`
	PreferredDate   string `json:"preferred_date"`
	PreferredTime   string `json:"preferred_time"`
	ClientName      string `json:"client_name"`
	ClientEmail     string `json:"client_email"`
	ClientPhone     string `json:"client_phone"`
	StaffPreference string `json:"staff_preference"`
}

type BookSlotHandler struct {
	repo     *Repository
	calendar CalendarProvider
}

func NewBookSlotHandler(repo *Repository, calendar CalendarProvider) *BookSlotHandler {
	return &BookSlotHandler{repo: repo, calendar: calendar}
}

func (h *BookSlotHandler) Name() string { return "book_slot" }

func (h *BookSlotHandler) Execute(ctx context.Context, tx *gorm.DB, ws tenant.Workspace, conversationID string, payload map[string]any) (*Outcome, error) {
	var input bookSlotInput
	if err := decodePayload(payload, &input); err != nil {
		return nil, err
	}
	err := validation.ValidateStructWithContext(ctx, &input,
		validation.Field(&input.ServiceType, validation.Required),
		validation.Field(&input.PreferredDate, validation.Required, validation.Date("2006-01-02")),
		validation.Field(&input.PreferredTime, validation.Required, validation.Date("15:04")),
		validation.Field(&input.ClientName, validation.Required),
		validation.Field(&input.ClientEmail, is.EmailFormat),
	)
	if err != nil {
		return nil, pkgError.ValidationError(err.Error())
	}

	start, err := time.Parse("2006-01-02 15:04", input.PreferredDate+" "+input.PreferredTime)
	if err != nil {
		return nil, pkgError.ValidationError("fecha u hora invalida")
	}

	service, err := h.repo.FindServiceType(tx, ws.ID, input.ServiceType)
	if err != nil {
		return nil, err
	}
	duration := service.DurationMin
	if duration <= 0 {
		duration = 60
	}
	end := start.Add(time.Duration(duration) * time.Minute)

	staff, err := h.assignStaff(ctx, tx, ws, input.StaffPreference, start, end)
	if err != nil {
		return nil, err
	}

	// El evento externo se crea antes del commit: si falla, no queda turno.
	eventID := ""
	if h.calendar != nil && ws.Settings.CalendarID != "" && ws.Settings.CalendarToken != "" {
		eventID, err = h.calendar.CreateEvent(ctx, ws.Settings.CalendarID, ws.Settings.CalendarToken, CalendarEvent{
			Summary:   fmt.Sprintf("%s — %s", service.Name, input.ClientName),
			StartTime: start,
			EndTime:   end,
			Attendee:  input.ClientEmail,
		})
		if err != nil {
			return nil, err
		}
	}

	appt, err := h.repo.CreateAppointment(tx, Appointment{
		WorkspaceID:    ws.ID,
		ConversationID: conversationID,
		ServiceTypeID:  service.ID,
		StaffID:        staff.ID,
		ScheduledAt:    start,
		DurationMin:    duration,
		ClientName:     input.ClientName,
		ClientEmail:    input.ClientEmail,
		ClientPhone:    input.ClientPhone,
		GoogleEventID:  eventID,
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Summary: fmt.Sprintf("Turno de %s con %s el %s", service.Name, staff.Name, start.Format("2006-01-02 15:04")),
		Details: map[string]any{
			"appointment_id":  appt.ID,
			"service_type":    service.Name,
			"staff":           staff.Name,
			"scheduled_at":    start.Format(time.RFC3339),
			"duration_min":    duration,
			"google_event_id": eventID,
		},
		EventType: "appointment_booked",
	}, nil
}

// assignStaff honors an explicit preference, otherwise picks the first
// active member free at the slot (no overlapping appointment and, when a
// private calendar exists, no conflicting event).
func (h *BookSlotHandler) assignStaff(ctx context.Context, tx *gorm.DB, ws tenant.Workspace, preference string, start, end time.Time) (StaffMember, error) {
	members, err := h.repo.ListActiveStaff(tx, ws.ID)
	if err != nil {
		return StaffMember{}, err
	}
	if len(members) == 0 {
		return StaffMember{}, pkgError.NotFoundError("no hay personal disponible")
	}

	if preference != "" {
		for _, m := range members {
			if strings.EqualFold(m.Name, preference) {
				busy, err := h.staffBusy(ctx, tx, ws, m, start, end)
				if err != nil {
					return StaffMember{}, err
				}
				if busy {
					return StaffMember{}, pkgError.ConflictError(m.Name + " no esta libre en ese horario")
				}
				return m, nil
			}
		}
		return StaffMember{}, pkgError.NotFoundError("no encontramos a " + preference)
	}

	for _, m := range members {
		busy, err := h.staffBusy(ctx, tx, ws, m, start, end)
		if err != nil {
			return StaffMember{}, err
		}
		if !busy {
			return m, nil
		}
	}
	return StaffMember{}, pkgError.ConflictError("no hay horarios libres para ese momento")
}

func (h *BookSlotHandler) staffBusy(ctx context.Context, tx *gorm.DB, ws tenant.Workspace, m StaffMember, start, end time.Time) (bool, error) {
	overlap, err := h.repo.HasAppointmentOverlap(tx, ws.ID, m.ID, start, end)
	if err != nil || overlap {
		return overlap, err
	}
	if h.calendar == nil || ws.Settings.CalendarToken == "" {
		return false, nil
	}
	calendarID := m.CalendarID
	if calendarID == "" {
		calendarID = ws.Settings.CalendarID
	}
	if calendarID == "" {
		return false, nil
	}
	busy, err := h.calendar.IsBusy(ctx, calendarID, ws.Settings.CalendarToken, start, end)
	if err != nil {
		// El chequeo de calendario es best-effort.
		logrus.WithError(err).Warn("[Actions] Calendar availability check failed")
		return false, nil
	}
	return busy, nil
}

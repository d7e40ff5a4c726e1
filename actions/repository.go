package actions

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/core/database"
	pkgError "github.com/charla-io/charla/pkg/error"
)

type executionModel struct {
	ID             string `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID    string `gorm:"column:workspace_id;type:uuid;index:idx_exec_idem,unique"`
	ConversationID string `gorm:"column:conversation_id;type:uuid"`
	ActionName     string `gorm:"column:action_name"`
	IdempotencyKey string `gorm:"column:idempotency_key;index:idx_exec_idem,unique"`
	Status         string `gorm:"column:status"`
	Summary        string `gorm:"column:summary"`
	Details        []byte `gorm:"column:details;type:jsonb"`
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

func (executionModel) TableName() string { return "action_executions" }

type menuItemModel struct {
	ID          string          `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID string          `gorm:"column:workspace_id;type:uuid;index"`
	SKU         string          `gorm:"column:sku"`
	Name        string          `gorm:"column:name"`
	Price       decimal.Decimal `gorm:"column:price;type:numeric(12,2)"`
	Active      bool            `gorm:"column:active"`
}

func (menuItemModel) TableName() string { return "menu_items" }

type propertyModel struct {
	ID          string          `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID string          `gorm:"column:workspace_id;type:uuid;index"`
	Title       string          `gorm:"column:title"`
	City        string          `gorm:"column:city"`
	Operation   string          `gorm:"column:operation"`
	Price       decimal.Decimal `gorm:"column:price;type:numeric(14,2)"`
	Available   bool            `gorm:"column:available"`
}

func (propertyModel) TableName() string { return "properties" }

type serviceTypeModel struct {
	ID          string          `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID string          `gorm:"column:workspace_id;type:uuid;index"`
	Name        string          `gorm:"column:name"`
	DurationMin int             `gorm:"column:duration_min"`
	Price       decimal.Decimal `gorm:"column:price;type:numeric(12,2)"`
	Active      bool            `gorm:"column:active"`
}

func (serviceTypeModel) TableName() string { return "service_types" }

type staffModel struct {
	ID          string `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID string `gorm:"column:workspace_id;type:uuid;index"`
	Name        string `gorm:"column:name"`
	CalendarID  string `gorm:"column:calendar_id"`
	Active      bool   `gorm:"column:active"`
}

func (staffModel) TableName() string { return "staff_members" }

type orderModel struct {
	ID             string          `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID    string          `gorm:"column:workspace_id;type:uuid;index"`
	ConversationID string          `gorm:"column:conversation_id;type:uuid"`
	Items          []byte          `gorm:"column:items;type:jsonb"`
	Total          decimal.Decimal `gorm:"column:total;type:numeric(12,2)"`
	DeliveryMethod string          `gorm:"column:delivery_method"`
	Address        string          `gorm:"column:address"`
	PaymentMethod  string          `gorm:"column:payment_method"`
	Status         string          `gorm:"column:status"`
	CreatedAt      time.Time
}

func (orderModel) TableName() string { return "orders" }

type visitModel struct {
	ID                string    `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID       string    `gorm:"column:workspace_id;type:uuid;index"`
	ConversationID    string    `gorm:"column:conversation_id;type:uuid"`
	PropertyID        string    `gorm:"column:property_id;type:uuid"`
	PreferredDatetime time.Time `gorm:"column:preferred_datetime"`
	ContactInfo       []byte    `gorm:"column:contact_info;type:jsonb"`
	Status            string    `gorm:"column:status"`
	CreatedAt         time.Time
}

func (visitModel) TableName() string { return "visits" }

type appointmentModel struct {
	ID             string    `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID    string    `gorm:"column:workspace_id;type:uuid;index"`
	ConversationID string    `gorm:"column:conversation_id;type:uuid"`
	ServiceTypeID  string    `gorm:"column:service_type_id;type:uuid"`
	StaffID        string    `gorm:"column:staff_id;type:uuid"`
	ScheduledAt    time.Time `gorm:"column:scheduled_at;index"`
	DurationMin    int       `gorm:"column:duration_min"`
	ClientName     string    `gorm:"column:client_name"`
	ClientEmail    string    `gorm:"column:client_email"`
	ClientPhone    string    `gorm:"column:client_phone"`
	GoogleEventID  string    `gorm:"column:google_event_id"`
	Status         string    `gorm:"column:status"`
	CreatedAt      time.Time
}

func (appointmentModel) TableName() string { return "appointments" }

type outboxModel struct {
	ID          string `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID string `gorm:"column:workspace_id;type:uuid;index"`
	EventType   string `gorm:"column:event_type"`
	Payload     []byte `gorm:"column:payload;type:jsonb"`
	Origin      string `gorm:"column:origin"`
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

func (outboxModel) TableName() string { return "outbox_events" }

// Repository holds the transactional persistence used by handlers. All
// methods take the handler's transaction so the domain row, the outbox event
// and the execution finalization commit together.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Init() error {
	return r.db.AutoMigrate(
		&executionModel{}, &menuItemModel{}, &propertyModel{}, &serviceTypeModel{},
		&staffModel{}, &orderModel{}, &visitModel{}, &appointmentModel{}, &outboxModel{},
	)
}

func (r *Repository) DB() *gorm.DB { return r.db }

func toExecution(m executionModel) Execution {
	out := Execution{
		ID:             m.ID,
		WorkspaceID:    m.WorkspaceID,
		ConversationID: m.ConversationID,
		ActionName:     m.ActionName,
		IdempotencyKey: m.IdempotencyKey,
		Status:         ExecutionStatus(m.Status),
		Summary:        m.Summary,
		CreatedAt:      m.CreatedAt,
		CompletedAt:    m.CompletedAt,
	}
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &out.Details)
	}
	return out
}

// InsertOrClaim inserts the execution row, or returns the existing one when
// the (workspace, idempotency_key) pair is already taken.
func (r *Repository) InsertOrClaim(tx *gorm.DB, exec Execution) (Execution, bool, error) {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	rawDetails, _ := json.Marshal(exec.Details)

	res := tx.Exec(`INSERT INTO action_executions
		(id, workspace_id, conversation_id, action_name, idempotency_key, status, summary, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, now())
		ON CONFLICT (workspace_id, idempotency_key) DO NOTHING`,
		exec.ID, exec.WorkspaceID, exec.ConversationID, exec.ActionName,
		exec.IdempotencyKey, string(ExecutionProcessing), exec.Summary, rawDetails)
	if res.Error != nil {
		return Execution{}, false, res.Error
	}

	var m executionModel
	err := database.Scoped(tx, exec.WorkspaceID).
		Where("idempotency_key = ?", exec.IdempotencyKey).
		First(&m).Error
	if err != nil {
		return Execution{}, false, err
	}
	return toExecution(m), res.RowsAffected > 0, nil
}

func (r *Repository) Finalize(tx *gorm.DB, workspaceID, executionID string, status ExecutionStatus, summary string, details map[string]any) error {
	rawDetails, _ := json.Marshal(details)
	now := time.Now()
	return database.Scoped(tx.Model(&executionModel{}), workspaceID).
		Where("id = ?", executionID).
		Updates(map[string]any{
			"status":       string(status),
			"summary":      summary,
			"details":      rawDetails,
			"completed_at": now,
		}).Error
}

// FindMenuItem resolves an item by SKU first, then by case-insensitive name.
func (r *Repository) FindMenuItem(tx *gorm.DB, workspaceID, skuOrName string) (MenuItem, error) {
	var m menuItemModel
	err := database.Scoped(tx, workspaceID).
		Where("active = true AND (sku = ? OR LOWER(name) = LOWER(?))", skuOrName, skuOrName).
		First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return MenuItem{}, pkgError.NotFoundError("producto no encontrado: " + skuOrName)
	}
	if err != nil {
		return MenuItem{}, err
	}
	return MenuItem{ID: m.ID, WorkspaceID: m.WorkspaceID, SKU: m.SKU, Name: m.Name, Price: m.Price, Active: m.Active}, nil
}

func (r *Repository) GetProperty(tx *gorm.DB, workspaceID, propertyID string) (Property, error) {
	var m propertyModel
	err := database.Scoped(tx, workspaceID).Where("id = ?", propertyID).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return Property{}, pkgError.NotFoundError("propiedad no encontrada")
	}
	if err != nil {
		return Property{}, err
	}
	return Property{ID: m.ID, WorkspaceID: m.WorkspaceID, Title: m.Title, City: m.City, Operation: m.Operation, Price: m.Price, Available: m.Available}, nil
}

func (r *Repository) FindServiceType(tx *gorm.DB, workspaceID, name string) (ServiceType, error) {
	var m serviceTypeModel
	err := database.Scoped(tx, workspaceID).
		Where("active = true AND LOWER(name) = LOWER(?)", name).
		First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return ServiceType{}, pkgError.NotFoundError("servicio no encontrado: " + name)
	}
	if err != nil {
		return ServiceType{}, err
	}
	return ServiceType{ID: m.ID, WorkspaceID: m.WorkspaceID, Name: m.Name, DurationMin: m.DurationMin, Price: m.Price, Active: m.Active}, nil
}

func (r *Repository) ListActiveStaff(tx *gorm.DB, workspaceID string) ([]StaffMember, error) {
	var rows []staffModel
	if err := database.Scoped(tx, workspaceID).
		Where("active = true").
		Order("name ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]StaffMember, 0, len(rows))
	for _, m := range rows {
		out = append(out, StaffMember{ID: m.ID, WorkspaceID: m.WorkspaceID, Name: m.Name, CalendarID: m.CalendarID, Active: m.Active})
	}
	return out, nil
}

// HasAppointmentOverlap checks whether the staff member already has an
// appointment intersecting [start, end).
func (r *Repository) HasAppointmentOverlap(tx *gorm.DB, workspaceID, staffID string, start, end time.Time) (bool, error) {
	var n int64
	err := database.Scoped(tx.Model(&appointmentModel{}), workspaceID).
		Where("staff_id = ? AND status != 'cancelled'", staffID).
		Where("scheduled_at < ? AND scheduled_at + (duration_min || ' minutes')::interval > ?", end, start).
		Count(&n).Error
	return n > 0, err
}

func (r *Repository) CreateOrder(tx *gorm.DB, order Order) (Order, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	rawItems, _ := json.Marshal(order.Items)
	m := orderModel{
		ID:             order.ID,
		WorkspaceID:    order.WorkspaceID,
		ConversationID: order.ConversationID,
		Items:          rawItems,
		Total:          order.Total,
		DeliveryMethod: order.DeliveryMethod,
		Address:        order.Address,
		PaymentMethod:  order.PaymentMethod,
		Status:         "confirmed",
	}
	if err := tx.Create(&m).Error; err != nil {
		return Order{}, err
	}
	order.Status = m.Status
	order.CreatedAt = m.CreatedAt
	return order, nil
}

func (r *Repository) CreateVisit(tx *gorm.DB, visit Visit) (Visit, error) {
	if visit.ID == "" {
		visit.ID = uuid.NewString()
	}
	rawContact, _ := json.Marshal(visit.ContactInfo)
	m := visitModel{
		ID:                visit.ID,
		WorkspaceID:       visit.WorkspaceID,
		ConversationID:    visit.ConversationID,
		PropertyID:        visit.PropertyID,
		PreferredDatetime: visit.PreferredDatetime,
		ContactInfo:       rawContact,
		Status:            "requested",
	}
	if err := tx.Create(&m).Error; err != nil {
		return Visit{}, err
	}
	visit.Status = m.Status
	visit.CreatedAt = m.CreatedAt
	return visit, nil
}

func (r *Repository) CreateAppointment(tx *gorm.DB, appt Appointment) (Appointment, error) {
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	m := appointmentModel{
		ID:             appt.ID,
		WorkspaceID:    appt.WorkspaceID,
		ConversationID: appt.ConversationID,
		ServiceTypeID:  appt.ServiceTypeID,
		StaffID:        appt.StaffID,
		ScheduledAt:    appt.ScheduledAt,
		DurationMin:    appt.DurationMin,
		ClientName:     appt.ClientName,
		ClientEmail:    appt.ClientEmail,
		ClientPhone:    appt.ClientPhone,
		GoogleEventID:  appt.GoogleEventID,
		Status:         "booked",
	}
	if err := tx.Create(&m).Error; err != nil {
		return Appointment{}, err
	}
	appt.Status = m.Status
	appt.CreatedAt = m.CreatedAt
	return appt, nil
}

// WriteOutbox records the event inside the caller's transaction. Origin is
// the instance id, so deliveries can be traced back to the emitting server.
func (r *Repository) WriteOutbox(tx *gorm.DB, workspaceID, eventType string, payload map[string]any) error {
	raw, _ := json.Marshal(payload)
	origin := ""
	if config.Global != nil {
		origin = config.Global.App.ServerID
	}
	return tx.Create(&outboxModel{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		EventType:   eventType,
		Payload:     raw,
		Origin:      origin,
	}).Error
}

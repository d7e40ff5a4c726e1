package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/charla-io/charla/pkg/crypto"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWorkspaceNotFound = errors.New("tenant: workspace not found")
	ErrChannelNotFound   = errors.New("tenant: channel not found")
)

// --- Persistence Models ---

type workspaceModel struct {
	ID        string         `gorm:"primaryKey;column:id"`
	Name      string         `gorm:"column:name;not null"`
	PlanTier  string         `gorm:"column:plan_tier;default:'starter'"`
	Vertical  string         `gorm:"column:vertical;not null"`
	Settings  sql.NullString `gorm:"column:settings;type:text"` // JSON, tokens encrypted
	Enabled   bool           `gorm:"column:enabled;default:true"`
	CreatedAt time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null"`
}

func (workspaceModel) TableName() string { return "workspaces" }

type channelModel struct {
	ID           string    `gorm:"primaryKey;column:id"`
	WorkspaceID  string    `gorm:"column:workspace_id;not null;index"`
	DisplayPhone string    `gorm:"column:display_phone;not null;uniqueIndex"`
	Status       string    `gorm:"column:status;default:'active'"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

func (channelModel) TableName() string { return "channels" }

type contactModel struct {
	ID          string    `gorm:"primaryKey;column:id"`
	WorkspaceID string    `gorm:"column:workspace_id;not null;uniqueIndex:idx_contact_ws_phone"`
	Phone       string    `gorm:"column:phone;not null;uniqueIndex:idx_contact_ws_phone"`
	Name        string    `gorm:"column:name"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

func (contactModel) TableName() string { return "contacts" }

// --- Repository ---

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&workspaceModel{},
		&channelModel{},
		&contactModel{},
	)
}

func (r *GormRepository) CreateWorkspace(ctx context.Context, ws Workspace) error {
	model, err := toWorkspaceModel(ws)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *GormRepository) GetWorkspace(ctx context.Context, id string) (Workspace, error) {
	var m workspaceModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Workspace{}, ErrWorkspaceNotFound
		}
		return Workspace{}, err
	}
	return fromWorkspaceModel(m)
}

func (r *GormRepository) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	var models []workspaceModel
	if err := r.db.WithContext(ctx).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]Workspace, 0, len(models))
	for _, m := range models {
		ws, err := fromWorkspaceModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, ws)
	}
	return res, nil
}

func (r *GormRepository) UpdateWorkspace(ctx context.Context, ws Workspace) error {
	model, err := toWorkspaceModel(ws)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(&model).Error
}

func (r *GormRepository) CreateChannel(ctx context.Context, ch Channel) error {
	m := channelModel{
		ID:           ch.ID,
		WorkspaceID:  ch.WorkspaceID,
		DisplayPhone: ch.DisplayPhone,
		Status:       ch.Status,
		CreatedAt:    ch.CreatedAt,
		UpdatedAt:    ch.UpdatedAt,
	}
	return r.db.WithContext(ctx).Create(&m).Error
}

// GetChannelByPhone resolves a display phone to its channel. This is the
// entry point for webhook routing, so it is not workspace-scoped: the
// channel row is what tells us which workspace the message belongs to.
func (r *GormRepository) GetChannelByPhone(ctx context.Context, displayPhone string) (Channel, error) {
	var m channelModel
	if err := r.db.WithContext(ctx).First(&m, "display_phone = ? AND status = 'active'", displayPhone).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Channel{}, ErrChannelNotFound
		}
		return Channel{}, err
	}
	return fromChannelModel(m), nil
}

func (r *GormRepository) ListChannels(ctx context.Context, workspaceID string) ([]Channel, error) {
	var models []channelModel
	if err := r.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]Channel, len(models))
	for i, m := range models {
		res[i] = fromChannelModel(m)
	}
	return res, nil
}

// UpsertContact finds or creates the contact for (workspace, phone).
func (r *GormRepository) UpsertContact(ctx context.Context, workspaceID, phone, name string) (Contact, error) {
	now := time.Now().UTC()
	m := contactModel{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Phone:       phone,
		Name:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "phone"}},
		DoUpdates: clause.Assignments(map[string]any{"updated_at": now}),
	}).Create(&m).Error
	if err != nil {
		return Contact{}, err
	}
	// Re-read so callers get the persisted id on conflict.
	var stored contactModel
	if err := r.db.WithContext(ctx).
		First(&stored, "workspace_id = ? AND phone = ?", workspaceID, phone).Error; err != nil {
		return Contact{}, err
	}
	return Contact{
		ID:          stored.ID,
		WorkspaceID: stored.WorkspaceID,
		Phone:       stored.Phone,
		Name:        stored.Name,
		CreatedAt:   stored.CreatedAt,
		UpdatedAt:   stored.UpdatedAt,
	}, nil
}

// --- Mapping ---

func toWorkspaceModel(ws Workspace) (workspaceModel, error) {
	settings := ws.Settings
	if settings.CalendarToken != "" {
		enc, err := crypto.Encrypt(settings.CalendarToken)
		if err != nil {
			return workspaceModel{}, err
		}
		settings.CalendarToken = enc
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return workspaceModel{}, err
	}
	return workspaceModel{
		ID:        ws.ID,
		Name:      ws.Name,
		PlanTier:  ws.PlanTier,
		Vertical:  string(ws.Vertical),
		Settings:  sql.NullString{String: string(raw), Valid: true},
		Enabled:   ws.Enabled,
		CreatedAt: ws.CreatedAt,
		UpdatedAt: ws.UpdatedAt,
	}, nil
}

func fromWorkspaceModel(m workspaceModel) (Workspace, error) {
	ws := Workspace{
		ID:        m.ID,
		Name:      m.Name,
		PlanTier:  m.PlanTier,
		Vertical:  Vertical(m.Vertical),
		Enabled:   m.Enabled,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.Settings.Valid && m.Settings.String != "" {
		if err := json.Unmarshal([]byte(m.Settings.String), &ws.Settings); err != nil {
			return Workspace{}, err
		}
		if ws.Settings.CalendarToken != "" {
			dec, err := crypto.Decrypt(ws.Settings.CalendarToken)
			if err != nil {
				return Workspace{}, err
			}
			ws.Settings.CalendarToken = dec
		}
	}
	return ws, nil
}

func fromChannelModel(m channelModel) Channel {
	return Channel{
		ID:           m.ID,
		WorkspaceID:  m.WorkspaceID,
		DisplayPhone: m.DisplayPhone,
		Status:       m.Status,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

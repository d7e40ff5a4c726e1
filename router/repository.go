package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charla-io/charla/core/database"
)

// --- Persistence Models ---

type conversationModel struct {
	ID                string    `gorm:"primaryKey;column:id"`
	WorkspaceID       string    `gorm:"column:workspace_id;not null;index:idx_conv_ws_contact"`
	ChannelID         string    `gorm:"column:channel_id;not null"`
	ContactID         string    `gorm:"column:contact_id;not null;index:idx_conv_ws_contact"`
	Status            string    `gorm:"column:status;default:'open';index:idx_conv_ws_contact"`
	LastMessageAt     time.Time `gorm:"column:last_message_at"`
	TotalMessages     int       `gorm:"column:total_messages;default:0"`
	LastMessageText   string    `gorm:"column:last_message_text"`
	LastMessageSender string    `gorm:"column:last_message_sender"`
	CreatedAt         time.Time `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null"`
}

func (conversationModel) TableName() string { return "conversations" }

type conversationStateModel struct {
	ConversationID string    `gorm:"primaryKey;column:conversation_id"`
	WorkspaceID    string    `gorm:"column:workspace_id;not null;index"`
	Slots          string    `gorm:"column:slots;type:text"`
	Objective      string    `gorm:"column:objective"`
	Greeted        bool      `gorm:"column:greeted;default:false"`
	AttemptsCount  int       `gorm:"column:attempts_count;default:0"`
	LastAction     string    `gorm:"column:last_action"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (conversationStateModel) TableName() string { return "conversation_slots" }

type messageModel struct {
	ID                string    `gorm:"primaryKey;column:id"`
	WorkspaceID       string    `gorm:"column:workspace_id;not null;index:idx_msg_conv"`
	ConversationID    string    `gorm:"column:conversation_id;not null;index:idx_msg_conv"`
	Role              string    `gorm:"column:role;not null"`
	Direction         string    `gorm:"column:direction;not null"`
	MessageType       string    `gorm:"column:message_type;default:'text'"`
	ProviderMessageID string    `gorm:"column:provider_message_id"`
	Content           string    `gorm:"column:content"`
	MediaURL          string    `gorm:"column:media_url"`
	Metadata          string    `gorm:"column:metadata;type:text"`
	CreatedAt         time.Time `gorm:"column:created_at;not null"`
}

func (messageModel) TableName() string { return "messages" }

// Repository is the router's storage surface. All operations run inside a
// tenant-bound session.
type Repository interface {
	OpenConversation(ctx context.Context, workspaceID, channelID, contactID string) (Conversation, error)
	SaveMessage(ctx context.Context, workspaceID string, msg Message) error
	ListMessages(ctx context.Context, workspaceID, conversationID string, limit int) ([]Message, error)
	GetState(ctx context.Context, workspaceID, conversationID string) (ConversationState, error)
	SaveState(ctx context.Context, workspaceID string, state ConversationState) error
	CloseConversation(ctx context.Context, workspaceID, conversationID string) error
}

type GormRepository struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewGormRepository(db *gorm.DB, statementTimeout time.Duration) *GormRepository {
	return &GormRepository{db: db, timeout: statementTimeout}
}

func (r *GormRepository) Init(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(
		&conversationModel{},
		&conversationStateModel{},
		&messageModel{},
	); err != nil {
		return err
	}
	// provider_message_id es único por workspace sólo cuando está presente;
	// los agregados sintéticos llevan sufijo determinista y también entran.
	return r.db.WithContext(ctx).Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_msg_ws_provider
		 ON messages (workspace_id, provider_message_id)
		 WHERE provider_message_id <> ''`,
	).Error
}

// OpenConversation returns the open conversation for the contact, creating
// one if none exists.
func (r *GormRepository) OpenConversation(ctx context.Context, workspaceID, channelID, contactID string) (Conversation, error) {
	var out Conversation
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		var m conversationModel
		err := database.Scoped(tx, workspaceID).
			Where("contact_id = ? AND status = 'open'", contactID).
			Order("created_at DESC").
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			now := time.Now().UTC()
			m = conversationModel{
				ID:          uuid.NewString(),
				WorkspaceID: workspaceID,
				ChannelID:   channelID,
				ContactID:   contactID,
				Status:      "open",
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			err = tx.Create(&m).Error
		}
		if err != nil {
			return err
		}
		out = fromConversationModel(m)
		return nil
	})
	return out, err
}

// SaveMessage persists one history row and advances the conversation
// counters in the same transaction.
func (r *GormRepository) SaveMessage(ctx context.Context, workspaceID string, msg Message) error {
	meta := ""
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return err
		}
		meta = string(raw)
	}
	m := messageModel{
		ID:                msg.ID,
		WorkspaceID:       workspaceID,
		ConversationID:    msg.ConversationID,
		Role:              msg.Role,
		Direction:         msg.Direction,
		MessageType:       msg.MessageType,
		ProviderMessageID: msg.ProviderMessageID,
		Content:           msg.Content,
		MediaURL:          msg.MediaURL,
		Metadata:          meta,
		CreatedAt:         msg.CreatedAt,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}

	return database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
			return err
		}
		return database.Scoped(tx.Model(&conversationModel{}), workspaceID).
			Where("id = ?", msg.ConversationID).
			Updates(map[string]any{
				"last_message_at":     m.CreatedAt,
				"last_message_text":   m.Content,
				"last_message_sender": m.Role,
				"total_messages":      gorm.Expr("total_messages + 1"),
				"updated_at":          time.Now().UTC(),
			}).Error
	})
}

func (r *GormRepository) ListMessages(ctx context.Context, workspaceID, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var models []messageModel
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		return database.Scoped(tx, workspaceID).
			Where("conversation_id = ?", conversationID).
			Order("created_at DESC").
			Limit(limit).
			Find(&models).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(models))
	for i, m := range models {
		out[i] = fromMessageModel(m)
	}
	return out, nil
}

// GetState returns the latest dialog state, or a fresh zero state when the
// conversation has none yet.
func (r *GormRepository) GetState(ctx context.Context, workspaceID, conversationID string) (ConversationState, error) {
	out := ConversationState{ConversationID: conversationID, WorkspaceID: workspaceID, Slots: map[string]any{}}
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		var m conversationStateModel
		err := database.Scoped(tx, workspaceID).
			Where("conversation_id = ?", conversationID).
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out.Objective = m.Objective
		out.Greeted = m.Greeted
		out.AttemptsCount = m.AttemptsCount
		out.LastAction = m.LastAction
		out.UpdatedAt = m.UpdatedAt
		if m.Slots != "" {
			if err := json.Unmarshal([]byte(m.Slots), &out.Slots); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// SaveState upserts the single latest row per conversation.
func (r *GormRepository) SaveState(ctx context.Context, workspaceID string, state ConversationState) error {
	slots := "{}"
	if len(state.Slots) > 0 {
		raw, err := json.Marshal(state.Slots)
		if err != nil {
			return err
		}
		slots = string(raw)
	}
	m := conversationStateModel{
		ConversationID: state.ConversationID,
		WorkspaceID:    workspaceID,
		Slots:          slots,
		Objective:      state.Objective,
		Greeted:        state.Greeted,
		AttemptsCount:  state.AttemptsCount,
		LastAction:     state.LastAction,
		UpdatedAt:      time.Now().UTC(),
	}
	return database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "conversation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"slots", "objective", "greeted", "attempts_count", "last_action", "updated_at",
			}),
		}).Create(&m).Error
	})
}

func (r *GormRepository) CloseConversation(ctx context.Context, workspaceID, conversationID string) error {
	return database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		return database.Scoped(tx.Model(&conversationModel{}), workspaceID).
			Where("id = ?", conversationID).
			Updates(map[string]any{"status": "closed", "updated_at": time.Now().UTC()}).Error
	})
}

// --- Mapping ---

func fromConversationModel(m conversationModel) Conversation {
	return Conversation{
		ID:                m.ID,
		WorkspaceID:       m.WorkspaceID,
		ChannelID:         m.ChannelID,
		ContactID:         m.ContactID,
		Status:            m.Status,
		LastMessageAt:     m.LastMessageAt,
		TotalMessages:     m.TotalMessages,
		LastMessageText:   m.LastMessageText,
		LastMessageSender: m.LastMessageSender,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func fromMessageModel(m messageModel) Message {
	out := Message{
		ID:                m.ID,
		WorkspaceID:       m.WorkspaceID,
		ConversationID:    m.ConversationID,
		Role:              m.Role,
		Direction:         m.Direction,
		MessageType:       m.MessageType,
		ProviderMessageID: m.ProviderMessageID,
		Content:           m.Content,
		MediaURL:          m.MediaURL,
		CreatedAt:         m.CreatedAt,
	}
	if m.Metadata != "" {
		_ = json.Unmarshal([]byte(m.Metadata), &out.Metadata)
	}
	return out
}

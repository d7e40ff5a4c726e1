package router

import (
	"regexp"
	"strings"
	"time"

	pkgError "github.com/charla-io/charla/pkg/error"
)

// Message roles and directions.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Conversation is an open session between a contact and a channel.
type Conversation struct {
	ID                string    `json:"id"`
	WorkspaceID       string    `json:"workspace_id"`
	ChannelID         string    `json:"channel_id"`
	ContactID         string    `json:"contact_id"`
	Status            string    `json:"status"`
	LastMessageAt     time.Time `json:"last_message_at"`
	TotalMessages     int       `json:"total_messages"`
	LastMessageText   string    `json:"last_message_text"`
	LastMessageSender string    `json:"last_message_sender"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ConversationState is the mutable dialog state. Exactly one latest row per
// conversation; the orchestrator's output overwrites it atomically.
type ConversationState struct {
	ConversationID string         `json:"conversation_id"`
	WorkspaceID    string         `json:"workspace_id"`
	Slots          map[string]any `json:"slots"`
	Objective      string         `json:"objective"`
	Greeted        bool           `json:"greeted"`
	AttemptsCount  int            `json:"attempts_count"`
	LastAction     string         `json:"last_action"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Message is one immutable history record. ProviderMessageID is empty for
// synthetic aggregates and assistant replies without a provider sid.
type Message struct {
	ID                string         `json:"id"`
	WorkspaceID       string         `json:"workspace_id"`
	ConversationID    string         `json:"conversation_id"`
	Role              string         `json:"role"`
	Direction         string         `json:"direction"`
	MessageType       string         `json:"message_type"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Content           string         `json:"content"`
	MediaURL          string         `json:"media_url,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Inbound is one parsed webhook delivery, already signature-verified.
type Inbound struct {
	From        string
	To          string
	Body        string
	ProviderSID string
	MediaURL    string
	MessageType string
	ProfileName string
}

// Routing outcomes reported back to the provider webhook.
const (
	OutcomeDuplicate   = "duplicate"
	OutcomeBuffered    = "buffered"
	OutcomeDispatched  = "dispatched"
	OutcomeRateLimited = "rate_limited"
)

// RouteResult is the webhook response body.
type RouteResult struct {
	NextAction     string `json:"next_action"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

var phoneDigits = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// NormalizePhone canonicalizes a provider address to whatsapp:+E164.
func NormalizePhone(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.TrimPrefix(p, "whatsapp:")
	p = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(p)
	if !phoneDigits.MatchString(p) {
		return "", pkgError.ValidationError("número de teléfono inválido: " + raw)
	}
	if !strings.HasPrefix(p, "+") {
		p = "+" + p
	}
	return "whatsapp:" + p, nil
}

// BarePhone strips the channel prefix for storage lookups keyed on E.164.
func BarePhone(normalized string) string {
	return strings.TrimPrefix(normalized, "whatsapp:")
}

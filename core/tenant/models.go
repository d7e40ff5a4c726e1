package tenant

import (
	"time"
)

// Vertical tags a workspace with the business line its dialog policy follows.
type Vertical string

const (
	VerticalFoodService      Vertical = "food_service"
	VerticalRealEstate       Vertical = "real_estate"
	VerticalPersonalServices Vertical = "personal_services"
)

func (v Vertical) Valid() bool {
	switch v {
	case VerticalFoodService, VerticalRealEstate, VerticalPersonalServices:
		return true
	}
	return false
}

// Workspace is the tenant root. Every other row carries its id.
type Workspace struct {
	ID        string
	Name      string
	PlanTier  string
	Vertical  Vertical
	Settings  WorkspaceSettings
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkspaceSettings holds per-tenant integration state. Tokens are stored
// encrypted; BusinessHours gates personal-services bookings.
type WorkspaceSettings struct {
	CalendarID        string            `json:"calendar_id,omitempty"`
	CalendarToken     string            `json:"calendar_token,omitempty"`
	BusinessHours     BusinessHours     `json:"business_hours"`
	IntegrationTokens map[string]string `json:"integration_tokens,omitempty"`
}

// BusinessHours is a simple daily open/close window, "HH:MM" 24h local time.
type BusinessHours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// Empty reports whether no window was configured.
func (b BusinessHours) Empty() bool {
	return b.Open == "" || b.Close == ""
}

func (b BusinessHours) String() string {
	if b.Empty() {
		return "24hs"
	}
	return b.Open + " a " + b.Close
}

// Contains reports whether t falls inside the window. An unset window is
// always open.
func (b BusinessHours) Contains(t time.Time) bool {
	if b.Open == "" || b.Close == "" {
		return true
	}
	open, err1 := time.Parse("15:04", b.Open)
	close, err2 := time.Parse("15:04", b.Close)
	if err1 != nil || err2 != nil {
		return true
	}
	minutes := t.Hour()*60 + t.Minute()
	openM := open.Hour()*60 + open.Minute()
	closeM := close.Hour()*60 + close.Minute()
	return minutes >= openM && minutes < closeM
}

// Channel binds a workspace to an external messaging number.
type Channel struct {
	ID           string
	WorkspaceID  string
	DisplayPhone string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contact is an end user within a workspace, keyed by phone.
type Contact struct {
	ID          string
	WorkspaceID string
	Phone       string
	Name        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Binding is the resolution of an inbound (to, from) pair.
type Binding struct {
	Workspace Workspace
	Channel   Channel
	Contact   Contact
}

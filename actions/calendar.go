package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pkgError "github.com/charla-io/charla/pkg/error"
)

// CalendarEvent is the external event the booking handlers create.
type CalendarEvent struct {
	Summary   string    `json:"summary"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Attendee  string    `json:"attendee,omitempty"`
}

// CalendarProvider abstracts the business calendar backend. Credentials are
// the workspace's stored OAuth token, decrypted by the tenant layer.
type CalendarProvider interface {
	// IsBusy reports whether the calendar has a conflicting event.
	IsBusy(ctx context.Context, calendarID, token string, start, end time.Time) (bool, error)
	// CreateEvent returns the backend's event id.
	CreateEvent(ctx context.Context, calendarID, token string, event CalendarEvent) (string, error)
}

// RESTCalendarProvider talks to a calendar bridge over HTTP.
type RESTCalendarProvider struct {
	baseURL string
	client  *http.Client
}

func NewRESTCalendarProvider(baseURL string, timeout time.Duration) *RESTCalendarProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTCalendarProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *RESTCalendarProvider) IsBusy(ctx context.Context, calendarID, token string, start, end time.Time) (bool, error) {
	body, _ := json.Marshal(map[string]any{
		"calendar_id": calendarID,
		"start":       start.Format(time.RFC3339),
		"end":         end.Format(time.RFC3339),
	})
	var out struct {
		Busy bool `json:"busy"`
	}
	if err := p.post(ctx, "/freebusy", token, body, &out); err != nil {
		return false, err
	}
	return out.Busy, nil
}

func (p *RESTCalendarProvider) CreateEvent(ctx context.Context, calendarID, token string, event CalendarEvent) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"calendar_id": calendarID,
		"summary":     event.Summary,
		"start":       event.StartTime.Format(time.RFC3339),
		"end":         event.EndTime.Format(time.RFC3339),
		"attendee":    event.Attendee,
	})
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := p.post(ctx, "/events", token, body, &out); err != nil {
		return "", err
	}
	return out.EventID, nil
}

func (p *RESTCalendarProvider) post(ctx context.Context, path, token string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return pkgError.UpstreamError(fmt.Sprintf("calendario no disponible: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return pkgError.UpstreamError(fmt.Sprintf("calendario respondio %d", resp.StatusCode))
	}
	return json.Unmarshal(raw, out)
}

package whatsapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charla-io/charla/observability"
	"github.com/sirupsen/logrus"
)

// Provider is the outbound side of the WhatsApp integration. The real
// messaging API lives outside this system; we only need to hand it a reply.
type Provider interface {
	SendMessage(ctx context.Context, from, to, body string) (string, error)
}

// RESTProvider talks to the provider's message endpoint.
type RESTProvider struct {
	baseURL   string
	authToken string
	client    *http.Client
}

func NewRESTProvider(baseURL, authToken string, timeout time.Duration) *RESTProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTProvider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (p *RESTProvider) SendMessage(ctx context.Context, from, to, body string) (string, error) {
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+p.authToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider send: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("provider send: status %d: %s", resp.StatusCode, string(raw))
	}

	logrus.WithFields(logrus.Fields{
		"to":     observability.MaskPhone(to),
		"status": resp.StatusCode,
	}).Debug("[PROVIDER] Message sent")

	// Providers answer with the created message sid in the body; we only
	// persist it for correlation, so a raw passthrough is enough.
	return strings.TrimSpace(string(raw)), nil
}

package rest

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/infrastructure/whatsapp"
	pkgError "github.com/charla-io/charla/pkg/error"
	"github.com/charla-io/charla/pkg/utils"
	"github.com/charla-io/charla/router"
)

type webhookHandler struct {
	svc       *router.Service
	validator *whatsapp.SignatureValidator
	cfg       *config.Config
}

func initWebhook(app fiber.Router, svc *router.Service, validator *whatsapp.SignatureValidator, cfg *config.Config) {
	h := &webhookHandler{svc: svc, validator: validator, cfg: cfg}
	app.Post("/webhooks/wa/inbound/form", h.InboundForm)
	app.Post("/webhooks/wa/inbound/json", h.InboundJSON)
}

// InboundForm is the signed provider webhook.
func (h *webhookHandler) InboundForm(c *fiber.Ctx) error {
	if len(c.Body()) > h.cfg.Router.MaxWebhookBytes {
		utils.PanicIfNeeded(pkgError.PayloadTooLargeError("webhook payload over limit"))
	}

	params := map[string]string{}
	c.Request().PostArgs().VisitAll(func(k, v []byte) {
		params[string(k)] = string(v)
	})

	if h.validator != nil {
		url := h.effectiveURL(c)
		if !h.validator.Valid(url, params, c.Get("X-Provider-Signature")) {
			utils.PanicIfNeeded(pkgError.UnauthorizedError("invalid webhook signature"))
		}
	}

	result, err := h.svc.HandleInbound(c.UserContext(), router.Inbound{
		From:        params["From"],
		To:          params["To"],
		Body:        params["Body"],
		ProviderSID: params["MessageSid"],
		MediaURL:    params["MediaUrl0"],
		MessageType: params["MessageType"],
		ProfileName: params["ProfileName"],
	})
	utils.PanicIfNeeded(err)

	return c.JSON(result)
}

// InboundJSON mirrors the form endpoint for providers that post JSON. The
// provider does not sign JSON bodies, so the endpoint is flag-gated.
func (h *webhookHandler) InboundJSON(c *fiber.Ctx) error {
	if !h.cfg.Router.AllowJSONWebhook {
		utils.PanicIfNeeded(pkgError.UnsupportedMediaError("JSON webhook is disabled"))
	}
	if len(c.Body()) > h.cfg.Router.MaxWebhookBytes {
		utils.PanicIfNeeded(pkgError.PayloadTooLargeError("webhook payload over limit"))
	}

	var body struct {
		From        string `json:"from"`
		To          string `json:"to"`
		Body        string `json:"body"`
		MessageSid  string `json:"message_sid"`
		MediaURL    string `json:"media_url"`
		MessageType string `json:"message_type"`
		ProfileName string `json:"profile_name"`
	}
	if err := c.BodyParser(&body); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed JSON webhook body"))
	}

	result, err := h.svc.HandleInbound(c.UserContext(), router.Inbound{
		From:        body.From,
		To:          body.To,
		Body:        body.Body,
		ProviderSID: body.MessageSid,
		MediaURL:    body.MediaURL,
		MessageType: body.MessageType,
		ProfileName: body.ProfileName,
	})
	utils.PanicIfNeeded(err)

	return c.JSON(result)
}

// effectiveURL rebuilds the public URL the provider signed, preferring the
// configured base URL over whatever the reverse proxy rewrote.
func (h *webhookHandler) effectiveURL(c *fiber.Ctx) string {
	base := strings.TrimRight(h.cfg.App.BaseURL, "/")
	if base == "" {
		base = c.Protocol() + "://" + c.Hostname()
	}
	return base + c.OriginalURL()
}

package rest

import (
	"bytes"
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// initMetrics exposes the Prometheus registry in text exposition format.
// When a metrics key is configured, the endpoint requires it.
func initMetrics(app fiber.Router, metricsKey string) {
	app.Get("/metrics", func(c *fiber.Ctx) error {
		if metricsKey != "" {
			got := c.Get("X-Metrics-Key")
			if got == "" {
				got = c.Query("key")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(metricsKey)) != 1 {
				return c.SendStatus(fiber.StatusForbidden)
			}
		}

		families, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			return c.SendStatus(fiber.StatusInternalServerError)
		}

		var buf bytes.Buffer
		enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return c.SendStatus(fiber.StatusInternalServerError)
			}
		}
		c.Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		return c.Send(buf.Bytes())
	})
}

package observability

import "strings"

// MaskPhone hides the subscriber part of an E.164 phone, keeping the country
// and area prefix so operators can still tell regions apart in logs.
// "whatsapp:+5491111111111" -> "whatsapp:+54911******"
func MaskPhone(phone string) string {
	prefix := ""
	p := phone
	if strings.HasPrefix(p, "whatsapp:") {
		prefix = "whatsapp:"
		p = strings.TrimPrefix(p, "whatsapp:")
	}
	if !strings.HasPrefix(p, "+") || len(p) < 7 {
		if len(p) <= 4 {
			return prefix + strings.Repeat("*", len(p))
		}
		return prefix + p[:4] + strings.Repeat("*", len(p)-4)
	}
	// Keep "+", country (up to 3) and area (2) digits.
	keep := 6
	if len(p) <= keep {
		return prefix + p
	}
	return prefix + p[:keep] + strings.Repeat("*", len(p)-keep)
}

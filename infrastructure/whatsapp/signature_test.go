package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignature_ValidRoundTrip(t *testing.T) {
	v := NewSignatureValidator("secret-token")
	params := map[string]string{
		"From":       "whatsapp:+5491111111111",
		"To":         "whatsapp:+5491100000000",
		"Body":       "Hola",
		"MessageSid": "SM123",
	}
	sig := v.Compute("https://api.example.com/webhooks/wa/inbound/form", params)
	assert.True(t, v.Valid("https://api.example.com/webhooks/wa/inbound/form", params, sig))
}

func TestSignature_SortsFieldsAlphabetically(t *testing.T) {
	v := NewSignatureValidator("secret-token")
	a := v.Compute("https://x/y", map[string]string{"B": "2", "A": "1"})
	b := v.Compute("https://x/y", map[string]string{"A": "1", "B": "2"})
	assert.Equal(t, a, b)
}

func TestSignature_RejectsTamperedBody(t *testing.T) {
	v := NewSignatureValidator("secret-token")
	params := map[string]string{"Body": "Hola", "MessageSid": "SM1"}
	sig := v.Compute("https://x/y", params)

	params["Body"] = "Chau"
	assert.False(t, v.Valid("https://x/y", params, sig))
}

func TestSignature_RejectsEmptyHeaderOrToken(t *testing.T) {
	v := NewSignatureValidator("secret-token")
	assert.False(t, v.Valid("https://x/y", map[string]string{}, ""))

	empty := NewSignatureValidator("")
	assert.False(t, empty.Valid("https://x/y", map[string]string{}, "whatever"))
}

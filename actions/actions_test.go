package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charla-io/charla/core/tenant"
	pkgError "github.com/charla-io/charla/pkg/error"
)

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := Fingerprint(map[string]any{
		"delivery_method": "delivery",
		"items":           []any{map[string]any{"sku": "PIZZA-MARGHERITA", "quantity": 2}},
		"address":         "Av. Corrientes 1234",
	})
	b := Fingerprint(map[string]any{
		"address":         "Av. Corrientes 1234",
		"items":           []any{map[string]any{"quantity": 2, "sku": "PIZZA-MARGHERITA"}},
		"delivery_method": "delivery",
	})
	// Mismo contenido, distinto orden de claves: misma huella.
	assert.Equal(t, a, b)
}

func TestFingerprintChangesWithPayload(t *testing.T) {
	base := Fingerprint(map[string]any{"items": []any{"a"}})
	other := Fingerprint(map[string]any{"items": []any{"b"}})
	assert.NotEqual(t, base, other)
}

func TestCreateOrderRejectsEmptyItems(t *testing.T) {
	h := NewCreateOrderHandler(nil)

	_, err := h.Execute(context.Background(), nil, tenant.Workspace{ID: "ws-1"}, "conv-1", map[string]any{
		"items":           []any{},
		"delivery_method": "pickup",
		"payment_method":  "cash",
	})
	require.Error(t, err)
	var vErr pkgError.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestCreateOrderRequiresAddressForDelivery(t *testing.T) {
	h := NewCreateOrderHandler(nil)

	_, err := h.Execute(context.Background(), nil, tenant.Workspace{ID: "ws-1"}, "conv-1", map[string]any{
		"items":           []any{map[string]any{"sku": "PIZZA-MARGHERITA", "quantity": 2}},
		"delivery_method": "delivery",
		"payment_method":  "cash",
	})
	require.Error(t, err)
	var vErr pkgError.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, err.Error(), "address")
}

func TestCreateOrderRejectsUnknownDeliveryMethod(t *testing.T) {
	h := NewCreateOrderHandler(nil)

	_, err := h.Execute(context.Background(), nil, tenant.Workspace{ID: "ws-1"}, "conv-1", map[string]any{
		"items":           []any{map[string]any{"sku": "X", "quantity": 1}},
		"delivery_method": "drone",
		"payment_method":  "cash",
	})
	require.Error(t, err)
	var vErr pkgError.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestScheduleVisitRejectsMalformedPropertyID(t *testing.T) {
	h := NewScheduleVisitHandler(nil)

	_, err := h.Execute(context.Background(), nil, tenant.Workspace{ID: "ws-1"}, "conv-1", map[string]any{
		"property_id":        "no-es-uuid",
		"preferred_datetime": "2025-10-06T14:00:00Z",
	})
	require.Error(t, err)
	var vErr pkgError.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestBookSlotRejectsBadDate(t *testing.T) {
	h := NewBookSlotHandler(nil, nil)

	_, err := h.Execute(context.Background(), nil, tenant.Workspace{ID: "ws-1"}, "conv-1", map[string]any{
		"service_type":   "Corte de Cabello",
		"preferred_date": "06/10/2025",
		"preferred_time": "14:00",
		"client_name":    "Juan Pérez",
	})
	require.Error(t, err)
	var vErr pkgError.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestServiceRegistersAppointmentAlias(t *testing.T) {
	svc := NewService(nil, nil, nil, []Handler{NewBookSlotHandler(nil, nil)}, 0)

	// book_slot y schedule_appointment comparten handler.
	assert.Same(t, svc.handlers["book_slot"], svc.handlers["schedule_appointment"])
}

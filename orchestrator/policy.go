package orchestrator

import "github.com/charla-io/charla/core/tenant"

// PolicyConfig drives the FSM per vertical: which slots gate the action,
// how many fruitless turns are tolerated, and whether retrieval must happen
// before executing.
type PolicyConfig struct {
	Objective      string
	ActionName     string
	RequiredSlots  []string
	OptionalSlots  []string
	MaxAttempts    int
	RAGBeforeAct   bool
	SlotQuestions  map[string]string
	GreetingOpener string
}

var policies = map[tenant.Vertical]PolicyConfig{
	tenant.VerticalFoodService: {
		Objective:     "place_order",
		ActionName:    "create_order",
		RequiredSlots: []string{"category", "items", "delivery_method", "payment_method"},
		OptionalSlots: []string{"address"},
		MaxAttempts:   3,
		RAGBeforeAct:  true,
		SlotQuestions: map[string]string{
			"category":        "¿Qué te gustaría pedir hoy? Tenemos varias opciones en el menú.",
			"items":           "¿Qué items querés y en qué cantidad?",
			"delivery_method": "¿Lo pasás a retirar o te lo enviamos a domicilio?",
			"payment_method":  "¿Cómo vas a abonar? Aceptamos efectivo y tarjeta.",
			"address":         "¿A qué dirección te lo enviamos?",
		},
		GreetingOpener: "¡Hola! Bienvenido. ¿Querés ver el menú o hacer un pedido?",
	},
	tenant.VerticalRealEstate: {
		Objective:     "schedule_visit",
		ActionName:    "schedule_visit",
		RequiredSlots: []string{"operation", "type", "zone", "visit_property_id", "visit_datetime"},
		OptionalSlots: []string{"budget_min", "budget_max", "bedrooms"},
		MaxAttempts:   3,
		RAGBeforeAct:  true,
		SlotQuestions: map[string]string{
			"operation":         "¿Buscás comprar o alquilar?",
			"type":              "¿Qué tipo de propiedad te interesa? (departamento, casa, PH)",
			"zone":              "¿En qué zona o barrio estás buscando?",
			"visit_property_id": "¿Cuál de las propiedades te gustaría visitar?",
			"visit_datetime":    "¿Qué día y horario te queda cómodo para la visita?",
		},
		GreetingOpener: "¡Hola! Soy el asistente de la inmobiliaria. ¿Buscás comprar o alquilar?",
	},
	tenant.VerticalPersonalServices: {
		Objective:     "book_appointment",
		ActionName:    "book_slot",
		RequiredSlots: []string{"service_type", "preferred_date", "preferred_time", "client_name"},
		OptionalSlots: []string{"client_email", "client_phone", "staff_preference"},
		MaxAttempts:   3,
		RAGBeforeAct:  true,
		SlotQuestions: map[string]string{
			"service_type":   "¿Qué servicio querés reservar?",
			"preferred_date": "¿Para qué fecha? (por ejemplo 2025-10-06)",
			"preferred_time": "¿A qué hora te queda bien?",
			"client_name":    "¿A nombre de quién hago la reserva?",
		},
		GreetingOpener: "¡Hola! ¿Querés reservar un turno? Contame qué servicio necesitás.",
	},
}

// PolicyFor returns the vertical's configuration. Unknown verticals fall
// back to food service, the most common deployment.
func PolicyFor(v tenant.Vertical) PolicyConfig {
	if p, ok := policies[v]; ok {
		return p
	}
	return policies[tenant.VerticalFoodService]
}

// MissingRequiredSlots lists unfilled required slots in priority order. For
// food service with delivery, the address is promoted to required.
func (p PolicyConfig) MissingRequiredSlots(slots map[string]SlotValue) []string {
	required := p.RequiredSlots
	if method, ok := slots["delivery_method"]; ok && method.Text() == "delivery" {
		required = append(append([]string{}, required...), "address")
	}

	var missing []string
	for _, name := range required {
		if v, ok := slots[name]; !ok || v.Empty() {
			missing = append(missing, name)
		}
	}
	return missing
}

package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/charla-io/charla/core/tenant"
	"github.com/charla-io/charla/infrastructure/ai"
)

// fallbackAnswer is the degradation path: internal failures never surface,
// the assistant just asks the user to retry and slot state stays put.
const fallbackAnswer = "Disculpá, tuve un inconveniente para procesar tu mensaje. ¿Podrías intentarlo de nuevo?"

var composerPrompts = map[tenant.Vertical]string{
	tenant.VerticalFoodService: `Sos el asistente de un local gastronomico. Respondes corto y
amable, en el idioma del cliente. Usa UNICAMENTE la informacion del
contexto provisto: nunca inventes precios, platos ni promociones. Si el
contexto no alcanza, decilo y ofrece consultar con el local.`,
	tenant.VerticalRealEstate: `Sos el asistente de una inmobiliaria. Respondes corto y claro.
Usa UNICAMENTE las propiedades y datos del contexto provisto: nunca
inventes precios, direcciones ni disponibilidad.`,
	tenant.VerticalPersonalServices: `Sos el asistente de un negocio de servicios con turnos.
Respondes corto y amable. Usa UNICAMENTE los servicios, precios y
horarios del contexto provisto: nunca inventes personal ni horarios.
Fuera del horario de atencion, rechaza el pedido y proponé horarios
dentro de la agenda.`,
}

// Composer turns the decided state into the user-facing reply.
type Composer struct {
	llm ai.LLMProvider
}

func NewComposer(llm ai.LLMProvider) *Composer {
	return &Composer{llm: llm}
}

// Compose writes the assistant reply grounded in the retrieved context.
// Failures degrade to a deterministic fallback, never an error.
func (c *Composer) Compose(ctx context.Context, vertical tenant.Vertical, userInput string, contextChunks []string, instruction string) string {
	if c.llm == nil {
		if instruction != "" {
			return instruction
		}
		return fallbackAnswer
	}

	var prompt strings.Builder
	if len(contextChunks) > 0 {
		prompt.WriteString("Contexto del negocio:\n")
		for i, chunk := range contextChunks {
			fmt.Fprintf(&prompt, "[%d] %s\n", i+1, chunk)
		}
		prompt.WriteString("\n")
	}
	if instruction != "" {
		prompt.WriteString("Instruccion: " + instruction + "\n\n")
	}
	prompt.WriteString("Mensaje del cliente: " + userInput)

	system := composerPrompts[vertical]
	if system == "" {
		system = composerPrompts[tenant.VerticalFoodService]
	}

	answer, err := c.llm.Complete(ctx, system, prompt.String())
	if err != nil || strings.TrimSpace(answer) == "" {
		logrus.WithError(err).Warn("[Orchestrator] Composition failed, using fallback answer")
		if instruction != "" {
			return instruction
		}
		return fallbackAnswer
	}
	return strings.TrimSpace(answer)
}

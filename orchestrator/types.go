package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charla-io/charla/core/tenant"
)

// NextAction is the FSM output state.
type NextAction string

const (
	ActionGreet           NextAction = "GREET"
	ActionSlotFill        NextAction = "SLOT_FILL"
	ActionRetrieveContext NextAction = "RETRIEVE_CONTEXT"
	ActionExecuteAction   NextAction = "EXECUTE_ACTION"
	ActionAnswer          NextAction = "ANSWER"
	ActionAskHuman        NextAction = "ASK_HUMAN"
)

// SlotKind discriminates the slot value union.
type SlotKind string

const (
	SlotString  SlotKind = "string"
	SlotInt     SlotKind = "int"
	SlotFloat   SlotKind = "float"
	SlotBool    SlotKind = "bool"
	SlotDate    SlotKind = "date"
	SlotTime    SlotKind = "time"
	SlotDecimal SlotKind = "decimal"
)

// SlotValue is a tagged union. It marshals to the plain JSON value and
// unmarshals by inference, so the wire shape stays a simple slot map.
type SlotValue struct {
	Kind    SlotKind
	Str     string
	Int     int64
	Float   float64
	Bool    bool
	Decimal decimal.Decimal
}

func StringSlot(s string) SlotValue { return SlotValue{Kind: SlotString, Str: s} }
func IntSlot(n int64) SlotValue     { return SlotValue{Kind: SlotInt, Int: n} }
func FloatSlot(f float64) SlotValue { return SlotValue{Kind: SlotFloat, Float: f} }
func BoolSlot(b bool) SlotValue     { return SlotValue{Kind: SlotBool, Bool: b} }
func DateSlot(s string) SlotValue   { return SlotValue{Kind: SlotDate, Str: s} }
func TimeSlot(s string) SlotValue   { return SlotValue{Kind: SlotTime, Str: s} }

func DecimalSlot(d decimal.Decimal) SlotValue {
	return SlotValue{Kind: SlotDecimal, Decimal: d}
}

// Text renders the value for prompts and filters.
func (v SlotValue) Text() string {
	switch v.Kind {
	case SlotInt:
		return strconv.FormatInt(v.Int, 10)
	case SlotFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case SlotBool:
		return strconv.FormatBool(v.Bool)
	case SlotDecimal:
		return v.Decimal.String()
	default:
		return v.Str
	}
}

// Empty reports whether the slot carries no usable value.
func (v SlotValue) Empty() bool {
	switch v.Kind {
	case SlotString, SlotDate, SlotTime:
		return v.Str == ""
	case "":
		return true
	default:
		return false
	}
}

func (v SlotValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case SlotInt:
		return json.Marshal(v.Int)
	case SlotFloat:
		return json.Marshal(v.Float)
	case SlotBool:
		return json.Marshal(v.Bool)
	case SlotDecimal:
		return json.Marshal(v.Decimal.String())
	default:
		return json.Marshal(v.Str)
	}
}

func (v *SlotValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = InferSlot(raw)
	return nil
}

// InferSlot types a raw JSON value into the union. Dates and times are
// recognized by their canonical layouts.
func InferSlot(raw any) SlotValue {
	switch val := raw.(type) {
	case bool:
		return BoolSlot(val)
	case float64:
		if val == float64(int64(val)) {
			return IntSlot(int64(val))
		}
		return FloatSlot(val)
	case string:
		if _, err := time.Parse("2006-01-02", val); err == nil {
			return DateSlot(val)
		}
		if _, err := time.Parse("15:04", val); err == nil {
			return TimeSlot(val)
		}
		return StringSlot(val)
	case nil:
		return SlotValue{}
	default:
		return StringSlot(fmt.Sprint(val))
	}
}

// Snapshot is the orchestrator input: the full conversation state for one
// turn. The caller persists the returned slot map before the next turn.
type Snapshot struct {
	ConversationID string               `json:"conversation_id"`
	Vertical       tenant.Vertical      `json:"vertical"`
	UserInput      string               `json:"user_input"`
	Greeted        bool                 `json:"greeted"`
	Slots          map[string]SlotValue `json:"slots"`
	Objective      string               `json:"objective"`
	LastAction     string               `json:"last_action"`
	AttemptsCount  int                  `json:"attempts_count"`
}

// ToolCall describes a tool the orchestrator decided to use this turn.
type ToolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Decision is the orchestrator output. Slots and AttemptsCount are the
// authoritative next state; the caller persists both before the next turn.
type Decision struct {
	Assistant     string               `json:"assistant"`
	Slots         map[string]SlotValue `json:"slots"`
	ToolCalls     []ToolCall           `json:"tool_calls"`
	ContextUsed   []string             `json:"context_used"`
	NextAction    NextAction           `json:"next_action"`
	AttemptsCount int                  `json:"attempts_count"`
	End           bool                 `json:"end"`
}

package retrieval

import (
	"fmt"
	"strconv"
	"strings"
)

// Filter grammar over chunk metadata, applied identically to the lexical and
// vector primitives. Scalar equality is case-insensitive, lists mean "any
// of", and price keys accept range expressions. Malformed ranges compile to
// an always-false predicate instead of erroring.

// Condition is one SQL predicate plus its arguments.
type Condition struct {
	SQL  string
	Args []any
}

var alwaysFalse = Condition{SQL: "1 = 0"}

// slotFilterAliases maps slot names coming from the orchestrator to the
// metadata fields the ingestion pipeline writes.
var slotFilterAliases = map[string]string{
	"categoria": "category",
	"zone":      "city",
	"city":      "city",
	"operation": "operation",
}

// NormalizeFilters rewrites slot-derived filter keys to metadata field names.
func NormalizeFilters(filters map[string]any) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	out := make(map[string]any, len(filters))
	for k, v := range filters {
		key := strings.ToLower(strings.TrimSpace(k))
		if alias, ok := slotFilterAliases[key]; ok {
			key = alias
		}
		out[key] = v
	}
	return out
}

// BuildConditions compiles a filter map to SQL predicates over chunks.meta.
func BuildConditions(filters map[string]any) []Condition {
	if len(filters) == 0 {
		return nil
	}
	conds := make([]Condition, 0, len(filters))
	for key, value := range filters {
		switch key {
		case "price", "price_range":
			conds = append(conds, priceCondition(value))
		default:
			conds = append(conds, metaCondition(key, value))
		}
	}
	return conds
}

func metaCondition(key string, value any) Condition {
	switch v := value.(type) {
	case []any:
		if len(v) == 0 {
			return alwaysFalse
		}
		placeholders := make([]string, len(v))
		args := make([]any, 0, len(v)+1)
		args = append(args, key)
		for i, item := range v {
			placeholders[i] = "LOWER(?)"
			args = append(args, fmt.Sprint(item))
		}
		return Condition{
			SQL:  fmt.Sprintf("LOWER(meta->>?) IN (%s)", strings.Join(placeholders, ", ")),
			Args: args,
		}
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return metaCondition(key, items)
	default:
		return Condition{
			SQL:  "LOWER(meta->>?) = LOWER(?)",
			Args: []any{key, fmt.Sprint(value)},
		}
	}
}

// priceCondition parses "LO-HI", ">=X", "<=X", ">X", "<X" or an exact
// number against the numeric price metadata field.
func priceCondition(value any) Condition {
	const field = "(meta->>'price')::numeric"

	switch v := value.(type) {
	case float64:
		return Condition{SQL: field + " = ?", Args: []any{v}}
	case int:
		return Condition{SQL: field + " = ?", Args: []any{float64(v)}}
	case string:
		expr := strings.TrimSpace(v)
		switch {
		case strings.HasPrefix(expr, ">="):
			return numericCmp(field, ">=", expr[2:])
		case strings.HasPrefix(expr, "<="):
			return numericCmp(field, "<=", expr[2:])
		case strings.HasPrefix(expr, ">"):
			return numericCmp(field, ">", expr[1:])
		case strings.HasPrefix(expr, "<"):
			return numericCmp(field, "<", expr[1:])
		case strings.Contains(expr, "-"):
			parts := strings.SplitN(expr, "-", 2)
			lo, err1 := parseNum(parts[0])
			hi, err2 := parseNum(parts[1])
			if err1 != nil || err2 != nil {
				return alwaysFalse
			}
			return Condition{SQL: field + " BETWEEN ? AND ?", Args: []any{lo, hi}}
		default:
			n, err := parseNum(expr)
			if err != nil {
				return alwaysFalse
			}
			return Condition{SQL: field + " = ?", Args: []any{n}}
		}
	default:
		return alwaysFalse
	}
}

func numericCmp(field, op, raw string) Condition {
	n, err := parseNum(raw)
	if err != nil {
		return alwaysFalse
	}
	return Condition{SQL: fmt.Sprintf("%s %s ?", field, op), Args: []any{n}}
}

func parseNum(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

package graph

import (
	"strconv"
	"strings"
)

// EvalGuard evaluates an edge guard or condition predicate against session
// state. The grammar is deliberately tiny:
//
//	""                 -> true (unguarded)
//	"key"              -> truthiness of state[key]
//	"!key"             -> negation
//	"key == 'literal'" -> string equality
//	"key != 'literal'" -> string inequality
func EvalGuard(expr string, state map[string]any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	if rest, ok := strings.CutPrefix(expr, "!"); ok {
		return !EvalGuard(rest, state)
	}
	if key, lit, ok := splitOp(expr, "=="); ok {
		return stringValue(state[key]) == lit
	}
	if key, lit, ok := splitOp(expr, "!="); ok {
		return stringValue(state[key]) != lit
	}
	return truthy(state[expr])
}

func splitOp(expr, op string) (key, literal string, ok bool) {
	idx := strings.Index(expr, op)
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(expr[:idx])
	literal = strings.TrimSpace(expr[idx+len(op):])
	literal = strings.Trim(literal, `'"`)
	return key, literal, key != ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

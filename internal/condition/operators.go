package condition

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Operator is a binary comparison operator.
type Operator string

const (
	OpEq       Operator = "=="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpGte      Operator = ">="
	OpLt       Operator = "<"
	OpLte      Operator = "<="
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

func apply(op Operator, left, right interface{}) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right), nil
	case OpNeq:
		return !equal(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		return ordered(op, left, right)
	case OpContains:
		return contains(left, right)
	case OpMatches:
		s, ok := left.(string)
		pattern, pok := right.(string)
		if !ok || !pok {
			return false, fmt.Errorf("matches: operands must be strings, got %T and %T", left, right)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("matches: invalid pattern %q: %w", pattern, err)
		}
		return re.MatchString(s), nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// equal compares numbers by value, booleans strictly and anything else by
// its string form.
func equal(left, right interface{}) bool {
	if l, ok := number(left); ok {
		r, ok := number(right)
		return ok && math.Abs(l-r) < 1e-9
	}
	if l, ok := left.(bool); ok {
		r, ok := right.(bool)
		return ok && l == r
	}
	if _, ok := right.(bool); ok {
		return false
	}
	return fmt.Sprint(left) == fmt.Sprint(right)
}

func ordered(op Operator, left, right interface{}) (bool, error) {
	l, lok := number(left)
	r, rok := number(right)
	if !lok || !rok {
		return false, fmt.Errorf("%s: operands must be numeric, got %T and %T", op, left, right)
	}
	switch op {
	case OpGt:
		return l > r, nil
	case OpGte:
		return l >= r, nil
	case OpLt:
		return l < r, nil
	default:
		return l <= r, nil
	}
}

// contains is substring containment for strings and membership for lists.
func contains(left, right interface{}) (bool, error) {
	switch l := left.(type) {
	case string:
		return strings.Contains(l, fmt.Sprint(right)), nil
	case []interface{}:
		for _, item := range l {
			if equal(item, right) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		for _, item := range l {
			if item == fmt.Sprint(right) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("contains: left operand must be a string or list, got %T", left)
}

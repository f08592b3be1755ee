// Package rules provides the deterministic rule evaluation engine:
// condition evaluation, rule matching, rule set loading/validation, and
// first-match-wins decisioning over an immutable, hot-swappable rule set.
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/shrike/internal/domain"
)

// evaluateCondition tests one field/operator/value triple against the
// transaction's fields. It fails with ErrFieldMissing when the referenced
// field is absent and ErrTypeMismatch when the field's runtime type is
// incompatible with the operator. No side effects.
func evaluateCondition(cond domain.Condition, fields map[string]any) (bool, error) {
	actual, ok := fields[cond.Field]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrFieldMissing, cond.Field)
	}

	switch cond.Operator {
	case domain.OpGreaterThan, domain.OpLessThan, domain.OpGreaterEqual, domain.OpLessEqual:
		return compareNumeric(cond.Operator, actual, cond.Value)

	case domain.OpEqual:
		return scalarEqual(actual, cond.Value), nil

	case domain.OpNotEqual:
		return !scalarEqual(actual, cond.Value), nil

	case domain.OpIn:
		return memberOf(actual, cond.Value)

	case domain.OpNotIn:
		ok, err := memberOf(actual, cond.Value)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		// Unknown operators are rejected at load time; reaching this
		// means the rule set bypassed the loader.
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

// compareNumeric applies >, <, >= or <= to the field value. Integers and
// floating values are both accepted and compared as real numbers.
func compareNumeric(op domain.Operator, actual, expected any) (bool, error) {
	a, ok := toNumber(actual)
	if !ok {
		return false, fmt.Errorf("%w: operator %q needs a numeric field value, got %T", ErrTypeMismatch, op, actual)
	}
	b, ok := toNumber(expected)
	if !ok {
		// Rule values are type-checked at load time; a non-numeric value
		// here indicates an unvalidated rule set.
		return false, fmt.Errorf("%w: operator %q needs a numeric rule value, got %T", ErrTypeMismatch, op, expected)
	}

	switch op {
	case domain.OpGreaterThan:
		return a > b, nil
	case domain.OpLessThan:
		return a < b, nil
	case domain.OpGreaterEqual:
		return a >= b, nil
	default:
		return a <= b, nil
	}
}

// scalarEqual compares two scalars by value and type. Booleans never
// equal numbers (true != 1) and strings compare case-sensitively.
// Integers and floats are both numbers and compare by real value.
func scalarEqual(a, b any) bool {
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && an == bn
	}
	return false
}

// memberOf tests set membership using scalarEqual per element.
func memberOf(actual, set any) (bool, error) {
	elems, ok := toSet(set)
	if !ok {
		return false, fmt.Errorf("%w: in/not_in need a set-valued rule value, got %T", ErrTypeMismatch, set)
	}
	for _, e := range elems {
		if scalarEqual(actual, e) {
			return true, nil
		}
	}
	return false, nil
}

// toNumber coerces the numeric types that survive JSON and YAML decoding
// into float64. Booleans are deliberately excluded.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toSet normalizes the slice shapes produced by JSON and YAML decoders.
func toSet(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}

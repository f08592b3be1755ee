package rules

import (
	"errors"
	"fmt"
	"strings"
)

// Data-dependent evaluation errors. These depend on the transaction, not
// the rule set, and therefore surface at evaluation time.
var (
	// ErrFieldMissing means a condition referenced a field the
	// transaction does not carry.
	ErrFieldMissing = errors.New("field missing from transaction")

	// ErrTypeMismatch means a field's runtime type is incompatible with
	// the condition's operator.
	ErrTypeMismatch = errors.New("field type incompatible with operator")

	// ErrNoRuleSet means Evaluate was called before any rule set was loaded.
	ErrNoRuleSet = errors.New("no rule set loaded")
)

// SchemaError reports structural problems found while loading a rule set:
// missing required fields, unknown operator/logic/decision values,
// duplicate rule ids, out-of-range scores. Loading fails atomically; a
// set with any issue never becomes active.
type SchemaError struct {
	Issues []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid rule set: %s", strings.Join(e.Issues, "; "))
}

// DefaultRuleError reports a missing, duplicated, or misplaced DEFAULT
// (ALWAYS-logic) rule. The DEFAULT rule is what guarantees every
// transaction yields a result, so this is fatal at load time.
type DefaultRuleError struct {
	Reason string
}

func (e *DefaultRuleError) Error() string {
	return fmt.Sprintf("invalid DEFAULT rule: %s", e.Reason)
}

// EvaluationError wraps a condition-evaluation failure with the rule and
// field it occurred in. The engine aborts on these rather than skipping
// the rule: a missing field must never be conflated with "no match", and
// a transaction that cannot be evaluated must never default to ALLOW.
type EvaluationError struct {
	TransactionID string
	RuleID        string
	Field         string
	Err           error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s, field %q: %v", e.RuleID, e.Field, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

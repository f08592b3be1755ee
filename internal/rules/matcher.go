package rules

import (
	"fmt"

	"github.com/opensource-finance/shrike/internal/domain"
)

// matches combines a rule's conditions via its logic mode.
//
// ALWAYS matches unconditionally without evaluating any conditions. AND
// short-circuits on the first false condition, OR on the first true one;
// conditions past the short-circuit point are never evaluated, so a
// missing field there cannot fail the rule. A condition error reached
// before a short-circuit propagates instead of being treated as false.
func matches(rule *domain.Rule, fields map[string]any) (bool, error) {
	switch rule.Logic {
	case domain.LogicAlways:
		return true, nil

	case domain.LogicAnd:
		for _, cond := range rule.Conditions {
			ok, err := evaluateCondition(cond, fields)
			if err != nil {
				return false, &EvaluationError{RuleID: rule.ID, Field: cond.Field, Err: err}
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case domain.LogicOr:
		for _, cond := range rule.Conditions {
			ok, err := evaluateCondition(cond, fields)
			if err != nil {
				return false, &EvaluationError{RuleID: rule.ID, Field: cond.Field, Err: err}
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	default:
		// Unknown logic is rejected at load time; reaching this means
		// the rule set bypassed the loader.
		return false, &EvaluationError{RuleID: rule.ID, Err: fmt.Errorf("unknown logic %q", rule.Logic)}
	}
}

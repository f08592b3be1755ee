package rules

import (
	"fmt"
	"reflect"

	"github.com/opensource-finance/shrike/internal/domain"
)

// Warning is an advisory calibration finding. Warnings never block a
// load; decision and score are author-specified and the engine does not
// enforce a mapping between them.
type Warning struct {
	RuleID  string `json:"ruleId"`
	Message string `json:"message"`
}

// Lint inspects a rule set for authoring mistakes the validator
// deliberately allows: decisions that disagree with their score, and
// rules that can never match because an earlier rule is identical.
func Lint(rs *domain.RuleSet) []Warning {
	if rs == nil {
		return nil
	}

	var warnings []Warning

	for i := range rs.Rules {
		rule := &rs.Rules[i]

		switch rule.Outcome.Decision {
		case domain.DecisionAllow:
			if rule.Outcome.RiskScore >= 70 {
				warnings = append(warnings, Warning{
					RuleID:  rule.ID,
					Message: fmt.Sprintf("ALLOW with risk_score %d; high scores usually pair with REVIEW or BLOCK", rule.Outcome.RiskScore),
				})
			}
		case domain.DecisionBlock:
			if rule.Outcome.RiskScore <= 30 {
				warnings = append(warnings, Warning{
					RuleID:  rule.ID,
					Message: fmt.Sprintf("BLOCK with risk_score %d; low scores usually pair with ALLOW or REVIEW", rule.Outcome.RiskScore),
				})
			}
		}

		// First-match-wins makes a later twin unreachable.
		for j := 0; j < i; j++ {
			earlier := &rs.Rules[j]
			if earlier.Logic == rule.Logic && reflect.DeepEqual(earlier.Conditions, rule.Conditions) {
				warnings = append(warnings, Warning{
					RuleID:  rule.ID,
					Message: fmt.Sprintf("unreachable: identical conditions to earlier rule %q", earlier.ID),
				})
				break
			}
		}
	}

	return warnings
}

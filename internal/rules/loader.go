package rules

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/shrike/internal/domain"
	"github.com/spf13/viper"
)

// Definition is the raw, declarative rule document as authored in YAML or
// JSON. It carries no guarantees; Load turns it into a validated,
// immutable domain.RuleSet or rejects it wholesale.
type Definition struct {
	Version string           `json:"version" mapstructure:"version"`
	Rules   []RuleDefinition `json:"rules" mapstructure:"rules"`
}

// RuleDefinition is one rule entry in a Definition.
type RuleDefinition struct {
	ID         string                `json:"id" mapstructure:"id"`
	Name       string                `json:"name" mapstructure:"name"`
	Logic      string                `json:"logic" mapstructure:"logic"`
	Conditions []ConditionDefinition `json:"conditions,omitempty" mapstructure:"conditions"`
	Outcome    OutcomeDefinition     `json:"outcome" mapstructure:"outcome"`
}

// ConditionDefinition is one condition entry in a RuleDefinition.
type ConditionDefinition struct {
	Field    string `json:"field" mapstructure:"field"`
	Operator string `json:"operator" mapstructure:"operator"`
	Value    any    `json:"value" mapstructure:"value"`
}

// OutcomeDefinition is the outcome block of a RuleDefinition.
type OutcomeDefinition struct {
	RiskScore int    `json:"risk_score" mapstructure:"risk_score"`
	Decision  string `json:"decision" mapstructure:"decision"`
	Reason    string `json:"reason" mapstructure:"reason"`
}

var validOperators = map[domain.Operator]bool{
	domain.OpGreaterThan:  true,
	domain.OpLessThan:     true,
	domain.OpGreaterEqual: true,
	domain.OpLessEqual:    true,
	domain.OpEqual:        true,
	domain.OpNotEqual:     true,
	domain.OpIn:           true,
	domain.OpNotIn:        true,
}

var validDecisions = map[domain.Decision]bool{
	domain.DecisionAllow:  true,
	domain.DecisionReview: true,
	domain.DecisionBlock:  true,
}

// Load validates a definition eagerly and completely and builds an
// immutable rule set from it. Structural problems return *SchemaError; a
// missing, duplicated, or misplaced ALWAYS rule returns
// *DefaultRuleError. No structural error may surface later during
// evaluation: a set that loads is a set that evaluates.
func Load(def *Definition) (*domain.RuleSet, error) {
	if def == nil {
		return nil, &SchemaError{Issues: []string{"definition is required"}}
	}

	var issues []string
	if len(def.Rules) == 0 {
		return nil, &SchemaError{Issues: []string{"rules must be a non-empty list"}}
	}

	seen := make(map[string]bool, len(def.Rules))
	for i, rd := range def.Rules {
		label := fmt.Sprintf("rule %d (%s)", i+1, ruleLabel(rd))
		issues = append(issues, validateRule(label, rd)...)

		if rd.ID != "" {
			if seen[rd.ID] {
				issues = append(issues, fmt.Sprintf("%s: duplicate rule id %q", label, rd.ID))
			}
			seen[rd.ID] = true
		}
	}

	if len(issues) > 0 {
		return nil, &SchemaError{Issues: issues}
	}

	// DEFAULT rule invariants: exactly one ALWAYS rule, and it is last.
	alwaysIdx := -1
	for i, rd := range def.Rules {
		if domain.Logic(rd.Logic) != domain.LogicAlways {
			continue
		}
		if alwaysIdx >= 0 {
			return nil, &DefaultRuleError{Reason: fmt.Sprintf("more than one ALWAYS rule (%s and %s)", def.Rules[alwaysIdx].ID, rd.ID)}
		}
		alwaysIdx = i
	}
	if alwaysIdx < 0 {
		return nil, &DefaultRuleError{Reason: "rule set must end with an ALWAYS rule"}
	}
	if alwaysIdx != len(def.Rules)-1 {
		return nil, &DefaultRuleError{Reason: fmt.Sprintf("ALWAYS rule %q must be the last rule, found at position %d", def.Rules[alwaysIdx].ID, alwaysIdx+1)}
	}

	// Build the immutable set in full before anyone can see it.
	rs := &domain.RuleSet{
		Version: def.Version,
		Rules:   make([]domain.Rule, 0, len(def.Rules)),
	}
	for _, rd := range def.Rules {
		rule := domain.Rule{
			ID:    rd.ID,
			Name:  rd.Name,
			Logic: domain.Logic(rd.Logic),
			Outcome: domain.Outcome{
				RiskScore: rd.Outcome.RiskScore,
				Decision:  domain.Decision(rd.Outcome.Decision),
				Reason:    rd.Outcome.Reason,
			},
		}
		// Conditions on an ALWAYS rule are ignored: the DEFAULT rule
		// matches unconditionally no matter what was authored on it.
		if rule.Logic != domain.LogicAlways {
			rule.Conditions = make([]domain.Condition, 0, len(rd.Conditions))
			for _, cd := range rd.Conditions {
				rule.Conditions = append(rule.Conditions, domain.Condition{
					Field:    cd.Field,
					Operator: domain.Operator(cd.Operator),
					Value:    cd.Value,
				})
			}
		}
		rs.Rules = append(rs.Rules, rule)
	}

	return rs, nil
}

// validateRule collects structural issues for a single rule definition.
func validateRule(label string, rd RuleDefinition) []string {
	var issues []string

	if rd.ID == "" {
		issues = append(issues, label+": missing id")
	}
	if rd.Name == "" {
		issues = append(issues, label+": missing name")
	}

	logic := domain.Logic(rd.Logic)
	switch logic {
	case domain.LogicAnd, domain.LogicOr:
		if len(rd.Conditions) == 0 {
			issues = append(issues, fmt.Sprintf("%s: %s logic requires at least one condition", label, logic))
		}
	case domain.LogicAlways:
		// Conditions are permitted but ignored.
	default:
		issues = append(issues, fmt.Sprintf("%s: unknown logic %q (must be AND, OR, or ALWAYS)", label, rd.Logic))
	}

	for i, cd := range rd.Conditions {
		issues = append(issues, validateCondition(fmt.Sprintf("%s condition %d", label, i+1), cd)...)
	}

	if rd.Outcome.RiskScore < 0 || rd.Outcome.RiskScore > 100 {
		issues = append(issues, fmt.Sprintf("%s: risk_score %d outside [0,100]", label, rd.Outcome.RiskScore))
	}
	if !validDecisions[domain.Decision(rd.Outcome.Decision)] {
		issues = append(issues, fmt.Sprintf("%s: unknown decision %q (must be ALLOW, REVIEW, or BLOCK)", label, rd.Outcome.Decision))
	}
	if rd.Outcome.Reason == "" {
		issues = append(issues, label+": outcome reason must be non-empty")
	}

	return issues
}

// validateCondition checks operator validity and operator/value type
// compatibility, so that evaluation can only fail on transaction data.
func validateCondition(label string, cd ConditionDefinition) []string {
	var issues []string

	if cd.Field == "" {
		issues = append(issues, label+": missing field")
	}

	op := domain.Operator(cd.Operator)
	if !validOperators[op] {
		issues = append(issues, fmt.Sprintf("%s: unknown operator %q", label, cd.Operator))
		return issues
	}

	switch op {
	case domain.OpIn, domain.OpNotIn:
		if _, ok := toSet(cd.Value); !ok {
			issues = append(issues, fmt.Sprintf("%s: operator %q requires a set value, got %T", label, op, cd.Value))
		}
	case domain.OpGreaterThan, domain.OpLessThan, domain.OpGreaterEqual, domain.OpLessEqual:
		if _, ok := toNumber(cd.Value); !ok {
			issues = append(issues, fmt.Sprintf("%s: operator %q requires a numeric value, got %T", label, op, cd.Value))
		}
	default: // == and != take any scalar
		switch cd.Value.(type) {
		case string, bool, int, int32, int64, uint64, float32, float64, json.Number:
		default:
			issues = append(issues, fmt.Sprintf("%s: operator %q requires a scalar value, got %T", label, op, cd.Value))
		}
	}

	return issues
}

func ruleLabel(rd RuleDefinition) string {
	if rd.ID != "" {
		return rd.ID
	}
	return "unknown"
}

// LoadFile reads a YAML or JSON definition document from disk and loads
// it. The document shape is {version, rules[]} as authored by rule
// editors.
func LoadFile(path string) (*domain.RuleSet, error) {
	def, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Load(def)
}

// ParseFile decodes a definition document without validating it.
func ParseFile(path string) (*Definition, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read rule definitions from %s: %w", path, err)
	}

	var def Definition
	if err := v.Unmarshal(&def); err != nil {
		return nil, fmt.Errorf("failed to decode rule definitions from %s: %w", path, err)
	}
	return &def, nil
}

// ParseJSON decodes a definition document from raw JSON, as stored in the
// repository version store or received over the API.
func ParseJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode rule definitions: %w", err)
	}
	return &def, nil
}

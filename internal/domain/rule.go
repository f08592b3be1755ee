package domain

// Operator is a condition comparison operator.
type Operator string

// Condition operators. Comparison operators require numeric field values;
// in/not_in require a set-valued rule value.
const (
	OpGreaterThan  Operator = ">"
	OpLessThan     Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
)

// Logic is the combinator applied to a rule's conditions.
type Logic string

const (
	LogicAnd    Logic = "AND"
	LogicOr     Logic = "OR"
	LogicAlways Logic = "ALWAYS"
)

// Decision is the risk verdict attached to a rule outcome.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionReview Decision = "REVIEW"
	DecisionBlock  Decision = "BLOCK"
)

// Condition is a single field/operator/value test against a transaction.
// Value is a scalar for comparison and equality operators, and a set of
// scalars for in/not_in.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Outcome is the result a rule emits when it matches. Decision and score
// are independently author-specified; the engine enforces no mapping
// between them.
type Outcome struct {
	RiskScore int      `json:"risk_score"`
	Decision  Decision `json:"decision"`
	Reason    string   `json:"reason"`
}

// Rule is one entry in the ordered rule list.
type Rule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Conditions []Condition `json:"conditions,omitempty"`
	Logic      Logic       `json:"logic"`
	Outcome    Outcome     `json:"outcome"`
}

// GlobalTenantID scopes rule set rows in storage. The engine holds one
// process-wide rule set that decides traffic for every tenant, so
// persisted definitions live under this tenant ID rather than the
// publisher's.
const GlobalTenantID = "*"

// RuleSet is a validated, ordered rule list terminating in a rule with
// ALWAYS logic. It is built once by the loader and never mutated; reload
// replaces the whole value.
type RuleSet struct {
	Version string `json:"version"`
	Rules   []Rule `json:"rules"`
}

// RuleResult is the engine's sole output per transaction. It is consumed
// downstream by the explanation step and never mutated after creation.
type RuleResult struct {
	TransactionID   string   `json:"transaction_id"`
	MatchedRuleID   string   `json:"matched_rule_id"`
	MatchedRuleName string   `json:"matched_rule_name"`
	RiskScore       int      `json:"risk_score"`
	Decision        Decision `json:"decision"`
	RuleReason      string   `json:"rule_reason"`

	// RuleSetVersion records which rule set produced the result, for audit.
	RuleSetVersion string `json:"rule_set_version,omitempty"`
}

package rules

import (
	"log/slog"
	"sync/atomic"

	"github.com/opensource-finance/shrike/internal/domain"
)

// Engine walks an ordered rule set and returns the outcome of the first
// matching rule. Evaluation is pure and synchronous; the only state is
// the active rule set, held behind an atomic pointer so concurrent
// evaluations and reloads never observe a partially updated set.
type Engine struct {
	active atomic.Pointer[domain.RuleSet]
}

// NewEngine creates an engine. A nil rule set is allowed so the engine
// can be constructed before the first load; Evaluate fails with
// ErrNoRuleSet until a set is swapped in.
func NewEngine(rs *domain.RuleSet) *Engine {
	e := &Engine{}
	if rs != nil {
		e.active.Store(rs)
	}
	return e
}

// Evaluate decides one transaction against the active rule set.
//
// Rules are visited in stored order and the first match wins. Because the
// loader guarantees the last rule has ALWAYS logic, a well-formed
// transaction always terminates with a result. A FieldMissing or
// TypeMismatch on a rule reached before the match aborts the whole
// evaluation with an *EvaluationError: an unevaluable transaction is
// surfaced to the caller, never skipped past and never defaulted to
// ALLOW.
func (e *Engine) Evaluate(tx *domain.Transaction) (*domain.RuleResult, error) {
	rs := e.active.Load()
	if rs == nil {
		return nil, ErrNoRuleSet
	}

	for i := range rs.Rules {
		rule := &rs.Rules[i]

		ok, err := matches(rule, tx.Fields)
		if err != nil {
			if evalErr, isEval := err.(*EvaluationError); isEval {
				evalErr.TransactionID = tx.ID
			}
			slog.Warn("evaluation aborted",
				"tx_id", tx.ID,
				"tenant_id", tx.TenantID,
				"rule_id", rule.ID,
				"rule_set_version", rs.Version,
				"error", err,
			)
			return nil, err
		}
		if !ok {
			continue
		}

		return &domain.RuleResult{
			TransactionID:   tx.ID,
			MatchedRuleID:   rule.ID,
			MatchedRuleName: rule.Name,
			RiskScore:       rule.Outcome.RiskScore,
			Decision:        rule.Outcome.Decision,
			RuleReason:      rule.Outcome.Reason,
			RuleSetVersion:  rs.Version,
		}, nil
	}

	// Unreachable for loader-validated sets; the DEFAULT rule matches.
	return nil, ErrNoRuleSet
}

// EvaluateBatch decides multiple transactions in order. Results and
// errors are positional; an error for one transaction does not stop the
// batch.
func (e *Engine) EvaluateBatch(txs []*domain.Transaction) ([]*domain.RuleResult, []error) {
	results := make([]*domain.RuleResult, len(txs))
	errs := make([]error, len(txs))
	for i, tx := range txs {
		results[i], errs[i] = e.Evaluate(tx)
	}
	return results, errs
}

// Swap atomically replaces the active rule set. The new set must be
// fully built (by Load) before publication; in-flight evaluations finish
// against whichever set they started with.
func (e *Engine) Swap(rs *domain.RuleSet) {
	old := e.active.Swap(rs)
	oldVersion := ""
	if old != nil {
		oldVersion = old.Version
	}
	slog.Info("rule set swapped",
		"old_version", oldVersion,
		"new_version", rs.Version,
		"rules_count", len(rs.Rules),
	)
}

// Reload validates a definition and, only on success, swaps it in.
// A definition that fails validation leaves the active set untouched.
func (e *Engine) Reload(def *Definition) error {
	rs, err := Load(def)
	if err != nil {
		return err
	}
	e.Swap(rs)
	return nil
}

// ActiveSet returns the currently active rule set, or nil before the
// first load. Callers must treat the returned set as read-only.
func (e *Engine) ActiveSet() *domain.RuleSet {
	return e.active.Load()
}

// Version returns the active rule set version, or "" before the first load.
func (e *Engine) Version() string {
	if rs := e.active.Load(); rs != nil {
		return rs.Version
	}
	return ""
}

// RulesCount returns the number of rules in the active set.
func (e *Engine) RulesCount() int {
	if rs := e.active.Load(); rs != nil {
		return len(rs.Rules)
	}
	return 0
}

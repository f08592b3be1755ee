// Package explain narrates rule engine decisions for human reviewers.
//
// The decision authority boundary is structural: an Explainer receives a
// finished RuleResult and returns a domain.Explanation, a type with no
// field able to carry a risk score or decision. Nothing an explainer
// does can change what the engine decided.
package explain

import (
	"context"

	"github.com/opensource-finance/shrike/internal/domain"
)

// Explainer produces a human-readable explanation for an existing
// decision. Implementations must be invoked only after a RuleResult
// exists and must honor ctx cancellation; a slow or failing explainer
// costs the caller an explanation, never a decision.
type Explainer interface {
	Explain(ctx context.Context, tx *domain.Transaction, result *domain.RuleResult) (*domain.Explanation, error)
}

// confidence grades how much the matched rule pins down the narrative.
// The DEFAULT rule matching means no specific pattern fired, which is
// the weakest story an explanation can tell.
func confidence(tx *domain.Transaction, result *domain.RuleResult) domain.Confidence {
	if result.MatchedRuleID == "DEFAULT" {
		return domain.ConfidenceMedium
	}
	if len(tx.Fields) == 0 {
		return domain.ConfidenceLow
	}
	return domain.ConfidenceHigh
}

package explain

import (
	"context"
	"fmt"

	"github.com/opensource-finance/shrike/internal/domain"
)

// TemplateExplainer renders deterministic explanations from the matched
// rule's own metadata. It is the community-tier explainer and the
// fallback when an external generator is unavailable.
type TemplateExplainer struct{}

// NewTemplateExplainer creates a template-based explainer.
func NewTemplateExplainer() *TemplateExplainer {
	return &TemplateExplainer{}
}

// Explain builds a reviewer-facing narration of the decision.
// needs_human_review is derived from confidence: anything below HIGH
// goes to a human, matching the review threshold rule editors expect.
func (e *TemplateExplainer) Explain(ctx context.Context, tx *domain.Transaction, result *domain.RuleResult) (*domain.Explanation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conf := confidence(tx, result)

	exp := &domain.Explanation{
		Text:             e.render(result),
		Confidence:       conf,
		NeedsHumanReview: conf != domain.ConfidenceHigh,
	}

	if conf != domain.ConfidenceHigh {
		exp.ClarifyingQuestions = e.questions(result)
	}

	return exp, nil
}

func (e *TemplateExplainer) render(result *domain.RuleResult) string {
	switch result.Decision {
	case domain.DecisionBlock:
		return fmt.Sprintf(
			"This transaction was blocked because it matched the rule %q: %s. No further action will be taken unless a reviewer overrides the rule decision.",
			result.MatchedRuleName, result.RuleReason,
		)
	case domain.DecisionReview:
		return fmt.Sprintf(
			"This transaction was routed to manual review because it matched the rule %q: %s. A reviewer should confirm whether the flagged pattern is legitimate for this customer.",
			result.MatchedRuleName, result.RuleReason,
		)
	default:
		return fmt.Sprintf(
			"This transaction was allowed. It matched the rule %q: %s.",
			result.MatchedRuleName, result.RuleReason,
		)
	}
}

func (e *TemplateExplainer) questions(result *domain.RuleResult) []string {
	if result.MatchedRuleID == "DEFAULT" {
		return []string{
			"Did any specific fraud pattern almost match this transaction?",
			"Is the current rule list missing a pattern this transaction exhibits?",
		}
	}
	return []string{
		fmt.Sprintf("Is the data behind rule %q complete for this transaction?", result.MatchedRuleName),
	}
}

package domain

// Confidence grades how reliable an explanation is, not the decision
// itself. The decision is already final when an explanation is produced.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Explanation is a narration of an existing RuleResult for human
// reviewers. By design the type has no field capable of carrying a risk
// score or decision: an explainer structurally cannot alter or produce a
// verdict.
type Explanation struct {
	Text                string     `json:"human_readable_explanation"`
	Confidence          Confidence `json:"confidence"`
	NeedsHumanReview    bool       `json:"needs_human_review"`
	ClarifyingQuestions []string   `json:"clarifying_questions,omitempty"`
	AdditionalContext   string     `json:"additional_context,omitempty"`
}

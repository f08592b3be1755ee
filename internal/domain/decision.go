package domain

import "time"

// DecisionRecord is the persisted audit entry for one evaluated
// transaction: the engine's RuleResult plus the attached explanation and
// processing metadata. Records are written once and listed for review,
// never updated.
type DecisionRecord struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	TxID     string `json:"txId"`

	Result      RuleResult   `json:"result"`
	Explanation *Explanation `json:"explanation,omitempty"`

	// Processing metadata
	TraceID   string    `json:"traceId,omitempty"`
	ProcessUs int64     `json:"processUs"`
	CreatedAt time.Time `json:"createdAt"`
}

// ShouldAlert reports whether the decision warrants an alert publication.
// REVIEW and BLOCK both reach human queues; ALLOW does not.
func (d *DecisionRecord) ShouldAlert() bool {
	return d.Result.Decision == DecisionReview || d.Result.Decision == DecisionBlock
}

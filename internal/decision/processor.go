// Package decision assembles the persisted decision record for one
// evaluated transaction: the engine's result, the attached explanation,
// and processing metadata.
package decision

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/shrike/internal/domain"
	"github.com/opensource-finance/shrike/internal/explain"
)

// Processor turns a RuleResult into an auditable DecisionRecord. The
// explainer runs under a bounded timeout strictly after the result
// exists; it can fail or time out without affecting the record's result.
type Processor struct {
	explainer explain.Explainer

	// ExplainTimeout bounds the explanation call per transaction.
	ExplainTimeout time.Duration
}

// NewProcessor creates a processor with the given explainer. A nil
// explainer yields records without explanations.
func NewProcessor(explainer explain.Explainer) *Processor {
	return &Processor{
		explainer:      explainer,
		ExplainTimeout: 5 * time.Second,
	}
}

// Input carries everything needed to assemble a decision record.
type Input struct {
	TenantID  string
	TraceID   string
	Tx        *domain.Transaction
	Result    *domain.RuleResult
	StartTime time.Time
}

// Process builds the decision record and attaches an explanation.
func (p *Processor) Process(ctx context.Context, in *Input) *domain.DecisionRecord {
	rec := &domain.DecisionRecord{
		ID:        uuid.New().String(),
		TenantID:  in.TenantID,
		TxID:      in.Result.TransactionID,
		Result:    *in.Result,
		TraceID:   in.TraceID,
		CreatedAt: time.Now().UTC(),
	}

	if p.explainer != nil {
		expCtx, cancel := context.WithTimeout(ctx, p.ExplainTimeout)
		exp, err := p.explainer.Explain(expCtx, in.Tx, in.Result)
		cancel()
		if err != nil {
			// The decision stands; only the narration is lost.
			slog.Warn("explanation failed",
				"tx_id", rec.TxID,
				"tenant_id", in.TenantID,
				"error", err,
			)
		} else {
			rec.Explanation = exp
		}
	}

	rec.ProcessUs = time.Since(in.StartTime).Microseconds()
	return rec
}

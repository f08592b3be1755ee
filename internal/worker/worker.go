// Package worker provides async transaction processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/shrike/internal/decision"
	"github.com/opensource-finance/shrike/internal/domain"
	"github.com/opensource-finance/shrike/internal/rules"
	"github.com/opensource-finance/shrike/internal/velocity"
)

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	engine    *rules.Engine
	velocity  *velocity.Service
	processor *decision.Processor

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, engine *rules.Engine, vel *velocity.Service, processor *decision.Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		bus:       bus,
		repo:      repo,
		engine:    engine,
		velocity:  vel,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)
	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)
	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processTransaction(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.subscriptions = append(w.subscriptions, sub)
	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processTransaction(ctx, msg.TenantID, msg)
}

// TransactionMessage is the message payload for transaction processing.
type TransactionMessage struct {
	TxID     string         `json:"txId"`
	TenantID string         `json:"tenantId"`
	TraceID  string         `json:"traceId"`
	EntityID string         `json:"entityId,omitempty"`
	Fields   map[string]any `json:"fields"`
}

// evaluationFailure is published when a transaction cannot be decided.
type evaluationFailure struct {
	TxID   string `json:"txId"`
	RuleID string `json:"ruleId,omitempty"`
	Field  string `json:"field,omitempty"`
	Error  string `json:"error"`
}

// processTransaction evaluates a transaction through the pipeline.
func (w *Worker) processTransaction(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	// Parse message
	var txMsg TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if txMsg.TenantID != "" {
		tenantID = txMsg.TenantID
	}

	traceID := txMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing transaction",
		"tx_id", txMsg.TxID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	tx := &domain.Transaction{
		ID:        txMsg.TxID,
		TenantID:  tenantID,
		EntityID:  txMsg.EntityID,
		Fields:    txMsg.Fields,
		Timestamp: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}

	// 1. Persist the transaction so velocity windows see it
	if w.repo != nil {
		if err := w.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			slog.Error("failed to save transaction",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	// 2. Enrich with velocity fields
	if w.velocity != nil {
		if err := w.velocity.Annotate(ctx, tenantID, tx); err != nil {
			slog.Warn("velocity enrichment failed",
				"tx_id", tx.ID,
				"error", err,
			)
		}
		if tx.EntityID != "" {
			if _, err := w.velocity.RecordObservation(ctx, tenantID, tx.EntityID); err != nil {
				slog.Warn("velocity counter update failed",
					"tx_id", tx.ID,
					"error", err,
				)
			}
		}
	}

	// 3. Evaluate rules
	result, err := w.engine.Evaluate(tx)
	if err != nil {
		slog.Error("rule evaluation failed",
			"tx_id", tx.ID,
			"error", err,
		)
		w.publishFailure(ctx, tenantID, tx.ID, err)
		return err
	}

	// 4. Build decision record with explanation
	rec := w.processor.Process(ctx, &decision.Input{
		TenantID:  tenantID,
		TraceID:   traceID,
		Tx:        tx,
		Result:    result,
		StartTime: start,
	})

	// 5. Save decision
	if w.repo != nil {
		if err := w.repo.SaveDecision(ctx, tenantID, rec); err != nil {
			slog.Error("failed to save decision",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	// 6. Publish result to decision topic
	resultPayload, _ := json.Marshal(rec)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicDecision, resultPayload); err != nil {
		slog.Error("failed to publish decision",
			"tx_id", tx.ID,
			"error", err,
		)
	}

	// 7. If alert, publish to alert topic
	if rec.ShouldAlert() {
		if err := w.bus.Publish(ctx, tenantID, domain.TopicAlert, resultPayload); err != nil {
			slog.Error("failed to publish alert",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	slog.Info("transaction processed",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"decision", rec.Result.Decision,
		"rule_id", rec.Result.MatchedRuleID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// publishFailure emits an evaluation failure event so operators can see
// transactions that were aborted rather than decided.
func (w *Worker) publishFailure(ctx context.Context, tenantID, txID string, evalErr error) {
	failure := evaluationFailure{
		TxID:  txID,
		Error: evalErr.Error(),
	}

	var ee *rules.EvaluationError
	if errors.As(evalErr, &ee) {
		failure.RuleID = ee.RuleID
		failure.Field = ee.Field
	}

	payload, _ := json.Marshal(failure)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicEvaluationFailed, payload); err != nil {
		slog.Error("failed to publish evaluation failure",
			"tx_id", txID,
			"error", err,
		)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()
	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

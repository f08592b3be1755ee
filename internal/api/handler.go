package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/shrike/internal/decision"
	"github.com/opensource-finance/shrike/internal/domain"
	"github.com/opensource-finance/shrike/internal/rules"
	"github.com/opensource-finance/shrike/internal/velocity"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *rules.Engine
	velocity  *velocity.Service
	processor *decision.Processor
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, vel *velocity.Service, processor *decision.Processor, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		engine:    engine,
		velocity:  vel,
		processor: processor,
		version:   version,
	}
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	DecisionID  string                `json:"decisionId"`
	TxID        string                `json:"txId"`
	Result      domain.RuleResult     `json:"result"`
	Explanation *domain.Explanation   `json:"explanation,omitempty"`
	Metadata    struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// evaluationErrorBody is the 422 response body for aborted evaluations.
type evaluationErrorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	RuleID string `json:"ruleId,omitempty"`
	Field  string `json:"field,omitempty"`
	TxID   string `json:"txId,omitempty"`
}

// Evaluate handles POST /evaluate requests synchronously.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	// Parse request
	var req domain.EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	// Re-submissions of a known transaction ID are served from the
	// decision cache without re-evaluating: the same transaction never
	// gets two decisions from one rule set window.
	if req.TransactionID != "" && h.cache != nil {
		if cached, err := h.cache.GetDecision(ctx, tenantID, req.TransactionID); err == nil && cached != nil {
			resp := EvaluateResponse{
				DecisionID:  cached.ID,
				TxID:        cached.TxID,
				Result:      cached.Result,
				Explanation: cached.Explanation,
			}
			resp.Metadata.TraceID = traceID
			resp.Metadata.TotalMs = time.Since(start).Milliseconds()
			resp.Metadata.Version = h.version

			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	if req.TransactionID == "" {
		req.TransactionID = uuid.New().String()
	}

	tx := req.ToTransaction(tenantID)

	// Save transaction if repository is available
	if h.repo != nil {
		if err := h.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			slog.Error("failed to save transaction", "error", err)
		}
	}

	// Enrich with velocity fields before evaluation
	if h.velocity != nil {
		if err := h.velocity.Annotate(ctx, tenantID, tx); err != nil {
			slog.Warn("velocity enrichment failed",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	// Evaluate rules
	result, err := h.engine.Evaluate(tx)
	if err != nil {
		h.writeEvaluationError(w, tenantID, tx.ID, err)
		return
	}

	// Build decision record with explanation
	rec := h.processor.Process(ctx, &decision.Input{
		TenantID:  tenantID,
		TraceID:   traceID,
		Tx:        tx,
		Result:    result,
		StartTime: start,
	})

	// Save decision
	if h.repo != nil {
		if err := h.repo.SaveDecision(ctx, tenantID, rec); err != nil {
			slog.Error("failed to save decision", "error", err)
		}
	}
	if h.cache != nil {
		if err := h.cache.SetDecision(ctx, tenantID, tx.ID, rec, 15*time.Minute); err != nil {
			slog.Warn("failed to cache decision", "error", err)
		}
	}

	// Publish decision and alert events
	if h.bus != nil {
		payload, _ := json.Marshal(rec)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicDecision, payload); err != nil {
			slog.Error("failed to publish decision", "error", err)
		}
		if rec.ShouldAlert() {
			if err := h.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
				slog.Error("failed to publish alert", "error", err)
			}
		}
	}

	resp := EvaluateResponse{
		DecisionID:  rec.ID,
		TxID:        tx.ID,
		Result:      rec.Result,
		Explanation: rec.Explanation,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// writeEvaluationError maps evaluation failures to HTTP responses. A
// transaction the engine cannot decide surfaces as an error, never as an
// implicit ALLOW.
func (h *Handler) writeEvaluationError(w http.ResponseWriter, tenantID, txID string, err error) {
	if errors.Is(err, rules.ErrNoRuleSet) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no rule set loaded",
		})
		return
	}

	body := evaluationErrorBody{
		Error: err.Error(),
		Kind:  "EVALUATION_ERROR",
		TxID:  txID,
	}

	var ee *rules.EvaluationError
	if errors.As(err, &ee) {
		body.RuleID = ee.RuleID
		body.Field = ee.Field
	}
	switch {
	case errors.Is(err, rules.ErrFieldMissing):
		body.Kind = "FIELD_MISSING"
	case errors.Is(err, rules.ErrTypeMismatch):
		body.Kind = "TYPE_MISMATCH"
	}

	slog.Warn("evaluation rejected",
		"tx_id", txID,
		"tenant_id", tenantID,
		"kind", body.Kind,
		"error", err,
	)

	writeJSON(w, http.StatusUnprocessableEntity, body)
}

// BatchRequest is the request body for POST /evaluate/batch.
type BatchRequest struct {
	Transactions []domain.EvaluateRequest `json:"transactions"`
}

// BatchItem is one entry in a batch evaluation response. Exactly one of
// Result or Error is set.
type BatchItem struct {
	TxID        string               `json:"txId"`
	Result      *domain.RuleResult   `json:"result,omitempty"`
	Explanation *domain.Explanation  `json:"explanation,omitempty"`
	Error       *evaluationErrorBody `json:"error,omitempty"`
}

// EvaluateBatch handles POST /evaluate/batch. Transactions are evaluated
// independently in input order; one aborted transaction does not fail
// the batch.
func (h *Handler) EvaluateBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transactions are required",
		})
		return
	}

	items := make([]BatchItem, 0, len(req.Transactions))
	for i := range req.Transactions {
		er := &req.Transactions[i]
		if err := er.Validate(); err != nil {
			items = append(items, BatchItem{
				TxID: er.TransactionID,
				Error: &evaluationErrorBody{
					Error: err.Error(),
					Kind:  "INVALID_REQUEST",
				},
			})
			continue
		}

		// Same idempotency contract as the sync path.
		if er.TransactionID != "" && h.cache != nil {
			if cached, err := h.cache.GetDecision(ctx, tenantID, er.TransactionID); err == nil && cached != nil {
				items = append(items, BatchItem{
					TxID:        cached.TxID,
					Result:      &cached.Result,
					Explanation: cached.Explanation,
				})
				continue
			}
		}

		if er.TransactionID == "" {
			er.TransactionID = uuid.New().String()
		}
		tx := er.ToTransaction(tenantID)

		if h.repo != nil {
			if err := h.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
				slog.Error("failed to save transaction", "error", err)
			}
		}
		if h.velocity != nil {
			if err := h.velocity.Annotate(ctx, tenantID, tx); err != nil {
				slog.Warn("velocity enrichment failed", "tx_id", tx.ID, "error", err)
			}
		}

		result, err := h.engine.Evaluate(tx)
		if err != nil {
			item := BatchItem{
				TxID: tx.ID,
				Error: &evaluationErrorBody{
					Error: err.Error(),
					Kind:  "EVALUATION_ERROR",
					TxID:  tx.ID,
				},
			}
			var ee *rules.EvaluationError
			if errors.As(err, &ee) {
				item.Error.RuleID = ee.RuleID
				item.Error.Field = ee.Field
			}
			switch {
			case errors.Is(err, rules.ErrFieldMissing):
				item.Error.Kind = "FIELD_MISSING"
			case errors.Is(err, rules.ErrTypeMismatch):
				item.Error.Kind = "TYPE_MISMATCH"
			case errors.Is(err, rules.ErrNoRuleSet):
				item.Error.Kind = "NO_RULE_SET"
			}
			items = append(items, item)
			continue
		}

		rec := h.processor.Process(ctx, &decision.Input{
			TenantID:  tenantID,
			TraceID:   traceID,
			Tx:        tx,
			Result:    result,
			StartTime: start,
		})
		if h.repo != nil {
			if err := h.repo.SaveDecision(ctx, tenantID, rec); err != nil {
				slog.Error("failed to save decision", "error", err)
			}
		}
		if h.cache != nil {
			if err := h.cache.SetDecision(ctx, tenantID, tx.ID, rec, 15*time.Minute); err != nil {
				slog.Warn("failed to cache decision", "error", err)
			}
		}
		if h.bus != nil {
			payload, _ := json.Marshal(rec)
			if err := h.bus.Publish(ctx, tenantID, domain.TopicDecision, payload); err != nil {
				slog.Error("failed to publish decision", "error", err)
			}
			if rec.ShouldAlert() {
				if err := h.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
					slog.Error("failed to publish alert", "error", err)
				}
			}
		}

		items = append(items, BatchItem{TxID: tx.ID, Result: result, Explanation: rec.Explanation})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": items,
		"count":   len(items),
		"totalMs": time.Since(start).Milliseconds(),
	})
}

// IngestRequest is the request body for POST /transactions.
type IngestRequest struct {
	TransactionID string         `json:"transactionId,omitempty"`
	EntityID      string         `json:"entityId,omitempty"`
	Fields        map[string]any `json:"fields"`
}

// IngestTransaction handles POST /transactions by publishing to the
// event bus for async processing by workers.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "fields are required",
		})
		return
	}

	if req.TransactionID == "" {
		req.TransactionID = uuid.New().String()
	}

	payload, err := json.Marshal(map[string]any{
		"txId":     req.TransactionID,
		"tenantId": tenantID,
		"traceId":  traceID,
		"entityId": req.EntityID,
		"fields":   req.Fields,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode message",
		})
		return
	}

	if err := h.bus.Publish(ctx, tenantID, domain.TopicTransactionIngested, payload); err != nil {
		slog.Error("failed to publish transaction", "tx_id", req.TransactionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to enqueue transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"txId":    req.TransactionID,
		"traceId": traceID,
		"status":  "queued",
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		slog.Error("failed to get transaction", "id", txID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// GetDecision retrieves a decision record by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	decisionID := chi.URLParam(r, "id")

	if decisionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "decision id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	rec, err := h.repo.GetDecision(ctx, tenantID, decisionID)
	if err != nil {
		slog.Error("failed to get decision", "id", decisionID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "decision not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ListDecisions returns recent decisions for the tenant, newest first.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	records, err := h.repo.ListDecisions(ctx, tenantID, limit)
	if err != nil {
		slog.Error("failed to list decisions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list decisions",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": records,
		"count":     len(records),
	})
}

// GetRules returns the currently active rule set.
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	rs := h.engine.ActiveSet()
	if rs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no rule set loaded",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version": rs.Version,
		"rules":   rs.Rules,
		"count":   len(rs.Rules),
	})
}

// LintRules returns calibration warnings for the active rule set.
func (h *Handler) LintRules(w http.ResponseWriter, r *http.Request) {
	rs := h.engine.ActiveSet()
	if rs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no rule set loaded",
		})
		return
	}

	warnings := rules.Lint(rs)
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  rs.Version,
		"warnings": warnings,
		"count":    len(warnings),
	})
}

// ListRuleSetVersions returns the published rule set versions.
func (h *Handler) ListRuleSetVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	versions, err := h.repo.ListRuleSetVersions(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rule set versions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rule set versions",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"active":   h.engine.Version(),
		"count":    len(versions),
	})
}

// PutRules handles PUT /rules. The body is a complete rule definition
// document; it is validated in full before anything is swapped, so a bad
// document leaves the active set untouched.
func (h *Handler) PutRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
		return
	}

	def, err := rules.ParseJSON(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule definition: " + err.Error(),
		})
		return
	}

	rs, err := rules.Load(def)
	if err != nil {
		h.writeLoadError(w, err)
		return
	}

	// Persist the raw definition so it survives restarts. The engine is
	// process global, so storage is keyed by the global tenant and not
	// the publisher: startup loading reads the same row back.
	if h.repo != nil {
		if err := h.repo.SaveRuleSet(ctx, domain.GlobalTenantID, rs.Version, body); err != nil {
			slog.Error("failed to save rule set", "version", rs.Version, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule set",
			})
			return
		}
	}

	h.engine.Swap(rs)

	if h.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"version": rs.Version,
			"count":   len(rs.Rules),
		})
		if err := h.bus.Publish(ctx, tenantID, domain.TopicRulesReloaded, payload); err != nil {
			slog.Error("failed to publish rules reloaded event", "error", err)
		}
	}

	slog.Info("rule set published",
		"tenant_id", tenantID,
		"version", rs.Version,
		"rules", len(rs.Rules),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"version": rs.Version,
		"count":   len(rs.Rules),
		"message": "rule set validated and activated",
	})
}

// writeLoadError maps load-time validation failures to 400 responses
// with the full issue list.
func (h *Handler) writeLoadError(w http.ResponseWriter, err error) {
	var se *rules.SchemaError
	if errors.As(err, &se) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "schema validation failed",
			"kind":   "SCHEMA_ERROR",
			"issues": se.Issues,
		})
		return
	}

	var de *rules.DefaultRuleError
	if errors.As(err, &de) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": de.Error(),
			"kind":  "DEFAULT_RULE_ERROR",
		})
		return
	}

	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": err.Error(),
	})
}

// ReloadRules reloads the latest persisted rule set into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	version, definition, err := h.repo.GetLatestRuleSet(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to load rule set from database", "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no persisted rule set found",
		})
		return
	}

	def, err := rules.ParseJSON(definition)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "stored rule set is not parseable: " + err.Error(),
		})
		return
	}

	if err := h.engine.Reload(def); err != nil {
		h.writeLoadError(w, err)
		return
	}

	slog.Info("rules reloaded from database",
		"tenant_id", tenantID,
		"version", version,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"version": h.engine.Version(),
		"count":   h.engine.RulesCount(),
		"message": "rules reloaded successfully",
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic. The
// engine must hold a rule set before traffic is admitted.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil || h.engine.ActiveSet() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": "no rule set loaded",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

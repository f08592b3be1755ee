package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/shrike/internal/bus"
	"github.com/opensource-finance/shrike/internal/cache"
	"github.com/opensource-finance/shrike/internal/decision"
	"github.com/opensource-finance/shrike/internal/domain"
	"github.com/opensource-finance/shrike/internal/explain"
	"github.com/opensource-finance/shrike/internal/repository"
	"github.com/opensource-finance/shrike/internal/rules"
	"github.com/opensource-finance/shrike/internal/velocity"
)

func testRuleSet() *domain.RuleSet {
	return &domain.RuleSet{
		Version: "api-test-1",
		Rules: []domain.Rule{
			{
				ID:    "RULE_001",
				Name:  "High Amount New Device",
				Logic: domain.LogicAnd,
				Conditions: []domain.Condition{
					{Field: "transaction_amount", Operator: domain.OpGreaterThan, Value: 1000},
					{Field: "is_new_device", Operator: domain.OpEqual, Value: true},
				},
				Outcome: domain.Outcome{
					RiskScore: 85,
					Decision:  domain.DecisionBlock,
					Reason:    "High amount transaction from a new device",
				},
			},
			{
				ID:    "DEFAULT",
				Name:  "Default Allow",
				Logic: domain.LogicAlways,
				Outcome: domain.Outcome{
					RiskScore: 5,
					Decision:  domain.DecisionAllow,
					Reason:    "No fraud patterns matched",
				},
			},
		},
	}
}

func testStack(t *testing.T, rs *domain.RuleSet) (*Server, domain.Repository, *bus.ChannelBus) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("repository.New() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c := cache.NewLRUCache(1000)
	t.Cleanup(func() { c.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	engine := rules.NewEngine(rs)
	vel := velocity.NewService(repo, c, domain.VelocityConfig{})
	processor := decision.NewProcessor(explain.NewTemplateExplainer())

	return NewServer(domain.ServerConfig{}, repo, c, b, engine, vel, processor, "test"), repo, b
}

func testServer(t *testing.T, rs *domain.RuleSet) *Server {
	t.Helper()
	srv, _, _ := testStack(t, rs)
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path string, body any, tenant string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		switch v := body.(type) {
		case string:
			buf.WriteString(v)
		default:
			if err := json.NewEncoder(&buf).Encode(v); err != nil {
				t.Fatalf("encode body: %v", err)
			}
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantIDHeader, tenant)
	}

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestEvaluateBlock(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodPost, "/evaluate", map[string]any{
		"transactionId": "tx-api-1",
		"fields": map[string]any{
			"transaction_amount": 5000,
			"is_new_device":      true,
		},
	}, "tenant-a")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp EvaluateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TxID != "tx-api-1" {
		t.Errorf("TxID = %q, want tx-api-1", resp.TxID)
	}
	if resp.Result.Decision != domain.DecisionBlock {
		t.Errorf("Decision = %v, want BLOCK", resp.Result.Decision)
	}
	if resp.Result.MatchedRuleID != "RULE_001" {
		t.Errorf("MatchedRuleID = %q, want RULE_001", resp.Result.MatchedRuleID)
	}
	if resp.Result.RiskScore != 85 {
		t.Errorf("RiskScore = %d, want 85", resp.Result.RiskScore)
	}
	if resp.Result.RuleSetVersion != "api-test-1" {
		t.Errorf("RuleSetVersion = %q, want api-test-1", resp.Result.RuleSetVersion)
	}
	if resp.DecisionID == "" {
		t.Error("DecisionID should be populated")
	}
	if resp.Explanation == nil {
		t.Error("response should carry an explanation")
	}
}

func TestEvaluateDefaultAllow(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodPost, "/evaluate", map[string]any{
		"fields": map[string]any{
			"transaction_amount": 25,
			"is_new_device":      false,
		},
	}, "tenant-a")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp EvaluateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Result.Decision != domain.DecisionAllow {
		t.Errorf("Decision = %v, want ALLOW", resp.Result.Decision)
	}
	if resp.Result.MatchedRuleID != "DEFAULT" {
		t.Errorf("MatchedRuleID = %q, want DEFAULT", resp.Result.MatchedRuleID)
	}
	if resp.TxID == "" {
		t.Error("server should assign a transaction ID when none is given")
	}
}

func TestEvaluateRequiresTenantHeader(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodPost, "/evaluate", map[string]any{
		"fields": map[string]any{"transaction_amount": 10},
	}, "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without %s", w.Code, TenantIDHeader)
	}
}

func TestEvaluateBadRequests(t *testing.T) {
	srv := testServer(t, testRuleSet())

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", "{not json"},
		{"no fields", map[string]any{"transactionId": "tx-1"}},
		{"non-scalar field", map[string]any{
			"fields": map[string]any{"nested": map[string]any{"a": 1}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, srv, http.MethodPost, "/evaluate", tt.body, "tenant-a")
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body = %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestEvaluateFieldMissing(t *testing.T) {
	srv := testServer(t, testRuleSet())

	// transaction_amount passes the first condition, is_new_device is absent.
	w := doRequest(t, srv, http.MethodPost, "/evaluate", map[string]any{
		"transactionId": "tx-missing",
		"fields":        map[string]any{"transaction_amount": 5000},
	}, "tenant-a")

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body = %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["kind"] != "FIELD_MISSING" {
		t.Errorf("kind = %v, want FIELD_MISSING", body["kind"])
	}
	if body["ruleId"] != "RULE_001" {
		t.Errorf("ruleId = %v, want RULE_001", body["ruleId"])
	}
	if body["field"] != "is_new_device" {
		t.Errorf("field = %v, want is_new_device", body["field"])
	}
	if body["txId"] != "tx-missing" {
		t.Errorf("txId = %v, want tx-missing", body["txId"])
	}
}

func TestEvaluateTypeMismatch(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodPost, "/evaluate", map[string]any{
		"fields": map[string]any{
			"transaction_amount": "a lot",
			"is_new_device":      true,
		},
	}, "tenant-a")

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["kind"] != "TYPE_MISMATCH" {
		t.Errorf("kind = %v, want TYPE_MISMATCH", body["kind"])
	}
}

func TestEvaluateNoRuleSet(t *testing.T) {
	srv := testServer(t, nil)

	w := doRequest(t, srv, http.MethodPost, "/evaluate", map[string]any{
		"fields": map[string]any{"transaction_amount": 10},
	}, "tenant-a")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 with no rule set", w.Code)
	}
}

func TestEvaluateBatch(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodPost, "/evaluate/batch", map[string]any{
		"transactions": []map[string]any{
			{
				"transactionId": "tx-b1",
				"fields": map[string]any{
					"transaction_amount": 5000,
					"is_new_device":      true,
				},
			},
			{
				"transactionId": "tx-b2",
				"fields":        map[string]any{"transaction_amount": 5000},
			},
			{
				"transactionId": "tx-b3",
				"fields": map[string]any{
					"transaction_amount": 10,
					"is_new_device":      false,
				},
			},
		},
	}, "tenant-a")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Results []BatchItem `json:"results"`
		Count   int         `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 3 {
		t.Fatalf("count = %d, want 3", resp.Count)
	}

	// First: blocked, with the same explanation the sync path carries.
	if resp.Results[0].Result == nil || resp.Results[0].Result.Decision != domain.DecisionBlock {
		t.Errorf("item 0 = %+v, want BLOCK result", resp.Results[0])
	}
	if resp.Results[0].Explanation == nil {
		t.Error("item 0 should carry an explanation")
	}
	// Second: aborted, with the batch continuing past it.
	if resp.Results[1].Error == nil || resp.Results[1].Error.Kind != "FIELD_MISSING" {
		t.Errorf("item 1 = %+v, want FIELD_MISSING error", resp.Results[1])
	}
	// Third: default allow.
	if resp.Results[2].Result == nil || resp.Results[2].Result.MatchedRuleID != "DEFAULT" {
		t.Errorf("item 2 = %+v, want DEFAULT match", resp.Results[2])
	}
}

func TestEvaluateBatchEmpty(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodPost, "/evaluate/batch", map[string]any{
		"transactions": []map[string]any{},
	}, "tenant-a")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for empty batch", w.Code)
	}
}

func TestIngestTransaction(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodPost, "/transactions", map[string]any{
		"transactionId": "tx-queued",
		"fields":        map[string]any{"transaction_amount": 100},
	}, "tenant-a")

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["txId"] != "tx-queued" {
		t.Errorf("txId = %v, want tx-queued", body["txId"])
	}
	if body["status"] != "queued" {
		t.Errorf("status = %v, want queued", body["status"])
	}
}

func TestGetTransactionAfterEvaluate(t *testing.T) {
	srv := testServer(t, testRuleSet())

	doRequest(t, srv, http.MethodPost, "/evaluate", map[string]any{
		"transactionId": "tx-fetch",
		"fields": map[string]any{
			"transaction_amount": 10,
			"is_new_device":      false,
		},
	}, "tenant-a")

	w := doRequest(t, srv, http.MethodGet, "/transactions/tx-fetch", nil, "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var tx domain.Transaction
	if err := json.Unmarshal(w.Body.Bytes(), &tx); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	if tx.ID != "tx-fetch" || tx.TenantID != "tenant-a" {
		t.Errorf("got %+v, want tx-fetch under tenant-a", tx)
	}

	// Another tenant cannot see it.
	w = doRequest(t, srv, http.MethodGet, "/transactions/tx-fetch", nil, "tenant-b")
	if w.Code != http.StatusNotFound {
		t.Errorf("cross-tenant status = %d, want 404", w.Code)
	}
}

func TestDecisionRetrieval(t *testing.T) {
	srv := testServer(t, testRuleSet())

	for i := 0; i < 2; i++ {
		w := doRequest(t, srv, http.MethodPost, "/evaluate", map[string]any{
			"transactionId": fmt.Sprintf("tx-dec-%d", i),
			"fields": map[string]any{
				"transaction_amount": 5000,
				"is_new_device":      true,
			},
		}, "tenant-a")
		if w.Code != http.StatusOK {
			t.Fatalf("evaluate status = %d", w.Code)
		}
	}

	w := doRequest(t, srv, http.MethodGet, "/decisions", nil, "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", w.Code, w.Body.String())
	}

	var list struct {
		Decisions []*domain.DecisionRecord `json:"decisions"`
		Count     int                      `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 2 {
		t.Fatalf("count = %d, want 2", list.Count)
	}

	decisionID := list.Decisions[0].ID
	w = doRequest(t, srv, http.MethodGet, "/decisions/"+decisionID, nil, "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", w.Code, w.Body.String())
	}

	var rec domain.DecisionRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if rec.Result.Decision != domain.DecisionBlock {
		t.Errorf("Decision = %v, want BLOCK", rec.Result.Decision)
	}
}

func validRulesDoc(version string) string {
	return fmt.Sprintf(`{
		"version": %q,
		"rules": [
			{
				"id": "RULE_100",
				"name": "Gambling Review",
				"logic": "OR",
				"conditions": [
					{"field": "merchant_category", "operator": "in", "value": ["gambling", "crypto_exchange"]}
				],
				"outcome": {"risk_score": 55, "decision": "REVIEW", "reason": "High risk merchant category"}
			},
			{
				"id": "DEFAULT",
				"name": "Default Allow",
				"logic": "ALWAYS",
				"outcome": {"risk_score": 5, "decision": "ALLOW", "reason": "No fraud patterns matched"}
			}
		]
	}`, version)
}

func TestPutRulesActivatesNewSet(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodPut, "/rules", validRulesDoc("v-new"), "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["version"] != "v-new" {
		t.Errorf("version = %v, want v-new", body["version"])
	}

	// The new set decides traffic immediately.
	w = doRequest(t, srv, http.MethodPost, "/evaluate", map[string]any{
		"fields": map[string]any{"merchant_category": "gambling"},
	}, "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("evaluate status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp EvaluateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Result.MatchedRuleID != "RULE_100" {
		t.Errorf("MatchedRuleID = %q, want RULE_100", resp.Result.MatchedRuleID)
	}
	if resp.Result.RuleSetVersion != "v-new" {
		t.Errorf("RuleSetVersion = %q, want v-new", resp.Result.RuleSetVersion)
	}
}

func TestPutRulesSchemaError(t *testing.T) {
	srv := testServer(t, testRuleSet())

	doc := `{
		"version": "bad",
		"rules": [
			{
				"id": "R1",
				"name": "Broken",
				"logic": "XOR",
				"conditions": [
					{"field": "transaction_amount", "operator": "~", "value": 1}
				],
				"outcome": {"risk_score": 200, "decision": "MAYBE", "reason": ""}
			},
			{
				"id": "DEFAULT",
				"name": "Default Allow",
				"logic": "ALWAYS",
				"outcome": {"risk_score": 5, "decision": "ALLOW", "reason": "ok"}
			}
		]
	}`

	w := doRequest(t, srv, http.MethodPut, "/rules", doc, "tenant-a")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["kind"] != "SCHEMA_ERROR" {
		t.Errorf("kind = %v, want SCHEMA_ERROR", body["kind"])
	}
	issues, ok := body["issues"].([]any)
	if !ok || len(issues) == 0 {
		t.Fatalf("issues = %v, want the full issue list", body["issues"])
	}

	// The bad document must not replace the active set.
	w = doRequest(t, srv, http.MethodGet, "/rules", nil, "tenant-a")
	if got := decodeBody(t, w)["version"]; got != "api-test-1" {
		t.Errorf("active version = %v, want api-test-1 untouched", got)
	}
}

func TestPutRulesDefaultRuleError(t *testing.T) {
	srv := testServer(t, testRuleSet())

	doc := `{
		"version": "no-default",
		"rules": [
			{
				"id": "R1",
				"name": "Only Rule",
				"logic": "OR",
				"conditions": [
					{"field": "transaction_amount", "operator": ">", "value": 100}
				],
				"outcome": {"risk_score": 50, "decision": "REVIEW", "reason": "over limit"}
			}
		]
	}`

	w := doRequest(t, srv, http.MethodPut, "/rules", doc, "tenant-a")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["kind"] != "DEFAULT_RULE_ERROR" {
		t.Errorf("kind = %v, want DEFAULT_RULE_ERROR", body["kind"])
	}
}

func TestPutRulesMalformedJSON(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodPut, "/rules", "{broken", "tenant-a")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetRules(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodGet, "/rules", nil, "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["version"] != "api-test-1" {
		t.Errorf("version = %v, want api-test-1", body["version"])
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestLintRules(t *testing.T) {
	// An ALLOW rule with a high score draws a calibration warning.
	rs := testRuleSet()
	rs.Rules[1].Outcome.RiskScore = 95

	srv := testServer(t, rs)

	w := doRequest(t, srv, http.MethodGet, "/rules/lint", nil, "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	warnings, ok := body["warnings"].([]any)
	if !ok || len(warnings) == 0 {
		t.Errorf("warnings = %v, want at least one calibration warning", body["warnings"])
	}
}

func TestRuleSetVersionsAndReload(t *testing.T) {
	srv := testServer(t, testRuleSet())

	for _, v := range []string{"v1", "v2"} {
		w := doRequest(t, srv, http.MethodPut, "/rules", validRulesDoc(v), "tenant-a")
		if w.Code != http.StatusOK {
			t.Fatalf("PUT /rules %s status = %d", v, w.Code)
		}
	}

	w := doRequest(t, srv, http.MethodGet, "/rules/versions", nil, "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	versions, ok := body["versions"].([]any)
	if !ok || len(versions) != 2 {
		t.Fatalf("versions = %v, want 2 entries", body["versions"])
	}
	if body["active"] != "v2" {
		t.Errorf("active = %v, want v2", body["active"])
	}

	// Reload pulls the latest persisted definition back into the engine.
	w = doRequest(t, srv, http.MethodPost, "/rules/reload", nil, "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("reload status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["version"]; got != "v2" {
		t.Errorf("reloaded version = %v, want v2", got)
	}
}

func TestReloadWithoutPersistedRules(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodPost, "/rules/reload", nil, "tenant-a")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 with nothing persisted", w.Code)
	}
}

func TestHealth(t *testing.T) {
	srv := testServer(t, testRuleSet())

	w := doRequest(t, srv, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
}

func TestReady(t *testing.T) {
	t.Run("with rule set", func(t *testing.T) {
		srv := testServer(t, testRuleSet())
		w := doRequest(t, srv, http.MethodGet, "/ready", nil, "")
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("without rule set", func(t *testing.T) {
		srv := testServer(t, nil)
		w := doRequest(t, srv, http.MethodGet, "/ready", nil, "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
		if !strings.Contains(w.Body.String(), "no rule set loaded") {
			t.Errorf("body = %s, want the no-rule-set reason", w.Body.String())
		}
	})
}

func TestPutRulesPersistsForStartupLoad(t *testing.T) {
	srv, repo, _ := testStack(t, testRuleSet())

	w := doRequest(t, srv, http.MethodPut, "/rules", validRulesDoc("v-restart"), "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// Startup loading reads the global row, not the publishing tenant's.
	version, definition, err := repo.GetLatestRuleSet(context.Background(), domain.GlobalTenantID)
	if err != nil {
		t.Fatalf("GetLatestRuleSet(global) error = %v", err)
	}
	if version != "v-restart" {
		t.Errorf("persisted version = %q, want v-restart", version)
	}

	def, err := rules.ParseJSON(definition)
	if err != nil {
		t.Fatalf("ParseJSON(persisted) error = %v", err)
	}
	engine := rules.NewEngine(nil)
	if err := engine.Reload(def); err != nil {
		t.Fatalf("Reload(persisted) error = %v", err)
	}
	if engine.Version() != "v-restart" {
		t.Errorf("restarted engine version = %q, want v-restart", engine.Version())
	}

	// The set published by one tenant is visible to every other tenant.
	w = doRequest(t, srv, http.MethodGet, "/rules/versions", nil, "tenant-b")
	if w.Code != http.StatusOK {
		t.Fatalf("versions status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "v-restart") {
		t.Errorf("versions body = %s, want v-restart listed", w.Body.String())
	}
}

func TestEvaluateIdempotentResubmission(t *testing.T) {
	srv := testServer(t, testRuleSet())

	req := map[string]any{
		"transactionId": "tx-resubmit",
		"fields": map[string]any{
			"transaction_amount": 5000,
			"is_new_device":      true,
		},
	}

	w := doRequest(t, srv, http.MethodPost, "/evaluate", req, "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("first status = %d, body = %s", w.Code, w.Body.String())
	}
	var first EvaluateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode first response: %v", err)
	}
	if first.Result.Decision != domain.DecisionBlock {
		t.Fatalf("first Decision = %v, want BLOCK", first.Result.Decision)
	}

	// Swap in a set under which these fields would decide differently.
	w = doRequest(t, srv, http.MethodPut, "/rules", validRulesDoc("v-after"), "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doRequest(t, srv, http.MethodPost, "/evaluate", req, "tenant-a")
	if w.Code != http.StatusOK {
		t.Fatalf("second status = %d, body = %s", w.Code, w.Body.String())
	}
	var second EvaluateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode second response: %v", err)
	}

	if second.DecisionID != first.DecisionID {
		t.Errorf("DecisionID = %q, want cached %q", second.DecisionID, first.DecisionID)
	}
	if second.Result.Decision != domain.DecisionBlock {
		t.Errorf("Decision = %v, want the cached BLOCK", second.Result.Decision)
	}
	if second.Result.RuleSetVersion != "api-test-1" {
		t.Errorf("RuleSetVersion = %q, want the original api-test-1", second.Result.RuleSetVersion)
	}

	// A different tenant with the same transaction ID is evaluated fresh.
	w = doRequest(t, srv, http.MethodPost, "/evaluate", map[string]any{
		"transactionId": "tx-resubmit",
		"fields":        map[string]any{"merchant_category": "gambling"},
	}, "tenant-b")
	if w.Code != http.StatusOK {
		t.Fatalf("cross-tenant status = %d, body = %s", w.Code, w.Body.String())
	}
	var other EvaluateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &other); err != nil {
		t.Fatalf("decode cross-tenant response: %v", err)
	}
	if other.Result.MatchedRuleID != "RULE_100" {
		t.Errorf("cross-tenant MatchedRuleID = %q, want RULE_100", other.Result.MatchedRuleID)
	}
}

func TestTenantIDValidation(t *testing.T) {
	srv := testServer(t, testRuleSet())
	body := map[string]any{
		"fields": map[string]any{"transaction_amount": 10, "is_new_device": false},
	}

	rejected := []struct {
		name   string
		tenant string
	}{
		{"space", "bad tenant"},
		{"star", "*"},
		{"slash", "a/b"},
		{"dot", ".."},
		{"too long", strings.Repeat("a", 65)},
		{"unicode", "tenant-é"},
	}
	for _, tc := range rejected {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, srv, http.MethodPost, "/evaluate", body, tc.tenant)
			if w.Code != http.StatusBadRequest {
				t.Errorf("tenant %q: status = %d, want 400", tc.tenant, w.Code)
			}
		})
	}

	t.Run("accepted", func(t *testing.T) {
		w := doRequest(t, srv, http.MethodPost, "/evaluate", body, "Tenant_01-x")
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})
}

func TestEvaluateBatchPublishesAndCaches(t *testing.T) {
	srv, _, b := testStack(t, testRuleSet())

	alerts := make(chan *domain.Message, 1)
	sub, err := b.Subscribe(context.Background(), "tenant-a", domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	run := func() BatchItem {
		w := doRequest(t, srv, http.MethodPost, "/evaluate/batch", map[string]any{
			"transactions": []map[string]any{
				{
					"transactionId": "tx-batch-alert",
					"fields": map[string]any{
						"transaction_amount": 5000,
						"is_new_device":      true,
					},
				},
			},
		}, "tenant-a")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp struct {
			Results []BatchItem `json:"results"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(resp.Results) != 1 {
			t.Fatalf("results = %d, want 1", len(resp.Results))
		}
		return resp.Results[0]
	}

	first := run()
	if first.Result == nil || first.Result.Decision != domain.DecisionBlock {
		t.Fatalf("item = %+v, want BLOCK result", first)
	}

	select {
	case msg := <-alerts:
		if !strings.Contains(string(msg.Payload), "tx-batch-alert") {
			t.Errorf("alert payload = %s, want the transaction ID", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert published for the blocked item")
	}

	// A re-submitted item is served from the decision cache.
	second := run()
	if second.Result == nil || second.Result.Decision != domain.DecisionBlock {
		t.Fatalf("resubmitted item = %+v, want cached BLOCK result", second)
	}
	select {
	case <-alerts:
		t.Error("cached re-submission should not publish a second alert")
	case <-time.After(100 * time.Millisecond):
	}
}

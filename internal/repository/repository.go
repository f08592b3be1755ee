// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/shrike/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	fields, err := json.Marshal(tx.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode transaction fields: %w", err)
	}

	query := `
		INSERT INTO transactions (id, tenant_id, entity_id, fields, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.EntityID, string(fields), tx.Timestamp, tx.CreatedAt,
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_id, fields, timestamp, created_at
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	var entityID sql.NullString
	var fields string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &entityID, &fields, &tx.Timestamp, &tx.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.EntityID = entityID.String
	if err := json.Unmarshal([]byte(fields), &tx.Fields); err != nil {
		return nil, fmt.Errorf("failed to parse transaction fields: %w", err)
	}

	return &tx, nil
}

// CountTransactionsSince counts an entity's transactions in a window,
// for velocity enrichment.
func (r *SQLRepository) CountTransactionsSince(ctx context.Context, tenantID string, entityID string, since time.Time) (int64, error) {
	if tenantID == "" || entityID == "" {
		return 0, fmt.Errorf("%w: tenantID and entityID are required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM transactions
		WHERE tenant_id = ? AND entity_id = ? AND timestamp >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, entityID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// SaveDecision stores a decision record with tenant isolation.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, rec *domain.DecisionRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var explanation []byte
	if rec.Explanation != nil {
		var err error
		explanation, err = json.Marshal(rec.Explanation)
		if err != nil {
			return fmt.Errorf("failed to encode explanation: %w", err)
		}
	}

	query := `
		INSERT INTO decisions (
			id, tenant_id, tx_id, matched_rule_id, matched_rule_name,
			risk_score, decision, rule_reason, rule_set_version,
			explanation, trace_id, process_us, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.TxID,
		rec.Result.MatchedRuleID, rec.Result.MatchedRuleName,
		rec.Result.RiskScore, string(rec.Result.Decision), rec.Result.RuleReason,
		rec.Result.RuleSetVersion,
		string(explanation), rec.TraceID, rec.ProcessUs, rec.CreatedAt,
	)
	return err
}

// GetDecision retrieves a decision record by ID with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.DecisionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, matched_rule_id, matched_rule_name,
		       risk_score, decision, rule_reason, rule_set_version,
		       explanation, trace_id, process_us, created_at
		FROM decisions
		WHERE tenant_id = ? AND id = ?
	`

	rec, err := r.scanDecision(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, decisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListDecisions returns the most recent decisions for a tenant, newest
// first. This backs the audit log view.
func (r *SQLRepository) ListDecisions(ctx context.Context, tenantID string, limit int) ([]*domain.DecisionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, tenant_id, tx_id, matched_rule_id, matched_rule_name,
		       risk_score, decision, rule_reason, rule_set_version,
		       explanation, trace_id, process_us, created_at
		FROM decisions
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT %d
	`, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.DecisionRecord
	for rows.Next() {
		rec, err := r.scanDecision(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanDecision(s scanner) (*domain.DecisionRecord, error) {
	var rec domain.DecisionRecord
	var decision string
	var explanation, traceID, ruleSetVersion sql.NullString

	err := s.Scan(
		&rec.ID, &rec.TenantID, &rec.TxID,
		&rec.Result.MatchedRuleID, &rec.Result.MatchedRuleName,
		&rec.Result.RiskScore, &decision, &rec.Result.RuleReason,
		&ruleSetVersion,
		&explanation, &traceID, &rec.ProcessUs, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Result.TransactionID = rec.TxID
	rec.Result.Decision = domain.Decision(decision)
	rec.Result.RuleSetVersion = ruleSetVersion.String
	rec.TraceID = traceID.String

	if explanation.Valid && explanation.String != "" {
		var exp domain.Explanation
		if err := json.Unmarshal([]byte(explanation.String), &exp); err != nil {
			return nil, fmt.Errorf("failed to parse explanation: %w", err)
		}
		rec.Explanation = &exp
	}

	return &rec, nil
}

// SaveRuleSet stores a rule definition document under a version.
func (r *SQLRepository) SaveRuleSet(ctx context.Context, tenantID string, version string, definition []byte) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO rule_sets (version, tenant_id, definition, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(version, tenant_id) DO UPDATE SET
			definition = excluded.definition,
			created_at = excluded.created_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		version, tenantID, string(definition), time.Now().UTC(),
	)
	return err
}

// GetRuleSet retrieves a rule definition document by version.
func (r *SQLRepository) GetRuleSet(ctx context.Context, tenantID string, version string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT definition FROM rule_sets
		WHERE tenant_id = ? AND version = ?
	`

	var definition string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, version).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return []byte(definition), nil
}

// GetLatestRuleSet retrieves the most recently published definition.
func (r *SQLRepository) GetLatestRuleSet(ctx context.Context, tenantID string) (string, []byte, error) {
	if tenantID == "" {
		return "", nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT version, definition FROM rule_sets
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var version, definition string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&version, &definition)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}

	return version, []byte(definition), nil
}

// ListRuleSetVersions returns published versions, newest first.
func (r *SQLRepository) ListRuleSetVersions(ctx context.Context, tenantID string) ([]string, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT version FROM rule_sets
		WHERE tenant_id = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}

	return versions, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// Package domain defines the core types and interfaces for Shrike.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)

	// CountTransactionsSince counts transactions for an entity newer than
	// the given instant. Feeds velocity enrichment.
	CountTransactionsSince(ctx context.Context, tenantID string, entityID string, since time.Time) (int64, error)

	// Decision audit log
	SaveDecision(ctx context.Context, tenantID string, rec *DecisionRecord) error
	GetDecision(ctx context.Context, tenantID string, decisionID string) (*DecisionRecord, error)
	ListDecisions(ctx context.Context, tenantID string, limit int) ([]*DecisionRecord, error)

	// Rule set version store. Definitions are stored as raw documents;
	// validation belongs to the rules loader, not the repository.
	SaveRuleSet(ctx context.Context, tenantID string, version string, definition []byte) error
	GetRuleSet(ctx context.Context, tenantID string, version string) ([]byte, error)
	GetLatestRuleSet(ctx context.Context, tenantID string) (version string, definition []byte, err error)
	ListRuleSetVersions(ctx context.Context, tenantID string) ([]string, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

package repository

// Schema definitions for the Shrike database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    entity_id TEXT,
    fields TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_entity ON transactions(tenant_id, entity_id, timestamp);
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    matched_rule_id TEXT NOT NULL,
    matched_rule_name TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    decision TEXT NOT NULL,
    rule_reason TEXT NOT NULL,
    rule_set_version TEXT,
    explanation TEXT,
    trace_id TEXT,
    process_us INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_tenant ON decisions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_decisions_tx ON decisions(tenant_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_decisions_verdict ON decisions(tenant_id, decision);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(tenant_id, created_at);
`

// schemaRuleSets stores rule definition documents verbatim, one row per
// published version. The loader, not the database, owns validation.
const schemaRuleSets = `
CREATE TABLE IF NOT EXISTS rule_sets (
    version TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    definition TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (version, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_sets_tenant ON rule_sets(tenant_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaDecisions,
		schemaRuleSets,
	}
}

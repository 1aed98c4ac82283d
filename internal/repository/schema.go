package repository

// Schema definitions for the Case Store. Compatible with both SQLite
// (modernc.org/sqlite) and PostgreSQL (lib/pq).

const schemaFraudCases = `
CREATE TABLE IF NOT EXISTS fraud_cases (
    case_id                 TEXT PRIMARY KEY,
    user_id                 TEXT NOT NULL,
    trigger_transaction_id  TEXT NOT NULL UNIQUE,
    created_at              TIMESTAMP NOT NULL,
    updated_at              TIMESTAMP NOT NULL,
    resolved_at             TIMESTAMP,
    status                  TEXT NOT NULL,
    confidence_score        REAL NOT NULL DEFAULT 0,
    fraud_probability       REAL NOT NULL DEFAULT 0,
    triggered_by            TEXT NOT NULL,
    investigation_layers    TEXT NOT NULL DEFAULT '[]',
    detection_signals       TEXT NOT NULL DEFAULT '{}',
    transaction_summary     TEXT NOT NULL DEFAULT '{}',
    identity_flags          TEXT NOT NULL DEFAULT '{}',
    behavioral_flags        TEXT NOT NULL DEFAULT '{}',
    network_flags           TEXT NOT NULL DEFAULT '{}',
    ai_signals              TEXT NOT NULL DEFAULT '{}',
    ai_reasoning            TEXT,
    ai_recommendations      TEXT,
    assigned_to             TEXT,
    human_decision          TEXT,
    resolution_notes        TEXT,
    related_accounts        TEXT NOT NULL DEFAULT '[]',
    fraud_ring_id           TEXT
);

CREATE INDEX IF NOT EXISTS idx_fraud_cases_user ON fraud_cases(user_id);
CREATE INDEX IF NOT EXISTS idx_fraud_cases_status ON fraud_cases(status);
CREATE INDEX IF NOT EXISTS idx_fraud_cases_status_created ON fraud_cases(status, created_at);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    transaction_id TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    type           TEXT NOT NULL,
    amount         REAL NOT NULL,
    currency       TEXT NOT NULL,
    timestamp      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user_timestamp ON transactions(user_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFraudCases,
		schemaTransactions,
	}
}

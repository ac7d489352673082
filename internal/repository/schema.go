package repository

// Schema definitions for Canomaly.
// Compatible with both SQLite and PostgreSQL.

const schemaAnomalyLabels = `
CREATE TABLE IF NOT EXISTS anomaly_labels (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL
);

INSERT INTO anomaly_labels (id, name) VALUES (1, 'normal') ON CONFLICT (id) DO NOTHING;
INSERT INTO anomaly_labels (id, name) VALUES (2, 'anomaly') ON CONFLICT (id) DO NOTHING;
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    origin_id INTEGER NOT NULL DEFAULT 0,
    station_from_id INTEGER NOT NULL,
    station_to_id INTEGER NOT NULL,
    total_amount DOUBLE PRECISION NOT NULL,
    payment_method_id INTEGER NOT NULL,
    booking_channel_id INTEGER NOT NULL,
    status_id INTEGER NOT NULL,
    ticket_class_id INTEGER NOT NULL,
    num_tickets INTEGER NOT NULL,
    discount_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_refund INTEGER NOT NULL DEFAULT 0,
    is_popular_route INTEGER NOT NULL DEFAULT 0,
    device_fingerprint TEXT,
    ip_address TEXT,
    anomaly_score DOUBLE PRECISION NOT NULL,
    anomaly_label_id INTEGER NOT NULL REFERENCES anomaly_labels(id),
    fraud_flag INTEGER NOT NULL DEFAULT 0,
    risk_score DOUBLE PRECISION NOT NULL,
    risk_level TEXT NOT NULL,
    features TEXT,
    transaction_time TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_fraud ON transactions(fraud_flag);
CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at);
`

const schemaTickets = `
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL REFERENCES transactions(id),
    passenger_name TEXT NOT NULL,
    seat_number TEXT,
    price DOUBLE PRECISION NOT NULL,
    status_id INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_transaction ON tickets(transaction_id);
`

const schemaTransactionLogs = `
CREATE TABLE IF NOT EXISTS transaction_logs (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    status_id INTEGER NOT NULL,
    action TEXT NOT NULL,
    changed_by TEXT,
    changed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transaction_logs_tx ON transaction_logs(transaction_id);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAnomalyLabels,
		schemaTransactions,
		schemaTickets,
		schemaTransactionLogs,
		schemaRuleConfigs,
	}
}

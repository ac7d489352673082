// Package domain defines the core interfaces and types for Canomaly.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Transaction operations
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)

	// Ticket operations
	CreateTicket(ctx context.Context, ticket *Ticket) error
	ListTickets(ctx context.Context, limit int) ([]*Ticket, error)
	ListTicketsByTransaction(ctx context.Context, txID string) ([]*Ticket, error)

	// SavePurchase stores a transaction and all of its tickets atomically.
	// Returns ErrDuplicate (repository package) if the transaction id already exists.
	SavePurchase(ctx context.Context, tx *Transaction, tickets []*Ticket) error

	// Audit log
	SaveTransactionLog(ctx context.Context, log *TransactionLog) error
	ListTransactionLogs(ctx context.Context, txID string) ([]*TransactionLog, error)

	// Aggregates read by the reporting / chat collaborators
	AnomalyStats(ctx context.Context) (*AnomalyStats, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver" env:"CANOMALY_DB_DRIVER"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path" env:"CANOMALY_SQLITE_PATH"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host" env:"CANOMALY_POSTGRES_HOST"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port" env:"CANOMALY_POSTGRES_PORT"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user" env:"CANOMALY_POSTGRES_USER"`
	PostgresPassword string `json:"-" yaml:"postgres_password" env:"CANOMALY_POSTGRES_PASSWORD"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db" env:"CANOMALY_POSTGRES_DB"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_sslmode" env:"CANOMALY_POSTGRES_SSLMODE"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns" env:"CANOMALY_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns" env:"CANOMALY_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime" env:"CANOMALY_DB_CONN_MAX_LIFETIME"`
}

// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/canomaly/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicate means the transaction id is already stored. Callers
	// retrying a purchase treat it as success.
	ErrDuplicate = errors.New("duplicate record")
)

const defaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

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

// WithinTransaction runs fn in a database transaction. Repository calls made
// with the context passed to fn join that transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (r *SQLRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, tx))
}

// conn returns the transaction carried by ctx, or the pool.
func (r *SQLRepository) conn(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return r.db
}

// CreateTransaction stores a scored transaction. Returns ErrDuplicate if the id exists.
func (r *SQLRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	features, err := json.Marshal(tx.Features)
	if err != nil {
		return fmt.Errorf("%w: encode features: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO transactions (
			id, user_id, origin_id, station_from_id, station_to_id, total_amount,
			payment_method_id, booking_channel_id, status_id, ticket_class_id,
			num_tickets, discount_amount, is_refund, is_popular_route,
			device_fingerprint, ip_address, anomaly_score, anomaly_label_id,
			fraud_flag, risk_score, risk_level, features,
			transaction_time, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.OriginID, tx.StationFromID, tx.StationToID, tx.TotalAmount,
		tx.PaymentMethodID, tx.BookingChannelID, tx.StatusID, tx.TicketClassID,
		tx.NumTickets, tx.DiscountAmount, boolToInt(tx.IsRefund), boolToInt(tx.IsPopularRoute),
		tx.DeviceFingerprint, tx.IPAddress, tx.AnomalyScore, tx.AnomalyLabelID,
		boolToInt(tx.FraudFlag), tx.RiskScore, string(tx.RiskLevel), string(features),
		tx.TransactionTime.UTC(), tx.CreatedAt.UTC(), tx.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrDuplicate)
	}
	return nil
}

const transactionColumns = `
	id, user_id, origin_id, station_from_id, station_to_id, total_amount,
	payment_method_id, booking_channel_id, status_id, ticket_class_id,
	num_tickets, discount_amount, is_refund, is_popular_route,
	device_fingerprint, ip_address, anomaly_score, anomaly_label_id,
	fraud_flag, risk_score, risk_level, features,
	transaction_time, created_at, updated_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var isRefund, isPopular, fraud int
	var device, ip, features sql.NullString
	var level string

	if err := s.Scan(
		&tx.ID, &tx.UserID, &tx.OriginID, &tx.StationFromID, &tx.StationToID, &tx.TotalAmount,
		&tx.PaymentMethodID, &tx.BookingChannelID, &tx.StatusID, &tx.TicketClassID,
		&tx.NumTickets, &tx.DiscountAmount, &isRefund, &isPopular,
		&device, &ip, &tx.AnomalyScore, &tx.AnomalyLabelID,
		&fraud, &tx.RiskScore, &level, &features,
		&tx.TransactionTime, &tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		return nil, err
	}

	tx.IsRefund = isRefund == 1
	tx.IsPopularRoute = isPopular == 1
	tx.FraudFlag = fraud == 1
	tx.RiskLevel = domain.RiskLevel(level)
	tx.DeviceFingerprint = device.String
	tx.IPAddress = ip.String
	if features.Valid && features.String != "" && features.String != "null" {
		json.Unmarshal([]byte(features.String), &tx.Features)
	}
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.conn(ctx).QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactions returns transactions newest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	var where []string
	var args []any

	if filter.FraudOnly {
		where = append(where, "fraud_flag = 1")
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, listLimit(filter.Limit))

	rows, err := r.conn(ctx).QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// CreateTicket stores a single ticket.
func (r *SQLRepository) CreateTicket(ctx context.Context, ticket *domain.Ticket) error {
	if ticket.ID == "" || ticket.TransactionID == "" {
		return fmt.Errorf("%w: ticket id and transaction id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO tickets (id, transaction_id, passenger_name, seat_number, price, status_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		ticket.ID, ticket.TransactionID, ticket.PassengerName, ticket.SeatNumber,
		ticket.Price, ticket.StatusID, ticket.CreatedAt.UTC(),
	)
	return err
}

const ticketColumns = `id, transaction_id, passenger_name, seat_number, price, status_id, created_at`

func (r *SQLRepository) queryTickets(ctx context.Context, query string, args ...any) ([]*domain.Ticket, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []*domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		var seat sql.NullString
		if err := rows.Scan(&t.ID, &t.TransactionID, &t.PassengerName, &seat, &t.Price, &t.StatusID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.SeatNumber = seat.String
		tickets = append(tickets, &t)
	}

	return tickets, rows.Err()
}

// ListTickets returns the most recent tickets.
func (r *SQLRepository) ListTickets(ctx context.Context, limit int) ([]*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets ORDER BY created_at DESC, id LIMIT ?`
	return r.queryTickets(ctx, query, listLimit(limit))
}

// ListTicketsByTransaction returns the tickets issued for a transaction.
func (r *SQLRepository) ListTicketsByTransaction(ctx context.Context, txID string) ([]*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE transaction_id = ? ORDER BY id`
	return r.queryTickets(ctx, query, txID)
}

// SavePurchase stores a transaction and its tickets in one database
// transaction. Nothing is written when any insert fails. Returns ErrDuplicate
// when the transaction id is already stored.
func (r *SQLRepository) SavePurchase(ctx context.Context, tx *domain.Transaction, tickets []*domain.Ticket) error {
	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := r.CreateTransaction(ctx, tx); err != nil {
			return err
		}
		for _, t := range tickets {
			if err := r.CreateTicket(ctx, t); err != nil {
				return fmt.Errorf("ticket %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// SaveTransactionLog appends an audit entry.
func (r *SQLRepository) SaveTransactionLog(ctx context.Context, log *domain.TransactionLog) error {
	if log.ID == "" || log.TransactionID == "" {
		return fmt.Errorf("%w: log id and transaction id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transaction_logs (id, transaction_id, status_id, action, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		log.ID, log.TransactionID, log.StatusID, log.Action, log.ChangedBy, log.ChangedAt.UTC(),
	)
	return err
}

// ListTransactionLogs returns the audit entries of a transaction, oldest first.
func (r *SQLRepository) ListTransactionLogs(ctx context.Context, txID string) ([]*domain.TransactionLog, error) {
	query := `
		SELECT id, transaction_id, status_id, action, changed_by, changed_at
		FROM transaction_logs
		WHERE transaction_id = ?
		ORDER BY changed_at, id
	`

	rows, err := r.conn(ctx).QueryContext(ctx, r.rebind(query), txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.TransactionLog
	for rows.Next() {
		var l domain.TransactionLog
		var changedBy sql.NullString
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.StatusID, &l.Action, &changedBy, &l.ChangedAt); err != nil {
			return nil, err
		}
		l.ChangedBy = changedBy.String
		logs = append(logs, &l)
	}

	return logs, rows.Err()
}

// AnomalyStats aggregates the stored scoring outputs.
func (r *SQLRepository) AnomalyStats(ctx context.Context) (*domain.AnomalyStats, error) {
	stats := &domain.AnomalyStats{ByRiskLevel: make(map[domain.RiskLevel]int64, len(domain.RiskLevels))}
	for _, l := range domain.RiskLevels {
		stats.ByRiskLevel[l] = 0
	}

	query := `
		SELECT COUNT(*), COALESCE(SUM(fraud_flag), 0), COALESCE(AVG(anomaly_score), 0)
		FROM transactions
	`
	if err := r.conn(ctx).QueryRowContext(ctx, query).Scan(&stats.Total, &stats.Anomalies, &stats.AvgAnomalyScore); err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT risk_level, COUNT(*) FROM transactions GROUP BY risk_level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, err
		}
		stats.ByRiskLevel[domain.RiskLevel(level)] = n
	}

	return stats, rows.Err()
}

// SaveRuleConfig stores a rule configuration, replacing the same id and version.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule.ID == "" || rule.Version == "" {
		return fmt.Errorf("%w: rule id and version are required", ErrInvalidInput)
	}

	bands, _ := json.Marshal(rule.Bands)
	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, expression, bands, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			bands = excluded.bands,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description,
		rule.Version, rule.Expression, string(bands), boolToInt(rule.Enabled),
		now, now,
	)
	return err
}

// GetRuleConfig retrieves the latest enabled version of a rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, expression, bands, enabled
		FROM rule_configs
		WHERE id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	cfg, err := scanRuleConfig(r.conn(ctx).QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListRuleConfigs retrieves all enabled rule configurations. Versions of
// the same rule are ordered oldest first so that later entries win on load.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, expression, bands, enabled
		FROM rule_configs
		WHERE enabled = 1
		ORDER BY id, version
	`

	rows, err := r.conn(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func scanRuleConfig(s scanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var bands string
	var enabled int

	if err := s.Scan(&cfg.ID, &cfg.Name, &description, &cfg.Version, &cfg.Expression, &bands, &enabled); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(bands), &cfg.Bands); err != nil {
		return nil, fmt.Errorf("failed to parse bands for rule %s: %w", cfg.ID, err)
	}
	return &cfg, nil
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

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

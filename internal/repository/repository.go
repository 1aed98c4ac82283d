// Package repository provides the dual-backend (SQLite / PostgreSQL)
// implementation of the Case Store and Transaction Store.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fraudtriage/engine/internal/domain"
)

// queryer is the subset of *sql.DB / *sql.Tx used by SQLRepository,
// letting WithTx rebind the same methods onto a transaction scope.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLRepository implements domain.CaseStore and domain.TransactionStore
// using database/sql against either SQLite (community tier) or
// PostgreSQL (pro tier).
type SQLRepository struct {
	db     *sql.DB // nil when this repository is scoped to a transaction
	conn   queryer
	driver string
}

// New opens the Case Store backend selected by cfg.DatabaseDriver and
// runs its migrations.
func New(cfg domain.Config) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.DatabaseDriver {
	case "sqlite3", "sqlite", "":
		db, err = openSQLite(cfg.DatabaseDSN)
	case "postgres":
		db, err = openPostgres(cfg.DatabaseDSN)
	default:
		return nil, fmt.Errorf("repository: unsupported driver %q", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("repository: failed to open database: %w", err)
	}

	driver := cfg.DatabaseDriver
	if driver == "" || driver == "sqlite" {
		driver = "sqlite3"
	}

	repo := &SQLRepository{db: db, conn: db, driver: driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: failed to migrate: %w", err)
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

// Close releases the underlying database connection.
func (r *SQLRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Ping verifies the database connection is alive.
func (r *SQLRepository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

// rebind converts the `?` placeholders this file is written with into
// `$1`, `$2`, ... for PostgreSQL, which lib/pq requires.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// WithTx runs fn inside a single transactional scope per SPEC_FULL §9:
// the state-machine check and the write it gates commit atomically.
//
// On PostgreSQL the transaction runs at sql.LevelSerializable, so two
// concurrent WithTx calls racing on the same case_id (e.g. Resolution
// Ingress and AI Update Ingress both reading its current status) can't
// both commit a read-modify-write against the same row: the loser gets
// a serialization failure back from Commit and must retry. On SQLite,
// sqlite.go's single-connection pool already serializes every access.
func (r *SQLRepository) WithTx(ctx context.Context, fn func(tx domain.CaseStore) error) error {
	if r.db == nil {
		return errors.New("repository: WithTx called on an already-scoped transaction")
	}

	var opts *sql.TxOptions
	if r.driver == "postgres" {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	txRepo := &SQLRepository{conn: tx, driver: r.driver}
	if err := fn(txRepo); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err, r.driver) {
			return fmt.Errorf("%w: concurrent update, retry: %v", domain.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Create inserts a new case, keyed uniquely on TriggerTransactionID
// per the idempotency rule of §4.3.
func (r *SQLRepository) Create(ctx context.Context, c *domain.Case) (*domain.Case, error) {
	now := c.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	layers, _ := json.Marshal(orEmptySlice(c.InvestigationLayers))
	detection, _ := json.Marshal(orEmptyMap(c.DetectionSignals))
	txSummary, _ := json.Marshal(orEmptyMap(c.TransactionSummary))
	identity, _ := json.Marshal(orEmptyMap(c.IdentityFlags))
	behavioral, _ := json.Marshal(orEmptyMap(c.BehavioralFlags))
	network, _ := json.Marshal(orEmptyMap(c.NetworkFlags))
	aiSignals, _ := json.Marshal(orEmptyMap(c.AISignals))
	related, _ := json.Marshal(orEmptySlice(c.RelatedAccounts))

	query := r.rebind(`
		INSERT INTO fraud_cases (
			case_id, user_id, trigger_transaction_id, created_at, updated_at, resolved_at,
			status, confidence_score, fraud_probability, triggered_by, investigation_layers,
			detection_signals, transaction_summary, identity_flags, behavioral_flags,
			network_flags, ai_signals, ai_reasoning, ai_recommendations,
			assigned_to, human_decision, resolution_notes, related_accounts, fraud_ring_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.conn.ExecContext(ctx, query,
		c.CaseID, c.UserID, c.TriggerTransactionID, c.CreatedAt, c.UpdatedAt, c.ResolvedAt,
		c.Status, domain.ClampUnit(c.ConfidenceScore), domain.ClampUnit(c.FraudProbability),
		c.TriggeredBy, string(layers),
		string(detection), string(txSummary), string(identity), string(behavioral),
		string(network), string(aiSignals), c.AIReasoning, c.AIRecommendations,
		c.AssignedTo, c.HumanDecision, c.ResolutionNotes, string(related), c.FraudRingID,
	)
	if err != nil {
		if isUniqueViolation(err, r.driver) {
			return nil, domain.ErrDuplicateTrigger
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return c, nil
}

// GetByCaseID returns domain.ErrCaseNotFound if no such case exists.
func (r *SQLRepository) GetByCaseID(ctx context.Context, caseID string) (*domain.Case, error) {
	return r.getOne(ctx, "case_id", caseID)
}

// GetByTriggerTransactionID supports the idempotent-create lookup of §4.3.
func (r *SQLRepository) GetByTriggerTransactionID(ctx context.Context, txID string) (*domain.Case, error) {
	return r.getOne(ctx, "trigger_transaction_id", txID)
}

func (r *SQLRepository) getOne(ctx context.Context, column, value string) (*domain.Case, error) {
	query := r.rebind(selectCaseColumns + " FROM fraud_cases WHERE " + column + " = ?")
	row := r.conn.QueryRowContext(ctx, query, value)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return c, nil
}

// ListByUser returns every case for userID, most-recently-created first.
func (r *SQLRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Case, error) {
	query := r.rebind(selectCaseColumns + " FROM fraud_cases WHERE user_id = ? ORDER BY created_at DESC")
	return r.listCases(ctx, query, userID)
}

// ListByStatus returns every case whose status is in statuses, in no
// particular order.
func (r *SQLRepository) ListByStatus(ctx context.Context, statuses []domain.CaseStatus) ([]*domain.Case, error) {
	query, args := r.statusInQuery(statuses, "")
	return r.listCases(ctx, query, args...)
}

// ListByStatusDescCreated is the ordered variant used by the dashboard
// queue: rows ordered by created_at descending.
func (r *SQLRepository) ListByStatusDescCreated(ctx context.Context, statuses []domain.CaseStatus) ([]*domain.Case, error) {
	query, args := r.statusInQuery(statuses, " ORDER BY created_at DESC")
	return r.listCases(ctx, query, args...)
}

func (r *SQLRepository) statusInQuery(statuses []domain.CaseStatus, suffix string) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = s
	}
	query := selectCaseColumns + " FROM fraud_cases WHERE status IN (" + strings.Join(placeholders, ", ") + ")" + suffix
	return r.rebind(query), args
}

func (r *SQLRepository) listCases(ctx context.Context, query string, args ...any) ([]*domain.Case, error) {
	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// Update persists mutated fields of an existing case, touching
// UpdatedAt and enforcing the transition table of §4.4 against the
// row's currently stored status.
func (r *SQLRepository) Update(ctx context.Context, c *domain.Case) (*domain.Case, error) {
	current, err := r.GetByCaseID(ctx, c.CaseID)
	if err != nil {
		return nil, err
	}

	if !domain.CanTransition(current.Status, c.Status) {
		return nil, domain.ErrIllegalTransition
	}

	c.UpdatedAt = time.Now().UTC()
	if c.Status == domain.StatusResolved && c.ResolvedAt == nil {
		resolvedAt := c.UpdatedAt
		c.ResolvedAt = &resolvedAt
	}

	layers, _ := json.Marshal(orEmptySlice(c.InvestigationLayers))
	detection, _ := json.Marshal(orEmptyMap(c.DetectionSignals))
	txSummary, _ := json.Marshal(orEmptyMap(c.TransactionSummary))
	identity, _ := json.Marshal(orEmptyMap(c.IdentityFlags))
	behavioral, _ := json.Marshal(orEmptyMap(c.BehavioralFlags))
	network, _ := json.Marshal(orEmptyMap(c.NetworkFlags))
	aiSignals, _ := json.Marshal(orEmptyMap(c.AISignals))
	related, _ := json.Marshal(orEmptySlice(c.RelatedAccounts))

	query := r.rebind(`
		UPDATE fraud_cases SET
			user_id = ?, updated_at = ?, resolved_at = ?, status = ?,
			confidence_score = ?, fraud_probability = ?, triggered_by = ?,
			investigation_layers = ?, detection_signals = ?, transaction_summary = ?,
			identity_flags = ?, behavioral_flags = ?, network_flags = ?, ai_signals = ?,
			ai_reasoning = ?, ai_recommendations = ?, assigned_to = ?, human_decision = ?,
			resolution_notes = ?, related_accounts = ?, fraud_ring_id = ?
		WHERE case_id = ?
	`)

	_, err = r.conn.ExecContext(ctx, query,
		c.UserID, c.UpdatedAt, c.ResolvedAt, c.Status,
		domain.ClampUnit(c.ConfidenceScore), domain.ClampUnit(c.FraudProbability), c.TriggeredBy,
		string(layers), string(detection), string(txSummary),
		string(identity), string(behavioral), string(network), string(aiSignals),
		c.AIReasoning, c.AIRecommendations, c.AssignedTo, c.HumanDecision,
		c.ResolutionNotes, string(related), c.FraudRingID,
		c.CaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return c, nil
}

// Stats returns the count of cases per status.
func (r *SQLRepository) Stats(ctx context.Context) (map[domain.CaseStatus]int64, error) {
	rows, err := r.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM fraud_cases GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	stats := make(map[domain.CaseStatus]int64)
	for rows.Next() {
		var status domain.CaseStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Save implements domain.TransactionStore.
func (r *SQLRepository) Save(ctx context.Context, tx *domain.StoredTransaction) error {
	query := r.rebind(`
		INSERT INTO transactions (transaction_id, user_id, type, amount, currency, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := r.conn.ExecContext(ctx, query, tx.TransactionID, tx.UserID, tx.Type, tx.Amount, tx.Currency, tx.Timestamp)
	if err != nil {
		if isUniqueViolation(err, r.driver) {
			return nil // at-least-once redelivery of the same transaction id
		}
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Get implements domain.TransactionStore.
func (r *SQLRepository) Get(ctx context.Context, transactionID string) (*domain.StoredTransaction, error) {
	query := r.rebind("SELECT transaction_id, user_id, type, amount, currency, timestamp FROM transactions WHERE transaction_id = ?")
	row := r.conn.QueryRowContext(ctx, query, transactionID)

	var tx domain.StoredTransaction
	err := row.Scan(&tx.TransactionID, &tx.UserID, &tx.Type, &tx.Amount, &tx.Currency, &tx.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return &tx, nil
}

const selectCaseColumns = `SELECT
	case_id, user_id, trigger_transaction_id, created_at, updated_at, resolved_at,
	status, confidence_score, fraud_probability, triggered_by, investigation_layers,
	detection_signals, transaction_summary, identity_flags, behavioral_flags,
	network_flags, ai_signals, ai_reasoning, ai_recommendations,
	assigned_to, human_decision, resolution_notes, related_accounts, fraud_ring_id`

// rowScanner abstracts *sql.Row and *sql.Rows, both satisfied by Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*domain.Case, error) {
	var c domain.Case
	var layers, detection, txSummary, identity, behavioral, network, aiSignals, related string

	err := row.Scan(
		&c.CaseID, &c.UserID, &c.TriggerTransactionID, &c.CreatedAt, &c.UpdatedAt, &c.ResolvedAt,
		&c.Status, &c.ConfidenceScore, &c.FraudProbability, &c.TriggeredBy, &layers,
		&detection, &txSummary, &identity, &behavioral,
		&network, &aiSignals, &c.AIReasoning, &c.AIRecommendations,
		&c.AssignedTo, &c.HumanDecision, &c.ResolutionNotes, &related, &c.FraudRingID,
	)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(layers), &c.InvestigationLayers)
	json.Unmarshal([]byte(detection), &c.DetectionSignals)
	json.Unmarshal([]byte(txSummary), &c.TransactionSummary)
	json.Unmarshal([]byte(identity), &c.IdentityFlags)
	json.Unmarshal([]byte(behavioral), &c.BehavioralFlags)
	json.Unmarshal([]byte(network), &c.NetworkFlags)
	json.Unmarshal([]byte(aiSignals), &c.AISignals)
	json.Unmarshal([]byte(related), &c.RelatedAccounts)

	return &c, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isUniqueViolation reports whether err is a unique-constraint
// violation, under either the sqlite or postgres driver.
func isUniqueViolation(err error, driver string) bool {
	msg := err.Error()
	if driver == "postgres" {
		return strings.Contains(msg, "duplicate key value violates unique constraint")
	}
	return strings.Contains(msg, "UNIQUE constraint failed")
}

// isSerializationFailure recognizes Postgres error 40001, returned on
// Commit when a sql.LevelSerializable transaction lost a write race.
func isSerializationFailure(err error, driver string) bool {
	if driver != "postgres" {
		return false
	}
	return strings.Contains(err.Error(), "could not serialize access")
}

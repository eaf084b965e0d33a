// Package store provides SQLite-backed persistence for devcast.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/devcast/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrAccountNotFound indicates no credit account exists for the user.
	ErrAccountNotFound = errors.New("credit account not found")
	// ErrInsufficientFunds indicates a debit would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient credits")
	// ErrDuplicatePurchase indicates the purchase source reference was already credited.
	ErrDuplicatePurchase = errors.New("purchase already credited")
)

// Mutation is a single atomic change to a credit balance.
type Mutation struct {
	UserID    string
	Delta     int64 // negative for usage
	Kind      models.TransactionType
	SourceRef string
}

// Store provides access to the devcast SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// One connection serializes every write transaction, which is what makes
	// the balance read-modify-write atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_accounts (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		total_spent INTEGER NOT NULL DEFAULT 0,
		total_purchased INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_purchases (
		source_ref TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		description TEXT,
		source_ref TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		subject TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_records_action ON audit_records(action);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Account Operations ---

// GetAccount returns the credit account for a user, or nil if none exists.
func (s *Store) GetAccount(ctx context.Context, userID string) (*models.CreditAccount, error) {
	acc := &models.CreditAccount{}
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, balance, total_spent, total_purchased, created_at, updated_at FROM credit_accounts WHERE user_id = ?`,
		userID,
	).Scan(&acc.UserID, &acc.Balance, &acc.TotalSpent, &acc.TotalPurchased, &acc.CreatedAt, &acc.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return acc, nil
}

// EnsureAccount creates the account with a welcome balance if it does not
// exist yet. The returned bool reports whether the account was created.
func (s *Store) EnsureAccount(ctx context.Context, userID string, welcomeBonus int64) (*models.CreditAccount, bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO credit_accounts (user_id, balance, total_spent, total_purchased, created_at, updated_at) VALUES (?, ?, 0, 0, ?, ?)`,
		userID, welcomeBonus, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("check rows affected: %w", err)
	}

	acc, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if acc == nil {
		return nil, false, ErrAccountNotFound
	}
	return acc, rowsAffected > 0, nil
}

// ApplyMutation atomically reads the balance, checks it, and writes the new
// value in a single transaction. Usage mutations that would overdraw the
// account fail with ErrInsufficientFunds and leave no trace.
func (s *Store) ApplyMutation(ctx context.Context, m Mutation) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, m.UserID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}

	if balance+m.Delta < 0 {
		return balance, ErrInsufficientFunds
	}

	if m.Kind == models.TransactionPurchase && m.SourceRef != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO credit_purchases (source_ref, user_id, amount, created_at) VALUES (?, ?, ?, ?)`,
			m.SourceRef, m.UserID, m.Delta, time.Now().UTC(),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") {
				return balance, ErrDuplicatePurchase
			}
			return 0, fmt.Errorf("record purchase: %w", err)
		}
	}

	var spentDelta, purchasedDelta int64
	switch m.Kind {
	case models.TransactionUsage:
		spentDelta = -m.Delta
	case models.TransactionRefund:
		spentDelta = -m.Delta
	case models.TransactionPurchase:
		purchasedDelta = m.Delta
	case models.TransactionBonus:
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts
		 SET balance = balance + ?, total_spent = MAX(total_spent + ?, 0), total_purchased = total_purchased + ?, updated_at = ?
		 WHERE user_id = ? AND balance + ? >= 0`,
		m.Delta, spentDelta, purchasedDelta, time.Now().UTC(), m.UserID, m.Delta,
	)
	if err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Balance moved between our read and the update.
		return balance, ErrInsufficientFunds
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return balance + m.Delta, nil
}

// --- Transaction Log Operations ---

// AppendTransaction writes a credit transaction log record.
func (s *Store) AppendTransaction(ctx context.Context, t *models.CreditTransaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, type, amount, description, source_ref, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Type, t.Amount, t.Description, t.SourceRef, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the most recent transactions for a user, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, amount, description, source_ref, timestamp FROM credit_transactions WHERE user_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var description, sourceRef sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &description, &sourceRef, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Description = description.String
		t.SourceRef = sourceRef.String
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// --- Audit Operations ---

// WriteAudit writes an audit record.
func (s *Store) WriteAudit(action, inputsHash, outcome, subject, details string) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		Subject:    subject,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_records (id, action, inputs_hash, outcome, subject, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Action, rec.InputsHash, rec.Outcome, rec.Subject, rec.Details, rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}
	return rec, nil
}

// ListAudit returns audit records, optionally filtered by action, newest first.
func (s *Store) ListAudit(action string, limit int) ([]models.AuditRecord, error) {
	query := `SELECT id, action, inputs_hash, outcome, subject, details, timestamp FROM audit_records`
	var args []interface{}

	if action != "" {
		query += ` WHERE action = ?`
		args = append(args, action)
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var subject, details sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.InputsHash, &rec.Outcome, &subject, &details, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Subject = subject.String
		rec.Details = details.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

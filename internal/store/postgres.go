package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/devcast/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger stores credit balances in a shared Postgres database so
// several devices of one user draw from the same balance.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger connects to Postgres and creates the ledger tables.
func NewPostgresLedger(ctx context.Context, connString string) (*PostgresLedger, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	p := &PostgresLedger{db: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return p, nil
}

// Close releases the connection pool.
func (p *PostgresLedger) Close() {
	p.db.Close()
}

func (p *PostgresLedger) migrate(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS credit_accounts (
		user_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		total_spent BIGINT NOT NULL DEFAULT 0,
		total_purchased BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS credit_purchases (
		source_ref TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		description TEXT,
		source_ref TEXT,
		timestamp TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, timestamp);
	`)
	return err
}

// GetAccount returns the credit account for a user, or nil if none exists.
func (p *PostgresLedger) GetAccount(ctx context.Context, userID string) (*models.CreditAccount, error) {
	acc := &models.CreditAccount{}
	err := p.db.QueryRow(ctx,
		"SELECT user_id, balance, total_spent, total_purchased, created_at, updated_at FROM credit_accounts WHERE user_id = $1",
		userID,
	).Scan(&acc.UserID, &acc.Balance, &acc.TotalSpent, &acc.TotalPurchased, &acc.CreatedAt, &acc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return acc, nil
}

// EnsureAccount creates the account with a welcome balance if missing.
func (p *PostgresLedger) EnsureAccount(ctx context.Context, userID string, welcomeBonus int64) (*models.CreditAccount, bool, error) {
	now := time.Now().UTC()
	tag, err := p.db.Exec(ctx,
		"INSERT INTO credit_accounts (user_id, balance, total_spent, total_purchased, created_at, updated_at) VALUES ($1, $2, 0, 0, $3, $3) ON CONFLICT (user_id) DO NOTHING",
		userID, welcomeBonus, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	acc, err := p.GetAccount(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if acc == nil {
		return nil, false, ErrAccountNotFound
	}
	return acc, tag.RowsAffected() > 0, nil
}

// maxMutationAttempts bounds retries of a mutation that lost a
// serialization or deadlock race.
const maxMutationAttempts = 3

// ApplyMutation locks the account row, checks the balance, and writes the
// new value within one transaction. Under read committed the row lock makes
// a waiting transaction see the committed balance, so concurrent debits
// resolve to ErrInsufficientFunds rather than a conflict.
func (p *PostgresLedger) ApplyMutation(ctx context.Context, m Mutation) (int64, error) {
	var (
		balance int64
		err     error
	)
	for attempt := 1; attempt <= maxMutationAttempts; attempt++ {
		balance, err = p.applyMutation(ctx, m)
		if !retryable(err) {
			return balance, err
		}
	}
	return balance, err
}

func (p *PostgresLedger) applyMutation(ctx context.Context, m Mutation) (int64, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, "SELECT balance FROM credit_accounts WHERE user_id = $1 FOR UPDATE", m.UserID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("lock acquisition failed: %w", err)
	}

	if balance+m.Delta < 0 {
		return balance, ErrInsufficientFunds
	}

	if m.Kind == models.TransactionPurchase && m.SourceRef != "" {
		_, err = tx.Exec(ctx,
			"INSERT INTO credit_purchases (source_ref, user_id, amount, created_at) VALUES ($1, $2, $3, $4)",
			m.SourceRef, m.UserID, m.Delta, time.Now().UTC(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return balance, ErrDuplicatePurchase
			}
			return 0, fmt.Errorf("record purchase: %w", err)
		}
	}

	var spentDelta, purchasedDelta int64
	switch m.Kind {
	case models.TransactionUsage, models.TransactionRefund:
		spentDelta = -m.Delta
	case models.TransactionPurchase:
		purchasedDelta = m.Delta
	case models.TransactionBonus:
	}

	_, err = tx.Exec(ctx,
		"UPDATE credit_accounts SET balance = balance + $1, total_spent = GREATEST(total_spent + $2, 0), total_purchased = total_purchased + $3, updated_at = $4 WHERE user_id = $5",
		m.Delta, spentDelta, purchasedDelta, time.Now().UTC(), m.UserID,
	)
	if err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return balance + m.Delta, nil
}

// retryable reports serialization failures and deadlocks, which leave no
// partial writes behind and succeed when run again.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// AppendTransaction writes a credit transaction log record.
func (p *PostgresLedger) AppendTransaction(ctx context.Context, t *models.CreditTransaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	_, err := p.db.Exec(ctx,
		"INSERT INTO credit_transactions (id, user_id, type, amount, description, source_ref, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		t.ID, t.UserID, string(t.Type), t.Amount, t.Description, t.SourceRef, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the most recent transactions for a user.
func (p *PostgresLedger) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.Query(ctx,
		"SELECT id, user_id, type, amount, COALESCE(description, ''), COALESCE(source_ref, ''), timestamp FROM credit_transactions WHERE user_id = $1 ORDER BY timestamp DESC LIMIT $2",
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var typ string
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.Description, &t.SourceRef, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = models.TransactionType(typ)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

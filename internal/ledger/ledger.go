// Package ledger owns the authoritative credit balance for devcast users.
//
// Every balance change is a single atomic read-modify-write against the
// backend. The ledger has no idea what credits were spent on; callers that
// charge for an action are responsible for refunding it when the action fails.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/fentz26/devcast/internal/models"
	"github.com/fentz26/devcast/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrNotConfigured is returned by mutations when no backend is configured.
var ErrNotConfigured = errors.New("credit ledger not configured")

// DefaultWelcomeBonus is granted when an account is first created.
const DefaultWelcomeBonus = 10

var mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devcast_ledger_mutations_total",
	Help: "Credit balance mutations, labeled by kind and outcome",
}, []string{"kind", "outcome"})

// Backend is the transactional store holding balances and the transaction log.
type Backend interface {
	GetAccount(ctx context.Context, userID string) (*models.CreditAccount, error)
	EnsureAccount(ctx context.Context, userID string, welcomeBonus int64) (*models.CreditAccount, bool, error)
	ApplyMutation(ctx context.Context, m store.Mutation) (int64, error)
	AppendTransaction(ctx context.Context, t *models.CreditTransaction) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
}

// Ledger is the sole authority over credit balances.
type Ledger struct {
	backend      Backend
	notifier     Notifier
	welcomeBonus int64
}

// New creates a ledger. backend may be nil, in which case reads report a
// zero balance and mutations fail with ErrNotConfigured.
func New(backend Backend, notifier Notifier, welcomeBonus int64) *Ledger {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	if welcomeBonus < 0 {
		welcomeBonus = 0
	}
	return &Ledger{
		backend:      backend,
		notifier:     notifier,
		welcomeBonus: welcomeBonus,
	}
}

// EnsureAccount creates the user's account with the welcome bonus on first use.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string) (*models.CreditAccount, error) {
	if l.backend == nil {
		return nil, ErrNotConfigured
	}
	acc, created, err := l.backend.EnsureAccount(ctx, userID, l.welcomeBonus)
	if err != nil {
		return nil, err
	}
	if created {
		log.Printf("Created credit account for %s with %d welcome credits", userID, l.welcomeBonus)
		if l.welcomeBonus > 0 {
			l.appendLog(ctx, &models.CreditTransaction{
				UserID:      userID,
				Type:        models.TransactionBonus,
				Amount:      l.welcomeBonus,
				Description: "Welcome bonus",
			})
		}
		l.notifier.Publish(ctx, userID, acc.Balance)
	}
	return acc, nil
}

// Account returns the stored account, or nil if the user has none.
func (l *Ledger) Account(ctx context.Context, userID string) (*models.CreditAccount, error) {
	if l.backend == nil {
		return nil, ErrNotConfigured
	}
	return l.backend.GetAccount(ctx, userID)
}

// Balance returns the current balance. Any failure reads as zero.
func (l *Ledger) Balance(ctx context.Context, userID string) int64 {
	if l.backend == nil {
		return 0
	}
	acc, err := l.backend.GetAccount(ctx, userID)
	if err != nil {
		log.Printf("ledger: balance read for %s failed: %v", userID, err)
		return 0
	}
	if acc == nil {
		return 0
	}
	return acc.Balance
}

// Subscribe pushes the current balance immediately and again on every change.
// It never fails; an unreachable backend reports 0.
func (l *Ledger) Subscribe(ctx context.Context, userID string, onChange func(balance int64)) (unsubscribe func()) {
	unsubscribe = l.notifier.Subscribe(userID, onChange)
	onChange(l.Balance(ctx, userID))
	return unsubscribe
}

// HasEnough is a point-in-time check for UI hints. It does not reserve
// anything; only Deduct decides whether credits are actually available.
func (l *Ledger) HasEnough(ctx context.Context, userID string, amount int64) bool {
	return l.Balance(ctx, userID) >= amount
}

// Deduct atomically removes amount from the balance. It returns false with
// no side effect when the balance is too low, and an error only for store
// failures.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64, description string) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	if l.backend == nil {
		return false, ErrNotConfigured
	}

	balance, err := l.backend.ApplyMutation(ctx, store.Mutation{
		UserID: userID,
		Delta:  -amount,
		Kind:   models.TransactionUsage,
	})
	switch {
	case errors.Is(err, store.ErrInsufficientFunds), errors.Is(err, store.ErrAccountNotFound):
		mutationsTotal.WithLabelValues(string(models.TransactionUsage), "insufficient").Inc()
		return false, nil
	case err != nil:
		mutationsTotal.WithLabelValues(string(models.TransactionUsage), "error").Inc()
		return false, fmt.Errorf("deduct credits: %w", err)
	}
	mutationsTotal.WithLabelValues(string(models.TransactionUsage), "success").Inc()

	l.appendLog(ctx, &models.CreditTransaction{
		UserID:      userID,
		Type:        models.TransactionUsage,
		Amount:      -amount,
		Description: description,
	})
	l.notifier.Publish(ctx, userID, balance)
	return true, nil
}

// Add atomically credits amount to the balance and logs a purchase. A
// non-empty sourceRef (e.g. a payment session id) is credited at most once.
func (l *Ledger) Add(ctx context.Context, userID string, amount int64, description, sourceRef string) (bool, error) {
	return l.credit(ctx, userID, amount, description, sourceRef, models.TransactionPurchase)
}

// Refund credits back an amount previously taken by Deduct.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, description string) (bool, error) {
	return l.credit(ctx, userID, amount, description, "", models.TransactionRefund)
}

func (l *Ledger) credit(ctx context.Context, userID string, amount int64, description, sourceRef string, kind models.TransactionType) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if l.backend == nil {
		return false, ErrNotConfigured
	}

	m := store.Mutation{UserID: userID, Delta: amount, Kind: kind, SourceRef: sourceRef}
	balance, err := l.backend.ApplyMutation(ctx, m)
	if errors.Is(err, store.ErrAccountNotFound) {
		if _, err = l.EnsureAccount(ctx, userID); err != nil {
			return false, err
		}
		balance, err = l.backend.ApplyMutation(ctx, m)
	}
	if errors.Is(err, store.ErrDuplicatePurchase) {
		log.Printf("ledger: purchase %s already credited to %s", sourceRef, userID)
		mutationsTotal.WithLabelValues(string(kind), "duplicate").Inc()
		return true, nil
	}
	if err != nil {
		mutationsTotal.WithLabelValues(string(kind), "error").Inc()
		return false, fmt.Errorf("add credits: %w", err)
	}
	mutationsTotal.WithLabelValues(string(kind), "success").Inc()

	l.appendLog(ctx, &models.CreditTransaction{
		UserID:      userID,
		Type:        kind,
		Amount:      amount,
		Description: description,
		SourceRef:   sourceRef,
	})
	l.notifier.Publish(ctx, userID, balance)
	return true, nil
}

// Transactions returns the most recent transaction log records.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if l.backend == nil {
		return nil, ErrNotConfigured
	}
	return l.backend.ListTransactions(ctx, userID, limit)
}

// appendLog writes the transaction record best-effort. The balance change
// has already committed and is not rolled back on failure.
func (l *Ledger) appendLog(ctx context.Context, t *models.CreditTransaction) {
	if err := l.backend.AppendTransaction(ctx, t); err != nil {
		log.Printf("ledger: failed to log %s transaction for %s: %v", t.Type, t.UserID, err)
	}
}

// Package controlplane provides the HTTP API and service layer for the
// devcast daemon.
package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/fentz26/devcast/internal/audit"
	"github.com/fentz26/devcast/internal/batch"
	"github.com/fentz26/devcast/internal/executor"
	"github.com/fentz26/devcast/internal/gate"
	"github.com/fentz26/devcast/internal/ledger"
	"github.com/fentz26/devcast/internal/models"
	"github.com/fentz26/devcast/internal/orchestrator"
	"github.com/fentz26/devcast/internal/platforms"
)

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditLog lists recorded gate and executor decisions.
type AuditLog interface {
	ListAudit(action string, limit int) ([]models.AuditRecord, error)
}

// Deps are the components the service fronts.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Executor     *executor.Executor
	Ledger       *ledger.Ledger
	Gate         *gate.Gate
	Queue        *batch.Queue
	DB           Pinger
	Audit        AuditLog
	Recorder     *audit.Recorder
}

// Service provides the control plane business logic.
type Service struct {
	orch   *orchestrator.Orchestrator
	exec   *executor.Executor
	ledger *ledger.Ledger
	gate   *gate.Gate
	queue  *batch.Queue
	db     Pinger
	audit  AuditLog
	rec    *audit.Recorder
}

// NewService creates a new control plane service.
func NewService(d Deps) *Service {
	return &Service{
		orch:   d.Orchestrator,
		exec:   d.Executor,
		ledger: d.Ledger,
		gate:   d.Gate,
		queue:  d.Queue,
		db:     d.DB,
		audit:  d.Audit,
		rec:    d.Recorder,
	}
}

// QueueStatus describes the batch queue for status displays.
type QueueStatus struct {
	Pending    int  `json:"pending"`
	Processing bool `json:"processing"`
}

// Balance is the caller's credit account summary.
type Balance struct {
	UserID         string `json:"user_id"`
	Balance        int64  `json:"balance"`
	TotalSpent     int64  `json:"total_spent"`
	TotalPurchased int64  `json:"total_purchased"`
}

// --- Event and draft operations ---

// SubmitEvent hands an event to the orchestrator.
func (s *Service) SubmitEvent(ctx context.Context, ev models.InputEvent) (string, bool, error) {
	return s.orch.HandleEvent(ctx, ev)
}

// Drafts returns the session's drafts, newest first.
func (s *Service) Drafts() []models.Draft {
	return s.orch.Drafts()
}

// CurrentDraft returns the selected draft.
func (s *Service) CurrentDraft() (models.Draft, error) {
	d, ok := s.orch.Current()
	if !ok {
		return models.Draft{}, fmt.Errorf("no current draft: %w", ErrNotFound)
	}
	return d, nil
}

// SelectDraft makes id the current draft.
func (s *Service) SelectDraft(id string) (models.Draft, error) {
	if err := s.orch.Select(id); err != nil {
		return models.Draft{}, err
	}
	d, _ := s.orch.Draft(id)
	return d, nil
}

// PostDraft publishes a draft. An empty platform posts to the draft's own.
func (s *Service) PostDraft(ctx context.Context, id string, platform models.Platform) (*models.PostResult, error) {
	if platform != "" && !platform.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlatform, platform)
	}
	return s.orch.Post(ctx, id, platform)
}

// QueueStatus reports the batch queue depth.
func (s *Service) QueueStatus() QueueStatus {
	return QueueStatus{Pending: s.queue.Len(), Processing: s.queue.Processing()}
}

// --- Credit operations ---

// Balance returns the user's account. A missing account reads as zero.
func (s *Service) Balance(ctx context.Context) (Balance, error) {
	userID := s.gate.UserID()
	acc, err := s.ledger.Account(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if acc == nil {
		return Balance{UserID: userID}, nil
	}
	return Balance{
		UserID:         acc.UserID,
		Balance:        acc.Balance,
		TotalSpent:     acc.TotalSpent,
		TotalPurchased: acc.TotalPurchased,
	}, nil
}

// Purchase credits amount to the user's balance. A repeated sourceRef is
// credited once.
func (s *Service) Purchase(ctx context.Context, amount int64, sourceRef string) (Balance, error) {
	if amount <= 0 {
		return Balance{}, ErrInvalidAmount
	}
	userID := s.gate.UserID()
	desc := fmt.Sprintf("Purchased %d credits", amount)
	if _, err := s.ledger.Add(ctx, userID, amount, desc, sourceRef); err != nil {
		s.rec.Record("credits.purchase", map[string]interface{}{"amount": amount, "source_ref": sourceRef}, "error", userID, err.Error())
		return Balance{}, err
	}
	s.rec.Record("credits.purchase", map[string]interface{}{"amount": amount, "source_ref": sourceRef}, "success", userID, desc)
	return s.Balance(ctx)
}

// Transactions returns the most recent transaction log records.
func (s *Service) Transactions(ctx context.Context, limit int) ([]models.CreditTransaction, error) {
	return s.ledger.Transactions(ctx, s.gate.UserID(), limit)
}

// AuditTrail returns recorded decisions, optionally filtered by action.
func (s *Service) AuditTrail(action string, limit int) ([]models.AuditRecord, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.ListAudit(action, limit)
}

// --- Platform operations ---

// FetchFeedback pulls replies from platform.
func (s *Service) FetchFeedback(ctx context.Context, platform models.Platform, limit int, since time.Time) ([]models.FeedbackItem, error) {
	if !platform.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlatform, platform)
	}
	return s.exec.FetchFeedback(ctx, platform, platforms.FeedbackOptions{Limit: limit, Since: since})
}

// ImportHistory pulls previous posts from platform.
func (s *Service) ImportHistory(ctx context.Context, platform models.Platform, limit int) ([]models.HistoryItem, error) {
	if !platform.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlatform, platform)
	}
	return s.exec.ImportHistory(ctx, platform, limit)
}

// --- Subscriptions ---

// Signal is one server-sent event.
type Signal struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Subscribe forwards balance changes, credits-needed denials and draft
// updates to fn until the returned function is called.
func (s *Service) Subscribe(ctx context.Context, fn func(Signal)) (unsubscribe func()) {
	unsubBalance := s.ledger.Subscribe(ctx, s.gate.UserID(), func(balance int64) {
		fn(Signal{Event: "balance", Data: map[string]int64{"balance": balance}})
	})
	unsubCredits := s.gate.OnCreditsNeeded(func(ev gate.CreditsNeeded) {
		fn(Signal{Event: "credits-needed", Data: ev})
	})
	unsubDrafts := s.orch.OnChange(func(d models.Draft) {
		fn(Signal{Event: "draft", Data: d})
	})
	return func() {
		unsubBalance()
		unsubCredits()
		unsubDrafts()
	}
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Ping(ctx)
}

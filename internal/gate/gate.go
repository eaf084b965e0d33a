// Package gate decides whether a paid action may run and charges for it.
//
// Credits are spent optimistically: RequireCredits deducts immediately before
// the external call and the caller refunds through RefundCredits when that
// call fails. There is no reservation step, so a crash between the charge and
// the call loses the charge.
package gate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fentz26/devcast/internal/audit"
	"github.com/fentz26/devcast/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devcast_credit_decisions_total",
	Help: "Credit gate decisions, labeled by action and outcome",
}, []string{"action", "outcome"})

// Ledger is the subset of the credit ledger the gate needs.
type Ledger interface {
	Deduct(ctx context.Context, userID string, amount int64, description string) (bool, error)
	Refund(ctx context.Context, userID string, amount int64, description string) (bool, error)
}

// Decision is the outcome of a credit check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Amount  int64  `json:"amount"`
	Error   string `json:"error,omitempty"`
}

// CreditsNeeded is broadcast whenever an action is denied for lack of credits.
type CreditsNeeded struct {
	Reason   string            `json:"reason"`
	Platform models.Platform   `json:"platform,omitempty"`
	Action   models.ActionKind `json:"action"`
	At       time.Time         `json:"at"`
}

// Cost returns the credit cost of an action. ownKey reports whether the user
// supplied their own model API key, which only matters for generation.
func Cost(platform models.Platform, action models.ActionKind, ownKey bool) int64 {
	if action == models.ActionGenerate {
		if ownKey {
			return 0
		}
		return 1
	}
	if !CostsCreditForPlatform(platform) {
		return 0
	}
	switch action {
	case models.ActionPost, models.ActionFetchFeedback, models.ActionImportHistory:
		return 1
	}
	return 0
}

// CostsCreditForPlatform reports whether actions on platform are paid.
func CostsCreditForPlatform(platform models.Platform) bool {
	switch platform {
	case models.PlatformX, models.PlatformReddit, models.PlatformDiscord:
		return true
	case models.PlatformEmail:
		return false
	}
	return false
}

// Gate enforces the cost table against a user's ledger balance.
type Gate struct {
	ledger Ledger
	userID string
	audit  *audit.Recorder

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(CreditsNeeded)
}

// New creates a gate charging userID's balance.
func New(l Ledger, userID string, rec *audit.Recorder) *Gate {
	return &Gate{
		ledger:    l,
		userID:    userID,
		audit:     rec,
		listeners: make(map[int]func(CreditsNeeded)),
	}
}

// UserID returns the user whose balance the gate charges.
func (g *Gate) UserID() string {
	return g.userID
}

// RequireCredits charges for a platform action if it is paid. Insufficient
// credits is a denial, not an error; errors come only from the ledger's store.
func (g *Gate) RequireCredits(ctx context.Context, platform models.Platform, action models.ActionKind, description string) (Decision, error) {
	return g.require(ctx, platform, action, Cost(platform, action, false), description)
}

// RequireGeneration charges for an AI generation unless the user brings
// their own model key.
func (g *Gate) RequireGeneration(ctx context.Context, ownKey bool, description string) (Decision, error) {
	return g.require(ctx, "", models.ActionGenerate, Cost("", models.ActionGenerate, ownKey), description)
}

func (g *Gate) require(ctx context.Context, platform models.Platform, action models.ActionKind, amount int64, description string) (Decision, error) {
	if amount == 0 {
		decisionsTotal.WithLabelValues(string(action), "free").Inc()
		return Decision{Allowed: true}, nil
	}

	inputs := map[string]interface{}{"platform": platform, "action": action, "amount": amount}
	ok, err := g.ledger.Deduct(ctx, g.userID, amount, description)
	if err != nil {
		decisionsTotal.WithLabelValues(string(action), "error").Inc()
		g.audit.Record("credits.charge", inputs, "error", g.userID, err.Error())
		return Decision{}, fmt.Errorf("charge credits: %w", err)
	}
	if !ok {
		decisionsTotal.WithLabelValues(string(action), "denied").Inc()
		msg := deniedMessage(platform, action, amount)
		g.audit.Record("credits.denied", inputs, "denied", g.userID, description)
		g.broadcast(CreditsNeeded{Reason: msg, Platform: platform, Action: action, At: time.Now().UTC()})
		return Decision{Allowed: false, Amount: amount, Error: msg}, nil
	}

	decisionsTotal.WithLabelValues(string(action), "charged").Inc()
	g.audit.Record("credits.charge", inputs, "success", g.userID, description)
	return Decision{Allowed: true, Amount: amount}, nil
}

// RefundCredits returns credits for an action that failed after being charged.
func (g *Gate) RefundCredits(ctx context.Context, amount int64, description string) error {
	if amount <= 0 {
		return nil
	}
	inputs := map[string]interface{}{"amount": amount}
	if _, err := g.ledger.Refund(ctx, g.userID, amount, description); err != nil {
		log.Printf("gate: refund of %d credits failed: %v", amount, err)
		g.audit.Record("credits.refund", inputs, "error", g.userID, err.Error())
		return fmt.Errorf("refund credits: %w", err)
	}
	g.audit.Record("credits.refund", inputs, "success", g.userID, description)
	return nil
}

// OnCreditsNeeded registers fn to be called on every denial.
func (g *Gate) OnCreditsNeeded(fn func(CreditsNeeded)) (unsubscribe func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.listeners, id)
	}
}

func (g *Gate) broadcast(ev CreditsNeeded) {
	g.mu.Lock()
	fns := make([]func(CreditsNeeded), 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func deniedMessage(platform models.Platform, action models.ActionKind, amount int64) string {
	noun := "credit"
	if amount != 1 {
		noun = "credits"
	}
	var what string
	switch action {
	case models.ActionPost:
		what = "post to " + platform.DisplayName()
	case models.ActionFetchFeedback:
		what = "fetch feedback from " + platform.DisplayName()
	case models.ActionImportHistory:
		what = "import post history from " + platform.DisplayName()
	case models.ActionGenerate:
		what = "generate a draft without your own API key"
	default:
		what = "continue"
	}
	return fmt.Sprintf("Not enough credits to %s (needs %d %s). Buy more credits to continue.", what, amount, noun)
}

// Package executor performs paid platform actions once the credit gate has
// cleared them, and refunds the charge when the action does not take effect.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fentz26/devcast/internal/audit"
	"github.com/fentz26/devcast/internal/auth"
	"github.com/fentz26/devcast/internal/gate"
	"github.com/fentz26/devcast/internal/models"
	"github.com/fentz26/devcast/internal/platforms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devcast_platform_actions_total",
	Help: "Platform actions, labeled by platform, action and outcome",
}, []string{"platform", "action", "outcome"})

// refundTimeout bounds a refund issued after the caller's context is gone.
const refundTimeout = 10 * time.Second

// NotConnectedError is returned when the user has no token for a platform.
// No credits are touched.
type NotConnectedError struct {
	Platform models.Platform
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("Connect your %s account first (devcast connect %s)", e.Platform.DisplayName(), e.Platform)
}

func (e *NotConnectedError) Unwrap() error { return auth.ErrNotConnected }

// DeniedError is returned when the gate refused the action for lack of credits.
type DeniedError struct {
	Platform models.Platform
	Action   models.ActionKind
	Amount   int64
	Message  string
}

func (e *DeniedError) Error() string { return e.Message }

// Gate is the part of the credit gate executors use.
type Gate interface {
	RequireCredits(ctx context.Context, platform models.Platform, action models.ActionKind, description string) (gate.Decision, error)
	RefundCredits(ctx context.Context, amount int64, description string) error
}

// Tokens resolves platform access tokens.
type Tokens interface {
	AccessToken(ctx context.Context, platform models.Platform) (string, error)
}

// Clients resolves a platform client.
type Clients interface {
	Client(p models.Platform) (platforms.Client, error)
}

// Executor runs post, fetch-feedback and import-history actions.
type Executor struct {
	gate    Gate
	tokens  Tokens
	clients Clients
	audit   *audit.Recorder
}

// New creates an executor.
func New(g Gate, tokens Tokens, clients Clients, rec *audit.Recorder) *Executor {
	return &Executor{gate: g, tokens: tokens, clients: clients, audit: rec}
}

// Post publishes content to platform. Content with blank-line separated
// parts is posted as a thread where the platform supports it.
func (e *Executor) Post(ctx context.Context, platform models.Platform, title, content string) (*models.PostResult, error) {
	desc := "Post to " + platform.DisplayName()
	return execute(ctx, e, platform, models.ActionPost, desc, func(ctx context.Context, c platforms.Client, token string) (*models.PostResult, error) {
		return c.Post(ctx, token, platforms.Post{Title: title, Content: content})
	})
}

// FetchFeedback pulls replies and comments from platform.
func (e *Executor) FetchFeedback(ctx context.Context, platform models.Platform, opts platforms.FeedbackOptions) ([]models.FeedbackItem, error) {
	desc := "Fetch feedback from " + platform.DisplayName()
	return execute(ctx, e, platform, models.ActionFetchFeedback, desc, func(ctx context.Context, c platforms.Client, token string) ([]models.FeedbackItem, error) {
		return c.FetchFeedback(ctx, token, opts)
	})
}

// ImportHistory pulls the user's previous posts from platform.
func (e *Executor) ImportHistory(ctx context.Context, platform models.Platform, limit int) ([]models.HistoryItem, error) {
	desc := "Import history from " + platform.DisplayName()
	return execute(ctx, e, platform, models.ActionImportHistory, desc, func(ctx context.Context, c platforms.Client, token string) ([]models.HistoryItem, error) {
		return c.ImportHistory(ctx, token, limit)
	})
}

func execute[T any](ctx context.Context, e *Executor, platform models.Platform, action models.ActionKind, description string,
	call func(ctx context.Context, c platforms.Client, token string) (T, error)) (T, error) {
	var zero T

	client, err := e.clients.Client(platform)
	if err != nil {
		return zero, err
	}

	var token string
	if requiresToken(platform) {
		token, err = e.tokens.AccessToken(ctx, platform)
		if errors.Is(err, auth.ErrNotConnected) {
			actionsTotal.WithLabelValues(string(platform), string(action), "not_connected").Inc()
			return zero, &NotConnectedError{Platform: platform}
		}
		if err != nil {
			return zero, fmt.Errorf("get %s token: %w", platform, err)
		}
	}

	d, err := e.gate.RequireCredits(ctx, platform, action, description)
	if err != nil {
		actionsTotal.WithLabelValues(string(platform), string(action), "error").Inc()
		return zero, err
	}
	if !d.Allowed {
		actionsTotal.WithLabelValues(string(platform), string(action), "denied").Inc()
		return zero, &DeniedError{Platform: platform, Action: action, Amount: d.Amount, Message: d.Error}
	}

	inputs := map[string]interface{}{"platform": platform, "action": action}
	res, err := call(ctx, client, token)
	if err != nil {
		var partial *platforms.PartialPostError
		if errors.As(err, &partial) {
			// Some parts went out; the action took effect and stays charged.
			actionsTotal.WithLabelValues(string(platform), string(action), "partial").Inc()
			e.audit.Record("action."+string(action), inputs, "partial", string(platform), err.Error())
			return zero, err
		}

		actionsTotal.WithLabelValues(string(platform), string(action), "failed").Inc()
		e.audit.Record("action."+string(action), inputs, "failed", string(platform), err.Error())
		if d.Amount > 0 {
			// The call may have failed because ctx ended; the refund must still land.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
			defer cancel()
			if rerr := e.gate.RefundCredits(rctx, d.Amount, "Refund: "+description+" failed"); rerr != nil {
				log.Printf("executor: refund after failed %s on %s did not go through: %v", action, platform, rerr)
			}
		}
		return zero, err
	}

	actionsTotal.WithLabelValues(string(platform), string(action), "success").Inc()
	e.audit.Record("action."+string(action), inputs, "success", string(platform), description)
	return res, nil
}

func requiresToken(p models.Platform) bool {
	switch p {
	case models.PlatformX, models.PlatformReddit, models.PlatformDiscord:
		return true
	case models.PlatformEmail:
		return false
	}
	return true
}

// Package models defines the core domain types for devcast.
package models

import "time"

// EventSource identifies the watcher or agent that produced an input event.
type EventSource string

const (
	SourceAgentProgress EventSource = "agent-progress"
	SourceCommit        EventSource = "version-control-commit"
	SourceFileWatcher   EventSource = "file-watcher"
)

// Valid reports whether s is one of the known event sources.
func (s EventSource) Valid() bool {
	switch s {
	case SourceAgentProgress, SourceCommit, SourceFileWatcher:
		return true
	}
	return false
}

// Tag returns the short label used when several events are merged into one prompt.
func (s EventSource) Tag() string {
	switch s {
	case SourceAgentProgress:
		return "AGENT"
	case SourceCommit:
		return "COMMIT"
	case SourceFileWatcher:
		return "FILE"
	}
	return "EVENT"
}

// InputEvent is a unit of developer activity. Immutable after creation.
type InputEvent struct {
	ID          string      `json:"id"`
	Source      EventSource `json:"source"`
	Context     string      `json:"context"`
	CodeSnippet string      `json:"code_snippet,omitempty"`
	Timestamp   int64       `json:"timestamp"` // unix ms
}

// Platform is the closed set of posting destinations.
type Platform string

const (
	PlatformX       Platform = "x"
	PlatformReddit  Platform = "reddit"
	PlatformDiscord Platform = "discord"
	PlatformEmail   Platform = "email"
)

// AllPlatforms lists every supported platform in display order.
var AllPlatforms = []Platform{PlatformX, PlatformReddit, PlatformDiscord, PlatformEmail}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformX, PlatformReddit, PlatformDiscord, PlatformEmail:
		return true
	}
	return false
}

// DisplayName returns the user-facing platform name.
func (p Platform) DisplayName() string {
	switch p {
	case PlatformX:
		return "X"
	case PlatformReddit:
		return "Reddit"
	case PlatformDiscord:
		return "Discord"
	case PlatformEmail:
		return "Email"
	}
	return string(p)
}

// ActionKind is an action that may cost credits.
type ActionKind string

const (
	ActionPost          ActionKind = "post"
	ActionFetchFeedback ActionKind = "fetch_feedback"
	ActionImportHistory ActionKind = "import_history"
	ActionGenerate      ActionKind = "generate"
)

// Draft is a generated post. Session scoped; never persisted.
type Draft struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Platform  Platform  `json:"platform"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	Posted    bool      `json:"posted"`
	Error     bool      `json:"error,omitempty"`
	PostURL   string    `json:"post_url,omitempty"`
	// Partial is set when a thread stopped partway. The published parts
	// stay up and the draft cannot be posted again.
	Partial bool `json:"partial,omitempty"`
}

// CreditAccount is the stored balance document for a user.
type CreditAccount struct {
	UserID         string    `json:"user_id"`
	Balance        int64     `json:"balance"`
	TotalSpent     int64     `json:"total_spent"`
	TotalPurchased int64     `json:"total_purchased"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TransactionType classifies a credit transaction log record.
type TransactionType string

const (
	TransactionUsage    TransactionType = "usage"
	TransactionPurchase TransactionType = "purchase"
	TransactionRefund   TransactionType = "refund"
	TransactionBonus    TransactionType = "bonus"
)

// CreditTransaction is an append-only audit record of a balance mutation.
// It is never read back to compute a balance.
type CreditTransaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Type        TransactionType `json:"type"`
	Amount      int64           `json:"amount"` // signed
	Description string          `json:"description"`
	SourceRef   string          `json:"source_ref,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// AuditRecord records a decision taken by the credit gate or an executor.
type AuditRecord struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Subject    string    `json:"subject,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PostResult describes a successful post.
type PostResult struct {
	Platform Platform `json:"platform"`
	IDs      []string `json:"ids"`
	URL      string   `json:"url,omitempty"`
}

// FeedbackItem is a reply, comment or reaction pulled from a platform.
type FeedbackItem struct {
	ID        string    `json:"id"`
	Platform  Platform  `json:"platform"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	URL       string    `json:"url,omitempty"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryItem is a previously published post imported from a platform.
type HistoryItem struct {
	ID        string    `json:"id"`
	Platform  Platform  `json:"platform"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

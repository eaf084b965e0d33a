package platforms

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/devcast/internal/models"
)

// RateLimitError is returned when a platform answers 429. ResetAt is zero
// when the platform did not say when the limit resets.
type RateLimitError struct {
	Platform models.Platform
	ResetAt  time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("%s rate limit reached, try again later", e.Platform.DisplayName())
	}
	return fmt.Sprintf("%s rate limit reached, resets at %s", e.Platform.DisplayName(), e.ResetAt.Local().Format("15:04:05"))
}

// APIError is a non-success response other than a rate limit.
type APIError struct {
	Platform models.Platform
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Platform.DisplayName(), e.Status, e.Message)
}

// resetTime reads the reset instant from the headers the platforms use.
// x-rate-limit-reset is an epoch second (X), x-ratelimit-reset is seconds
// remaining (Reddit), Retry-After is seconds or an HTTP date (Discord and
// everyone else).
func resetTime(h http.Header, now time.Time) time.Time {
	if v := h.Get("x-rate-limit-reset"); v != "" {
		if sec, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return time.Unix(sec, 0)
		}
	}
	if v := h.Get("x-ratelimit-reset"); v != "" {
		if sec, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return now.Add(time.Duration(sec * float64(time.Second)))
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return now.Add(time.Duration(sec * float64(time.Second)))
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// PartialPostError is returned when a multi-part post stopped partway. The
// parts in Result were published and stay published.
type PartialPostError struct {
	Result *models.PostResult
	Total  int
	Err    error
}

func (e *PartialPostError) Error() string {
	return fmt.Sprintf("thread stopped after %d of %d posts: %v", len(e.Result.IDs), e.Total, e.Err)
}

func (e *PartialPostError) Unwrap() error { return e.Err }

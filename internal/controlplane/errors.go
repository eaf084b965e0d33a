package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fentz26/devcast/internal/auth"
	"github.com/fentz26/devcast/internal/batch"
	"github.com/fentz26/devcast/internal/executor"
	"github.com/fentz26/devcast/internal/orchestrator"
	"github.com/fentz26/devcast/internal/platforms"
	"github.com/go-playground/validator/v10"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidPlatform = errors.New("unknown platform")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrNotFound        = errors.New("resource not found")
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	ResetAt *time.Time        `json:"reset_at,omitempty"`
	Amount  int64             `json:"amount,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// statusFor maps a service error to an HTTP status and a stable code.
func statusFor(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}

	var denied *executor.DeniedError
	var notConnected *executor.NotConnectedError
	var rateLimited *platforms.RateLimitError
	var apiErr *platforms.APIError
	var partial *platforms.PartialPostError

	switch {
	case errors.As(err, &denied):
		resp.Code = "credits_needed"
		resp.Amount = denied.Amount
		return http.StatusPaymentRequired, resp
	case errors.As(err, &notConnected), errors.Is(err, auth.ErrNotConnected):
		resp.Code = "not_connected"
		return http.StatusConflict, resp
	case errors.As(err, &rateLimited):
		resp.Code = "rate_limited"
		if !rateLimited.ResetAt.IsZero() {
			at := rateLimited.ResetAt.UTC()
			resp.ResetAt = &at
		}
		return http.StatusTooManyRequests, resp
	case errors.As(err, &partial):
		resp.Code = "partial_post"
		return http.StatusBadGateway, resp
	case errors.As(err, &apiErr):
		resp.Code = "platform_error"
		return http.StatusBadGateway, resp
	case errors.Is(err, platforms.ErrUnsupported):
		resp.Code = "unsupported"
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, orchestrator.ErrDraftNotFound), errors.Is(err, ErrNotFound):
		resp.Code = "not_found"
		return http.StatusNotFound, resp
	case errors.Is(err, orchestrator.ErrAlreadyPosted), errors.Is(err, orchestrator.ErrPostInProgress):
		resp.Code = "conflict"
		return http.StatusConflict, resp
	case errors.Is(err, orchestrator.ErrErrorDraft),
		errors.Is(err, orchestrator.ErrInvalidSource),
		errors.Is(err, orchestrator.ErrInvalidContext),
		errors.Is(err, ErrInvalidPlatform),
		errors.Is(err, ErrInvalidAmount):
		resp.Code = "invalid_request"
		return http.StatusBadRequest, resp
	case errors.Is(err, batch.ErrClosed):
		resp.Code = "shutting_down"
		return http.StatusServiceUnavailable, resp
	}
	resp.Code = "internal"
	return http.StatusInternalServerError, resp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := statusFor(err)
	writeJSON(w, status, resp)
}

// writeValidationError reports struct validation failures per field.
func writeValidationError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: "validation failed", Code: "invalid_request"}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) {
		resp.Details = make(map[string]string, len(fields))
		for _, f := range fields {
			resp.Details[f.Field()] = fmt.Sprintf("failed on '%s'", f.Tag())
		}
	} else {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

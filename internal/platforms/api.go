package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/devcast/internal/models"
)

// api is the shared JSON-over-HTTP plumbing for the social platforms.
type api struct {
	platform   models.Platform
	baseURL    string
	userAgent  string
	authScheme string
	httpClient *http.Client
	now        func() time.Time
}

func newAPI(p models.Platform, baseURL, userAgent, authScheme string, c *http.Client) *api {
	return &api{
		platform:   p,
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		authScheme: authScheme,
		httpClient: c,
		now:        time.Now,
	}
}

func (a *api) getJSON(ctx context.Context, token, path string, query url.Values, out interface{}) error {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return a.do(req, token, out)
}

func (a *api) postJSON(ctx context.Context, token, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, token, out)
}

func (a *api) postForm(ctx context.Context, token, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(req, token, out)
}

func (a *api) do(req *http.Request, token string, out interface{}) error {
	if token != "" {
		req.Header.Set("Authorization", a.authScheme+token)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", a.platform.DisplayName(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", a.platform.DisplayName(), err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Platform: a.platform, ResetAt: resetTime(resp.Header, a.now())}
	}
	if resp.StatusCode >= 300 {
		return &APIError{Platform: a.platform, Status: resp.StatusCode, Message: errorMessage(data)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s response: %w", a.platform.DisplayName(), err)
	}
	return nil
}

// errorMessage pulls a readable message out of the error bodies the
// platforms return, falling back to the raw body.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string      `json:"message"`
		Detail  string      `json:"detail"`
		Title   string      `json:"title"`
		Error   interface{} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Detail != "":
			return parsed.Detail
		case parsed.Message != "":
			return parsed.Message
		case parsed.Title != "":
			return parsed.Title
		}
		if s, ok := parsed.Error.(string); ok && s != "" {
			return s
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "empty response"
	}
	return msg
}

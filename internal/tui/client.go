package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/devcast/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error (%d)", e.Status)
	}
	return e.Message
}

// Client wraps HTTP calls to the devcast daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Drafts fetches the draft feed, newest first.
func (c *Client) Drafts() ([]models.Draft, error) {
	var drafts []models.Draft
	err := c.get("/drafts", &drafts)
	return drafts, err
}

// Balance fetches the credit balance.
func (c *Client) Balance() (*BalanceInfo, error) {
	var b BalanceInfo
	if err := c.get("/credits", &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Queue fetches the batch queue status.
func (c *Client) Queue() (*QueueInfo, error) {
	var q QueueInfo
	if err := c.get("/queue", &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Post publishes a draft to its platform.
func (c *Client) Post(draftID string) (*models.PostResult, error) {
	var res models.PostResult
	if err := c.post("/drafts/"+url.PathEscape(draftID)+"/post", map[string]string{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Select makes a draft current.
func (c *Client) Select(draftID string) error {
	return c.post("/drafts/"+url.PathEscape(draftID)+"/select", map[string]string{}, nil)
}

// CheckHealth checks if the daemon is healthy.
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func (c *Client) post(path string, data, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.Unmarshal(body, &e)
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

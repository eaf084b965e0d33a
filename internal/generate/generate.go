// Package generate turns prompts into draft posts through a language model.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the OpenAI-compatible endpoint used when none is configured.
const DefaultBaseURL = "https://api.openai.com/v1"

// DefaultModel is the model requested when none is configured.
const DefaultModel = "gpt-4o-mini"

// Output is a generated draft.
type Output struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// Schema describes the structured output requested from the model.
type Schema struct {
	Name         string
	RequireTitle bool
}

// JSONSchema renders the schema in the JSON Schema form the API expects.
func (s Schema) JSONSchema() map[string]interface{} {
	required := []string{"content"}
	if s.RequireTitle {
		required = []string{"title", "content"}
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title":   map[string]string{"type": "string"},
			"content": map[string]string{"type": "string"},
		},
		"required":             required,
		"additionalProperties": false,
	}
}

// Generator produces a draft for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, schema Schema) (Output, error)
}

// New returns an HTTP generator for apiKey, or a Placeholder when apiKey is empty.
func New(apiKey, baseURL, model string) Generator {
	if apiKey == "" {
		return Placeholder{}
	}
	return NewHTTPGenerator(apiKey, baseURL, model)
}

// HTTPGenerator calls an OpenAI-compatible chat completions endpoint.
type HTTPGenerator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewHTTPGenerator creates a generator for the given endpoint.
func NewHTTPGenerator(apiKey, baseURL, model string) *HTTPGenerator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &HTTPGenerator{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		// Deadlines come from the caller's context.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string                 `json:"model"`
	Messages       []chatMessage          `json:"messages"`
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends prompt and decodes the structured reply.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt string, schema Schema) (Output, error) {
	name := schema.Name
	if name == "" {
		name = "draft"
	}
	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: map[string]interface{}{
			"type": "json_schema",
			"json_schema": map[string]interface{}{
				"name":   name,
				"schema": schema.JSONSchema(),
			},
		},
	})
	if err != nil {
		return Output{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Output{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{}, fmt.Errorf("read generation response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		if resp.StatusCode >= 400 {
			return Output{}, fmt.Errorf("generation failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return Output{}, fmt.Errorf("parse generation response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(data))
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return Output{}, fmt.Errorf("generation failed (%d): %s", resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return Output{}, fmt.Errorf("generation returned no choices")
	}

	raw := parsed.Choices[0].Message.Content
	var out Output
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		// Some compatible servers ignore response_format and reply in plain text.
		return Output{Content: strings.TrimSpace(raw)}, nil
	}
	return out, nil
}

// Placeholder is used when no model API key is configured. Its drafts are
// clearly labeled so nobody posts them by accident.
type Placeholder struct{}

// Generate returns a labeled placeholder draft.
func (Placeholder) Generate(ctx context.Context, prompt string, schema Schema) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	out := Output{
		Content: "[placeholder] No model API key is configured, so this draft was not generated. " +
			"Set generation.api_key in your devcast config to get real drafts.",
	}
	if schema.RequireTitle {
		out.Title = "[placeholder] Untitled draft"
	}
	return out, nil
}

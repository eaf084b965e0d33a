package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fentz26/devcast/internal/models"
	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event [context]",
	Short: "Submit an activity event for drafting",
	Long: `Submits one activity event to the daemon. Events are batched with others that
arrive within the batch window and turned into drafts.

Pass --snippet - to read the code snippet from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvent,
}

var (
	eventSource  string
	eventID      string
	eventSnippet string
)

func init() {
	eventCmd.Flags().StringVar(&eventSource, "source", string(models.SourceAgentProgress),
		"Event source (agent-progress, version-control-commit, file-watcher)")
	eventCmd.Flags().StringVar(&eventID, "id", "", "Event ID (generated when empty; resubmitting an ID is a no-op)")
	eventCmd.Flags().StringVar(&eventSnippet, "snippet", "", "Code snippet, or - to read stdin")
}

func runEvent(cmd *cobra.Command, args []string) error {
	text := ""
	if len(args) == 1 {
		text = args[0]
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("event context is required")
	}
	if !models.EventSource(eventSource).Valid() {
		return fmt.Errorf("unknown source %q", eventSource)
	}

	snippet := eventSnippet
	if snippet == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read snippet: %w", err)
		}
		snippet = string(data)
	}

	body := map[string]interface{}{
		"id":           eventID,
		"source":       eventSource,
		"context":      text,
		"code_snippet": snippet,
		"timestamp":    time.Now().UnixMilli(),
	}
	resp, err := apiPost("/events", body)
	if err != nil {
		return err
	}

	var result struct {
		ID       string `json:"id"`
		Accepted bool   `json:"accepted"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	if !result.Accepted {
		fmt.Printf("Event %s was already submitted\n", result.ID)
		return nil
	}
	fmt.Printf("Queued event %s\n", result.ID)
	return nil
}

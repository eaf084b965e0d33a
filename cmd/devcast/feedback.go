package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fentz26/devcast/internal/models"
	"github.com/spf13/cobra"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback [platform]",
	Short: "Fetch replies and comments on your posts",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeedback,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Work with previously published posts",
}

var historyImportCmd = &cobra.Command{
	Use:   "import [platform]",
	Short: "Import your past posts from a platform",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryImport,
}

var (
	feedbackLimit int
	feedbackSince time.Duration
	importLimit   int
)

func init() {
	feedbackCmd.Flags().IntVar(&feedbackLimit, "limit", 20, "Maximum items to fetch (1-100)")
	feedbackCmd.Flags().DurationVar(&feedbackSince, "since", 0, "Only items newer than this (e.g. 24h)")

	historyCmd.AddCommand(historyImportCmd)
	historyImportCmd.Flags().IntVar(&importLimit, "limit", 20, "Maximum posts to import (1-100)")
}

func parsePlatform(arg string) (models.Platform, error) {
	p := models.Platform(arg)
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q (x, reddit, discord, email)", arg)
	}
	return p, nil
}

func runFeedback(cmd *cobra.Command, args []string) error {
	p, err := parsePlatform(args[0])
	if err != nil {
		return err
	}

	body := map[string]interface{}{"limit": feedbackLimit}
	if feedbackSince > 0 {
		body["since"] = time.Now().Add(-feedbackSince).UTC()
	}
	resp, err := apiPostSlow("/feedback/"+string(p), body)
	if err != nil {
		return err
	}

	var items []models.FeedbackItem
	if err := json.Unmarshal(resp, &items); err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No feedback yet")
		return nil
	}
	for _, it := range items {
		fmt.Printf("%s  %s (%d)\n", it.CreatedAt.Local().Format("Jan 2 15:04"), it.Author, it.Score)
		fmt.Printf("  %s\n", truncate(it.Body, 200))
		if it.URL != "" {
			fmt.Printf("  %s\n", it.URL)
		}
	}
	return nil
}

func runHistoryImport(cmd *cobra.Command, args []string) error {
	p, err := parsePlatform(args[0])
	if err != nil {
		return err
	}

	resp, err := apiPostSlow("/history/"+string(p)+"/import", map[string]interface{}{"limit": importLimit})
	if err != nil {
		return err
	}

	var items []models.HistoryItem
	if err := json.Unmarshal(resp, &items); err != nil {
		return err
	}
	fmt.Printf("Imported %d post(s) from %s\n", len(items), p.DisplayName())
	for _, it := range items {
		text := it.Title
		if text == "" {
			text = it.Content
		}
		fmt.Printf("  %s  %s\n", it.CreatedAt.Local().Format("2006-01-02"), truncate(text, 70))
	}
	return nil
}

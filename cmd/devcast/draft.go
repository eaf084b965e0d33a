package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/devcast/internal/models"
	"github.com/spf13/cobra"
)

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Inspect and post drafts",
}

var draftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drafts, newest first",
	RunE:  runDraftList,
}

var draftShowCmd = &cobra.Command{
	Use:   "show [draft-id]",
	Short: "Show a draft (the current one when no ID is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDraftShow,
}

var draftSelectCmd = &cobra.Command{
	Use:   "select [draft-id]",
	Short: "Make a draft current",
	Args:  cobra.ExactArgs(1),
	RunE:  runDraftSelect,
}

var draftPostCmd = &cobra.Command{
	Use:   "post [draft-id]",
	Short: "Post a draft (the current one when no ID is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDraftPost,
}

var postPlatform string

func init() {
	draftCmd.AddCommand(draftListCmd, draftShowCmd, draftSelectCmd, draftPostCmd)
	draftPostCmd.Flags().StringVar(&postPlatform, "platform", "", "Post to this platform instead of the draft's own")
}

func fetchDrafts() ([]models.Draft, error) {
	resp, err := apiGet("/drafts")
	if err != nil {
		return nil, err
	}
	var drafts []models.Draft
	if err := json.Unmarshal(resp, &drafts); err != nil {
		return nil, err
	}
	return drafts, nil
}

// resolveDraft finds a draft by full ID or unique ID prefix. An empty ref
// selects the current draft.
func resolveDraft(ref string) (*models.Draft, error) {
	if ref == "" {
		resp, err := apiGet("/drafts/current")
		if err != nil {
			return nil, err
		}
		var d models.Draft
		if err := json.Unmarshal(resp, &d); err != nil {
			return nil, err
		}
		return &d, nil
	}

	drafts, err := fetchDrafts()
	if err != nil {
		return nil, err
	}
	var match *models.Draft
	for i := range drafts {
		if drafts[i].ID == ref {
			return &drafts[i], nil
		}
		if strings.HasPrefix(drafts[i].ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("draft ID %q is ambiguous", ref)
			}
			match = &drafts[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no draft matches %q", ref)
	}
	return match, nil
}

func draftStatus(d models.Draft) string {
	switch {
	case d.Error:
		return "failed"
	case d.Posted:
		return "posted"
	default:
		return "draft"
	}
}

func runDraftList(cmd *cobra.Command, args []string) error {
	drafts, err := fetchDrafts()
	if err != nil {
		return err
	}
	if len(drafts) == 0 {
		fmt.Println("No drafts yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tSTATUS\tCREATED\tCONTENT")
	for _, d := range drafts {
		first, _, _ := strings.Cut(d.Content, "\n")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(d.ID), d.Platform, draftStatus(d), d.Timestamp.Local().Format("Jan 2 15:04"), truncate(first, 50))
	}
	w.Flush()
	return nil
}

func runDraftShow(cmd *cobra.Command, args []string) error {
	ref := ""
	if len(args) == 1 {
		ref = args[0]
	}
	d, err := resolveDraft(ref)
	if err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", d.ID)
	fmt.Printf("Event:    %s\n", d.EventID)
	fmt.Printf("Platform: %s\n", d.Platform.DisplayName())
	fmt.Printf("Status:   %s\n", draftStatus(*d))
	fmt.Printf("Created:  %s\n", d.Timestamp.Local().Format("2006-01-02 15:04:05"))
	if d.PostURL != "" {
		fmt.Printf("URL:      %s\n", d.PostURL)
	}
	if d.Title != "" {
		fmt.Printf("Title:    %s\n", d.Title)
	}
	fmt.Printf("\n%s\n", d.Content)
	return nil
}

func runDraftSelect(cmd *cobra.Command, args []string) error {
	d, err := resolveDraft(args[0])
	if err != nil {
		return err
	}
	if _, err := apiPost("/drafts/"+d.ID+"/select", map[string]string{}); err != nil {
		return err
	}
	fmt.Printf("Current draft is now %s\n", truncateID(d.ID))
	return nil
}

func runDraftPost(cmd *cobra.Command, args []string) error {
	ref := ""
	if len(args) == 1 {
		ref = args[0]
	}
	d, err := resolveDraft(ref)
	if err != nil {
		return err
	}
	if postPlatform != "" && !models.Platform(postPlatform).Valid() {
		return fmt.Errorf("unknown platform %q", postPlatform)
	}

	resp, err := apiPostSlow("/drafts/"+d.ID+"/post", map[string]string{"platform": postPlatform})
	if err != nil {
		return err
	}

	var result models.PostResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Posted to %s\n", result.Platform.DisplayName())
	if result.URL != "" {
		fmt.Printf("URL: %s\n", result.URL)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

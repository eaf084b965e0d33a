package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/devcast/internal/models"
)

var (
	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusDraft  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusPosted = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusError  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
)

// DraftItem implements list.Item for the draft feed.
type DraftItem struct {
	models.Draft
}

func (i DraftItem) FilterValue() string { return i.Content }

func (i DraftItem) Title() string {
	if i.Draft.Title != "" {
		return i.Draft.Title
	}
	first, _, _ := strings.Cut(i.Content, "\n")
	return first
}

func (i DraftItem) Description() string {
	return fmt.Sprintf("%s • %s • %s", formatStatus(i.Draft), i.Platform.DisplayName(), i.Timestamp.Local().Format("15:04:05"))
}

func formatStatus(d models.Draft) string {
	switch {
	case d.Error:
		return statusError.Render("● failed")
	case d.Posted:
		return statusPosted.Render("● posted")
	default:
		return statusDraft.Render("● draft")
	}
}

// FeedModel manages the draft list.
type FeedModel struct {
	list   list.Model
	drafts []models.Draft
}

// NewFeedModel creates an empty feed.
func NewFeedModel() *FeedModel {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Drafts"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)
	l.Styles.Title = listTitleStyle

	return &FeedModel{list: l}
}

// SetSize sets the list dimensions.
func (m *FeedModel) SetSize(w, h int) {
	m.list.SetSize(w, h)
}

// SetDrafts replaces the feed, keeping the cursor on the same draft when it
// is still present.
func (m *FeedModel) SetDrafts(drafts []models.Draft) {
	var keep string
	if sel := m.Selected(); sel != nil {
		keep = sel.ID
	}

	m.drafts = drafts
	items := make([]list.Item, len(drafts))
	idx := 0
	for i, d := range drafts {
		items[i] = DraftItem{d}
		if d.ID == keep {
			idx = i
		}
	}
	m.list.SetItems(items)
	m.list.Select(idx)
}

// Selected returns the draft under the cursor.
func (m *FeedModel) Selected() *models.Draft {
	if item, ok := m.list.SelectedItem().(DraftItem); ok {
		d := item.Draft
		return &d
	}
	return nil
}

// Filtering reports whether the user is typing a filter.
func (m *FeedModel) Filtering() bool {
	return m.list.FilterState() == list.Filtering
}

// Len returns the number of drafts.
func (m *FeedModel) Len() int {
	return len(m.drafts)
}

// Update forwards navigation to the list.
func (m *FeedModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return cmd
}

// View renders the feed.
func (m *FeedModel) View() string {
	if len(m.drafts) == 0 {
		return "\n  No drafts yet. Commit, save a file or send an event to get started.\n"
	}
	return m.list.View()
}

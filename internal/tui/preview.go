package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/devcast/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))
)

// xLimit is the per-post character limit on X.
const xLimit = 280

// PreviewModel shows one draft in a scrollable viewport.
type PreviewModel struct {
	viewport viewport.Model
	draft    *models.Draft
}

// NewPreviewModel creates an empty preview.
func NewPreviewModel() *PreviewModel {
	return &PreviewModel{viewport: viewport.New(80, 20)}
}

// SetSize sets the viewport dimensions.
func (m *PreviewModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
	m.render()
}

// SetDraft shows d, or clears the preview when d is nil.
func (m *PreviewModel) SetDraft(d *models.Draft) {
	same := m.draft != nil && d != nil && m.draft.ID == d.ID
	m.draft = d
	m.render()
	if !same {
		m.viewport.GotoTop()
	}
}

func (m *PreviewModel) render() {
	if m.draft == nil {
		m.viewport.SetContent("")
		return
	}
	d := m.draft

	var b strings.Builder
	title := d.Title
	if title == "" {
		title = d.Platform.DisplayName() + " draft"
	}
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n\n")
	b.WriteString(renderField("Status", formatStatus(*d)))
	b.WriteString(renderField("Platform", d.Platform.DisplayName()))
	if d.PostURL != "" {
		b.WriteString(renderField("URL", d.PostURL))
	}
	if d.Platform == models.PlatformX && !d.Error {
		b.WriteString(renderField("Length", xLength(d.Content)))
	}
	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Width(max(20, m.viewport.Width-2)).Render(d.Content))

	m.viewport.SetContent(b.String())
}

// xLength reports the character count of each thread part against the limit.
func xLength(content string) string {
	parts := strings.Split(content, "\n\n")
	counts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n := len([]rune(p))
		s := fmt.Sprintf("%d/%d", n, xLimit)
		if n > xLimit {
			s = statusError.Render(s)
		}
		counts = append(counts, s)
	}
	return strings.Join(counts, " · ")
}

func renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

// Update scrolls the viewport.
func (m *PreviewModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return cmd
}

// View renders the preview.
func (m *PreviewModel) View() string {
	if m.draft == nil {
		return ""
	}
	return m.viewport.View()
}

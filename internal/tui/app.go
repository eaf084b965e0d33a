// Package tui provides the interactive terminal feed viewer for devcast.
package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// RefreshInterval is how often the feed and status are re-read.
const RefreshInterval = 2 * time.Second

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Select  key.Binding
	Post    key.Binding
	Refresh key.Binding
	Scroll  key.Binding
	Quit    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Select, k.Post, k.Refresh, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down, k.Select}, {k.Post, k.Refresh, k.Scroll, k.Quit}}
}

var keys = keyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Select:  key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "make current")),
	Post:    key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "post")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Scroll:  key.NewBinding(key.WithKeys("pgup", "pgdown"), key.WithHelp("pgup/pgdn", "scroll draft")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// App is the main TUI application model.
type App struct {
	client  *Client
	feed    *FeedModel
	preview *PreviewModel
	help    help.Model
	spinner spinner.Model

	width        int
	height       int
	balance      *BalanceInfo
	queue        *QueueInfo
	daemonOnline bool
	posting      bool
	message      string
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(cyanColor)

	return &App{
		client:  NewClient(apiAddr),
		feed:    NewFeedModel(),
		preview: NewPreviewModel(),
		help:    help.New(),
		spinner: sp,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.checkDaemon(),
		a.refresh(),
		a.tickCmd(),
	)
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.feed.Filtering() {
			cmd := a.feed.Update(msg)
			a.preview.SetDraft(a.feed.Selected())
			return a, cmd
		}
		switch {
		case key.Matches(msg, keys.Quit):
			return a, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return a, a.refresh()
		case key.Matches(msg, keys.Post):
			return a, a.postSelected()
		case key.Matches(msg, keys.Select):
			return a, a.selectCurrent()
		case key.Matches(msg, keys.Scroll):
			return a, a.preview.Update(msg)
		}
		cmd := a.feed.Update(msg)
		a.preview.SetDraft(a.feed.Selected())
		return a, cmd

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.layout()

	case draftsLoadedMsg:
		a.feed.SetDrafts(msg.drafts)
		a.preview.SetDraft(a.feed.Selected())

	case statusLoadedMsg:
		a.daemonOnline = true
		a.balance = msg.balance
		a.queue = msg.queue

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case postedMsg:
		a.posting = false
		a.message = "✓ Posted"
		if msg.result != nil && msg.result.URL != "" {
			a.message += ": " + msg.result.URL
		}
		return a, a.refresh()

	case selectedMsg:
		a.message = "✓ Current draft updated"

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case spinner.TickMsg:
		if !a.posting {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case errMsg:
		a.posting = false
		a.message = describeError(msg.err)
		var apiErr *APIError
		if !errors.As(msg.err, &apiErr) {
			a.daemonOnline = false
		}
	}
	return a, nil
}

// describeError turns daemon errors into a one-line hint.
func describeError(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "credits_needed":
			return "Error: " + apiErr.Message + " (buy more with: devcast credits buy)"
		case "not_connected", "rate_limited":
			return "Error: " + apiErr.Message
		}
	}
	return "Error: " + err.Error()
}

func (a *App) layout() {
	contentHeight := a.height - 6
	if contentHeight < 5 {
		contentHeight = 5
	}
	listWidth := a.width * 2 / 5
	a.feed.SetSize(listWidth, contentHeight)
	a.preview.SetSize(a.width-listWidth-4, contentHeight-2)
	a.help.Width = a.width
}

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("devcast") + "  " + daemon
	if a.balance != nil {
		style := lipgloss.NewStyle().Foreground(successColor)
		if a.balance.Balance == 0 {
			style = lipgloss.NewStyle().Foreground(warningColor)
		}
		header += "  " + style.Render(fmt.Sprintf("%d credits", a.balance.Balance))
	}
	if a.queue != nil {
		q := fmt.Sprintf("[queue %d]", a.queue.Pending)
		if a.queue.Processing {
			q = fmt.Sprintf("[queue %d, generating]", a.queue.Pending)
		}
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(q)
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	main := a.feed.View()
	if pv := a.preview.View(); pv != "" {
		main = lipgloss.JoinHorizontal(lipgloss.Top, main, panelStyle.Render(pv))
	}
	b.WriteString(main)

	b.WriteString("\n")
	switch {
	case a.posting:
		b.WriteString(a.spinner.View() + " Posting...")
	case a.message != "":
		style := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(style.Render(a.message))
	}
	b.WriteString("\n")

	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(fmt.Sprintf(" Drafts: %d  %s", a.feed.Len(), a.help.View(keys))))
	return b.String()
}

type tickMsg time.Time

type selectedMsg struct{}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) refresh() tea.Cmd {
	return tea.Batch(a.fetchDrafts(), a.fetchStatus())
}

func (a *App) fetchDrafts() tea.Cmd {
	return func() tea.Msg {
		drafts, err := a.client.Drafts()
		if err != nil {
			return errMsg{err}
		}
		return draftsLoadedMsg{drafts}
	}
}

func (a *App) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		balance, err := a.client.Balance()
		if err != nil {
			return errMsg{err}
		}
		queue, err := a.client.Queue()
		if err != nil {
			return errMsg{err}
		}
		return statusLoadedMsg{balance: balance, queue: queue}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return daemonStatusMsg{online: err == nil && ok}
	}
}

func (a *App) postSelected() tea.Cmd {
	d := a.feed.Selected()
	switch {
	case a.posting:
		return nil
	case d == nil:
		a.message = "Nothing to post"
		return nil
	case d.Error:
		a.message = "Error: this draft failed to generate and cannot be posted"
		return nil
	case d.Posted:
		a.message = "Already posted"
		return nil
	}

	a.posting = true
	a.message = ""
	id := d.ID
	return tea.Batch(a.spinner.Tick, func() tea.Msg {
		res, err := a.client.Post(id)
		if err != nil {
			return errMsg{err}
		}
		return postedMsg{draftID: id, result: res}
	})
}

func (a *App) selectCurrent() tea.Cmd {
	d := a.feed.Selected()
	if d == nil {
		return nil
	}
	id := d.ID
	return func() tea.Msg {
		if err := a.client.Select(id); err != nil {
			return errMsg{err}
		}
		return selectedMsg{}
	}
}

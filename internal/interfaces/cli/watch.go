package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"kilometers.ai/authlayer/internal/core/domain"
	"kilometers.ai/authlayer/internal/core/session"
)

// WatchFlags holds command-line flags for the watch command
type WatchFlags struct {
	Interval time.Duration
	MaxLines int
}

// getter is the slice of the access client the watch screen needs
type getter interface {
	Get(ctx context.Context, path string) (*domain.Response, error)
}

// newWatchCommand creates the watch command
func newWatchCommand(a *app) *cobra.Command {
	flags := &WatchFlags{}

	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Poll an endpoint in a live terminal view",
		Long: `Poll an endpoint through the access layer and show the latest response.

Token refreshes happen behind the scenes. When the session can no longer
be recovered the view switches to a login prompt.

Controls: [Space] pause/resume, [r] poll now, [q] quit.`,
		Example: `  authlayer watch /api/me --interval 2s --metrics-addr :9090`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := a.build(true)
			if err != nil {
				return err
			}
			if _, err := container.StartMetricsServer(cmd.Context()); err != nil {
				return err
			}

			model := newWatchModel(cmd.Context(), container.Client, args[0], flags)
			program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))

			unsubscribe := container.Bus.Subscribe(func(evt session.Event) {
				if evt.Name == session.EventLogout {
					program.Send(sessionLostMsg{event: evt})
				}
			})
			defer unsubscribe()

			if _, err := program.Run(); err != nil {
				return fmt.Errorf("watch failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&flags.Interval, "interval", 5*time.Second, "Polling interval")
	cmd.Flags().IntVar(&flags.MaxLines, "max-lines", 20, "Maximum response lines to display")

	return cmd
}

// watchModel holds the state for the Bubble Tea watch screen
type watchModel struct {
	ctx    context.Context
	client getter
	path   string
	flags  *WatchFlags

	polls      int
	lastPoll   time.Time
	lastStatus int
	lastBody   string
	lastErr    error
	paused     bool

	loggedOut    bool
	logoutReason error

	windowWidth int
}

func newWatchModel(ctx context.Context, client getter, path string, flags *WatchFlags) watchModel {
	return watchModel{
		ctx:    ctx,
		client: client,
		path:   path,
		flags:  flags,
	}
}

// tickMsg is sent every polling interval
type tickMsg time.Time

// pollResultMsg carries the outcome of one poll
type pollResultMsg struct {
	status int
	body   string
	err    error
	at     time.Time
}

// sessionLostMsg is sent when the session bus announces a logout
type sessionLostMsg struct {
	event session.Event
}

// Init implements the Bubble Tea init method
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.tickCmd(), m.pollCmd())
}

// Update implements the Bubble Tea update method
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ":
			m.paused = !m.paused
			return m, nil
		case "r":
			if m.loggedOut {
				return m, nil
			}
			return m, m.pollCmd()
		}

	case tickMsg:
		if m.loggedOut {
			return m, nil
		}
		if m.paused {
			return m, m.tickCmd()
		}
		return m, tea.Batch(m.tickCmd(), m.pollCmd())

	case pollResultMsg:
		m.polls++
		m.lastPoll = msg.at
		m.lastStatus = msg.status
		m.lastErr = msg.err
		if msg.err == nil {
			m.lastBody = msg.body
		}
		return m, nil

	case sessionLostMsg:
		m.loggedOut = true
		m.logoutReason = msg.event.Reason
		return m, nil
	}

	return m, nil
}

// View implements the Bubble Tea view method
func (m watchModel) View() string {
	if m.loggedOut {
		return m.renderLoginRequired()
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), m.renderBody(), m.renderFooter())
}

func (m watchModel) renderHeader() string {
	status := okStyle.Render("LIVE")
	if m.paused {
		status = warnStyle.Render("PAUSED")
	}

	line1 := lipgloss.JoinHorizontal(lipgloss.Left,
		titleStyle.Render("authlayer watch"),
		"  ",
		m.path,
		"  ",
		status,
	)

	last := "never"
	if !m.lastPoll.IsZero() {
		last = m.lastPoll.Format("15:04:05")
	}
	line2 := dimStyle.Render(fmt.Sprintf("Polls: %d | Last poll: %s | Interval: %v", m.polls, last, m.flags.Interval))

	return lipgloss.JoinVertical(lipgloss.Left, line1, line2, "")
}

func (m watchModel) renderBody() string {
	if m.lastErr != nil {
		return errStyle.Render("Error: ") + m.lastErr.Error()
	}
	if m.polls == 0 {
		return dimStyle.Render("Waiting for the first response...")
	}

	lines := strings.Split(strings.TrimRight(m.lastBody, "\n"), "\n")
	if m.flags.MaxLines > 0 && len(lines) > m.flags.MaxLines {
		lines = append(lines[:m.flags.MaxLines], dimStyle.Render("..."))
	}
	if m.windowWidth > 0 {
		for i, line := range lines {
			lines[i] = truncateString(line, m.windowWidth)
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		okStyle.Render(fmt.Sprintf("%d %s", m.lastStatus, httpStatusText(m.lastStatus))),
		strings.Join(lines, "\n"),
	)
}

func (m watchModel) renderFooter() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		"",
		dimStyle.Render("Controls: [Space] Pause/Resume | [r] Poll now | [q] Quit"),
	)
}

func (m watchModel) renderLoginRequired() string {
	reason := "the session could not be refreshed"
	if m.logoutReason != nil {
		reason = m.logoutReason.Error()
	}

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("196")).
		Padding(1, 2)

	return box.Render(lipgloss.JoinVertical(lipgloss.Left,
		errStyle.Render("Login required"),
		"",
		"Your session has ended: "+reason,
		"Stored credentials were cleared.",
		"",
		dimStyle.Render("Run 'authlayer login' and start watching again. Press [q] to quit."),
	))
}

func (m watchModel) tickCmd() tea.Cmd {
	return tea.Tick(m.flags.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) pollCmd() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.ctx, m.path)
		if err != nil {
			return pollResultMsg{err: err, at: time.Now()}
		}
		return pollResultMsg{status: resp.StatusCode, body: string(resp.Body), at: time.Now()}
	}
}

// truncateString cuts s to maxLen terminal cells without splitting a rune
func truncateString(s string, maxLen int) string {
	return ansi.Truncate(s, maxLen, "...")
}

package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/go-authgate/session-keeper/keeper"
)

// tickMsg is fired every second to update the countdown timer.
type tickMsg time.Time

// state represents the current phase of the keeper.
type state int

const (
	stateInit       state = iota
	stateArmed            // waiting for the next scheduled refresh
	stateRefreshing       // refresh request in flight
	stateRetrying         // waiting to retry a failed refresh
	stateLoggedOut        // session dropped
	stateStopped          // stopped by the user
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// maxStatusLines bounds the log; a keeper can run for days.
const maxStatusLines = 12

// Model is the BubbleTea model for the session keeper TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int
	now     func() time.Time

	user      *keeper.UserDetails
	nextAt    time.Time
	remaining time.Duration
	expiry    time.Time
	attempt   int
	ticking   bool

	errMsg string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleCountdown = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
		now:     time.Now,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.remaining = max(m.nextAt.Sub(m.now()), 0)
		if m.remaining > 0 && (m.state == stateArmed || m.state == stateRetrying) {
			return m, tickAfterSecond()
		}
		m.ticking = false
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
		return m, nil

	// ── CLI lifecycle messages ───────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgSessionLoaded:
		m.addStatus(statusOK, fmt.Sprintf("Found stored session %q", msg.Key))
		return m, nil

	case MsgSessionMissing:
		m.errMsg = "No stored session found, run 'login' first"
		m.state = stateError
		return m, tea.Quit

	case MsgLoginOK:
		m.user = msg.User
		m.addStatus(statusOK, "Signed in as "+describeUser(msg.User))
		return m, nil

	case MsgProfileOK:
		m.user = msg.User
		m.addStatus(statusOK, "Access token accepted for "+describeUser(msg.User))
		return m, nil

	case MsgProfileFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Profile check failed: %v", msg.Err))
		return m, nil

	// ── Refresh cycle messages ───────────────────────────────────────────────

	case MsgArmed:
		m.state = stateArmed
		m.attempt = 0
		return m.startCountdown(msg.At)

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshed:
		m.expiry = msg.Expiry
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRetryScheduled:
		m.state = stateRetrying
		m.attempt = msg.Attempt
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m.startCountdown(msg.At)

	case MsgLoggedOut:
		m.errMsg = msg.Reason.Error()
		m.state = stateLoggedOut
		return m, tea.Quit

	case MsgStopped:
		m.state = stateStopped
		return m, tea.Quit

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, tea.Quit
	}

	return m, nil
}

// startCountdown points the countdown at a new deadline, starting the ticker
// only if it is not already running.
func (m Model) startCountdown(at time.Time) (tea.Model, tea.Cmd) {
	m.nextAt = at
	m.remaining = max(at.Sub(m.now()), 0)
	if m.ticking {
		return m, nil
	}
	m.ticking = true
	return m, tickAfterSecond()
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateLoggedOut, stateError:
		return tea.NewView(m.viewError())
	case stateStopped:
		return tea.NewView(m.viewStopped())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while the keeper is running.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Session Keeper  "))
	b.WriteString("\n\n")

	if m.user != nil {
		b.WriteString(styleBold.Render("User:    "))
		b.WriteString(describeUser(m.user) + "\n")
	}
	if !m.expiry.IsZero() {
		b.WriteString(styleBold.Render("Expires: "))
		b.WriteString(m.expiry.Local().Format(time.DateTime) + "\n")
	}
	if m.user != nil || !m.expiry.IsZero() {
		b.WriteString("\n")
	}

	switch m.state {
	case stateArmed:
		b.WriteString(styleDim.Render("Next refresh in:"))
		b.WriteString("\n")
		b.WriteString(styleCountdown.Render("  " + formatDuration(m.remaining) + "  "))
		b.WriteString("\n")

	case stateRetrying:
		b.WriteString(m.spinner.View())
		b.WriteString(fmt.Sprintf(" Retry %d in ", m.attempt))
		b.WriteString(styleWarn.Render(formatDuration(m.remaining)))
		b.WriteString("\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStopped is shown after a clean shutdown.
func (m Model) viewStopped() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Stopped, session kept"))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when the session ends or a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	if m.state == stateLoggedOut {
		b.WriteString(styleErr.Render("  ✗ Session ended"))
	} else {
		b.WriteString(styleErr.Render("  ✗ Error"))
	}
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, dropping the oldest past the limit.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = append([]statusLine(nil), m.statusLines[n-maxStatusLines:]...)
	}
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym Zs", "Ym Zs" or "Zs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

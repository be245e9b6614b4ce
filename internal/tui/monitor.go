package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mev-engine/trade-resilience/internal/client"
	"github.com/mev-engine/trade-resilience/pkg/interfaces"
)

// Config holds configuration for the TUI monitor
type Config struct {
	RefreshRate int // milliseconds
	CompactMode bool
	Debug       bool
	BaseURL     string
}

// StatusFetcher loads the engine status
type StatusFetcher interface {
	Status(ctx context.Context) (*interfaces.SystemStatus, error)
}

// Model represents the TUI application state
type Model struct {
	config     Config
	fetcher    StatusFetcher
	status     *interfaces.SystemStatus
	offline    bool
	loading    bool
	error      error
	width      int
	height     int
	lastUpdate time.Time
}

// tickMsg is sent when the refresh timer ticks
type tickMsg time.Time

// statusMsg is sent when status is updated
type statusMsg *interfaces.SystemStatus

// offlineMsg is sent when the engine cannot be reached
type offlineMsg struct{}

// errorMsg is sent when an error occurs
type errorMsg error

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	contentStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(1, 2)

	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	faintStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)

	green  = lipgloss.Color("#00FF00")
	yellow = lipgloss.Color("#FFFF00")
	red    = lipgloss.Color("#FF0000")
)

// StartMonitor starts the TUI monitor application
func StartMonitor(config Config) error {
	p := tea.NewProgram(initialModel(config, client.New(config.BaseURL, "")), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func initialModel(config Config, fetcher StatusFetcher) Model {
	if config.RefreshRate <= 0 {
		config.RefreshRate = 1000
	}
	return Model{
		config:  config,
		fetcher: fetcher,
		loading: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		fetchStatus(m.fetcher),
		tickCmd(m.config.RefreshRate),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.fetcher)
		case "c":
			m.config.CompactMode = !m.config.CompactMode
			return m, nil
		}

	case tickMsg:
		return m, tea.Batch(
			fetchStatus(m.fetcher),
			tickCmd(m.config.RefreshRate),
		)

	case statusMsg:
		m.status = msg
		m.offline = false
		m.loading = false
		m.error = nil
		m.lastUpdate = time.Now()
		return m, nil

	case offlineMsg:
		m.offline = true
		m.loading = false
		m.error = nil
		m.lastUpdate = time.Now()
		return m, nil

	case errorMsg:
		m.error = msg
		m.loading = false
		return m, nil
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Width(m.width-2).Render("Trade Resilience Monitor") + "\n\n")
	b.WriteString(faintStyle.Render("r: refresh  c: compact  q: quit") + "\n\n")

	switch {
	case m.error != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.error)) + "\n")
	case m.offline:
		b.WriteString(colored("offline", red) + fmt.Sprintf(" engine not reachable at %s\n", m.config.BaseURL))
	case m.loading:
		b.WriteString("Loading status...\n")
	case m.status != nil:
		b.WriteString(m.renderStatus())
	}

	if !m.lastUpdate.IsZero() {
		b.WriteString("\n" + faintStyle.Render("Last updated: "+m.lastUpdate.Format("15:04:05")))
	}

	return contentStyle.Width(m.width - 4).Render(b.String())
}

func (m Model) renderStatus() string {
	s := m.status
	var b strings.Builder

	fmt.Fprintf(&b, "Status:  %s\n", colored(s.Status, statusColor(s.Status)))
	if s.Uptime != "" {
		fmt.Fprintf(&b, "Uptime:  %s\n", s.Uptime)
	}
	fmt.Fprintf(&b, "Version: %s\n", s.Version)

	w := s.Watcher
	b.WriteString("\n" + sectionStyle.Render("Pool Watcher") + "\n")
	fmt.Fprintf(&b, "State:       %s\n", colored(string(w.State), watcherColor(w.State)))
	if !m.config.CompactMode {
		fmt.Fprintf(&b, "Endpoint:    %s\n", w.Endpoint)
		fmt.Fprintf(&b, "Programs:    %s\n", strings.Join(w.ProgramIDs, ", "))
		fmt.Fprintf(&b, "Subscribers: %d\n", w.Subscribers)
	}
	fmt.Fprintf(&b, "Forwarded:   %d  Debounced: %d  Reconnects: %d\n", w.Forwarded, w.Debounced, w.Reconnects)
	if w.LastEventAt != nil {
		fmt.Fprintf(&b, "Last pool:   %s ago\n", time.Since(*w.LastEventAt).Round(time.Second))
	}
	if w.LastPingAt != nil && !m.config.CompactMode {
		fmt.Fprintf(&b, "Last ping:   %s ago\n", time.Since(*w.LastPingAt).Round(time.Second))
	}

	if len(s.Endpoints) > 0 {
		b.WriteString("\n" + sectionStyle.Render("RPC Endpoints") + "\n")
		for _, pool := range s.Endpoints {
			fmt.Fprintf(&b, "%s: %s (errors %d/%d, failovers %d)\n",
				pool.Name, pool.CurrentEndpoint, pool.ConsecutiveErrors, pool.MaxErrors, pool.Failovers)
			if m.config.CompactMode {
				continue
			}
			for i, ep := range pool.Endpoints {
				marker := "  "
				if i == pool.CurrentIndex {
					marker = "> "
				}
				b.WriteString(faintStyle.Render(marker+ep) + "\n")
			}
		}
	}

	b.WriteString("\n" + sectionStyle.Render("Circuit Breakers") + "\n")
	if len(s.Breakers) == 0 {
		b.WriteString(faintStyle.Render("no breakers registered") + "\n")
	}
	for _, br := range s.Breakers {
		line := fmt.Sprintf("%-20s %s", br.Key, colored(br.State, breakerColor(br.State)))
		if br.NextAttemptIn > 0 {
			line += fmt.Sprintf("  retry in %s", br.NextAttemptIn.Round(time.Millisecond))
		}
		if !m.config.CompactMode {
			line += fmt.Sprintf("  open ratio %.0f%%", br.OpenRatio*100)
		}
		b.WriteString(line + "\n")
	}

	return b.String()
}

func colored(text string, color lipgloss.Color) string {
	return lipgloss.NewStyle().Foreground(color).Bold(true).Render(text)
}

func statusColor(status string) lipgloss.Color {
	switch status {
	case "healthy":
		return green
	case "degraded":
		return yellow
	default:
		return red
	}
}

func watcherColor(state interfaces.WatcherState) lipgloss.Color {
	switch state {
	case interfaces.WatcherStateRunning:
		return green
	case interfaces.WatcherStateConnecting, interfaces.WatcherStateBackoff:
		return yellow
	default:
		return red
	}
}

func breakerColor(state string) lipgloss.Color {
	switch state {
	case "closed":
		return green
	case "half_open":
		return yellow
	default:
		return red
	}
}

func fetchStatus(fetcher StatusFetcher) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status, err := fetcher.Status(ctx)
		if errors.Is(err, client.ErrOffline) {
			return offlineMsg{}
		}
		if err != nil {
			return errorMsg(err)
		}
		return statusMsg(status)
	}
}

func tickCmd(refreshRate int) tea.Cmd {
	return tea.Tick(time.Duration(refreshRate)*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

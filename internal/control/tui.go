package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("78"))
)

// tuiModel is a bubbletea Model polling a running dispatchd's control
// surface and rendering a live status view.
type tuiModel struct {
	baseURL  string
	client   *http.Client
	interval time.Duration

	status statusView
	err    error
}

type statusView struct {
	Queue  map[string]any
	Health map[string]any
}

type tickMsg time.Time

type fetchedMsg struct {
	status statusView
	err    error
}

// NewTUI builds a bubbletea.Program that polls baseURL's /status and
// /health routes every interval and renders them full-screen.
func NewTUI(baseURL string, interval time.Duration) *tea.Program {
	m := tuiModel{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 2 * time.Second},
		interval: interval,
	}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m tuiModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m tuiModel) fetch() tea.Cmd {
	return func() tea.Msg {
		status, err := m.fetchJSON("/status")
		if err != nil {
			return fetchedMsg{err: err}
		}
		health, err := m.fetchJSON("/health")
		if err != nil {
			return fetchedMsg{err: err}
		}
		return fetchedMsg{status: statusView{Queue: status, Health: health}}
	}
}

func (m tuiModel) fetchJSON(path string) (map[string]any, error) {
	resp, err := m.client.Get(m.baseURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var v map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	case fetchedMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
		}
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.err != nil {
		return warnStyle.Render(fmt.Sprintf("dispatchd unreachable at %s: %v", m.baseURL, m.err)) + "\n\nq to quit\n"
	}

	out := headerStyle.Render("dispatchd status") + "\n\n"

	health := "ok"
	if v, ok := m.status.Health["status"]; ok {
		health = fmt.Sprintf("%v", v)
	}
	if health == "ok" {
		out += labelStyle.Render("health: ") + okStyle.Render(health) + "\n"
	} else {
		out += labelStyle.Render("health: ") + warnStyle.Render(health) + "\n"
	}

	if sizes, ok := m.status.Queue["sizes"].(map[string]any); ok {
		for _, p := range []string{"urgent", "high", "normal", "low"} {
			if v, ok := sizes[p]; ok {
				out += labelStyle.Render(p+": ") + fmt.Sprintf("%v", v) + "\n"
			}
		}
	}
	for _, key := range []string{"scheduled_size", "paused", "pause_reason"} {
		if v, ok := m.status.Queue[key]; ok {
			out += labelStyle.Render(key+": ") + fmt.Sprintf("%v", v) + "\n"
		}
	}

	out += "\n" + labelStyle.Render("q to quit")
	return out
}

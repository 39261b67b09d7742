// SPDX-License-Identifier: MIT

package menu

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/librenetworks/amps/internal/health"
)

// dashboardInterval is how often the live tuner table refreshes.
const dashboardInterval = 2 * time.Second

var dashboardStyle = lipgloss.NewStyle().
	BorderStyle(lipgloss.NormalBorder()).
	BorderForeground(lipgloss.Color("240"))

var dashboardStatusStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("241")).
	PaddingLeft(1)

type dashboardTickMsg time.Time

type dashboardDataMsg struct {
	resp health.Response
	err  error
}

type dashboardModel struct {
	base   string
	token  string
	client *http.Client

	table   table.Model
	status  string
	lastErr error
}

func newDashboardModel(base, token string) dashboardModel {
	columns := []table.Column{
		{Title: "KEY", Width: 28},
		{Title: "STATE", Width: 9},
		{Title: "RESTARTS", Width: 8},
		{Title: "SUBS", Width: 5},
		{Title: "OUT", Width: 10},
		{Title: "UPTIME", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return dashboardModel{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: 5 * time.Second},
		table:  t,
		status: "connecting...",
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return m.fetch()
}

// fetch polls the server's /healthz and hands the decoded response back
// to Update as a dashboardDataMsg.
func (m dashboardModel) fetch() tea.Cmd {
	base, token, client := m.base, m.token, m.client
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, base+"/healthz", nil)
		if err != nil {
			return dashboardDataMsg{err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return dashboardDataMsg{err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return dashboardDataMsg{err: err}
		}
		var hr health.Response
		if err := json.Unmarshal(body, &hr); err != nil {
			return dashboardDataMsg{err: err}
		}
		return dashboardDataMsg{resp: hr}
	}
}

func dashboardTick() tea.Cmd {
	return tea.Tick(dashboardInterval, func(t time.Time) tea.Msg {
		return dashboardTickMsg(t)
	})
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case dashboardTickMsg:
		return m, m.fetch()
	case dashboardDataMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			m.status = "unreachable"
			return m, dashboardTick()
		}
		m.lastErr = nil
		m.status = msg.resp.Status
		m.table.SetRows(dashboardRows(msg.resp.Services))
		return m, dashboardTick()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func dashboardRows(services []health.ServiceInfo) []table.Row {
	rows := make([]table.Row, 0, len(services))
	for _, svc := range services {
		rows = append(rows, table.Row{
			svc.Name,
			svc.State,
			strconv.Itoa(svc.Restarts),
			strconv.Itoa(svc.Subscribers),
			humanize.Bytes(uint64(svc.BytesOut)),
			svc.Uptime.Truncate(time.Second).String(),
		})
	}
	return rows
}

func (m dashboardModel) View() string {
	footer := fmt.Sprintf("server: %s  status: %s  (q to quit)", m.base, m.status)
	if m.lastErr != nil {
		footer = fmt.Sprintf("server: %s  error: %v  (q to quit)", m.base, m.lastErr)
	}
	return dashboardStyle.Render(m.table.View()) + "\n" + dashboardStatusStyle.Render(footer) + "\n"
}

// RunDashboard runs the live tuner dashboard against a running amps
// server until the user quits.
func RunDashboard(base, token string) error {
	_, err := tea.NewProgram(newDashboardModel(base, token), tea.WithAltScreen()).Run()
	return err
}

// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/toeirei/poolgate/internal/i18n"
	"github.com/toeirei/poolgate/internal/model"
)

// DefaultPollInterval is how often the dashboard reloads the snapshot.
const DefaultPollInterval = 5 * time.Second

const requestTimeout = 15 * time.Second

type statusMsg struct {
	accounts []AccountStatus
	err      error
}

type actionMsg struct {
	note string
	err  error
}

type tickMsg time.Time

// Model is the bubbletea model of the account dashboard.
type Model struct {
	backend  Backend
	tr       *i18n.Translator
	interval time.Duration

	table       table.Model
	accounts    []AccountStatus
	visible     []AccountStatus // rows currently shown, parallel to the table
	filter      string
	isFiltering bool
	status      string
	statusErr   error
	err         error
}

// New returns a dashboard polling backend every interval.
func New(backend Backend, tr *i18n.Translator, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	m := Model{backend: backend, tr: tr, interval: interval}

	columns := []table.Column{
		{Title: tr.T("ColumnName", nil), Width: 18},
		{Title: tr.T("ColumnHealth", nil), Width: 10},
		{Title: tr.T("ColumnEnabled", nil), Width: 8},
		{Title: tr.T("ColumnFailures", nil), Width: 9},
		{Title: tr.T("ColumnUses", nil), Width: 8},
		{Title: tr.T("ColumnRefreshed", nil), Width: 20},
		{Title: tr.T("ColumnError", nil), Width: 40},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorSubtle).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(colorWhite).
		Background(colorHighlight).
		Bold(false)
	t.SetStyles(s)
	m.table = t
	return m
}

// Run starts the dashboard in the alternate screen.
func Run(backend Backend, tr *i18n.Translator, interval time.Duration) error {
	_, err := tea.NewProgram(New(backend, tr, interval), tea.WithAltScreen()).Run()
	return err
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		accs, err := m.backend.Status(ctx)
		return statusMsg{accounts: accs, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) act(note string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return actionMsg{note: note, err: fn(ctx)}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m Model) selected() (AccountStatus, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.visible) {
		return AccountStatus{}, false
	}
	return m.visible[i], true
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		// title(3) + help/status(3)
		m.table.SetHeight(msg.Height - 6)
		m.table.SetWidth(msg.Width - 4)

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.accounts = msg.accounts
			m.rebuildTableRows()
		}
		return m, nil

	case actionMsg:
		m.status, m.statusErr = msg.note, msg.err
		return m, m.fetch()

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case tea.KeyMsg:
		if m.isFiltering {
			switch msg.Type {
			case tea.KeyEsc:
				m.isFiltering = false
				m.filter = ""
				m.rebuildTableRows()
			case tea.KeyEnter:
				m.isFiltering = false
			case tea.KeyBackspace:
				if len(m.filter) > 0 {
					m.filter = m.filter[:len(m.filter)-1]
					m.rebuildTableRows()
				}
			case tea.KeyRunes:
				m.filter += string(msg.Runes)
				m.rebuildTableRows()
			}
			return m, nil
		}

		switch msg.String() {
		case "/":
			m.isFiltering = true
			m.filter = ""
			m.rebuildTableRows()
			return m, nil
		case "r":
			return m, m.fetch()
		case "e", "d":
			acc, ok := m.selected()
			if !ok {
				return m, nil
			}
			enable := msg.String() == "e"
			verb := "disabled"
			if enable {
				verb = "enabled"
			}
			return m, m.act(acc.Name+" "+verb, func(ctx context.Context) error {
				return m.backend.SetEnabled(ctx, acc.Name, enable)
			})
		case "f":
			acc, ok := m.selected()
			if !ok {
				return m, nil
			}
			return m, m.act(acc.Name+" refreshed", func(ctx context.Context) error {
				return m.backend.Refresh(ctx, acc.Name)
			})
		case "q", "esc", "ctrl+c":
			if m.filter != "" && msg.String() != "ctrl+c" {
				m.filter = ""
				m.rebuildTableRows()
				return m, nil
			}
			return m, tea.Quit
		}
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// rebuildTableRows applies the filter to the last snapshot.
func (m *Model) rebuildTableRows() {
	lower := strings.ToLower(m.filter)
	m.visible = nil
	var rows []table.Row
	for _, a := range m.accounts {
		if m.filter != "" &&
			!strings.Contains(strings.ToLower(a.Name), lower) &&
			!strings.Contains(a.Health.String(), lower) &&
			!strings.Contains(strings.ToLower(a.LastError), lower) {
			continue
		}
		m.visible = append(m.visible, a)
		rows = append(rows, accountRow(a))
	}
	m.table.SetRows(rows)
	if m.isFiltering {
		m.table.GotoTop()
	}
}

func accountRow(a AccountStatus) table.Row {
	name := a.Name
	if !a.Enabled {
		name = inactiveItemStyle.Render(a.Name)
	}
	health := a.Health.String()
	switch a.Health {
	case model.HealthHealthy:
		health = successStyle.Render(health)
	case model.HealthDegraded:
		health = specialStyle.Render(health)
	case model.HealthDisabled:
		health = errorStyle.Render(health)
	}
	enabled := "no"
	if a.Enabled {
		enabled = "yes"
	}
	refreshed := "-"
	if a.LastRefreshedAt != nil {
		refreshed = a.LastRefreshedAt.Local().Format(time.DateTime)
	}
	lastErr := a.LastError
	if len(lastErr) > 40 {
		lastErr = lastErr[:37] + "..."
	}
	return table.Row{
		name,
		health,
		enabled,
		strconv.Itoa(a.ConsecutiveFailures),
		strconv.FormatUint(a.UseCount, 10),
		refreshed,
		lastErr,
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.tr.T("DashboardTitle", nil)) + "\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error loading accounts: %v", m.err)) + "\n")
	}
	if len(m.accounts) == 0 {
		b.WriteString(helpStyle.Render(m.tr.T("DashboardEmpty", nil)))
	} else {
		b.WriteString(m.table.View())
	}
	b.WriteString(m.footerView())
	return docStyle.Render(b.String())
}

func (m Model) footerView() string {
	var filterStatus string
	switch {
	case m.isFiltering:
		filterStatus = fmt.Sprintf("Filter: %s█", m.filter)
	case m.filter != "":
		filterStatus = fmt.Sprintf("Filter: %s (esc to clear)", m.filter)
	}
	out := "\n" + helpStyle.Render(m.tr.T("DashboardHelp", nil)+" "+filterStatus)
	switch {
	case m.statusErr != nil:
		out += "\n" + errorStyle.Render(m.statusErr.Error())
	case m.status != "":
		out += "\n" + statusMessageStyle.Render(m.status)
	}
	return out
}

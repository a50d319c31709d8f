package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		case "j", "down":
			if m.selectedRow < len(m.runs)-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd())

	case StatusMsg:
		if msg.Err != nil {
			m.fetchErr = msg.Err.Error()
			return m, nil
		}
		m.fetchErr = ""
		m.runs = msg.Status.Runs
		m.active = msg.Status.Active
		m.halted = msg.Status.Halted
		m.completed = msg.Status.Completed
		m.lastRefresh = time.Now()
		if m.selectedRow >= len(m.runs) && len(m.runs) > 0 {
			m.selectedRow = len(m.runs) - 1
		}
	}

	return m, nil
}

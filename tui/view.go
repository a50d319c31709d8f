package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/pipeline"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	haltedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	waitingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" Spec Pipeline │ Active: %d │ Halted: %d │ Completed: %d ",
		m.active, m.halted, m.completed)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	if m.fetchErr != "" {
		b.WriteString(sectionStyle.Width(m.width - 2).Render(
			haltedStyle.Render("Cannot reach server: " + m.fetchErr)))
		b.WriteString("\n")
	}

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRuns()))
	b.WriteString("\n")

	if len(m.runs) > 0 && m.selectedRow < len(m.runs) {
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderDetail(m.runs[m.selectedRow])))
		b.WriteString("\n")
	}

	bar := " q: quit │ r: refresh │ j/k: select run "
	if !m.lastRefresh.IsZero() {
		bar += dimmedStyle.Render(fmt.Sprintf("│ refreshed %s ago", time.Since(m.lastRefresh).Round(time.Second)))
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(bar))

	return b.String()
}

func (m Model) renderRuns() string {
	if len(m.runs) == 0 {
		return dimmedStyle.Render("No runs. Start one with: spec-orch start SPEC")
	}

	var b strings.Builder
	b.WriteString("Runs\n")
	for i, run := range m.runs {
		line := fmt.Sprintf("%-20s %s %s", run.SpecID, renderProgress(run), statusLabel(run))
		if i == m.selectedRow {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderDetail(run pipeline.RunSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s │ run %s │ spent $%.2f\n", run.SpecID, run.RunID, run.SpentUSD)
	fmt.Fprintf(&b, "phase: %s", run.Phase)
	if run.PendingCount > 0 {
		fmt.Fprintf(&b, " │ %s", waitingStyle.Render(fmt.Sprintf("%d issue(s) awaiting answers", run.PendingCount)))
	}
	b.WriteString("\n")
	if run.HaltReason != "" {
		b.WriteString(haltedStyle.Render("halt: " + run.HaltReason))
		b.WriteString("\n")
	}
	for _, rec := range run.StageHistory {
		mark := "ok"
		if rec.Degraded {
			mark = waitingStyle.Render("degraded")
		}
		fmt.Fprintf(&b, "  %-10s attempt %d, %d agents, %s (%s)\n",
			rec.Stage, rec.Attempt, rec.AgentCount, mark, rec.Duration.Round(time.Second))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderProgress draws the six-stage sequence with the run's position
func renderProgress(run pipeline.RunSnapshot) string {
	done := make(map[domain.StageID]bool, len(run.StageHistory))
	for _, rec := range run.StageHistory {
		done[rec.Stage] = true
	}

	var parts []string
	for _, stage := range domain.DefaultStages {
		name := string(stage)
		switch {
		case done[stage]:
			parts = append(parts, activeStyle.Render(name))
		case stage == run.Stage && run.Status == domain.RunActive:
			parts = append(parts, selectedStyle.Render(name))
		case stage == run.Stage && run.Status == domain.RunHalted:
			parts = append(parts, haltedStyle.Render(name))
		default:
			parts = append(parts, dimmedStyle.Render(name))
		}
	}
	return strings.Join(parts, " > ")
}

func statusLabel(run pipeline.RunSnapshot) string {
	switch run.Status {
	case domain.RunCompleted:
		return activeStyle.Render("completed")
	case domain.RunHalted:
		return haltedStyle.Render("halted")
	}
	if run.Phase == domain.PhaseAwaitingHuman {
		return waitingStyle.Render("awaiting answers")
	}
	return activeStyle.Render("active")
}

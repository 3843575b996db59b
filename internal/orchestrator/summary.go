package orchestrator

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	summaryBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
	summaryTitle = lipgloss.NewStyle().Bold(true)
	summaryLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(16)
)

// FormatSummary renders the end-of-run summary box.
func FormatSummary(s Summary) string {
	title := "Run finished"
	if s.Stopped {
		title = "Run stopped"
	}

	rows := [][2]string{
		{"Scope", s.Scope},
		{"Agents spawned", fmt.Sprint(s.AgentsSpawned)},
		{"Completed", fmt.Sprint(s.TasksCompleted)},
		{"Failed", fmt.Sprint(s.TasksFailed)},
		{"Blocked", fmt.Sprint(s.TasksBlocked)},
	}
	if s.StaleAgents > 0 {
		rows = append(rows, [2]string{"Stale agents", fmt.Sprint(s.StaleAgents)})
	}

	var b strings.Builder
	b.WriteString(summaryTitle.Render(title))
	for _, r := range rows {
		b.WriteString("\n")
		b.WriteString(summaryLabel.Render(r[0]))
		b.WriteString(r[1])
	}
	return summaryBox.Render(b.String())
}

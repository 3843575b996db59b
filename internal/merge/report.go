package merge

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// ConflictReport carries what an operator needs to resolve a blocked task by hand.
type ConflictReport struct {
	TaskID       string
	Branch       string
	Target       string
	WorktreePath string
	Files        []string
}

var (
	reportTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	reportBox   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("196")).
			Padding(0, 1)
	driftStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// FormatConflictReport renders the multi-line conflict report.
func FormatConflictReport(r ConflictReport) string {
	var b strings.Builder
	b.WriteString(reportTitle.Render(fmt.Sprintf("Merge conflict: task %s", r.TaskID)))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Branch %s overlaps with %s in %d file(s):\n", r.Branch, r.Target, len(r.Files))
	for _, f := range r.Files {
		fmt.Fprintf(&b, "  • %s\n", f)
	}
	b.WriteString("\nResolve manually:\n")

	step := 1
	if r.WorktreePath != "" {
		fmt.Fprintf(&b, "  %d. cd %s\n", step, r.WorktreePath)
		step++
	}
	remote, base, found := strings.Cut(r.Target, "/")
	if found {
		fmt.Fprintf(&b, "  %d. git fetch %s %s\n", step, remote, base)
		step++
	}
	fmt.Fprintf(&b, "  %d. git rebase %s\n", step, r.Target)
	step++
	fmt.Fprintf(&b, "  %d. fix the files above, git add them, git rebase --continue\n", step)
	step++
	fmt.Fprintf(&b, "  %d. git push --force-with-lease", step)
	if found {
		fmt.Fprintf(&b, " %s %s", remote, r.Branch)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "\nThe task stays BLOCKED until it is moved back to BACKLOG.")

	return reportBox.Render(b.String())
}

// FormatDriftNotice renders the single-line notice for a base that moved
// without touching the task's files.
func FormatDriftNotice(result *ConflictCheckResult) string {
	return driftStyle.Render(fmt.Sprintf("↻ %s advanced by %d commit(s) with no overlapping files, auto-rebasing",
		result.Target, result.NewCommits))
}

// CommentText is the plain-text form of the report stored on the task.
func (r ConflictReport) CommentText() string {
	return fmt.Sprintf("Blocked: %s conflicts with %s in %s", r.Branch, r.Target, strings.Join(r.Files, ", "))
}

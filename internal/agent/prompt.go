package agent

import (
	"strings"

	"github.com/ShayCichocki/crew/pkg/models"
)

// ScopeGuidancePrompt is injected at task start to keep the agent on its task.
const ScopeGuidancePrompt = `## Scope Guidance

Stay focused on this task. If you discover refactoring opportunities
or unrelated improvements, mention them in your final summary but do
not implement them in this session.

Do NOT:
- Expand scope with unrelated refactoring
- Fix unrelated bugs you encounter
- Commit, push or switch branches yourself

DO:
- Complete the assigned task
- Leave the working tree with your changes in place
`

// BuildPrompt constructs the prompt the AI runner receives for task.
func BuildPrompt(task models.Task, wt *Worktree, baseBranch string) string {
	var sb strings.Builder

	sb.WriteString(ScopeGuidancePrompt)
	sb.WriteString("\n")

	sb.WriteString("You are working on a task.\n\n")
	sb.WriteString("Task ID: ")
	sb.WriteString(task.ID)
	sb.WriteString("\n")
	sb.WriteString("Title: ")
	sb.WriteString(task.Title)
	sb.WriteString("\n")

	if task.Description != "" {
		sb.WriteString("\nDescription:\n")
		sb.WriteString(task.Description)
		sb.WriteString("\n")
	}

	if wt != nil {
		sb.WriteString("\nYou are in an isolated git worktree on branch ")
		sb.WriteString(wt.BranchName)
		if baseBranch != "" {
			sb.WriteString(", which will be merged into ")
			sb.WriteString(baseBranch)
		}
		sb.WriteString(".\n")
		if wt.Reused {
			sb.WriteString("A previous attempt at this task left work in this worktree. Review it and continue from there.\n")
		}
	}

	sb.WriteString("\nWhen you are done, reply with a short summary of what you changed.\n")
	return sb.String()
}

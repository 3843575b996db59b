package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/ShayCichocki/crew/internal/orchestrator"
)

var (
	okColor    = color.New(color.FgGreen)
	failColor  = color.New(color.FgRed)
	warnColor  = color.New(color.FgYellow)
	faintColor = color.New(color.Faint)
	boldColor  = color.New(color.Bold)
)

// renderEvent prints one line for an orchestrator event. Warnings and
// pre-flight results are printed by the orchestrator itself.
func renderEvent(w io.Writer, e orchestrator.Event) {
	switch e.Type {
	case orchestrator.EventStarted:
		boldColor.Fprintf(w, "▶ %s\n", e.Message)
	case orchestrator.EventAgentSpawned:
		faintColor.Fprintf(w, "  %s spawned\n", e.AgentID)
	case orchestrator.EventTaskAssigned:
		fmt.Fprintf(w, "  %s ← %s %s\n", e.AgentID, e.TaskID, e.TaskTitle)
	case orchestrator.EventTaskCompleted:
		okColor.Fprintf(w, "✓ %s completed %s\n", e.AgentID, e.TaskID)
	case orchestrator.EventTaskFailed:
		failColor.Fprintf(w, "✗ %s failed %s: %s\n", e.AgentID, e.TaskID, eventDetail(e))
	case orchestrator.EventTaskBlocked:
		warnColor.Fprintf(w, "⚠ %s blocked %s: %s\n", e.AgentID, e.TaskID, eventDetail(e))
	case orchestrator.EventAgentCompleted:
		faintColor.Fprintf(w, "  %s finished\n", e.AgentID)
	case orchestrator.EventAgentFailed:
		failColor.Fprintf(w, "✗ %s exited with status %d%s\n", e.AgentID, e.ExitCode, heldTask(e))
	case orchestrator.EventAgentStale:
		failColor.Fprintf(w, "✗ %s stopped sending heartbeats and was killed%s\n", e.AgentID, heldTask(e))
	case orchestrator.EventAgentStopped:
		warnColor.Fprintf(w, "⚠ %s stopped%s\n", e.AgentID, heldTask(e))
	case orchestrator.EventAgentOutput:
		faintColor.Fprintf(w, "  [%s] ", e.AgentID)
		fmt.Fprintln(w, e.Message)
	case orchestrator.EventError:
		failColor.Fprintf(w, "✗ %s\n", eventDetail(e))
	}
}

func eventDetail(e orchestrator.Event) string {
	switch {
	case e.Message != "" && e.Error != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Error)
	case e.Error != nil:
		return e.Error.Error()
	case e.Message != "":
		return e.Message
	default:
		return "no details"
	}
}

func heldTask(e orchestrator.Event) string {
	if e.TaskID == "" {
		return ""
	}
	return fmt.Sprintf(" (task %s returned to backlog)", e.TaskID)
}

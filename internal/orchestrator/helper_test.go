//go:build !windows

package orchestrator

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/ShayCichocki/crew/internal/agent"
	"github.com/ShayCichocki/crew/internal/backlog"
	"github.com/ShayCichocki/crew/internal/config"
	"github.com/ShayCichocki/crew/pkg/models"
)

// Helper worker modes, selected with CREW_HELPER_MODE.
const (
	modeBacklog   = "backlog"    // claim and complete every task in the backlog
	modeHang      = "hang"       // report a task, start a grandchild, never heartbeat
	modeHangClaim = "hang-claim" // claim one task from the backlog, then hang
	modeCrash     = "crash"      // report a task, exit 3
	modeNoisy     = "noisy"      // print a mix of noise and marker lines
	modeKey       = "key"        // exit 0 only if the API key arrived via env and not argv
)

// helperCommand returns a worker command that re-executes this test binary
// as a fake worker.
func helperCommand() string {
	return shellquote.Join(os.Args[0], "-test.run=^TestHelperWorker$", "--")
}

func helperEnv(mode string, extra ...string) []string {
	return append([]string{"CREW_WANT_HELPER_WORKER=1", "CREW_HELPER_MODE=" + mode}, extra...)
}

// TestHelperWorker is not a real test. It is the fake worker process.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("CREW_WANT_HELPER_WORKER") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	os.Exit(helperWorker(args))
}

func helperWorker(args []string) int {
	if len(args) == 0 || args[0] != "worker" {
		fmt.Fprintf(os.Stderr, "helper: unexpected args %q\n", args)
		return 2
	}
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	agentID := fs.String("agent-id", "", "")
	root := fs.String("project-root", "", "")
	sprint := fs.String("sprint", "", "")
	fs.String("base-branch", "", "")
	fs.String("remote", "", "")
	fs.String("model", "", "")
	fs.String("provider", "", "")
	fs.String("cleanup", "", "")
	fs.Duration("heartbeat-interval", 0, "")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	em := agent.NewEmitter(os.Stdout, *agentID)
	ctx := context.Background()

	switch os.Getenv("CREW_HELPER_MODE") {
	case modeHang:
		em.Assigned("T-hang", "hang forever")
		child := exec.Command("sleep", "3600")
		if err := child.Start(); err == nil {
			if path := os.Getenv("CREW_HELPER_PIDFILE"); path != "" {
				os.WriteFile(path, []byte(strconv.Itoa(child.Process.Pid)), 0644)
			}
		}
		time.Sleep(time.Hour)
		return 0

	case modeHangClaim:
		db, err := backlog.OpenProject(backlog.DefaultPath(*root))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		task, err := db.ClaimTask(ctx, backlog.Scope{SprintID: *sprint}, *agentID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		em.Assigned(task.ID, task.Title)
		time.Sleep(time.Hour)
		return 0

	case modeCrash:
		em.Assigned("T-9", "crash")
		return 3

	case modeNoisy:
		fmt.Fprintln(os.Stderr, "[worker] claiming task")
		fmt.Println("plain stdout chatter")
		fmt.Fprintln(os.Stderr, "✓ task T-1 completed")
		fmt.Fprint(os.Stderr, "⚠ trailing warning without newline")
		return 0

	case modeKey:
		if os.Getenv(config.APIKeyEnv) != "secret" {
			return 4
		}
		for _, a := range os.Args {
			if strings.Contains(a, "secret") {
				return 5
			}
		}
		return 0

	default:
		db, err := backlog.OpenProject(backlog.DefaultPath(*root))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		defer db.Close()
		scope := backlog.Scope{SprintID: *sprint}
		for {
			em.Heartbeat("")
			task, err := db.ClaimTask(ctx, scope, *agentID)
			if errors.Is(err, backlog.ErrNoTask) {
				return 0
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			em.Assigned(task.ID, task.Title)
			em.Heartbeat(task.ID)
			if err := db.UpdateTaskStatus(ctx, task.ID, models.TaskStatusDone); err != nil {
				em.Failed(task.ID, err)
				return 1
			}
			em.Completed(task.ID, "done")
		}
	}
}

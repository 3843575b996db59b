package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/tidwall/gjson"

	"github.com/ShayCichocki/crew/internal/procgroup"
)

// Request is one AI runner invocation.
type Request struct {
	Prompt  string
	WorkDir string
	// OnChunk receives assistant text and any non-JSON output line.
	OnChunk func(text string)
	// OnTool receives a short description of each tool call, e.g. "Editing auth.go".
	OnTool func(action string)
}

// Result is what the runner reports back. The task loop looks only at Success.
type Result struct {
	Success  bool
	ExitCode int
	Error    string
	// Output is the runner's final summary text, when it produced one.
	Output string
}

// Runner invokes the AI model against a worktree. Cancelling ctx aborts the run.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// CLIRunner runs an external AI CLI that speaks stream-json on stdout. The
// prompt is written to stdin so it never appears in the process list.
type CLIRunner struct {
	argv      []string
	env       []string
	killGrace time.Duration
}

// DefaultRunnerCommand is used when runner.command is not configured.
const DefaultRunnerCommand = "claude -p --output-format stream-json --verbose"

// NewCLIRunner parses a shell-quoted command line. env entries (KEY=VALUE)
// are added to the child's environment.
func NewCLIRunner(command string, env ...string) (*CLIRunner, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultRunnerCommand
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse runner command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("runner command is empty")
	}
	return &CLIRunner{argv: argv, env: env, killGrace: 3 * time.Second}, nil
}

// Name returns the executable the runner launches.
func (r *CLIRunner) Name() string {
	return filepath.Base(r.argv[0])
}

// Run starts the CLI in its own process group inside req.WorkDir and streams
// its output until it exits. On cancellation the whole group is terminated.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	procgroup.Configure(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.Name(), err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = procgroup.Terminate(cmd.Process.Pid, r.killGrace)
		case <-done:
		}
	}()

	result := &Result{}
	var final *streamResult
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if res := handleStreamLine(scanner.Text(), req); res != nil {
			final = res
		}
	}

	waitErr := cmd.Wait()
	result.ExitCode = cmd.ProcessState.ExitCode()
	if ctx.Err() != nil {
		result.Error = "aborted"
		return result, ctx.Err()
	}

	if final != nil {
		result.Output = final.text
	}
	switch {
	case waitErr != nil:
		result.Error = strings.TrimSpace(fmt.Sprintf("%s exited: %v %s", r.Name(), waitErr, stderr.String()))
	case final != nil && final.isError:
		result.Error = final.text
	default:
		result.Success = true
	}
	return result, nil
}

type streamResult struct {
	isError bool
	text    string
}

// handleStreamLine dispatches one stream-json line to the request callbacks
// and returns the final result record when the line is one.
func handleStreamLine(line string, req Request) *streamResult {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if !gjson.Valid(trimmed) {
		if req.OnChunk != nil {
			req.OnChunk(line)
		}
		return nil
	}

	ev := gjson.Parse(trimmed)
	switch ev.Get("type").String() {
	case "assistant":
		ev.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				if req.OnChunk != nil {
					req.OnChunk(block.Get("text").String())
				}
			case "tool_use":
				if req.OnTool != nil {
					if action := formatToolAction(block.Get("name").String(), block.Get("input")); action != "" {
						req.OnTool(action)
					}
				}
			}
			return true
		})
	case "result":
		return &streamResult{
			isError: ev.Get("is_error").Bool() || strings.HasPrefix(ev.Get("subtype").String(), "error"),
			text:    ev.Get("result").String(),
		}
	}
	return nil
}

// formatToolAction formats a tool_use block into a human-readable string.
func formatToolAction(name string, input gjson.Result) string {
	if name == "" {
		return ""
	}
	switch name {
	case "Read", "Edit", "Write":
		verb := map[string]string{"Read": "Reading", "Edit": "Editing", "Write": "Writing"}[name]
		if path := input.Get("file_path").String(); path != "" {
			return verb + " " + truncate(filepath.Base(path), 20)
		}
		return verb + " file"
	case "Bash":
		if fields := strings.Fields(input.Get("command").String()); len(fields) > 0 {
			return "Running " + truncate(fields[0], 20)
		}
		return "Running command"
	case "Glob", "Grep":
		if pattern := input.Get("pattern").String(); pattern != "" {
			return "Searching " + truncate(pattern, 15)
		}
		return "Searching files"
	default:
		return name
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

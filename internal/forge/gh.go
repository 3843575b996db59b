// Package forge talks to GitHub through the gh CLI. Every call goes through
// the shared rate limiter first and feeds response quota headers back to it.
package forge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ShayCichocki/crew/internal/exec"
)

// ErrUnavailable means gh is missing or not authenticated. Branch pushes
// still work; only pull-request creation is skipped.
var ErrUnavailable = errors.New("GitHub CLI unavailable")

// Limiter is the part of ratelimit.Limiter the client uses.
type Limiter interface {
	CheckBeforeRequest(ctx context.Context) error
	UpdateFromHeaders(h http.Header) error
	HandleRateLimitError(ctx context.Context) error
	Consume()
}

// PullRequest describes a pull request to open.
type PullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
	// Dir is the checkout gh runs in.
	Dir string
}

// Client wraps the gh CLI.
type Client struct {
	runner  exec.CommandRunner
	limiter Limiter
	dir     string
}

// NewClient creates a client running gh in dir.
func NewClient(runner exec.CommandRunner, limiter Limiter, dir string) *Client {
	return &Client{runner: runner, limiter: limiter, dir: dir}
}

// Available checks that gh is installed and authenticated.
func (c *Client) Available(ctx context.Context) error {
	if _, err := c.runner.LookPath("gh"); err != nil {
		return fmt.Errorf("%w: gh is not installed", ErrUnavailable)
	}
	if out, err := c.runner.Run(ctx, c.dir, "gh", "auth", "status"); err != nil {
		return fmt.Errorf("%w: gh is not authenticated, run 'gh auth login' (%s)", ErrUnavailable, firstLine(out))
	}
	return nil
}

// RefreshRateLimit fetches the current quota. The rate_limit endpoint does
// not count against the quota, so no pre-check is made.
func (c *Client) RefreshRateLimit(ctx context.Context) error {
	out, err := c.runner.Output(ctx, c.dir, "gh", "api", "--include", "rate_limit")
	if err != nil {
		return fmt.Errorf("query rate limit: %w", err)
	}
	_, header, body, err := parseIncludeOutput(out)
	if err != nil {
		return err
	}
	if header.Get("X-RateLimit-Remaining") == "" {
		header = headersFromBody(body)
	}
	return c.limiter.UpdateFromHeaders(header)
}

// CreatePullRequest opens a pull request and returns its URL. A throttled
// attempt waits for the quota reset and is retried once.
func (c *Client) CreatePullRequest(ctx context.Context, pr PullRequest) (string, error) {
	dir := pr.Dir
	if dir == "" {
		dir = c.dir
	}
	args := []string{"pr", "create", "--head", pr.Head, "--base", pr.Base, "--title", pr.Title, "--body", pr.Body}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.CheckBeforeRequest(ctx); err != nil {
			return "", err
		}
		out, err := c.runner.Run(ctx, dir, "gh", args...)
		c.limiter.Consume()
		text := string(out)

		if err == nil {
			return lastURL(text), nil
		}
		if strings.Contains(text, "already exists") {
			if url := lastURL(text); url != "" {
				return url, nil
			}
		}
		if isRateLimited(text) && attempt == 0 {
			if err := c.limiter.HandleRateLimitError(ctx); err != nil {
				return "", err
			}
			continue
		}
		return "", fmt.Errorf("gh pr create: %w: %s", err, strings.TrimSpace(text))
	}
}

// parseIncludeOutput splits `gh api --include` output into status, headers and body.
func parseIncludeOutput(out []byte) (int, http.Header, []byte, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(out)))
	statusLine, err := r.ReadLine()
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read status line: %w", err)
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, nil, nil, fmt.Errorf("unexpected status line %q", statusLine)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("parse status %q: %w", fields[1], err)
	}
	mime, err := r.ReadMIMEHeader()
	if err != nil && len(mime) == 0 {
		return status, nil, nil, fmt.Errorf("read headers: %w", err)
	}

	var body bytes.Buffer
	_, _ = body.ReadFrom(r.R)
	return status, http.Header(mime), body.Bytes(), nil
}

// headersFromBody builds quota headers from the rate_limit JSON body.
func headersFromBody(body []byte) http.Header {
	h := http.Header{}
	core := gjson.GetBytes(body, "resources.core")
	if !core.Exists() {
		core = gjson.GetBytes(body, "rate")
	}
	if !core.Exists() {
		return h
	}
	for header, field := range map[string]string{
		"X-RateLimit-Limit":     "limit",
		"X-RateLimit-Remaining": "remaining",
		"X-RateLimit-Reset":     "reset",
		"X-RateLimit-Used":      "used",
	} {
		if v := core.Get(field); v.Exists() {
			h.Set(header, v.String())
		}
	}
	return h
}

func isRateLimited(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "http 429") ||
		strings.Contains(lower, "too many requests")
}

func lastURL(output string) string {
	fields := strings.Fields(output)
	for i := len(fields) - 1; i >= 0; i-- {
		if strings.HasPrefix(fields[i], "https://") {
			return fields[i]
		}
	}
	return ""
}

func firstLine(out []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}

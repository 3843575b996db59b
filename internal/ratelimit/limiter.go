// Package ratelimit throttles calls to the GitHub API using the quota headers
// of real responses, persisted so every process on the project shares them.
//
// The state file is last-writer-wins. Two processes may overwrite each
// other's snapshot; the worst outcome is one extra throttled request.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

// ErrWaitInterrupted is returned when the operator cancels a rate-limit wait.
var ErrWaitInterrupted = errors.New("rate limit wait interrupted")

// Header names GitHub sets on every REST response.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderUsed      = "X-RateLimit-Used"
)

const (
	DefaultLowThreshold = 100
	DefaultFallbackWait = 60 * time.Second
)

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options configures a Limiter.
type Options struct {
	// Path is the JSON state file. Empty disables persistence.
	Path string
	// ProjectRoot keys the state file; snapshots for other roots are ignored.
	ProjectRoot string
	// LowThreshold triggers a warning when remaining drops below it.
	LowThreshold int
	// FallbackWait is used by HandleRateLimitError when no reset time is known.
	FallbackWait time.Duration
	// Out receives countdown and guidance text. Defaults to os.Stderr.
	Out io.Writer
	// Now and Sleep are injectable for tests.
	Now   func() time.Time
	Sleep SleepFunc
}

// Limiter tracks the quota for one project.
type Limiter struct {
	opts Options

	mu    sync.Mutex
	state State
}

// New creates a Limiter, reading any persisted state for opts.ProjectRoot.
func New(opts Options) *Limiter {
	if opts.LowThreshold <= 0 {
		opts.LowThreshold = DefaultLowThreshold
	}
	if opts.FallbackWait <= 0 {
		opts.FallbackWait = DefaultFallbackWait
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	l := &Limiter{opts: opts, state: defaultState(opts.ProjectRoot)}
	if opts.Path != "" {
		if s, ok := loadState(opts.Path, opts.ProjectRoot); ok {
			l.state = s
		}
	}
	return l
}

// State returns a snapshot of the cached quota.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CheckBeforeRequest blocks while the cached quota is exhausted and its reset
// time is in the future. It never calls the network.
func (l *Limiter) CheckBeforeRequest(ctx context.Context) error {
	l.mu.Lock()
	now := l.opts.Now()
	if l.state.Remaining <= 0 && !l.state.Reset.After(now) {
		// The window rolled over since the snapshot was taken.
		l.state.Remaining = l.state.Limit
	}
	exhausted := l.state.Remaining <= 0
	reset := l.state.Reset
	remaining := l.state.Remaining
	l.mu.Unlock()

	if exhausted {
		if err := l.waitUntil(ctx, reset, "GitHub API quota exhausted"); err != nil {
			return err
		}
		l.restore(reset)
		return nil
	}

	if remaining < l.opts.LowThreshold {
		color.New(color.FgYellow).Fprintf(l.opts.Out, "⚠ GitHub API quota low: %d of %d remaining\n", remaining, l.stateLimit())
		log.Printf("[ratelimit] low quota: %d remaining", remaining)
	}
	return nil
}

// UpdateFromHeaders overwrites the cached quota with the values in h and
// persists immediately. Responses without quota headers are ignored.
func (l *Limiter) UpdateFromHeaders(h http.Header) error {
	if h.Get(HeaderRemaining) == "" && h.Get(HeaderLimit) == "" {
		return nil
	}

	l.mu.Lock()
	if v, ok := headerInt(h, HeaderLimit); ok && v > 0 {
		l.state.Limit = v
	}
	if v, ok := headerInt(h, HeaderRemaining); ok && v >= 0 {
		l.state.Remaining = v
	}
	if v, ok := headerInt(h, HeaderReset); ok && v > 0 {
		l.state.Reset = time.Unix(int64(v), 0)
	}
	if v, ok := headerInt(h, HeaderUsed); ok && v >= 0 {
		l.state.Used = v
	}
	l.state.UpdatedAt = l.opts.Now()
	snapshot := l.state
	l.mu.Unlock()

	return l.persist(snapshot)
}

// Consume decrements the cached remaining count for a request whose response
// headers were not available.
func (l *Limiter) Consume() {
	l.mu.Lock()
	if l.state.Remaining > 0 {
		l.state.Remaining--
	}
	l.state.Used++
	l.state.UpdatedAt = l.opts.Now()
	snapshot := l.state
	l.mu.Unlock()

	if err := l.persist(snapshot); err != nil {
		log.Printf("[ratelimit] persist after consume: %v", err)
	}
}

// HandleRateLimitError waits out an explicit throttling response. A nil
// return means the caller should retry.
func (l *Limiter) HandleRateLimitError(ctx context.Context) error {
	l.mu.Lock()
	now := l.opts.Now()
	until := l.state.Reset
	if !until.After(now) {
		until = now.Add(l.opts.FallbackWait)
	}
	l.state.Remaining = 0
	l.state.Reset = until
	l.state.UpdatedAt = now
	snapshot := l.state
	l.mu.Unlock()

	if err := l.persist(snapshot); err != nil {
		log.Printf("[ratelimit] persist throttled state: %v", err)
	}

	if err := l.waitUntil(ctx, until, "GitHub API rate limited"); err != nil {
		return err
	}
	l.restore(until)
	return nil
}

// restore refills the quota after waiting past reset, unless fresher headers arrived meanwhile.
func (l *Limiter) restore(reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Remaining <= 0 && !l.state.Reset.After(reset) {
		l.state.Remaining = l.state.Limit
	}
}

func (l *Limiter) stateLimit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Limit
}

func (l *Limiter) waitUntil(ctx context.Context, until time.Time, reason string) error {
	log.Printf("[ratelimit] %s, waiting until %s", reason, until.Format(time.RFC3339))
	for {
		now := l.opts.Now()
		left := until.Sub(now)
		if left <= 0 {
			color.New(color.FgGreen).Fprintln(l.opts.Out, "✓ rate limit window reset, resuming")
			return nil
		}
		color.New(color.FgYellow).Fprintf(l.opts.Out, "⏳ %s, resets %s (%s)\n",
			reason, humanize.RelTime(until, now, "ago", "from now"), until.Format("15:04:05"))

		if err := l.opts.Sleep(ctx, countdownTick(left)); err != nil {
			fmt.Fprintln(l.opts.Out, l.interruptGuidance(until))
			return ErrWaitInterrupted
		}
	}
}

// countdownTick picks how often to print while waiting for left more time.
func countdownTick(left time.Duration) time.Duration {
	var tick time.Duration
	switch {
	case left <= time.Minute:
		tick = time.Second
	case left <= 10*time.Minute:
		tick = 10 * time.Second
	default:
		tick = time.Minute
	}
	if left < tick {
		return left
	}
	return tick
}

var guidanceStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("214")).
	Padding(0, 1)

func (l *Limiter) interruptGuidance(until time.Time) string {
	body := fmt.Sprintf(
		"Rate limit wait interrupted\n\n"+
			"Quota resets at %s (%s).\n"+
			"Tasks already completed stay DONE in the backlog.\n"+
			"Unfinished tasks return to BACKLOG.\n\n"+
			"Resume after the reset with:\n  crew run",
		until.Format(time.RFC1123), humanize.RelTime(until, l.opts.Now(), "ago", "from now"))
	return guidanceStyle.Render(body)
}

func (l *Limiter) persist(s State) error {
	if l.opts.Path == "" {
		return nil
	}
	if err := saveState(l.opts.Path, s); err != nil {
		return fmt.Errorf("persist rate limit state: %w", err)
	}
	return nil
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := h.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the limiter sleeps.
type fakeClock struct {
	now   time.Time
	slept time.Duration
	calls int
	// cancelAfter makes the Nth sleep report an interrupt.
	cancelAfter int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.calls++
	if c.cancelAfter > 0 && c.calls >= c.cancelAfter {
		return context.Canceled
	}
	c.now = c.now.Add(d)
	c.slept += d
	return nil
}

func newTestLimiter(t *testing.T, clock *fakeClock, path string) (*Limiter, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	l := New(Options{
		Path:         path,
		ProjectRoot:  "/repo",
		LowThreshold: 10,
		FallbackWait: 30 * time.Second,
		Out:          &out,
		Now:          clock.Now,
		Sleep:        clock.Sleep,
	})
	return l, &out
}

func writeState(t *testing.T, path string, s State) {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestNew_DefaultsOnMissingOrCorruptState(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	missing, _ := newTestLimiter(t, clock, filepath.Join(dir, "missing.json"))
	assert.Equal(t, DefaultLimit, missing.State().Remaining)
	assert.Equal(t, DefaultLimit, missing.State().Limit)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0644))
	l, _ := newTestLimiter(t, clock, corrupt)
	assert.Equal(t, DefaultLimit, l.State().Remaining)

	other := filepath.Join(dir, "other.json")
	writeState(t, other, State{ProjectRoot: "/elsewhere", Limit: 60, Remaining: 0})
	l, _ = newTestLimiter(t, clock, other)
	assert.Equal(t, DefaultLimit, l.State().Remaining, "state for another project must be ignored")
}

func TestCheckBeforeRequest_BlocksUntilReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ratelimit.json")
	start := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{now: start}
	reset := start.Add(5 * time.Second)
	writeState(t, path, State{ProjectRoot: "/repo", Limit: 5000, Remaining: 0, Reset: reset})

	l, out := newTestLimiter(t, clock, path)
	require.NoError(t, l.CheckBeforeRequest(context.Background()))

	assert.False(t, clock.now.Before(reset), "returned before reset")
	assert.GreaterOrEqual(t, clock.slept, 5*time.Second)
	assert.Equal(t, 5, clock.calls, "one countdown tick per second")
	assert.Contains(t, out.String(), "quota exhausted")
	assert.Equal(t, 5000, l.State().Remaining)
}

func TestCheckBeforeRequest_ResetAlreadyPassed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ratelimit.json")
	now := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{now: now}
	writeState(t, path, State{ProjectRoot: "/repo", Limit: 60, Remaining: 0, Reset: now.Add(-time.Minute)})

	l, _ := newTestLimiter(t, clock, path)
	require.NoError(t, l.CheckBeforeRequest(context.Background()))
	assert.Zero(t, clock.calls)
	assert.Equal(t, 60, l.State().Remaining)
}

func TestCheckBeforeRequest_WarnsWhenLow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, out := newTestLimiter(t, clock, "")
	h := http.Header{}
	h.Set(HeaderLimit, "5000")
	h.Set(HeaderRemaining, "3")
	require.NoError(t, l.UpdateFromHeaders(h))

	require.NoError(t, l.CheckBeforeRequest(context.Background()))
	assert.Zero(t, clock.calls)
	assert.Contains(t, out.String(), "quota low: 3 of 5000")
}

func TestCheckBeforeRequest_Interrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ratelimit.json")
	start := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{now: start, cancelAfter: 2}
	writeState(t, path, State{ProjectRoot: "/repo", Limit: 5000, Remaining: 0, Reset: start.Add(time.Hour)})

	l, out := newTestLimiter(t, clock, path)
	err := l.CheckBeforeRequest(context.Background())
	require.ErrorIs(t, err, ErrWaitInterrupted)
	assert.Contains(t, out.String(), "crew run")
	assert.Equal(t, 0, l.State().Remaining)
}

func TestUpdateFromHeaders_LatestValuesWinAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ratelimit.json")
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, _ := newTestLimiter(t, clock, path)

	reset := clock.now.Add(time.Hour).Unix()
	for _, remaining := range []int{4000, 3999, 4500} {
		h := http.Header{}
		h.Set(HeaderLimit, "5000")
		h.Set(HeaderRemaining, strconv.Itoa(remaining))
		h.Set(HeaderReset, strconv.FormatInt(reset, 10))
		h.Set(HeaderUsed, strconv.Itoa(5000-remaining))
		require.NoError(t, l.UpdateFromHeaders(h))
	}

	s := l.State()
	assert.Equal(t, 4500, s.Remaining)
	assert.Equal(t, 500, s.Used)
	assert.Equal(t, reset, s.Reset.Unix())

	// A second process sees the same snapshot.
	fresh, _ := newTestLimiter(t, clock, path)
	assert.Equal(t, 4500, fresh.State().Remaining)
	assert.Equal(t, reset, fresh.State().Reset.Unix())
}

func TestUpdateFromHeaders_IgnoresResponsesWithoutQuota(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, _ := newTestLimiter(t, clock, "")
	require.NoError(t, l.UpdateFromHeaders(http.Header{"Content-Type": {"application/json"}}))
	assert.Equal(t, DefaultLimit, l.State().Remaining)
}

func TestConsume_NeverBelowZero(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, _ := newTestLimiter(t, clock, "")
	h := http.Header{}
	h.Set(HeaderRemaining, "1")
	require.NoError(t, l.UpdateFromHeaders(h))

	l.Consume()
	l.Consume()
	assert.Equal(t, 0, l.State().Remaining)
}

func TestHandleRateLimitError(t *testing.T) {
	t.Run("uses known reset", func(t *testing.T) {
		start := time.Unix(1_700_000_000, 0)
		clock := &fakeClock{now: start}
		l, _ := newTestLimiter(t, clock, filepath.Join(t.TempDir(), "rl.json"))
		h := http.Header{}
		h.Set(HeaderRemaining, "0")
		h.Set(HeaderReset, strconv.FormatInt(start.Add(3*time.Second).Unix(), 10))
		require.NoError(t, l.UpdateFromHeaders(h))

		require.NoError(t, l.HandleRateLimitError(context.Background()))
		assert.Equal(t, 3*time.Second, clock.slept)
		assert.Equal(t, DefaultLimit, l.State().Remaining)
	})

	t.Run("falls back without reset", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		l, _ := newTestLimiter(t, clock, "")
		require.NoError(t, l.HandleRateLimitError(context.Background()))
		assert.Equal(t, 30*time.Second, clock.slept)
	})
}

func TestCountdownTick(t *testing.T) {
	tests := []struct {
		left time.Duration
		want time.Duration
	}{
		{500 * time.Millisecond, 500 * time.Millisecond},
		{30 * time.Second, time.Second},
		{5 * time.Minute, 10 * time.Second},
		{2 * time.Hour, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, countdownTick(tt.left), "left=%s", tt.left)
	}
}

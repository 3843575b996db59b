package agent

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantMsg bool
		want    MessageType
	}{
		{"heartbeat", `{"type":"heartbeat","agent_id":"a1","task_id":"T-1","ts":"2025-01-02T03:04:05Z"}`, true, MsgHeartbeat},
		{"assigned", `{"type":"task:assigned","task_id":"T-1","title":"x"}`, true, MsgTaskAssigned},
		{"plain text", `Compiling project...`, false, ""},
		{"truncated json", `{"type":"heartbeat"`, false, ""},
		{"unknown type", `{"type":"telemetry","x":1}`, false, ""},
		{"non-string type", `{"type":5}`, false, ""},
		{"json array", `[1,2,3]`, false, ""},
		{"empty", ``, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecodeLine(tt.line)
			assert.Equal(t, tt.wantMsg, d.IsMessage())
			if tt.wantMsg {
				require.NotNil(t, d.Message)
				assert.Equal(t, tt.want, d.Message.Type)
			} else {
				assert.Equal(t, tt.line, d.Raw, "raw lines pass through untouched")
			}
		})
	}
}

func TestDecodeLine_Fields(t *testing.T) {
	d := DecodeLine(`{"type":"task:failed","agent_id":"a1","task_id":"T-9","error":"boom","ts":1700000000}`)
	require.True(t, d.IsMessage())
	assert.Equal(t, "a1", d.Message.AgentID)
	assert.Equal(t, "T-9", d.Message.TaskID)
	assert.Equal(t, "boom", d.Message.Error)
	assert.Equal(t, int64(1700000000), d.Message.TS.Unix())
}

func TestEmitter_RoundTripThroughDecoder(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf, "agent-7")
	e.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	require.NoError(t, e.Assigned("T-1", "Add login"))
	require.NoError(t, e.Heartbeat("T-1"))
	require.NoError(t, e.Failed("T-1", errors.New("tests failed")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	first := DecodeLine(lines[0])
	require.True(t, first.IsMessage())
	assert.Equal(t, "agent-7", first.Message.AgentID)
	assert.Equal(t, "Add login", first.Message.Title)
	assert.Equal(t, 2025, first.Message.TS.Year())

	last := DecodeLine(lines[2])
	require.True(t, last.IsMessage())
	assert.Equal(t, MsgTaskFailed, last.Message.Type)
	assert.Equal(t, "tests failed", last.Message.Error)
}

func TestEmitter_ConcurrentWritesStayLineAtomic(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf, "a")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Status("T-1", strings.Repeat("x", 200))
		}()
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.True(t, DecodeLine(line).IsMessage(), "corrupted line %q", line)
	}
}

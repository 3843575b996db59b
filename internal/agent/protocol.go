package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// MessageType identifies a line a worker writes to stdout for the pool.
type MessageType string

const (
	MsgHeartbeat     MessageType = "heartbeat"
	MsgTaskAssigned  MessageType = "task:assigned"
	MsgTaskCompleted MessageType = "task:completed"
	MsgTaskFailed    MessageType = "task:failed"
	MsgTaskBlocked   MessageType = "task:blocked"
	MsgStatus        MessageType = "status"
)

// Known reports whether t is part of the protocol.
func (t MessageType) Known() bool {
	switch t {
	case MsgHeartbeat, MsgTaskAssigned, MsgTaskCompleted, MsgTaskFailed, MsgTaskBlocked, MsgStatus:
		return true
	default:
		return false
	}
}

// Message is one protocol line.
type Message struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agent_id,omitempty"`
	TaskID  string      `json:"task_id,omitempty"`
	Title   string      `json:"title,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	TS      time.Time   `json:"ts"`
}

// Decoded is the result of decoding one stdout line: a protocol Message, or
// the raw line when it is anything else.
type Decoded struct {
	Message *Message
	Raw     string
}

// IsMessage reports whether the line was a protocol message.
func (d Decoded) IsMessage() bool {
	return d.Message != nil
}

// DecodeLine never fails. Lines that are not JSON objects with a known
// "type" come back as Raw so they can still be shown or filtered.
func DecodeLine(line string) Decoded {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] != '{' || !gjson.Valid(trimmed) {
		return Decoded{Raw: line}
	}

	res := gjson.Parse(trimmed)
	typ := res.Get("type")
	if typ.Type != gjson.String || !MessageType(typ.Str).Known() {
		return Decoded{Raw: line}
	}

	msg := &Message{
		Type:    MessageType(typ.Str),
		AgentID: res.Get("agent_id").String(),
		TaskID:  res.Get("task_id").String(),
		Title:   res.Get("title").String(),
		Message: res.Get("message").String(),
		Error:   res.Get("error").String(),
	}
	if ts := res.Get("ts"); ts.Exists() {
		switch ts.Type {
		case gjson.String:
			if parsed, err := time.Parse(time.RFC3339Nano, ts.Str); err == nil {
				msg.TS = parsed
			}
		case gjson.Number:
			msg.TS = time.Unix(ts.Int(), 0)
		}
	}
	return Decoded{Message: msg}
}

// Emitter writes protocol messages for one agent. Safe for concurrent use:
// the heartbeat goroutine and the task loop share it.
type Emitter struct {
	mu      sync.Mutex
	w       io.Writer
	agentID string
	now     func() time.Time
}

// NewEmitter creates an Emitter writing to w.
func NewEmitter(w io.Writer, agentID string) *Emitter {
	return &Emitter{w: w, agentID: agentID, now: time.Now}
}

// Emit writes msg as one JSON line, filling in the agent id and timestamp.
func (e *Emitter) Emit(msg Message) error {
	if msg.AgentID == "" {
		msg.AgentID = e.agentID
	}
	if msg.TS.IsZero() {
		msg.TS = e.now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

func (e *Emitter) Heartbeat(taskID string) error {
	return e.Emit(Message{Type: MsgHeartbeat, TaskID: taskID})
}

func (e *Emitter) Assigned(taskID, title string) error {
	return e.Emit(Message{Type: MsgTaskAssigned, TaskID: taskID, Title: title})
}

func (e *Emitter) Completed(taskID, message string) error {
	return e.Emit(Message{Type: MsgTaskCompleted, TaskID: taskID, Message: message})
}

func (e *Emitter) Failed(taskID string, cause error) error {
	msg := Message{Type: MsgTaskFailed, TaskID: taskID}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return e.Emit(msg)
}

func (e *Emitter) Blocked(taskID, message string) error {
	return e.Emit(Message{Type: MsgTaskBlocked, TaskID: taskID, Message: message})
}

// Status reports progress text the pool forwards to the operator.
func (e *Emitter) Status(taskID, text string) error {
	return e.Emit(Message{Type: MsgStatus, TaskID: taskID, Message: text})
}

package orchestrator

import (
	"testing"
)

func TestEventEmitter_DropsWhenFull(t *testing.T) {
	em := NewEventEmitter(1)
	em.Emit(Event{Type: EventStarted})
	em.Emit(Event{Type: EventStopped})

	if got := em.DroppedCount(); got != 1 {
		t.Errorf("DroppedCount() = %d, want 1", got)
	}
	if e := <-em.Events(); e.Type != EventStarted {
		t.Errorf("first event = %s, want started", e.Type)
	}
}

func TestEventEmitter_CloseIsIdempotent(t *testing.T) {
	em := NewEventEmitter(2)
	em.OnEvent(Event{Type: EventWarning})
	em.Close()
	em.Close()
	em.Emit(Event{Type: EventError})

	var got []EventType
	for e := range em.Events() {
		got = append(got, e.Type)
	}
	if len(got) != 1 || got[0] != EventWarning {
		t.Errorf("events after close = %v, want [warning]", got)
	}
}

func TestEventType_AgentTerminal(t *testing.T) {
	terminal := map[EventType]bool{
		EventAgentStale:     true,
		EventAgentCompleted: true,
		EventAgentFailed:    true,
		EventAgentStopped:   true,
	}
	for _, typ := range []EventType{
		EventStarted, EventAgentSpawned, EventAgentStale, EventAgentCompleted, EventAgentFailed,
		EventAgentStopped, EventAgentOutput, EventTaskAssigned, EventTaskCompleted, EventTaskFailed,
		EventTaskBlocked, EventWarning, EventStopped, EventError,
	} {
		if got := typ.AgentTerminal(); got != terminal[typ] {
			t.Errorf("%s.AgentTerminal() = %v, want %v", typ, got, terminal[typ])
		}
	}
}

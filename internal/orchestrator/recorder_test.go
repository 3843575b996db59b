package orchestrator

import (
	"sync"
	"testing"
	"time"
)

// recorder is an Observer that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofType(typ EventType) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(typ EventType) int {
	return len(r.ofType(typ))
}

// waitFor blocks until at least n events of typ were seen.
func (r *recorder) waitFor(t *testing.T, typ EventType, n int, timeout time.Duration) []Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if evs := r.ofType(typ); len(evs) >= n {
			return evs
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s event(s), got %d; all events: %v", n, typ, r.count(typ), r.types())
			return nil
		}
	}
}

func (r *recorder) types() []EventType {
	var types []EventType
	for _, e := range r.all() {
		types = append(types, e.Type)
	}
	return types
}

package typing

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	calls []bool
}

func (r *recorder) set(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, on)
	return nil
}

func (r *recorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.calls))
	copy(out, r.calls)
	return out
}

func TestStartStop(t *testing.T) {
	r := &recorder{}
	c := NewController(r.set, time.Hour)

	c.Start()
	if !c.Active() {
		t.Error("expected active after Start")
	}
	c.Stop()
	if c.Active() {
		t.Error("expected inactive after Stop")
	}

	calls := r.snapshot()
	if len(calls) != 2 || calls[0] != true || calls[1] != false {
		t.Errorf("expected [on off], got %v", calls)
	}
}

func TestStopWithoutStartStillClears(t *testing.T) {
	r := &recorder{}
	c := NewController(r.set, time.Hour)

	c.Stop()

	calls := r.snapshot()
	if len(calls) != 1 || calls[0] != false {
		t.Errorf("expected single clear call, got %v", calls)
	}
}

func TestStartAfterStopIsNoop(t *testing.T) {
	r := &recorder{}
	c := NewController(r.set, time.Hour)

	c.Stop()
	c.Start()

	if c.Active() {
		t.Error("sealed controller must not restart")
	}
	calls := r.snapshot()
	if len(calls) != 1 {
		t.Errorf("expected no calls after seal, got %v", calls)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r := &recorder{}
	c := NewController(r.set, time.Hour)

	c.Start()
	c.Stop()
	c.Stop()

	calls := r.snapshot()
	if len(calls) != 2 {
		t.Errorf("expected exactly one clear, got %v", calls)
	}
}

func TestRefreshOnlyWhenActive(t *testing.T) {
	r := &recorder{}
	c := NewController(r.set, time.Hour)

	c.Refresh() // inactive, no-op
	c.Start()
	c.Refresh()
	c.Stop()
	c.Refresh() // sealed, no-op

	calls := r.snapshot()
	if len(calls) != 3 {
		t.Errorf("expected [on on off], got %v", calls)
	}
}

func TestRefreshLoopReasserts(t *testing.T) {
	r := &recorder{}
	c := NewController(r.set, 10*time.Millisecond)

	c.Start()
	time.Sleep(35 * time.Millisecond)
	c.Stop()

	calls := r.snapshot()
	if len(calls) < 3 {
		t.Errorf("expected periodic re-asserts, got %v", calls)
	}
	if calls[len(calls)-1] != false {
		t.Error("final call must clear the indicator")
	}
}

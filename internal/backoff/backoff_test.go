package backoff

import (
	"testing"
	"time"
)

func TestComputeWithRand_Growth(t *testing.T) {
	p := Policy{Initial: 2 * time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}
	for _, c := range cases {
		if got := ComputeWithRand(p, c.attempt, 0); got != c.want {
			t.Errorf("attempt %d: expected %v, got %v", c.attempt, c.want, got)
		}
	}
}

func TestComputeWithRand_Jitter(t *testing.T) {
	p := Policy{Initial: 1 * time.Second, Max: 60 * time.Second, Factor: 2, Jitter: 0.5}

	low := ComputeWithRand(p, 1, 0)
	high := ComputeWithRand(p, 1, 0.999)

	if low != 1*time.Second {
		t.Errorf("expected 1s with zero random, got %v", low)
	}
	if high <= low || high > 1500*time.Millisecond {
		t.Errorf("expected jittered value in (1s, 1.5s], got %v", high)
	}
}

func TestComputeWithRand_AttemptZero(t *testing.T) {
	p := DefaultPolicy()
	if got := ComputeWithRand(p, 0, 0); got != p.Initial {
		t.Errorf("attempt 0 should clamp to initial, got %v", got)
	}
}

func TestCounter(t *testing.T) {
	c := NewCounter()

	if got := c.Next("a"); got != 1 {
		t.Errorf("expected first attempt 1, got %d", got)
	}
	if got := c.Next("a"); got != 2 {
		t.Errorf("expected second attempt 2, got %d", got)
	}
	if got := c.Next("b"); got != 1 {
		t.Errorf("expected independent key to start at 1, got %d", got)
	}
	if got := c.Current("a"); got != 2 {
		t.Errorf("expected current 2, got %d", got)
	}

	c.Reset("a")
	if got := c.Current("a"); got != 0 {
		t.Errorf("expected 0 after reset, got %d", got)
	}
	if got := c.Next("a"); got != 1 {
		t.Errorf("expected 1 after reset, got %d", got)
	}
}

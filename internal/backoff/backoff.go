// Package backoff provides exponential backoff with jitter for reconnect
// scheduling, plus per-key consecutive-failure counters.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top.
	Jitter float64
}

// DefaultPolicy returns the reconnect policy used for transport sessions.
// Initial: 2s, Max: 30s, Factor: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 2 * time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Compute calculates the delay for a given attempt number. Attempts start at 1.
func Compute(p Policy, attempt int) time.Duration {
	return ComputeWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a provided random value in
// [0.0, 1.0). Useful for deterministic tests.
func ComputeWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// Counter tracks consecutive failures per key. The supervisor uses one counter
// per session registry: the count grows monotonically across failed reconnect
// attempts and resets to zero on a successful connected transition.
type Counter struct {
	mu       sync.Mutex
	attempts map[string]int
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{attempts: make(map[string]int)}
}

// Next increments and returns the attempt number for key (first call returns 1).
func (c *Counter) Next(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[key]++
	return c.attempts[key]
}

// Current returns the attempt count for key without incrementing.
func (c *Counter) Current(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[key]
}

// Reset clears the attempt count for key.
func (c *Counter) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, key)
}

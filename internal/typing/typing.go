// Package typing manages the composing indicator shown while a reply is
// being paced out to a conversation.
//
// A controller covers exactly one dispatch: Start when the reply begins,
// Refresh per segment so the indicator survives long pacing delays, Stop when
// the last segment is sent. Stop is guaranteed to clear the indicator and
// seals the controller so a late callback can never restart it.
package typing

import (
	"sync"
	"time"
)

// DefaultRefreshInterval is how often the indicator is re-asserted while a
// dispatch is in flight. Most transports expire composing state after ~10s.
const DefaultRefreshInterval = 6 * time.Second

// Controller drives a single conversation's composing indicator.
type Controller struct {
	mu       sync.Mutex
	set      func(on bool) error
	interval time.Duration

	active bool
	sealed bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewController creates a controller around a transport set-typing call.
// A non-positive interval falls back to DefaultRefreshInterval.
func NewController(set func(on bool) error, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Controller{set: set, interval: interval}
}

// Start shows the indicator and begins the refresh loop. Calling Start on an
// active or sealed controller is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.sealed || c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	_ = c.set(true)

	go c.refreshLoop()
}

func (c *Controller) refreshLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			sealed := c.sealed
			c.mu.Unlock()
			if sealed {
				return
			}
			_ = c.set(true)
		}
	}
}

// Refresh re-asserts the indicator immediately. No-op unless active.
func (c *Controller) Refresh() {
	c.mu.Lock()
	ok := c.active && !c.sealed
	c.mu.Unlock()
	if ok {
		_ = c.set(true)
	}
}

// Stop clears the indicator and seals the controller. Safe to call multiple
// times and safe to call even if Start never ran.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.sealed {
		c.mu.Unlock()
		return
	}
	c.sealed = true
	wasActive := c.active
	c.active = false
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()

	if wasActive && stopCh != nil {
		close(stopCh)
		<-doneCh
	}
	// Clearing is best effort but always attempted.
	_ = c.set(false)
}

// Active reports whether the indicator is currently shown.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && !c.sealed
}

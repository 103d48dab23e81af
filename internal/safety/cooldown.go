package safety

import (
	"sync"
	"time"
)

// ActionCooldown tracks when named actions last failed so the tick loop
// skips them until the cooldown elapses, preventing tight failure loops.
type ActionCooldown struct {
	mu       sync.Mutex
	period   time.Duration
	lastFail map[string]time.Time
}

// NewActionCooldown creates a cooldown tracker with the given period.
func NewActionCooldown(period time.Duration) *ActionCooldown {
	return &ActionCooldown{
		period:   period,
		lastFail: make(map[string]time.Time),
	}
}

// Fail records a failed attempt of the action at now.
func (c *ActionCooldown) Fail(action string, now time.Time) {
	c.mu.Lock()
	c.lastFail[action] = now
	c.mu.Unlock()
}

// Ready reports whether the action may be attempted at now.
func (c *ActionCooldown) Ready(action string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastFail[action]
	if !ok {
		return true
	}
	return now.Sub(last) >= c.period
}

// Clear removes the action's cooldown, typically after it succeeds.
func (c *ActionCooldown) Clear(action string) {
	c.mu.Lock()
	delete(c.lastFail, action)
	c.mu.Unlock()
}

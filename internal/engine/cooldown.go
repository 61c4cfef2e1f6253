package engine

import (
	"sync"
	"time"
)

// Cooldown remembers the last fire time per alert kind. A kind is armed again
// once now - last >= cooldown.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

// Allow reports whether key may fire at now and, if so, records now as its
// last fire time. Check and record happen under one lock.
func (c *Cooldown) Allow(key string, now time.Time, cooldown time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cooldown > 0 {
		if ts, ok := c.last[key]; ok && now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	return true
}

// Last returns the last fire time for key.
func (c *Cooldown) Last(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.last[key]
	return ts, ok
}

func (c *Cooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(map[string]time.Time)
}

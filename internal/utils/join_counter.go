package utils

import (
	"sync"
	"time"
)

// JoinCounter counts guild joins inside a sliding window.
type JoinCounter struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string][]time.Time
}

func NewJoinCounter(window time.Duration) *JoinCounter {
	return &JoinCounter{window: window, entries: make(map[string][]time.Time)}
}

// Add records a join at now and returns the joins to guildID within the window,
// including this one.
func (c *JoinCounter) Add(guildID string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.prune(guildID, now)
	entries = append(entries, now)
	c.entries[guildID] = entries
	return len(entries)
}

func (c *JoinCounter) Count(guildID string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prune(guildID, now))
}

func (c *JoinCounter) Forget(guildID string) {
	c.mu.Lock()
	delete(c.entries, guildID)
	c.mu.Unlock()
}

func (c *JoinCounter) prune(guildID string, now time.Time) []time.Time {
	entries := c.entries[guildID]
	cutoff := now.Add(-c.window)
	idx := 0
	for _, entry := range entries {
		if entry.After(cutoff) {
			break
		}
		idx++
	}
	entries = entries[idx:]
	if len(entries) == 0 {
		delete(c.entries, guildID)
		return nil
	}
	c.entries[guildID] = entries
	return entries
}

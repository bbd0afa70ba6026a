package metrics

import "sync"

// Collector captures operation counters.
type Collector interface {
	IncCounter(name string, delta int64)
	Snapshot() map[string]int64
}

// Counters is a Collector backed by an in-process map.
type Counters struct {
	mu sync.RWMutex
	m  map[string]int64
}

func NewCounters() *Counters {
	return &Counters{m: make(map[string]int64)}
}

func (c *Counters) IncCounter(name string, delta int64) {
	c.mu.Lock()
	c.m[name] += delta
	c.mu.Unlock()
}

func (c *Counters) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, int64) {}

func (Nop) Snapshot() map[string]int64 { return nil }

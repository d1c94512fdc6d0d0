package health

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the last known health of one provider.
type Status struct {
	Provider    string        `json:"provider"`
	Healthy     bool          `json:"healthy"`
	LastChecked time.Time     `json:"lastChecked"`
	LastLatency time.Duration `json:"lastLatency"`
	LastError   string        `json:"lastError,omitempty"`
}

type snapshot map[string]Status

// Cache holds provider statuses. Each Publish swaps in a new immutable
// snapshot, so readers never lock and never see a half-written entry.
type Cache struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

func NewCache() *Cache {
	c := &Cache{}
	empty := snapshot{}
	c.current.Store(&empty)
	return c
}

// Publish records a status, replacing any earlier one for the same provider.
func (c *Cache) Publish(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := *c.current.Load()
	next := make(snapshot, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[s.Provider] = s
	c.current.Store(&next)
}

// Get returns the status of one provider.
func (c *Cache) Get(provider string) (Status, bool) {
	s, ok := (*c.current.Load())[provider]
	return s, ok
}

// Snapshot returns all statuses sorted by provider name.
func (c *Cache) Snapshot() []Status {
	current := *c.current.Load()
	out := make([]Status, 0, len(current))
	for _, s := range current {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

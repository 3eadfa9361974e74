package check

import "sync"

// memo caches resolved goals for the duration of one request so that a
// goal reached along several branches is evaluated once. Cycle cuts are
// recorded as false under the revisited goal, matching the resolution
// rule that a goal cannot prove itself.
type memo struct {
	mu      sync.Mutex
	entries map[string]bool
}

func newMemo() *memo {
	return &memo{entries: map[string]bool{}}
}

func (m *memo) get(key string) (allowed, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed, ok = m.entries[key]
	return allowed, ok
}

func (m *memo) set(key string, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = allowed
}

package admin

import (
	"strings"
	"sync"

	"github.com/jnovack/offlineweb/pkg/cacheproxy"
)

// CaptureStore is a concurrency-safe ring of recent RequestRecords served by /requests.
type CaptureStore struct {
	mu      sync.Mutex
	entries []cacheproxy.RequestRecord
	max     int
}

// NewCaptureStore creates a CaptureStore with capacity maxEntries (1000 when <= 0).
func NewCaptureStore(maxEntries int) *CaptureStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &CaptureStore{max: maxEntries}
}

// Add adds a record, evicting the oldest when full. Its signature matches cacheproxy.RequestObserver.
func (c *CaptureStore) Add(r cacheproxy.RequestRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, r)
}

// List returns a snapshot copy of entries, oldest first.
func (c *CaptureStore) List() []cacheproxy.RequestRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cacheproxy.RequestRecord, len(c.entries))
	copy(out, c.entries)
	return out
}

// Query returns up to limit records, newest first, whose outcome matches
// (case-insensitively) when outcome is non-empty. A limit <= 0 means no limit.
func (c *CaptureStore) Query(outcome string, limit int) []cacheproxy.RequestRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []cacheproxy.RequestRecord{}
	for i := len(c.entries) - 1; i >= 0; i-- {
		r := c.entries[i]
		if outcome != "" && !strings.EqualFold(r.Outcome, outcome) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Clear empties the store.
func (c *CaptureStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

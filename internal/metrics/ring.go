package metrics

import (
	"sync"
	"time"

	"github.com/dgfacade/dgfacade/internal/model"
)

// StateRing is a thread-safe bounded ring of HandlerState, retained under
// the AND of a capacity bound and an age bound (spec §4.7). Sharded access
// follows the mutex discipline of the teacher's connection shard, scaled
// down to a single ring since the ring itself is the shared resource here.
type StateRing struct {
	mu       sync.Mutex
	entries  []model.HandlerState
	capacity int
	maxAge   time.Duration
	next     int
	full     bool
}

// NewStateRing builds a ring bounded to capacity entries and maxAge retention.
func NewStateRing(capacity int, maxAge time.Duration) *StateRing {
	if capacity <= 0 {
		capacity = 1000
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &StateRing{
		entries:  make([]model.HandlerState, capacity),
		capacity: capacity,
		maxAge:   maxAge,
	}
}

// Add records state, evicting the oldest entry on overflow.
func (r *StateRing) Add(state model.HandlerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = state
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// GetAll returns a newest-first snapshot, excluding entries older than maxAge.
func (r *StateRing) GetAll() []model.HandlerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	if r.full {
		count = r.capacity
	}

	cutoff := time.Now().Add(-r.maxAge)
	out := make([]model.HandlerState, 0, count)
	for i := 0; i < count; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += r.capacity
		}
		entry := r.entries[idx]
		if entry.StartedAt.Before(cutoff) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

package bridge

import (
	"sync"
	"time"

	"github.com/careline/careline/internal/util"
)

type processedEntry struct {
	id string
	at time.Time
}

// ProcessedSet remembers which call-invite identifiers have already been
// classified, so a replayed or duplicated delivery of the same event is
// never reprocessed. It is bounded two ways: a hard capacity (oldest
// evicted first) and a retention window, so a long-lived session cannot
// grow it without limit.
type ProcessedSet struct {
	retention time.Duration
	now       func() time.Time

	mu    sync.Mutex
	ids   map[string]struct{}
	order *util.RingBuffer[processedEntry]
}

// NewProcessedSet creates a set holding at most capacity identifiers for
// at most retention.
func NewProcessedSet(capacity int, retention time.Duration) *ProcessedSet {
	return &ProcessedSet{
		retention: retention,
		now:       time.Now,
		ids:       make(map[string]struct{}),
		order:     util.NewRingBuffer[processedEntry](capacity),
	}
}

// Mark records id as processed. It returns false when id was already
// present — the duplicate case.
func (p *ProcessedSet) Mark(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()

	if _, dup := p.ids[id]; dup {
		return false
	}
	p.ids[id] = struct{}{}
	if evicted, ok := p.order.Push(processedEntry{id: id, at: p.now()}); ok {
		delete(p.ids, evicted.id)
	}
	return true
}

// Contains reports whether id has been classified already.
func (p *ProcessedSet) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	_, ok := p.ids[id]
	return ok
}

// Len returns the number of retained identifiers.
func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	return len(p.ids)
}

// pruneLocked ages out entries older than the retention window. Entries
// are pushed in time order, so expiry stops at the first fresh one.
func (p *ProcessedSet) pruneLocked() {
	cutoff := p.now().Add(-p.retention)
	p.order.DropWhile(func(e processedEntry) bool {
		if e.at.Before(cutoff) {
			delete(p.ids, e.id)
			return true
		}
		return false
	})
}

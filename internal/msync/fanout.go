// Package msync turns "new message arrived" signals into refresh triggers
// for message-list consumers. The fanout itself never coalesces; callers
// that want coalescing wrap their callback with a Refresher.
package msync

import (
	"log"
	"sync"
)

// Signal identifies the room whose message list should be refreshed.
type Signal struct {
	RoomID string `json:"room_id"`
}

// Fanout delivers refresh signals to all current subscribers.
type Fanout struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Signal)
}

// NewFanout creates an empty fanout.
func NewFanout() *Fanout {
	return &Fanout{subs: make(map[int]func(Signal))}
}

// Subscribe registers fn and returns an unsubscribe function. Unsubscribing
// twice is a no-op.
func (f *Fanout) Subscribe(fn func(Signal)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Publish delivers sig to every subscriber registered at call time.
// Zero subscribers is a no-op. A panicking subscriber is logged and does
// not prevent delivery to the rest.
func (f *Fanout) Publish(sig Signal) {
	f.mu.RLock()
	fns := make([]func(Signal), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()

	for _, fn := range fns {
		deliver(fn, sig)
	}
}

func deliver(fn func(Signal), sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("SYNC: subscriber panic (room %s): %v", sig.RoomID, r)
		}
	}()
	fn(sig)
}

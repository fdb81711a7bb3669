package msync

import (
	"sync"
	"time"

	"github.com/bep/debounce"
)

// Refresher coalesces bursts of refresh signals into one callback per
// room within the configured window. Each subscriber owns its Refresher,
// so different consumers can pick different windows.
type Refresher struct {
	window time.Duration
	fn     func(roomID string)

	mu      sync.Mutex
	perRoom map[string]func(func())
}

// NewRefresher wraps fn so that rapid signals for the same room collapse
// into a single invocation after window of quiet. A window of zero
// disables coalescing and invokes fn directly.
func NewRefresher(window time.Duration, fn func(roomID string)) *Refresher {
	return &Refresher{
		window:  window,
		fn:      fn,
		perRoom: make(map[string]func(func())),
	}
}

// Handle is the subscriber callback to register with Fanout.Subscribe.
func (r *Refresher) Handle(sig Signal) {
	if r.window <= 0 {
		r.fn(sig.RoomID)
		return
	}

	r.mu.Lock()
	d, ok := r.perRoom[sig.RoomID]
	if !ok {
		d = debounce.New(r.window)
		r.perRoom[sig.RoomID] = d
	}
	r.mu.Unlock()

	roomID := sig.RoomID
	d(func() { r.fn(roomID) })
}

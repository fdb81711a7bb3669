package msync

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	f := NewFanout()

	var got []string
	cancel := f.Subscribe(func(sig Signal) {
		got = append(got, sig.RoomID)
	})
	defer cancel()

	f.Publish(Signal{RoomID: "room-r"})
	f.Publish(Signal{RoomID: "room-r"})

	if len(got) != 2 {
		t.Fatalf("subscriber invoked %d times, want 2", len(got))
	}
	if got[0] != "room-r" || got[1] != "room-r" {
		t.Fatalf("unexpected signals: %v", got)
	}
}

func TestPublishWithNoSubscribers(t *testing.T) {
	f := NewFanout()
	// Must not panic or block.
	f.Publish(Signal{RoomID: "room-empty"})
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	f := NewFanout()

	f.Subscribe(func(Signal) { panic("boom") })
	calls := 0
	f.Subscribe(func(Signal) { calls++ })

	f.Publish(Signal{RoomID: "room-r"})
	if calls != 1 {
		t.Fatalf("second subscriber invoked %d times, want 1", calls)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := NewFanout()

	calls := 0
	cancel := f.Subscribe(func(Signal) { calls++ })
	f.Publish(Signal{RoomID: "room-r"})
	cancel()
	cancel() // second cancel is a no-op
	f.Publish(Signal{RoomID: "room-r"})

	if calls != 1 {
		t.Fatalf("subscriber invoked %d times after unsubscribe, want 1", calls)
	}
}

func TestRefresherCoalescesBursts(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{}

	r := NewRefresher(30*time.Millisecond, func(roomID string) {
		mu.Lock()
		counts[roomID]++
		mu.Unlock()
	})

	f := NewFanout()
	defer f.Subscribe(r.Handle)()

	for i := 0; i < 10; i++ {
		f.Publish(Signal{RoomID: "room-a"})
	}
	f.Publish(Signal{RoomID: "room-b"})

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if counts["room-a"] != 1 {
		t.Fatalf("room-a refreshed %d times, want 1", counts["room-a"])
	}
	if counts["room-b"] != 1 {
		t.Fatalf("room-b refreshed %d times, want 1", counts["room-b"])
	}
}

func TestRefresherZeroWindowPassesThrough(t *testing.T) {
	calls := 0
	r := NewRefresher(0, func(string) { calls++ })
	r.Handle(Signal{RoomID: "room-r"})
	r.Handle(Signal{RoomID: "room-r"})
	if calls != 2 {
		t.Fatalf("pass-through invoked %d times, want 2", calls)
	}
}

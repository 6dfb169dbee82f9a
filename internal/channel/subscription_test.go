package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	received [][]byte
}

func (r *recordingSubscriber) HandleDatagram(ch Channel, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, data)
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func TestSubscribeBindsOnlyOnFirstSubscriber(t *testing.T) {
	var binds, unbinds []Channel
	tbl := NewTable(
		func(ch Channel) { binds = append(binds, ch) },
		func(ch Channel) { unbinds = append(unbinds, ch) },
	)

	s1 := &recordingSubscriber{}
	s2 := &recordingSubscriber{}

	tbl.Subscribe(100, s1)
	tbl.Subscribe(100, s2)

	if len(binds) != 1 {
		t.Fatalf("expected exactly one bind, got %d", len(binds))
	}
	if tbl.RefCount(100) != 2 {
		t.Fatalf("expected refcount 2, got %d", tbl.RefCount(100))
	}

	tbl.Unsubscribe(100, s1)
	if len(unbinds) != 0 {
		t.Fatalf("expected no unbind yet, got %d", len(unbinds))
	}

	tbl.Unsubscribe(100, s2)
	if len(unbinds) != 1 {
		t.Fatalf("expected exactly one unbind, got %d", len(unbinds))
	}
	if tbl.IsBound(100) {
		t.Fatal("channel should no longer be bound")
	}
}

func TestDispatchDeliversToAllLocalSubscribers(t *testing.T) {
	tbl := NewTable(nil, nil)
	s1 := &recordingSubscriber{}
	s2 := &recordingSubscriber{}
	tbl.Subscribe(5, s1)
	tbl.Subscribe(5, s2)

	tbl.Dispatch(5, []byte("hello"))

	if len(s1.received) != 1 || string(s1.received[0]) != "hello" {
		t.Fatalf("s1 did not receive expected datagram: %v", s1.received)
	}
	if len(s2.received) != 1 || string(s2.received[0]) != "hello" {
		t.Fatalf("s2 did not receive expected datagram: %v", s2.received)
	}
}

func TestDispatchToUnboundChannelIsNoop(t *testing.T) {
	tbl := NewTable(nil, nil)
	// Should not panic even though nothing is subscribed.
	tbl.Dispatch(999, []byte("nobody"))
}

func TestDispatchThroughWorkerPoolStillDeliversToAll(t *testing.T) {
	tbl := NewTable(nil, nil)
	pool := NewWorkerPool(2, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	tbl.WithWorkerPool(pool)

	s1 := &recordingSubscriber{}
	s2 := &recordingSubscriber{}
	tbl.Subscribe(7, s1)
	tbl.Subscribe(7, s2)

	tbl.Dispatch(7, []byte("zone-update"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s1.count() == 1 && s2.count() == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected both subscribers to receive the datagram, got s1=%d s2=%d", s1.count(), s2.count())
}

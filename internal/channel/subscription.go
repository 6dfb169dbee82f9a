package channel

import "sync"

// Subscriber receives datagrams handed to it by the bus. A process
// implements this once and registers it against every channel it binds.
type Subscriber interface {
	HandleDatagram(routingKey Channel, data []byte)
}

// refEntry tracks a channel's global (process-wide) reference count and the
// subscribers currently bound to it.
type refEntry struct {
	count       uint
	subscribers []Subscriber
}

// Table is the process-local channel subscription table. It mirrors the
// original implementation's global/local channel bookkeeping: many
// in-process subscribers can independently subscribe to the same channel,
// but the bus only sees a single bind on the 0→1 transition and a single
// unbind on the 1→0 transition. This keeps queue-binding traffic to the
// broker proportional to distinct channels, not distinct subscribers.
type Table struct {
	mu      sync.Mutex
	entries map[Channel]*refEntry

	// bind and unbind are called exactly once per distinct channel, on the
	// 0→1 and 1→0 transitions respectively. A Bus implementation wires
	// these to its queue-binding calls.
	bind   func(Channel)
	unbind func(Channel)

	// pool fans a single channel's delivery out to its subscribers without
	// blocking the bus consume loop on a slow one. Nil in tests that only
	// care about refcounting and deliver synchronously instead.
	pool *WorkerPool
}

// NewTable builds a subscription table. bind/unbind may be nil, in which
// case transitions are tracked but no broker call is made (used by tests
// that only care about refcounting behavior).
func NewTable(bind, unbind func(Channel)) *Table {
	return &Table{
		entries: make(map[Channel]*refEntry),
		bind:    bind,
		unbind:  unbind,
	}
}

// WithWorkerPool attaches a WorkerPool that Dispatch submits deliveries to
// instead of calling subscribers synchronously. Intended for a channel with
// many bound subscribers (e.g. a zone broadcast channel) where one wedged
// subscriber must not stall delivery to the rest.
func (t *Table) WithWorkerPool(pool *WorkerPool) *Table {
	t.pool = pool
	return t
}

// Subscribe binds sub to channel. If this is the first subscriber for the
// channel in this process, the table's bind hook fires.
func (t *Table) Subscribe(ch Channel, sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[ch]
	if !ok {
		e = &refEntry{}
		t.entries[ch] = e
	}
	e.count++
	e.subscribers = append(e.subscribers, sub)

	if e.count == 1 && t.bind != nil {
		t.bind(ch)
	}
}

// Unsubscribe removes sub's binding to channel. If this drops the refcount
// to zero, the table's unbind hook fires and the entry is removed.
func (t *Table) Unsubscribe(ch Channel, sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[ch]
	if !ok {
		return
	}

	for i, s := range e.subscribers {
		if s == sub {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			break
		}
	}
	if e.count > 0 {
		e.count--
	}

	if e.count == 0 {
		delete(t.entries, ch)
		if t.unbind != nil {
			t.unbind(ch)
		}
	}
}

// Dispatch delivers data to every subscriber bound to channel in this
// process. Delivery order is unspecified.
func (t *Table) Dispatch(ch Channel, data []byte) {
	t.mu.Lock()
	e, ok := t.entries[ch]
	var subs []Subscriber
	if ok {
		subs = append(subs, e.subscribers...)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s := s
		if t.pool != nil {
			t.pool.Submit(func() { s.HandleDatagram(ch, data) })
		} else {
			s.HandleDatagram(ch, data)
		}
	}
}

// SubscribeRange binds sub to every channel in [min, max], inclusive. The
// Message Director contract (spec.md §4.1) only requires that a publish to
// any channel in the range reach the subscriber exactly once; this table
// satisfies that by materializing one entry per integer rather than
// collapsing the range into a single broker-side binding, trading broker
// bind calls for a simpler, uniform Dispatch path shared with single-channel
// subscriptions.
func (t *Table) SubscribeRange(min, max Channel, sub Subscriber) {
	for ch := min; ch <= max; ch++ {
		t.Subscribe(ch, sub)
		if ch == max {
			break // avoid wraparound if max is the type's maximum value
		}
	}
}

// UnsubscribeRange reverses SubscribeRange over the same [min, max] bounds.
func (t *Table) UnsubscribeRange(min, max Channel, sub Subscriber) {
	for ch := min; ch <= max; ch++ {
		t.Unsubscribe(ch, sub)
		if ch == max {
			break
		}
	}
}

// RefCount reports the current subscriber count for channel, for tests and
// introspection.
func (t *Table) RefCount(ch Channel) uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[ch]; ok {
		return e.count
	}
	return 0
}

// IsBound reports whether channel currently has a broker-level bind.
func (t *Table) IsBound(ch Channel) bool {
	return t.RefCount(ch) > 0
}

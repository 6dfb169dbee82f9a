// Package fakebroker is an in-memory stand-in for the RabbitMQ transport,
// used by package tests that need a channel.Bus but should not require a
// live broker. It implements the same bind/unbind/publish contract
// channel.Bus expects, routing by exact channel match only — no
// topic-exchange wildcarding, since the cluster itself never binds
// wildcards either.
package fakebroker

import (
	"context"
	"sync"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
)

// Broker is a shared in-memory bus. Multiple handles obtained from the same
// Broker simulate multiple processes talking to one RabbitMQ cluster.
type Broker struct {
	mu    sync.Mutex
	binds map[channel.Channel][]*Handle
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{binds: make(map[channel.Channel][]*Handle)}
}

// Handle is one process's view of the broker; it implements channel.Bus.
type Handle struct {
	broker   *Broker
	dispatch func(ch channel.Channel, data []byte)
}

// NewHandle returns a Bus bound to this broker. dispatch is called whenever
// a datagram is published to a channel this handle has bound.
func (b *Broker) NewHandle(dispatch func(ch channel.Channel, data []byte)) *Handle {
	return &Handle{broker: b, dispatch: dispatch}
}

type delivery struct {
	ch channel.Channel
	h  *Handle
}

// Publish delivers data to every handle bound to each recipient channel,
// including the publisher itself if it is bound. The bound-handle snapshot
// is taken under lock and then released before any dispatch callback runs,
// since a callback may itself bind/unbind or publish (e.g. a cascading
// delete), which would deadlock against a held lock the way a single real
// broker connection never blocks its own consumer callback on its own
// publish confirm.
func (h *Handle) Publish(ctx context.Context, recipients []channel.Channel, data []byte) error {
	h.broker.mu.Lock()
	var deliveries []delivery
	for _, ch := range recipients {
		for _, bound := range h.broker.binds[ch] {
			deliveries = append(deliveries, delivery{ch, bound})
		}
	}
	h.broker.mu.Unlock()

	for _, d := range deliveries {
		d.h.dispatch(d.ch, data)
	}
	return nil
}

// BindChannel registers this handle as bound to ch.
func (h *Handle) BindChannel(ctx context.Context, ch channel.Channel) error {
	h.broker.mu.Lock()
	defer h.broker.mu.Unlock()
	h.broker.binds[ch] = append(h.broker.binds[ch], h)
	return nil
}

// UnbindChannel removes this handle's binding to ch.
func (h *Handle) UnbindChannel(ctx context.Context, ch channel.Channel) error {
	h.broker.mu.Lock()
	defer h.broker.mu.Unlock()

	bound := h.broker.binds[ch]
	for i, b := range bound {
		if b == h {
			bound = append(bound[:i], bound[i+1:]...)
			break
		}
	}
	if len(bound) == 0 {
		delete(h.broker.binds, ch)
	} else {
		h.broker.binds[ch] = bound
	}
	return nil
}

// Close is a no-op for the fake broker.
func (h *Handle) Close() error { return nil }

package channel

import "context"

// Bus is the transport a process uses to publish datagrams and bind/unbind
// interest in channels. The Table (subscription.go) drives a Bus through exactly two
// calls — BindChannel and UnbindChannel — on subscriber refcount
// transitions; everything else is publish-only.
type Bus interface {
	// Publish sends a fully-encoded datagram (routing header + payload)
	// onto the bus. recipients are the routing keys the bus publishes
	// under; they are passed in rather than read back out of data.
	Publish(ctx context.Context, recipients []Channel, data []byte) error

	// BindChannel starts routing datagrams addressed to ch to this
	// process. Called once per distinct channel, on the table's 0→1
	// transition.
	BindChannel(ctx context.Context, ch Channel) error

	// UnbindChannel stops routing datagrams addressed to ch to this
	// process. Called once per distinct channel, on the table's 1→0
	// transition.
	UnbindChannel(ctx context.Context, ch Channel) error

	// Close releases the underlying transport.
	Close() error
}

// Package channel implements the Message Director's channel bus: reserved
// channel constants, a process-local subscription refcount table, and a Bus
// abstraction with a RabbitMQ-backed implementation.
package channel

// Channel is a 64-bit routing address. Datagrams are addressed to one or
// more channels; every participant process subscribes to the channels it
// cares about and the bus fans datagrams out accordingly.
type Channel = uint64

// Reserved channel ranges and well-known channels, mirroring the cluster's
// fixed addressing scheme.
const (
	// BCastStateServers is the broadcast channel every State Server
	// instance subscribes to in addition to its own assigned channel.
	BCastStateServers Channel = 4001

	// BCastDBServers is the broadcast channel every Database Server
	// instance subscribes to.
	BCastDBServers Channel = 4002

	// ControlChannel is used for in-process control messages that never
	// cross the bus (e.g. a State Server talking to itself).
	ControlChannel Channel = 1

	// DoIdReservedMax reserves the low end of the channel space for
	// Distributed Object identifiers, so DoIds can double as channels.
	DoIdReservedMax Channel = 1 << 32
)

// MsgType identifies a datagram's payload shape.
type MsgType = uint16

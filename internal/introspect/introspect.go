// Package introspect defines the read-only snapshot contract a future
// operator web panel would consume. It does not implement the panel's wire
// protocol (out of scope); it only gives SS/DBSS/CA a stable shape to
// report their live state through.
package introspect

// Snapshotter is implemented by any service that can describe its current
// state for an operator view.
type Snapshotter interface {
	Snapshot() any
}

// StateServerSnapshot is the shape returned by a State Server.
type StateServerSnapshot struct {
	Channel      uint64         `json:"channel"`
	ObjectCount  int            `json:"object_count"`
	ObjectsByDoID []ObjectBrief `json:"objects"`
}

// DBSSSnapshot is the shape returned by a Database State Server.
type DBSSSnapshot struct {
	Channel     uint64        `json:"channel"`
	Resident    []ObjectBrief `json:"resident"`
	LoadingDoIDs []uint32     `json:"loading"`
}

// CASnapshot is the shape returned by a Client Agent.
type CASnapshot struct {
	ChannelBase  uint64   `json:"channel_base"`
	Connections  int      `json:"connections"`
	Participants []uint64 `json:"participant_channels"`
}

// ObjectBrief is the minimal per-object description shared across SS/DBSS
// snapshots: enough for an operator panel to list objects and drill into
// one, without dumping every field value.
type ObjectBrief struct {
	DoID     uint32 `json:"do_id"`
	ParentID uint32 `json:"parent_id"`
	ZoneID   uint32 `json:"zone_id"`
	ClassID  uint16 `json:"class_id"`
}

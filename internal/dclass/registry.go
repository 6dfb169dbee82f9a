// Package dclass defines the read-only contract State Server, Database
// State Server and Client Agent use to consume the distributed-class (DC)
// schema. Parsing the DC file grammar itself is out of scope for this
// module — a real deployment wires in a loader that produces a Registry;
// StaticRegistry exists only so the rest of the cluster can be built and
// tested without one.
package dclass

// FieldFlags records which of a field's keywords apply, matching the DC
// schema's field-modifier set.
type FieldFlags struct {
	Required  bool
	RAM       bool
	DB        bool
	Broadcast bool
	AIRecv    bool // airecv: forwarded to the object's AI channel
	OwnRecv   bool // ownrecv: forwarded to the object's owner channel
	ClSend    bool // clsend: client is allowed to send updates for this field
	OwnSend   bool // ownsend: owner client is allowed to send updates
	ClRecv    bool // clrecv: field is visible to the owning client
}

// Field describes one DC field on a class.
type Field struct {
	ID    uint16
	Name  string
	Flags FieldFlags
	// Molecular lists the atomic field IDs this field expands to, if any.
	// A molecular field has no storage of its own.
	Molecular []uint16
}

// Class describes one DC class: its field set and the subset of fields sent
// on generate (required fields, in declaration order).
type Class struct {
	ID       uint16
	Name     string
	Fields   []Field
	Required []uint16 // field IDs, in wire order, sent with every generate
}

// FieldByID returns the field with the given ID, if present.
func (c Class) FieldByID(id uint16) (Field, bool) {
	for _, f := range c.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// FieldByName returns the field with the given name, if present.
func (c Class) FieldByName(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Registry is the read-only view of a cluster's DC schema. A real
// deployment's DC loader produces one of these; the cluster only ever reads
// from it.
type Registry interface {
	ClassByID(id uint16) (Class, bool)
	ClassByName(name string) (Class, bool)
	// Hash is the schema's stable hash, exchanged with clients during the
	// CLIENT_HELLO handshake so a version mismatch can be rejected.
	Hash() uint32
}

// StaticRegistry is a Registry built from an in-process map literal. It is
// the registry used by this module's own tests and by small deployments
// that would rather embed a generated Go literal than parse a DC file at
// startup.
type StaticRegistry struct {
	byID   map[uint16]Class
	byName map[string]Class
	hash   uint32
}

// NewStaticRegistry builds a registry from classes, computing byName from
// byID. hash should be the schema's precomputed stable hash.
func NewStaticRegistry(classes []Class, hash uint32) *StaticRegistry {
	r := &StaticRegistry{
		byID:   make(map[uint16]Class, len(classes)),
		byName: make(map[string]Class, len(classes)),
		hash:   hash,
	}
	for _, c := range classes {
		r.byID[c.ID] = c
		r.byName[c.Name] = c
	}
	return r
}

func (r *StaticRegistry) ClassByID(id uint16) (Class, bool) {
	c, ok := r.byID[id]
	return c, ok
}

func (r *StaticRegistry) ClassByName(name string) (Class, bool) {
	c, ok := r.byName[name]
	return c, ok
}

func (r *StaticRegistry) Hash() uint32 { return r.hash }

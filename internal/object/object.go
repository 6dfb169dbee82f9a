// Package object implements the Distributed Object: the in-memory unit
// State Server and Database State Server both host. A DistributedObject
// owns its required and RAM field values, its place in the parent/zone
// hierarchy, and its AI/owner channel assignment; it talks back to its host
// only through the Host interface, so the same type serves a plain State
// Server (host keeps everything in memory) and a Database State Server
// (host additionally persists DB-flagged fields).
//
// HandleMessage implements the Distributed Object message contract
// (spec.md §4.2): every message type in the const block below except the
// generate/delete-ai pair the State Server itself terminates is routed here
// by DoId, one message at a time, exactly as if this object were its own
// bus subscriber.
package object

import (
	"context"
	"fmt"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/datagram"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
)

// Host is the capability a DistributedObject needs from whatever process is
// hosting it.
type Host interface {
	Publish(ctx context.Context, recipients []channel.Channel, data []byte) error
	// ZoneObjects returns the DoIds of every object the host knows about
	// under (parentID, zoneID), excluding self.
	ZoneObjects(parentID, zoneID uint32, self uint32) []uint32
	// OnFieldPersist is called for every DB-flagged field update; a plain
	// State Server host ignores it, a Database State Server host queues a
	// write.
	OnFieldPersist(doID uint32, fieldID uint16, value []byte)
	// Lookup returns a sibling object hosted by the same process, for
	// building location/interest entries on its behalf (GET_ZONE_OBJECTS).
	Lookup(doID uint32) (*DistributedObject, bool)
	// WatchParent/UnwatchParent ref-count this object's interest in its
	// parent's child-broadcast channel (CHANGING_AI, DELETE_CHILDREN). The
	// host binds the underlying channel once per distinct parent and
	// fans incoming child-broadcasts out to every local child, mirroring
	// "subscribe/unsubscribe children(parent)" from the location protocol.
	WatchParent(parentID uint32)
	UnwatchParent(parentID uint32)
	// RemoveObject deletes doID from the host's table and releases its
	// channel subscription, for DELETE_RAM and DELETE_CHILDREN.
	RemoveObject(doID uint32)
	// NextContext hands out a fresh request context for GET_* round trips.
	NextContext() uint32
}

// DistributedObject is one live object hosted by a State Server or Database
// State Server.
type DistributedObject struct {
	host Host

	DoID     uint32
	ParentID uint32
	ZoneID   uint32
	Class    dclass.Class

	required map[uint16][]byte
	ram      map[uint16][]byte // only explicitly-set RAM fields are stored

	aiChannel      channel.Channel
	aiExplicit     bool
	pendingAIQuery uint32 // nonzero while awaiting a GET_AI_RESP we issued

	ownerChannel channel.Channel
	ownerSet     bool

	// zoneObjects tracks, for each zone this object is watching as a
	// parent, the set of child DoIds CHANGING_LOCATION has told us are
	// there. Populated by HandleChangingLocation, read by
	// HandleGetZoneObjects/HandleGetActiveZones.
	zoneObjects map[uint32]map[uint32]struct{}

	// parentSynchronized is true once our own parent has acked our most
	// recent SET_LOCATION with a matching LOCATION_ACK.
	parentSynchronized bool
}

// New builds a DistributedObject from a generate datagram's field payload.
// required carries the class's required fields in declaration order;
// otherFields, if present, carries additional explicitly-set RAM fields.
func New(host Host, doID, parentID, zoneID uint32, class dclass.Class, it *datagram.Iterator, hasOther bool) (*DistributedObject, error) {
	o := newObject(host, doID, class)

	for _, fieldID := range class.Required {
		field, ok := class.FieldByID(fieldID)
		if !ok {
			return nil, fmt.Errorf("object: class %s missing declared required field %d", class.Name, fieldID)
		}
		val, err := readFieldValue(it)
		if err != nil {
			return nil, fmt.Errorf("object: reading required field %s: %w", field.Name, err)
		}
		o.required[fieldID] = val
	}

	if hasOther {
		count, err := it.GetUint16()
		if err != nil {
			return nil, fmt.Errorf("object: reading other-field count: %w", err)
		}
		for i := uint16(0); i < count; i++ {
			fieldID, err := it.GetUint16()
			if err != nil {
				return nil, fmt.Errorf("object: reading other field id: %w", err)
			}
			val, err := readFieldValue(it)
			if err != nil {
				return nil, fmt.Errorf("object: reading other field %d value: %w", fieldID, err)
			}
			o.ram[fieldID] = val
		}
	}

	// setLocationInternal runs the full protocol even for the initial
	// placement, so siblings under the target zone learn about this object
	// exactly the same way they would for a later relocation.
	_ = o.setLocationInternal(context.Background(), 0, 0, parentID, zoneID)
	return o, nil
}

// FromStored builds a DistributedObject directly from already-decoded field
// values, for the Database State Server's lazy-load path where fields come
// from a Store rather than a generate datagram.
func FromStored(host Host, doID, parentID, zoneID uint32, class dclass.Class, fields map[uint16][]byte) *DistributedObject {
	o := newObject(host, doID, class)

	for id, v := range fields {
		if field, ok := class.FieldByID(id); ok && field.Flags.Required {
			o.required[id] = v
		} else {
			o.ram[id] = v
		}
	}

	_ = o.setLocationInternal(context.Background(), 0, 0, parentID, zoneID)
	return o
}

func newObject(host Host, doID uint32, class dclass.Class) *DistributedObject {
	return &DistributedObject{
		host:        host,
		DoID:        doID,
		Class:       class,
		required:    make(map[uint16][]byte),
		ram:         make(map[uint16][]byte),
		zoneObjects: make(map[uint32]map[uint32]struct{}),
	}
}

// readFieldValue reads one length-prefixed field value blob. The DC
// registry, not this package, knows how to interpret the bytes further; the
// object only needs to store and forward them.
func readFieldValue(it *datagram.Iterator) ([]byte, error) {
	return it.GetBlob()
}

// RequiredField returns the stored bytes for a required field.
func (o *DistributedObject) RequiredField(id uint16) ([]byte, bool) {
	v, ok := o.required[id]
	return v, ok
}

// RAMField returns the stored bytes for an explicitly-set RAM field.
func (o *DistributedObject) RAMField(id uint16) ([]byte, bool) {
	v, ok := o.ram[id]
	return v, ok
}

// RAMFields returns the set of currently explicitly-set RAM field IDs.
func (o *DistributedObject) RAMFields() []uint16 {
	ids := make([]uint16, 0, len(o.ram))
	for id := range o.ram {
		ids = append(ids, id)
	}
	return ids
}

// ParentSynchronized reports whether our current parent has acked our most
// recent location with a matching LOCATION_ACK.
func (o *DistributedObject) ParentSynchronized() bool { return o.parentSynchronized }

// ---------------------------------------------------------------------
// HandleMessage: the per-DO dispatch table.
// ---------------------------------------------------------------------

// HandleMessage routes one per-DoId bus message to the matching handler. it
// must be positioned at the first payload byte (past header + msg type).
// sender is the datagram's sender channel, used by the airecv/ownrecv
// fan-out rule ("sender != ai"/"sender != owner").
func (o *DistributedObject) HandleMessage(ctx context.Context, sender channel.Channel, msgType channel.MsgType, it *datagram.Iterator) error {
	switch msgType {
	case MsgSetField:
		return o.handleSetFieldMsg(ctx, sender, it)
	case MsgSetFields:
		return o.handleSetFieldsMsg(ctx, sender, it)
	case MsgSetLocation:
		return o.handleSetLocationMsg(ctx, it)
	case MsgChangingLocation:
		return o.handleChangingLocationMsg(ctx, it)
	case MsgLocationAck:
		return o.handleLocationAckMsg(it)
	case MsgSetAI:
		return o.handleSetAIMsg(ctx, it)
	case MsgChangingAI:
		return o.handleChangingAIMsg(ctx, sender, it)
	case MsgGetAI:
		return o.handleGetAIMsg(ctx, sender, it)
	case MsgGetAIResp:
		return o.handleGetAIRespMsg(it)
	case MsgSetOwner:
		return o.handleSetOwnerMsg(ctx, it)
	case MsgGetLocation:
		return o.handleGetLocationMsg(ctx, sender, it)
	case MsgGetLocationResp:
		return o.handleGetLocationRespMsg(it)
	case MsgGetAll:
		return o.handleGetAllMsg(ctx, sender, it)
	case MsgGetField:
		return o.handleGetFieldMsg(ctx, sender, it)
	case MsgGetFields:
		return o.handleGetFieldsMsg(ctx, sender, it)
	case MsgGetZoneObjects:
		return o.handleGetZoneObjectsMsg(ctx, sender, it)
	case MsgGetActiveZones:
		return o.handleGetActiveZonesMsg(ctx, sender, it)
	case MsgDeleteRam:
		return o.HandleDeleteRam(ctx)
	case MsgDeleteChildren:
		return o.handleDeleteChildrenMsg(ctx, it)
	default:
		return fmt.Errorf("object: unhandled message type %d", msgType)
	}
}

// ---- SET_FIELD[S] ----

func (o *DistributedObject) handleSetFieldMsg(ctx context.Context, sender channel.Channel, it *datagram.Iterator) error {
	doID, err := it.GetUint32()
	if err != nil {
		return err
	}
	fieldID, err := it.GetUint16()
	if err != nil {
		return err
	}
	value, err := it.GetBlob()
	if err != nil {
		return err
	}
	if doID != o.DoID {
		return nil // mismatched DoId ignored
	}
	return o.applyFieldUpdate(ctx, sender, fieldID, value)
}

func (o *DistributedObject) handleSetFieldsMsg(ctx context.Context, sender channel.Channel, it *datagram.Iterator) error {
	doID, err := it.GetUint32()
	if err != nil {
		return err
	}
	count, err := it.GetUint16()
	if err != nil {
		return err
	}
	if doID != o.DoID {
		return nil
	}
	for i := uint16(0); i < count; i++ {
		fieldID, err := it.GetUint16()
		if err != nil {
			return err // abort on first malformed entry; already-applied ones stay applied
		}
		value, err := it.GetBlob()
		if err != nil {
			return err
		}
		if err := o.applyFieldUpdate(ctx, sender, fieldID, value); err != nil {
			return err
		}
	}
	return nil
}

// SetField is the direct, non-message entry point used by a Database State
// Server replaying a field update from a queued datagram or applying a
// locally-originated change (no bus sender to exempt from fan-out).
func (o *DistributedObject) SetField(ctx context.Context, id uint16, value []byte) error {
	return o.applyFieldUpdate(ctx, 0, id, value)
}

func (o *DistributedObject) applyFieldUpdate(ctx context.Context, sender channel.Channel, fieldID uint16, value []byte) error {
	field, ok := o.Class.FieldByID(fieldID)
	if !ok {
		return fmt.Errorf("object: set unknown field %d on class %s", fieldID, o.Class.Name)
	}

	if len(field.Molecular) > 0 {
		return o.applyMolecularUpdate(ctx, sender, field, value)
	}

	if field.Flags.Required {
		o.required[fieldID] = value
	} else {
		o.ram[fieldID] = value
	}
	if field.Flags.DB {
		o.host.OnFieldPersist(o.DoID, fieldID, value)
	}

	targets := o.fieldFanoutTargets(sender, field)
	if len(targets) == 0 {
		return nil
	}
	dg := datagram.ToChannels(targets, uint64(sender), uint16(MsgSetField))
	_ = dg.AddUint32(o.DoID)
	_ = dg.AddUint16(fieldID)
	_ = dg.AddBlob(value)
	return o.host.Publish(ctx, targets, dg.Bytes())
}

// applyMolecularUpdate splits a molecular field's combined value into its
// atomic sub-fields, each itself a length-prefixed blob, and applies them
// independently. Molecular fields have no storage of their own.
func (o *DistributedObject) applyMolecularUpdate(ctx context.Context, sender channel.Channel, field dclass.Field, value []byte) error {
	sub := datagram.NewIterator(value)
	for _, atomicID := range field.Molecular {
		v, err := sub.GetBlob()
		if err != nil {
			return fmt.Errorf("object: molecular field %s: %w", field.Name, err)
		}
		if _, ok := o.Class.FieldByID(atomicID); !ok {
			continue
		}
		if err := o.applyFieldUpdate(ctx, sender, atomicID, v); err != nil {
			return err
		}
	}
	return nil
}

// fieldFanoutTargets computes {location broadcast if broadcast, ai if
// airecv and sender != ai, owner if ownrecv and sender != owner}.
func (o *DistributedObject) fieldFanoutTargets(sender channel.Channel, field dclass.Field) []channel.Channel {
	var targets []channel.Channel
	if field.Flags.Broadcast {
		targets = append(targets, o.locationChannel())
	}
	if field.Flags.AIRecv && o.aiChannel != 0 && sender != o.aiChannel {
		targets = append(targets, o.aiChannel)
	}
	if field.Flags.OwnRecv && o.ownerChannel != 0 && sender != o.ownerChannel {
		targets = append(targets, o.ownerChannel)
	}
	return dedup(targets)
}

// ---- location channels ----

// locationChannel is the zone-scoped broadcast channel derived from this
// object's current (parentId, zoneId) — parent and zone packed into a
// single 64-bit channel, high/low word.
func (o *DistributedObject) locationChannel() channel.Channel {
	return LocationChannelFor(o.ParentID, o.ZoneID)
}

// LocationChannelFor computes the zone-scoped broadcast channel for an
// arbitrary (parent, zone) pair, for callers that need to address a
// location this object isn't currently at (e.g. interest resolution).
func LocationChannelFor(parentID, zoneID uint32) channel.Channel {
	return (uint64(parentID) << 32) | uint64(zoneID)
}

func dedup(chs []channel.Channel) []channel.Channel {
	if len(chs) < 2 {
		return chs
	}
	seen := make(map[channel.Channel]struct{}, len(chs))
	out := chs[:0]
	for _, c := range chs {
		if c == 0 {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// ---- AI ----

// AI returns the object's assigned AI channel and whether it was explicitly
// set (as opposed to inherited from its parent).
func (o *DistributedObject) AI() (ch channel.Channel, explicit bool) {
	return o.aiChannel, o.aiExplicit
}

// SetAI explicitly assigns an AI channel to this object, matching the
// SET_AI handler: no-op if unchanged, otherwise send CHANGING_AI to the old
// AI and our children. Nothing is sent to the new AI channel.
func (o *DistributedObject) SetAI(ctx context.Context, newAI channel.Channel) error {
	return o.handleSetAI(ctx, newAI)
}

func (o *DistributedObject) handleSetAIMsg(ctx context.Context, it *datagram.Iterator) error {
	newAI, err := it.GetUint64()
	if err != nil {
		return err
	}
	return o.handleSetAI(ctx, newAI)
}

func (o *DistributedObject) handleSetAI(ctx context.Context, newAI channel.Channel) error {
	old := o.aiChannel
	if newAI == old {
		o.aiExplicit = true
		return nil
	}
	o.aiChannel = newAI
	o.aiExplicit = true
	return o.broadcastChangingAI(ctx, old, newAI)
}

func (o *DistributedObject) broadcastChangingAI(ctx context.Context, old, new_ channel.Channel) error {
	var targets []channel.Channel
	if old != 0 {
		targets = append(targets, old)
	}
	// Child-broadcast: every child watching us as a parent sees the change
	// too, via their own in-process CHANGING_AI handler.
	targets = append(targets, channel.Channel(o.DoID))
	targets = dedup(targets)

	dg := datagram.ToChannels(targets, uint64(o.DoID), uint16(MsgChangingAI))
	_ = dg.AddUint32(o.DoID)
	_ = dg.AddUint64(new_)
	return o.host.Publish(ctx, targets, dg.Bytes())
}

func (o *DistributedObject) handleChangingAIMsg(ctx context.Context, sender channel.Channel, it *datagram.Iterator) error {
	parentDoID, err := it.GetUint32()
	if err != nil {
		return err
	}
	newAI, err := it.GetUint64()
	if err != nil {
		return err
	}
	if parentDoID != o.ParentID {
		return nil // otherwise ignored
	}
	return o.handleAIChange(ctx, newAI, false)
}

// handleAIChange applies an inherited AI change (explicit=false means it
// came from a parent's CHANGING_AI/GET_AI_RESP, not our own SET_AI).
func (o *DistributedObject) handleAIChange(ctx context.Context, newAI channel.Channel, explicit bool) error {
	if o.aiExplicit {
		return nil
	}
	old := o.aiChannel
	o.aiChannel = newAI
	if old == newAI {
		return nil
	}
	return o.broadcastChangingAI(ctx, old, newAI)
}

func (o *DistributedObject) handleGetAIMsg(ctx context.Context, sender channel.Channel, it *datagram.Iterator) error {
	reqCtx, err := it.GetUint32()
	if err != nil {
		return err
	}
	dg := datagram.ToChannel(sender, uint64(o.DoID), uint16(MsgGetAIResp))
	_ = dg.AddUint32(reqCtx)
	_ = dg.AddUint32(o.DoID)
	_ = dg.AddUint64(o.aiChannel)
	return o.host.Publish(ctx, []channel.Channel{sender}, dg.Bytes())
}

func (o *DistributedObject) handleGetAIRespMsg(it *datagram.Iterator) error {
	reqCtx, err := it.GetUint32()
	if err != nil {
		return err
	}
	_, err = it.GetUint32() // responder's own DoId, unused beyond context match
	if err != nil {
		return err
	}
	newAI, err := it.GetUint64()
	if err != nil {
		return err
	}
	if reqCtx != o.pendingAIQuery || o.pendingAIQuery == 0 {
		return nil
	}
	o.pendingAIQuery = 0
	return o.handleAIChange(context.Background(), newAI, false)
}

// ClearAI removes an explicit AI assignment, falling back to inheritance
// from the parent on next lookup.
func (o *DistributedObject) ClearAI() {
	o.aiChannel = 0
	o.aiExplicit = false
}

// ---- Owner ----

// Owner returns the object's current owner channel, if any.
func (o *DistributedObject) Owner() (ch channel.Channel, ok bool) {
	return o.ownerChannel, o.ownerSet
}

// SetOwner assigns an owner channel, notifying the previous owner.
func (o *DistributedObject) SetOwner(ctx context.Context, newOwner channel.Channel) error {
	return o.handleSetOwner(ctx, newOwner)
}

func (o *DistributedObject) handleSetOwnerMsg(ctx context.Context, it *datagram.Iterator) error {
	newOwner, err := it.GetUint64()
	if err != nil {
		return err
	}
	return o.handleSetOwner(ctx, newOwner)
}

func (o *DistributedObject) handleSetOwner(ctx context.Context, newOwner channel.Channel) error {
	old := o.ownerChannel
	if newOwner == old && o.ownerSet {
		return nil
	}
	if old != 0 {
		dg := datagram.ToChannel(old, uint64(o.DoID), uint16(MsgChangingOwner))
		_ = dg.AddUint32(o.DoID)
		_ = dg.AddUint64(newOwner)
		if err := o.host.Publish(ctx, []channel.Channel{old}, dg.Bytes()); err != nil {
			return err
		}
	}
	o.ownerChannel = newOwner
	o.ownerSet = newOwner != 0
	return nil
}

// ---- GET_LOCATION / GET_ALL / GET_FIELD[S] / GET_ACTIVE_ZONES ----

func (o *DistributedObject) handleGetLocationMsg(ctx context.Context, sender channel.Channel, it *datagram.Iterator) error {
	reqCtx, err := it.GetUint32()
	if err != nil {
		return err
	}
	dg := datagram.ToChannel(sender, uint64(o.DoID), uint16(MsgGetLocationResp))
	_ = dg.AddUint32(reqCtx)
	_ = dg.AddUint32(o.DoID)
	_ = dg.AddLocation(o.ParentID, o.ZoneID)
	return o.host.Publish(ctx, []channel.Channel{sender}, dg.Bytes())
}

func (o *DistributedObject) handleGetLocationRespMsg(it *datagram.Iterator) error {
	reqCtx, err := it.GetUint32()
	if err != nil {
		return err
	}
	childID, err := it.GetUint32()
	if err != nil {
		return err
	}
	parentID, zoneID, err := it.GetLocation()
	if err != nil {
		return err
	}
	if reqCtx != WakeChildrenContext {
		return nil // other contexts warn (handled by caller's logging)
	}
	if parentID != o.DoID {
		return nil
	}
	o.addZoneChild(zoneID, childID)
	return nil
}

func (o *DistributedObject) handleGetAllMsg(ctx context.Context, sender channel.Channel, it *datagram.Iterator) error {
	reqCtx, err := it.GetUint32()
	if err != nil {
		return err
	}
	dg := datagram.ToChannel(sender, uint64(o.DoID), uint16(MsgGetAllResp))
	_ = dg.AddUint32(reqCtx)
	_ = dg.AddUint32(o.DoID)
	_ = dg.AddUint16(o.Class.ID)
	_ = dg.AddLocation(o.ParentID, o.ZoneID)
	_ = dg.AddUint16(uint16(len(o.required)))
	for id, v := range o.required {
		_ = dg.AddUint16(id)
		_ = dg.AddBlob(v)
	}
	_ = dg.AddUint16(uint16(len(o.ram)))
	for id, v := range o.ram {
		_ = dg.AddUint16(id)
		_ = dg.AddBlob(v)
	}
	return o.host.Publish(ctx, []channel.Channel{sender}, dg.Bytes())
}

func (o *DistributedObject) handleGetFieldMsg(ctx context.Context, sender channel.Channel, it *datagram.Iterator) error {
	reqCtx, err := it.GetUint32()
	if err != nil {
		return err
	}
	fieldID, err := it.GetUint16()
	if err != nil {
		return err
	}
	v, ok := o.fieldValue(fieldID)
	dg := datagram.ToChannel(sender, uint64(o.DoID), uint16(MsgGetFieldResp))
	_ = dg.AddUint32(reqCtx)
	_ = dg.AddUint32(o.DoID)
	_ = dg.AddBool(ok)
	_ = dg.AddUint16(fieldID)
	if ok {
		_ = dg.AddBlob(v)
	}
	return o.host.Publish(ctx, []channel.Channel{sender}, dg.Bytes())
}

func (o *DistributedObject) handleGetFieldsMsg(ctx context.Context, sender channel.Channel, it *datagram.Iterator) error {
	reqCtx, err := it.GetUint32()
	if err != nil {
		return err
	}
	count, err := it.GetUint16()
	if err != nil {
		return err
	}
	seen := make(map[uint16]struct{}, count)
	type present struct {
		id  uint16
		val []byte
	}
	var found []present
	for i := uint16(0); i < count; i++ {
		fieldID, err := it.GetUint16()
		if err != nil {
			return err
		}
		if _, dup := seen[fieldID]; dup {
			continue // duplicate fids in multi warned but counted once
		}
		seen[fieldID] = struct{}{}
		if v, ok := o.fieldValue(fieldID); ok {
			found = append(found, present{fieldID, v})
		}
	}
	dg := datagram.ToChannel(sender, uint64(o.DoID), uint16(MsgGetFieldsResp))
	_ = dg.AddUint32(reqCtx)
	_ = dg.AddUint32(o.DoID)
	_ = dg.AddUint16(uint16(len(found)))
	for _, f := range found {
		_ = dg.AddUint16(f.id)
		_ = dg.AddBlob(f.val)
	}
	return o.host.Publish(ctx, []channel.Channel{sender}, dg.Bytes())
}

// fieldValue expands a molecular field from its atomics; otherwise returns
// the plain stored value.
func (o *DistributedObject) fieldValue(fieldID uint16) ([]byte, bool) {
	field, ok := o.Class.FieldByID(fieldID)
	if !ok {
		return nil, false
	}
	if len(field.Molecular) > 0 {
		dg := datagram.New()
		for _, atomicID := range field.Molecular {
			v, ok := o.fieldValue(atomicID)
			if !ok {
				return nil, false
			}
			_ = dg.AddBlob(v)
		}
		return dg.Bytes(), true
	}
	if v, ok := o.required[fieldID]; ok {
		return v, true
	}
	if v, ok := o.ram[fieldID]; ok {
		return v, true
	}
	return nil, false
}

func (o *DistributedObject) handleGetZoneObjectsMsg(ctx context.Context, sender channel.Channel, it *datagram.Iterator) error {
	reqCtx, err := it.GetUint32()
	if err != nil {
		return err
	}
	parentField, err := it.GetUint32()
	if err != nil {
		return err
	}
	zoneCount, err := it.GetUint16()
	if err != nil {
		return err
	}
	zones := make([]uint32, zoneCount)
	for i := range zones {
		zones[i], err = it.GetUint32()
		if err != nil {
			return err
		}
	}
	return o.HandleGetZoneObjects(ctx, reqCtx, parentField, zones, sender)
}

// HandleGetZoneObjects implements the parent==self branch of GET_ZONE_OBJECTS:
// tally every locally-known child across the requested zones, reply the
// count, then send each child's own location/interest entry. The
// "rebroadcast to child-broadcast, let each child reply for itself" shape
// described by spec.md §4.2 is flattened into a single local pass since a
// child hosted by this same process can answer synchronously.
func (o *DistributedObject) HandleGetZoneObjects(ctx context.Context, reqCtx uint32, parentField uint32, zones []uint32, sender channel.Channel) error {
	if parentField != o.DoID {
		return nil
	}

	var entries []*DistributedObject
	for _, z := range zones {
		for _, childID := range o.host.ZoneObjects(o.DoID, z, o.DoID) {
			child, ok := o.host.Lookup(childID)
			if !ok {
				continue
			}
			entries = append(entries, child)
		}
	}

	dgCount := datagram.ToChannel(sender, uint64(o.DoID), uint16(MsgGetZonesCountResp))
	_ = dgCount.AddUint32(reqCtx)
	_ = dgCount.AddUint32(uint32(len(entries)))
	if err := o.host.Publish(ctx, []channel.Channel{sender}, dgCount.Bytes()); err != nil {
		return err
	}

	for _, child := range entries {
		if err := child.sendLocationEntry(ctx, sender, reqCtx, child.parentSynchronized); err != nil {
			return err
		}
	}
	return nil
}

func (o *DistributedObject) handleGetActiveZonesMsg(ctx context.Context, sender channel.Channel, it *datagram.Iterator) error {
	reqCtx, err := it.GetUint32()
	if err != nil {
		return err
	}
	zones := make([]uint32, 0, len(o.zoneObjects))
	for z := range o.zoneObjects {
		zones = append(zones, z)
	}
	dg := datagram.ToChannel(sender, uint64(o.DoID), uint16(MsgGetActiveZonesResp))
	_ = dg.AddUint32(reqCtx)
	_ = dg.AddUint16(uint16(len(zones)))
	for _, z := range zones {
		_ = dg.AddUint32(z)
	}
	return o.host.Publish(ctx, []channel.Channel{sender}, dg.Bytes())
}

// ---- zone_objects bookkeeping ----

func (o *DistributedObject) addZoneChild(zoneID, childID uint32) {
	set, ok := o.zoneObjects[zoneID]
	if !ok {
		set = make(map[uint32]struct{})
		o.zoneObjects[zoneID] = set
	}
	set[childID] = struct{}{}
}

func (o *DistributedObject) removeZoneChild(zoneID, childID uint32) {
	set, ok := o.zoneObjects[zoneID]
	if !ok {
		return
	}
	delete(set, childID)
	if len(set) == 0 {
		delete(o.zoneObjects, zoneID)
	}
}

// ---- Location protocol (spec.md §4.2 "Location protocol") ----

// SetLocation runs the full location-change protocol from our current
// location to the new one.
func (o *DistributedObject) SetLocation(ctx context.Context, newParentID, newZoneID uint32) error {
	if newParentID == o.DoID {
		return fmt.Errorf("object: refusing to set own DoId %d as parent", o.DoID)
	}
	return o.setLocationInternal(ctx, o.ParentID, o.ZoneID, newParentID, newZoneID)
}

func (o *DistributedObject) handleSetLocationMsg(ctx context.Context, it *datagram.Iterator) error {
	newParentID, newZoneID, err := it.GetLocation()
	if err != nil {
		return err
	}
	return o.SetLocation(ctx, newParentID, newZoneID)
}

func (o *DistributedObject) setLocationInternal(ctx context.Context, oldParentID, oldZoneID, newParentID, newZoneID uint32) error {
	targets := o.locationTargets(oldParentID, oldZoneID, newParentID)

	if newParentID != oldParentID {
		if oldParentID != 0 {
			o.host.UnwatchParent(oldParentID)
		}
		if newParentID != 0 {
			o.host.WatchParent(newParentID)
			if !o.aiExplicit {
				o.queryParentAI(ctx, newParentID)
			}
		} else {
			o.ClearAI()
		}
	}

	o.ParentID = newParentID
	o.ZoneID = newZoneID
	o.parentSynchronized = false

	if len(targets) > 0 {
		dg := datagram.ToChannels(targets, uint64(o.DoID), uint16(MsgChangingLocation))
		_ = dg.AddUint32(o.DoID)
		_ = dg.AddLocation(newParentID, newZoneID)
		_ = dg.AddLocation(oldParentID, oldZoneID)
		if err := o.host.Publish(ctx, targets, dg.Bytes()); err != nil {
			return fmt.Errorf("object: publish changing-location: %w", err)
		}
	}

	if newParentID != 0 {
		// Ordering: CHANGING_LOCATION above must land before this entry, so
		// the new parent updates zone_objects and acks before anyone
		// interested in the new location channel sees the entry.
		if err := o.sendLocationEntry(ctx, LocationChannelFor(newParentID, newZoneID), 0, false); err != nil {
			return fmt.Errorf("object: publish enter-location: %w", err)
		}
	}
	return nil
}

// locationTargets computes {ai, owner, old_parent, locate(old_parent,
// old_zone), new_parent} minus zeros.
func (o *DistributedObject) locationTargets(oldParentID, oldZoneID, newParentID uint32) []channel.Channel {
	var targets []channel.Channel
	if o.aiChannel != 0 {
		targets = append(targets, o.aiChannel)
	}
	if o.ownerChannel != 0 {
		targets = append(targets, o.ownerChannel)
	}
	if oldParentID != 0 {
		targets = append(targets, channel.Channel(oldParentID))
	}
	if oldParentID != 0 || oldZoneID != 0 {
		targets = append(targets, LocationChannelFor(oldParentID, oldZoneID))
	}
	if newParentID != 0 {
		targets = append(targets, channel.Channel(newParentID))
	}
	return dedup(targets)
}

func (o *DistributedObject) queryParentAI(ctx context.Context, newParentID uint32) {
	reqCtx := o.host.NextContext()
	o.pendingAIQuery = reqCtx
	dg := datagram.ToChannel(channel.Channel(newParentID), uint64(o.DoID), uint16(MsgGetAI))
	_ = dg.AddUint32(reqCtx)
	_ = o.host.Publish(ctx, []channel.Channel{channel.Channel(newParentID)}, dg.Bytes())
}

// sendLocationEntry publishes an ENTER_LOCATION_WITH_REQUIRED entry for this
// object to `to`. withContext marks it as the "interest entry" variant
// (parent_synchronized==true at GET_ZONE_OBJECTS time): the same wire shape
// carries an extra request context so an IOP can match it to a pending
// GET_ZONES_COUNT_RESP.
func (o *DistributedObject) sendLocationEntry(ctx context.Context, to channel.Channel, reqCtx uint32, withContext bool) error {
	dg := datagram.ToChannel(to, uint64(o.DoID), uint16(MsgEnterLocationRequired))
	_ = dg.AddUint32(o.DoID)
	_ = dg.AddUint16(o.Class.ID)
	_ = dg.AddLocation(o.ParentID, o.ZoneID)
	_ = dg.AddBool(withContext)
	if withContext {
		_ = dg.AddUint32(reqCtx)
	}
	for _, fieldID := range o.Class.Required {
		_ = dg.AddBlob(o.required[fieldID])
	}
	return o.host.Publish(ctx, []channel.Channel{to}, dg.Bytes())
}

func (o *DistributedObject) handleChangingLocationMsg(ctx context.Context, it *datagram.Iterator) error {
	childID, err := it.GetUint32()
	if err != nil {
		return err
	}
	newParentID, newZoneID, err := it.GetLocation()
	if err != nil {
		return err
	}
	oldParentID, oldZoneID, err := it.GetLocation()
	if err != nil {
		return err
	}
	return o.HandleChangingLocation(ctx, childID, newParentID, newZoneID, oldParentID, oldZoneID)
}

// HandleChangingLocation updates zone_objects if we are the old or new
// parent named in the message, replying LOCATION_ACK if we accepted the
// child into our new zone.
func (o *DistributedObject) HandleChangingLocation(ctx context.Context, childID, newParentID, newZoneID, oldParentID, oldZoneID uint32) error {
	matched := false
	if o.DoID == oldParentID {
		o.removeZoneChild(oldZoneID, childID)
		matched = true
	}
	if o.DoID == newParentID {
		o.addZoneChild(newZoneID, childID)
		matched = true
		dg := datagram.ToChannel(channel.Channel(childID), uint64(o.DoID), uint16(MsgLocationAck))
		_ = dg.AddUint32(o.DoID)
		_ = dg.AddUint32(newZoneID)
		if err := o.host.Publish(ctx, []channel.Channel{channel.Channel(childID)}, dg.Bytes()); err != nil {
			return err
		}
	}
	if !matched {
		return fmt.Errorf("object: changing-location for unrelated parent (old=%d new=%d, self=%d)", oldParentID, newParentID, o.DoID)
	}
	return nil
}

func (o *DistributedObject) handleLocationAckMsg(it *datagram.Iterator) error {
	fromParent, err := it.GetUint32()
	if err != nil {
		return err
	}
	zoneID, err := it.GetUint32()
	if err != nil {
		return err
	}
	return o.HandleLocationAck(fromParent, zoneID)
}

// HandleLocationAck flips parent_synchronized if the ack matches our
// current location; a stale ack (from a superseded location change) is
// ignored.
func (o *DistributedObject) HandleLocationAck(fromParent, zoneID uint32) error {
	if fromParent == o.ParentID && zoneID == o.ZoneID {
		o.parentSynchronized = true
	}
	return nil
}

// ---- DELETE_RAM / DELETE_CHILDREN / DELETE_AI_OBJECTS ----

// HandleDeleteRam broadcasts DELETE_RAM to location ∪ ai ∪ owner, tells our
// children to self-annihilate, notifies our parent we've left (0,0), then
// removes ourselves from the host.
func (o *DistributedObject) HandleDeleteRam(ctx context.Context) error {
	targets := dedup([]channel.Channel{o.locationChannel(), o.aiChannel, o.ownerChannel})
	if len(targets) > 0 {
		dg := datagram.ToChannels(targets, uint64(o.DoID), uint16(MsgDeleteRam))
		_ = dg.AddUint32(o.DoID)
		if err := o.host.Publish(ctx, targets, dg.Bytes()); err != nil {
			return err
		}
	}

	if len(o.zoneObjects) > 0 {
		dg := datagram.ToChannel(channel.Channel(o.DoID), uint64(o.DoID), uint16(MsgDeleteChildren))
		_ = dg.AddUint32(o.DoID)
		if err := o.host.Publish(ctx, []channel.Channel{channel.Channel(o.DoID)}, dg.Bytes()); err != nil {
			return err
		}
	}

	if o.ParentID != 0 {
		_ = o.setLocationInternal(ctx, o.ParentID, o.ZoneID, 0, 0)
		o.host.UnwatchParent(o.ParentID)
	}

	o.host.RemoveObject(o.DoID)
	return nil
}

func (o *DistributedObject) handleDeleteChildrenMsg(ctx context.Context, it *datagram.Iterator) error {
	target, err := it.GetUint32()
	if err != nil {
		return err
	}
	return o.HandleDeleteChildren(ctx, target)
}

// HandleDeleteChildren implements the child-broadcast branch of
// DELETE_CHILDREN: target==self means annihilate our own children;
// target==our parent means we ourselves self-annihilate, without
// re-notifying that same parent.
func (o *DistributedObject) HandleDeleteChildren(ctx context.Context, target uint32) error {
	if target == o.DoID {
		for zoneID, children := range o.zoneObjects {
			for childID := range children {
				if child, ok := o.host.Lookup(childID); ok {
					_ = child.annihilate(ctx)
				}
				_ = zoneID
			}
		}
		o.zoneObjects = make(map[uint32]map[uint32]struct{})
		return nil
	}
	if target == o.ParentID {
		return o.annihilate(ctx)
	}
	return nil
}

// annihilate removes this object without re-notifying its parent, used when
// a parent itself has already announced the whole subtree is gone.
func (o *DistributedObject) annihilate(ctx context.Context) error {
	targets := dedup([]channel.Channel{o.locationChannel(), o.aiChannel, o.ownerChannel})
	if len(targets) > 0 {
		dg := datagram.ToChannels(targets, uint64(o.DoID), uint16(MsgDeleteRam))
		_ = dg.AddUint32(o.DoID)
		_ = o.host.Publish(ctx, targets, dg.Bytes())
	}
	if o.ParentID != 0 {
		o.host.UnwatchParent(o.ParentID)
	}
	o.host.RemoveObject(o.DoID)
	return nil
}

// HandleDeleteAIObjects implements the per-object DELETE_AI_OBJECTS branch:
// if our AI equals ai, self-annihilate (notifying parent normally, since we
// weren't told our subtree is gone, only our AI process).
func (o *DistributedObject) HandleDeleteAIObjects(ctx context.Context, ai channel.Channel) error {
	if o.aiChannel != ai {
		return fmt.Errorf("object: delete-ai-objects for %d does not match our ai %d", ai, o.aiChannel)
	}
	return o.HandleDeleteRam(ctx)
}

// Size estimates the object's in-memory footprint in bytes, used for the
// objects-byte-size metric histogram.
func (o *DistributedObject) Size() int {
	n := 0
	for _, v := range o.required {
		n += len(v)
	}
	for _, v := range o.ram {
		n += len(v)
	}
	return n
}

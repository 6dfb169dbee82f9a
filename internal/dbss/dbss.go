// Package dbss implements the Database State Server: a State Server variant
// that does not hold every object in memory up front. Instead it lazily
// materializes a Distributed Object when an ACTIVATE message arrives for its
// DoId, replaying anything that arrived while the load was in flight, and
// persists writes to DB-flagged fields through a Store.
package dbss

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/datagram"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
	"github.com/ksmit799/Ardos-sub000/internal/introspect"
	"github.com/ksmit799/Ardos-sub000/internal/object"
)

// Message types this service handles on its own control channel, in
// addition to the generic per-DoId Distributed Object contract
// (internal/object/protocol.go) it shares with State Server once an object
// is resident. MsgSetField keeps its own pre-existing wire value distinct
// from object.MsgSetField: this package's set-field handling has to work
// whether the target is still loading (queued) or resident, which the
// generic per-object path doesn't need to know about.
const (
	MsgActivateObject      channel.MsgType = 2020
	MsgSetField            channel.MsgType = 2021
	MsgDeleteObject        channel.MsgType = 2022
	MsgActivateObjectOther channel.MsgType = 2023
	MsgGetActivated        channel.MsgType = 2060
	MsgGetActivatedResp    channel.MsgType = 2061
)

// StoredField is one persisted field value.
type StoredField struct {
	FieldID uint16
	Value   []byte
}

// StoredObject is what a Store returns for a successful load.
type StoredObject struct {
	ClassID  uint16
	ParentID uint32
	ZoneID   uint32
	Fields   []StoredField
}

// Store is the persistence contract the Database State Server depends on.
// internal/dbdriver provides the MongoDB-backed implementation; tests use an
// in-memory fake.
type Store interface {
	LoadObject(ctx context.Context, doID uint32) (StoredObject, error)
	SaveField(ctx context.Context, doID uint32, fieldID uint16, value []byte) error
	DeleteObject(ctx context.Context, doID uint32) error
	AllocateDoID(ctx context.Context) (uint32, error)
}

// DatabaseStateServer is one DBSS instance.
type DatabaseStateServer struct {
	log     zerolog.Logger
	bus     channel.Bus
	table   *channel.Table
	channel channel.Channel
	dc      dclass.Registry
	store   Store

	mu      sync.Mutex
	objects map[uint32]*object.DistributedObject
	loading map[uint32]*LoadingObject

	chanRefs map[channel.Channel]int
	nextCtx  uint32
}

// New builds a DBSS bound to ch, subscribing it to ch and the shared
// database-server broadcast channel.
func New(log zerolog.Logger, bus channel.Bus, table *channel.Table, ch channel.Channel, dc dclass.Registry, store Store) *DatabaseStateServer {
	d := &DatabaseStateServer{
		log:      log.With().Str("component", "dbss").Logger(),
		bus:      bus,
		table:    table,
		channel:  ch,
		dc:       dc,
		store:    store,
		objects:  make(map[uint32]*object.DistributedObject),
		loading:  make(map[uint32]*LoadingObject),
		chanRefs: make(map[channel.Channel]int),
	}

	table.Subscribe(ch, d)
	table.Subscribe(channel.BCastDBServers, d)

	return d
}

// Publish implements object.Host.
func (d *DatabaseStateServer) Publish(ctx context.Context, recipients []channel.Channel, data []byte) error {
	return d.bus.Publish(ctx, recipients, data)
}

// ZoneObjects implements object.Host.
func (d *DatabaseStateServer) ZoneObjects(parentID, zoneID uint32, self uint32) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []uint32
	for id, o := range d.objects {
		if id == self {
			continue
		}
		if o.ParentID == parentID && o.ZoneID == zoneID {
			out = append(out, id)
		}
	}
	return out
}

// Lookup implements object.Host.
func (d *DatabaseStateServer) Lookup(doID uint32) (*object.DistributedObject, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[doID]
	return o, ok
}

// NextContext implements object.Host.
func (d *DatabaseStateServer) NextContext() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextCtx++
	return d.nextCtx
}

// WatchParent implements object.Host.
func (d *DatabaseStateServer) WatchParent(parentID uint32) {
	d.ref(channel.Channel(parentID))
}

// UnwatchParent implements object.Host.
func (d *DatabaseStateServer) UnwatchParent(parentID uint32) {
	d.unref(channel.Channel(parentID))
}

func (d *DatabaseStateServer) ref(ch channel.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chanRefs[ch]++
	if d.chanRefs[ch] == 1 {
		d.table.Subscribe(ch, d)
	}
}

func (d *DatabaseStateServer) unref(ch channel.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.chanRefs[ch] == 0 {
		return
	}
	d.chanRefs[ch]--
	if d.chanRefs[ch] == 0 {
		delete(d.chanRefs, ch)
		d.table.Unsubscribe(ch, d)
	}
}

// OnFieldPersist implements object.Host: every DB-flagged write is queued to
// the store.
func (d *DatabaseStateServer) OnFieldPersist(doID uint32, fieldID uint16, value []byte) {
	if err := d.store.SaveField(context.Background(), doID, fieldID, value); err != nil {
		d.log.Error().Err(err).Uint32("do_id", doID).Uint16("field_id", fieldID).Msg("failed to persist field")
	}
}

// RemoveObject implements object.Host: releases a resident object entirely,
// matching DELETE_RAM. The persisted copy, if any, is untouched — only
// DBSS_OBJECT_DELETE_DISK removes that.
func (d *DatabaseStateServer) RemoveObject(doID uint32) {
	d.mu.Lock()
	_, ok := d.objects[doID]
	if ok {
		delete(d.objects, doID)
	}
	d.mu.Unlock()
	if ok {
		d.table.Unsubscribe(channel.Channel(doID), d)
	}
}

// HandleDatagram implements channel.Subscriber. Datagrams addressed to a
// DoId channel that is still loading are queued whole (raw bytes) rather
// than parsed, since the object they target doesn't exist yet.
func (d *DatabaseStateServer) HandleDatagram(routingKey channel.Channel, data []byte) {
	d.mu.Lock()
	lo, loading := d.loading[uint32(routingKey)]
	d.mu.Unlock()
	if loading {
		if lo.Enqueue(data) {
			return
		}
		// Lost the race with Activate finishing; fall through and handle
		// normally against the now-resident object.
	}

	it := datagram.NewIterator(data)
	_, sender, err := it.SeekHeader()
	if err != nil {
		d.log.Error().Err(err).Msg("received a truncated datagram")
		return
	}
	msgType, err := it.GetUint16()
	if err != nil {
		d.log.Error().Err(err).Msg("received a truncated datagram")
		return
	}

	switch msgType {
	case MsgActivateObject:
		d.handleActivate(it, false)
		return
	case MsgActivateObjectOther:
		d.handleActivate(it, true)
		return
	case MsgSetField:
		d.handleSetField(routingKey, it, sender)
		return
	case MsgDeleteObject:
		d.handleDeleteDisk(uint32(routingKey))
		return
	}

	doID := uint32(routingKey)
	d.mu.Lock()
	obj, resident := d.objects[doID]
	d.mu.Unlock()

	if !resident {
		switch msgType {
		case MsgGetActivated:
			d.handleGetActivated(doID, channel.Channel(sender), it, false)
		case object.MsgGetField, object.MsgGetFields, object.MsgGetAll:
			d.handleGetAbsent(doID, channel.Channel(sender), msgType, it)
		default:
			d.log.Warn().Uint16("msg_type", msgType).Uint64("sender", sender).Uint32("do_id", doID).Msg("received message for non-resident, non-loading object")
		}
		return
	}

	if msgType == MsgGetActivated {
		d.handleGetActivated(doID, channel.Channel(sender), it, true)
		return
	}

	if err := obj.HandleMessage(context.Background(), channel.Channel(sender), msgType, it); err != nil {
		d.log.Error().Err(err).Uint32("do_id", doID).Uint16("msg_type", msgType).Msg("failed handling per-object message")
	}
}

// handleActivate starts (or tolerates a duplicate of) lazy materialization
// of a DoId. The doID is mandatory; a parent/zone placement and, for the
// _OTHER variant, a default class+fields payload are optional trailing
// fields so pre-existing doID-only activations keep working unchanged.
func (d *DatabaseStateServer) handleActivate(it *datagram.Iterator, other bool) {
	doID, err := it.GetUint32()
	if err != nil {
		d.log.Error().Err(err).Msg("truncated activate-object")
		return
	}

	var hasLocation bool
	var parentID, zoneID uint32
	var classID uint16
	var fields map[uint16][]byte
	if it.Remaining() > 0 {
		hasLocation = true
		if parentID, err = it.GetUint32(); err != nil {
			d.log.Error().Err(err).Msg("truncated activate-object location")
			return
		}
		if zoneID, err = it.GetUint32(); err != nil {
			d.log.Error().Err(err).Msg("truncated activate-object location")
			return
		}
		if other {
			if classID, err = it.GetUint16(); err != nil {
				d.log.Error().Err(err).Msg("truncated activate-object-other class")
				return
			}
			count, err := it.GetUint16()
			if err != nil {
				d.log.Error().Err(err).Msg("truncated activate-object-other field count")
				return
			}
			fields = make(map[uint16][]byte, count)
			for i := uint16(0); i < count; i++ {
				fieldID, err := it.GetUint16()
				if err != nil {
					d.log.Error().Err(err).Msg("truncated activate-object-other field")
					return
				}
				val, err := it.GetBlob()
				if err != nil {
					d.log.Error().Err(err).Msg("truncated activate-object-other field")
					return
				}
				fields[fieldID] = val
			}
		}
	}

	d.mu.Lock()
	if _, resident := d.objects[doID]; resident {
		d.mu.Unlock()
		return
	}
	if existing, isLoading := d.loading[doID]; isLoading {
		// A second activation for a DoId already in flight is tolerated,
		// not an error — both callers are satisfied by the same load.
		existing.AddValidContext(doID)
		d.mu.Unlock()
		return
	}
	lo := NewLoadingObject(doID, hasLocation, parentID, zoneID, classID, fields)
	d.loading[doID] = lo
	d.mu.Unlock()

	d.table.Subscribe(channel.Channel(doID), d)

	go d.materialize(doID, lo)
}

func (d *DatabaseStateServer) materialize(doID uint32, lo *LoadingObject) {
	ctx := context.Background()
	stored, err := d.store.LoadObject(ctx, doID)
	classID, overrideFields, hasOverride := lo.ClassOverride()

	if err != nil {
		if !hasOverride {
			d.log.Error().Err(err).Uint32("do_id", doID).Msg("failed to load object from database")
			lo.Fail()
			d.mu.Lock()
			delete(d.loading, doID)
			d.mu.Unlock()
			d.table.Unsubscribe(channel.Channel(doID), d)
			return
		}
		// Not in the store yet: ACTIVATE_WITH_DEFAULTS_OTHER seeds it.
		stored = StoredObject{ClassID: classID}
		for id, v := range overrideFields {
			stored.Fields = append(stored.Fields, StoredField{FieldID: id, Value: v})
		}
	} else if hasOverride {
		// Present in the store: its values win over the supplied defaults,
		// but any field the store doesn't have falls back to the default.
		have := make(map[uint16]struct{}, len(stored.Fields))
		for _, f := range stored.Fields {
			have[f.FieldID] = struct{}{}
		}
		for id, v := range overrideFields {
			if _, ok := have[id]; !ok {
				stored.Fields = append(stored.Fields, StoredField{FieldID: id, Value: v})
			}
		}
	}

	if parentID, zoneID, ok := lo.Location(); ok {
		stored.ParentID, stored.ZoneID = parentID, zoneID
	}

	class, ok := d.dc.ClassByID(stored.ClassID)
	if !ok {
		d.log.Error().Uint16("dc_id", stored.ClassID).Msg("loaded object references unknown distributed class")
		lo.Fail()
		d.mu.Lock()
		delete(d.loading, doID)
		d.mu.Unlock()
		d.table.Unsubscribe(channel.Channel(doID), d)
		return
	}

	obj := object.FromStored(d, doID, stored.ParentID, stored.ZoneID, class, toObjectFields(stored.Fields))

	d.mu.Lock()
	d.objects[doID] = obj
	queued := lo.Activate(obj)
	delete(d.loading, doID)
	d.mu.Unlock()

	for _, q := range queued {
		d.dispatchToObject(doID, q)
	}
}

func toObjectFields(fields []StoredField) map[uint16][]byte {
	m := make(map[uint16][]byte, len(fields))
	for _, f := range fields {
		m[f.FieldID] = f.Value
	}
	return m
}

func (d *DatabaseStateServer) handleSetField(routingKey channel.Channel, it *datagram.Iterator, sender uint64) {
	doID := uint32(routingKey)

	fieldID, err := it.GetUint16()
	if err != nil {
		d.log.Error().Err(err).Msg("truncated set-field")
		return
	}
	value, err := it.GetBlob()
	if err != nil {
		d.log.Error().Err(err).Msg("truncated set-field")
		return
	}

	d.mu.Lock()
	obj, ok := d.objects[doID]
	d.mu.Unlock()
	if !ok {
		d.log.Warn().Uint32("do_id", doID).Msg("set-field for object not resident")
		return
	}

	if err := obj.SetField(context.Background(), fieldID, value); err != nil {
		d.log.Error().Err(err).Uint32("do_id", doID).Msg("failed to apply field update")
	}
}

// handleDeleteDisk implements DBSS_OBJECT_DELETE_DISK: removes the
// persisted document and, if resident, the in-memory copy too.
func (d *DatabaseStateServer) handleDeleteDisk(doID uint32) {
	if err := d.store.DeleteObject(context.Background(), doID); err != nil {
		d.log.Error().Err(err).Uint32("do_id", doID).Msg("failed to delete persisted object")
	}

	d.mu.Lock()
	obj, resident := d.objects[doID]
	d.mu.Unlock()
	if resident {
		if err := obj.HandleDeleteRam(context.Background()); err != nil {
			d.log.Error().Err(err).Uint32("do_id", doID).Msg("failed tearing down deleted object")
		}
	}
}

// handleGetActivated answers DBSS_OBJECT_GET_ACTIVATED: whether doID is
// currently resident or mid-load. resident is passed in by the caller,
// which already holds the residency check result.
func (d *DatabaseStateServer) handleGetActivated(doID uint32, sender channel.Channel, it *datagram.Iterator, resident bool) {
	reqCtx, err := it.GetUint32()
	if err != nil {
		d.log.Error().Err(err).Msg("truncated get-activated")
		return
	}
	d.mu.Lock()
	_, loading := d.loading[doID]
	d.mu.Unlock()

	dg := datagram.ToChannel(uint64(sender), uint64(doID), uint16(MsgGetActivatedResp))
	_ = dg.AddUint32(reqCtx)
	_ = dg.AddBool(resident || loading)
	if err := d.bus.Publish(context.Background(), []channel.Channel{sender}, dg.Bytes()); err != nil {
		d.log.Error().Err(err).Msg("failed to publish get-activated response")
	}
}

// handleGetAbsent answers GET_FIELD/GET_FIELDS/GET_ALL for a DoId that has
// never been activated, reading straight through to the store rather than
// materializing an object just to answer one query. Only DB-flagged values
// the store actually has are ever returned; RAM-only fields have no value
// until the object is activated.
func (d *DatabaseStateServer) handleGetAbsent(doID uint32, sender channel.Channel, msgType channel.MsgType, it *datagram.Iterator) {
	ctx := context.Background()
	stored, err := d.store.LoadObject(ctx, doID)
	found := err == nil

	switch msgType {
	case object.MsgGetField:
		reqCtx, e := it.GetUint32()
		if e != nil {
			return
		}
		fieldID, e := it.GetUint16()
		if e != nil {
			return
		}
		var val []byte
		var ok bool
		if found {
			for _, f := range stored.Fields {
				if f.FieldID == fieldID {
					val, ok = f.Value, true
					break
				}
			}
		}
		dg := datagram.ToChannel(uint64(sender), uint64(doID), uint16(object.MsgGetFieldResp))
		_ = dg.AddUint32(reqCtx)
		_ = dg.AddUint32(doID)
		_ = dg.AddBool(ok)
		_ = dg.AddUint16(fieldID)
		if ok {
			_ = dg.AddBlob(val)
		}
		_ = d.bus.Publish(ctx, []channel.Channel{sender}, dg.Bytes())

	case object.MsgGetFields:
		reqCtx, e := it.GetUint32()
		if e != nil {
			return
		}
		count, e := it.GetUint16()
		if e != nil {
			return
		}
		wanted := make(map[uint16]struct{}, count)
		for i := uint16(0); i < count; i++ {
			fid, e := it.GetUint16()
			if e != nil {
				return
			}
			wanted[fid] = struct{}{}
		}
		type present struct {
			id  uint16
			val []byte
		}
		var out []present
		if found {
			for _, f := range stored.Fields {
				if _, ok := wanted[f.FieldID]; ok {
					out = append(out, present{f.FieldID, f.Value})
				}
			}
		}
		dg := datagram.ToChannel(uint64(sender), uint64(doID), uint16(object.MsgGetFieldsResp))
		_ = dg.AddUint32(reqCtx)
		_ = dg.AddUint32(doID)
		_ = dg.AddUint16(uint16(len(out)))
		for _, p := range out {
			_ = dg.AddUint16(p.id)
			_ = dg.AddBlob(p.val)
		}
		_ = d.bus.Publish(ctx, []channel.Channel{sender}, dg.Bytes())

	case object.MsgGetAll:
		reqCtx, e := it.GetUint32()
		if e != nil {
			return
		}
		dg := datagram.ToChannel(uint64(sender), uint64(doID), uint16(object.MsgGetAllResp))
		_ = dg.AddUint32(reqCtx)
		_ = dg.AddUint32(doID)
		if !found {
			_ = dg.AddUint16(0) // classID 0: caller's signal that doID was never activated
			_ = dg.AddLocation(0, 0)
			_ = dg.AddUint16(0)
			_ = dg.AddUint16(0)
			_ = d.bus.Publish(ctx, []channel.Channel{sender}, dg.Bytes())
			return
		}

		class, classOK := d.dc.ClassByID(stored.ClassID)
		_ = dg.AddUint16(stored.ClassID)
		_ = dg.AddLocation(stored.ParentID, stored.ZoneID)

		var required, ram []StoredField
		for _, f := range stored.Fields {
			isRequired := false
			if classOK {
				if fld, fok := class.FieldByID(f.FieldID); fok {
					isRequired = fld.Flags.Required
				}
			}
			if isRequired {
				required = append(required, f)
			} else {
				ram = append(ram, f)
			}
		}
		_ = dg.AddUint16(uint16(len(required)))
		for _, f := range required {
			_ = dg.AddUint16(f.FieldID)
			_ = dg.AddBlob(f.Value)
		}
		_ = dg.AddUint16(uint16(len(ram)))
		for _, f := range ram {
			_ = dg.AddUint16(f.FieldID)
			_ = dg.AddBlob(f.Value)
		}
		_ = d.bus.Publish(ctx, []channel.Channel{sender}, dg.Bytes())
	}
}

// dispatchToObject re-enters HandleDatagram's dispatch for a queued, raw
// datagram once its object has finished loading.
func (d *DatabaseStateServer) dispatchToObject(doID uint32, data []byte) {
	d.HandleDatagram(channel.Channel(doID), data)
}

// Object returns a resident object by DoId, for tests and introspection.
func (d *DatabaseStateServer) Object(doID uint32) (*object.DistributedObject, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[doID]
	return o, ok
}

// IsLoading reports whether doID currently has a load in flight.
func (d *DatabaseStateServer) IsLoading(doID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.loading[doID]
	return ok
}

// Snapshot implements introspect.Snapshotter.
func (d *DatabaseStateServer) Snapshot() any {
	d.mu.Lock()
	defer d.mu.Unlock()

	resident := make([]introspect.ObjectBrief, 0, len(d.objects))
	for _, o := range d.objects {
		resident = append(resident, introspect.ObjectBrief{
			DoID:     o.DoID,
			ParentID: o.ParentID,
			ZoneID:   o.ZoneID,
			ClassID:  o.Class.ID,
		})
	}
	loading := make([]uint32, 0, len(d.loading))
	for doID := range d.loading {
		loading = append(loading, doID)
	}
	return introspect.DBSSSnapshot{
		Channel:      uint64(d.channel),
		Resident:     resident,
		LoadingDoIDs: loading,
	}
}

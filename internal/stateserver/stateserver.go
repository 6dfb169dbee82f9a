// Package stateserver implements the State Server: the in-memory authority
// for live Distributed Objects. It owns a channel subscription table, a bus
// connection, and a map of hosted objects, dispatching generate/delete/field
// messages addressed to its assigned channel and to the shared State Server
// broadcast channel.
package stateserver

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/datagram"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
	"github.com/ksmit799/Ardos-sub000/internal/introspect"
	"github.com/ksmit799/Ardos-sub000/internal/object"
)

// Message types this service handles. Values mirror the cluster's fixed
// message-type space.
const (
	MsgCreateObjectWithRequired      channel.MsgType = 2010
	MsgCreateObjectWithRequiredOther channel.MsgType = 2011
	MsgDeleteAIObjects               channel.MsgType = 2012
)

// StateServer is one State Server instance, addressed by a single
// configured channel plus the shared broadcast channel every instance
// subscribes to.
type StateServer struct {
	log     zerolog.Logger
	bus     channel.Bus
	table   *channel.Table
	channel channel.Channel
	dc      dclass.Registry

	objects map[uint32]*object.DistributedObject

	// chanRefs ref-counts this process's subscriptions to channels other
	// than an object's own DoId (currently only parent-watch channels),
	// so WatchParent/UnwatchParent never call table.Subscribe twice for
	// the same channel — channel.Table itself does not de-duplicate
	// subscribers.
	chanRefs map[channel.Channel]int

	nextCtx uint32

	objectsGauge   Gauge
	objectsSizeObs Histogram
}

// Gauge and Histogram are the minimal metric interfaces this package needs,
// satisfied by internal/metrics's prometheus wrappers and trivially faked in
// tests.
type Gauge interface {
	Inc()
	Dec()
}

type Histogram interface {
	Observe(float64)
}

// Option configures optional dependencies at construction time.
type Option func(*StateServer)

// WithMetrics attaches the objects-count gauge and objects-size histogram.
func WithMetrics(g Gauge, h Histogram) Option {
	return func(s *StateServer) {
		s.objectsGauge = g
		s.objectsSizeObs = h
	}
}

// New builds a State Server bound to ch, subscribes it to ch and the shared
// broadcast channel, and registers it with the bus's subscription table.
func New(ctx context.Context, log zerolog.Logger, bus channel.Bus, table *channel.Table, ch channel.Channel, dc dclass.Registry, opts ...Option) (*StateServer, error) {
	s := &StateServer{
		log:     log.With().Str("component", "ss").Logger(),
		bus:     bus,
		table:   table,
		channel:  ch,
		dc:       dc,
		objects:  make(map[uint32]*object.DistributedObject),
		chanRefs: make(map[channel.Channel]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	table.Subscribe(ch, s)
	table.Subscribe(channel.BCastStateServers, s)

	return s, nil
}

// Publish implements object.Host.
func (s *StateServer) Publish(ctx context.Context, recipients []channel.Channel, data []byte) error {
	return s.bus.Publish(ctx, recipients, data)
}

// ZoneObjects implements object.Host.
func (s *StateServer) ZoneObjects(parentID, zoneID uint32, self uint32) []uint32 {
	var out []uint32
	for id, o := range s.objects {
		if id == self {
			continue
		}
		if o.ParentID == parentID && o.ZoneID == zoneID {
			out = append(out, id)
		}
	}
	return out
}

// OnFieldPersist implements object.Host. A plain State Server has nowhere to
// persist DB-flagged fields; the Database State Server is a separate
// object.Host implementation whose OnFieldPersist writes to its store.
// Held here only to satisfy the interface for objects hosted
// directly by a plain State Server (DB fields on a non-DB class are inert).
func (s *StateServer) OnFieldPersist(doID uint32, fieldID uint16, value []byte) {}

// Lookup implements object.Host.
func (s *StateServer) Lookup(doID uint32) (*object.DistributedObject, bool) {
	o, ok := s.objects[doID]
	return o, ok
}

// NextContext implements object.Host.
func (s *StateServer) NextContext() uint32 {
	s.nextCtx++
	return s.nextCtx
}

// WatchParent implements object.Host: subscribes this process to a parent's
// child-broadcast channel on the first child to ask for it.
func (s *StateServer) WatchParent(parentID uint32) {
	s.ref(channel.Channel(parentID))
}

// UnwatchParent implements object.Host: unsubscribes once the last local
// child watching that parent is gone.
func (s *StateServer) UnwatchParent(parentID uint32) {
	s.unref(channel.Channel(parentID))
}

func (s *StateServer) ref(ch channel.Channel) {
	s.chanRefs[ch]++
	if s.chanRefs[ch] == 1 {
		s.table.Subscribe(ch, s)
	}
}

func (s *StateServer) unref(ch channel.Channel) {
	if s.chanRefs[ch] == 0 {
		return
	}
	s.chanRefs[ch]--
	if s.chanRefs[ch] == 0 {
		delete(s.chanRefs, ch)
		s.table.Unsubscribe(ch, s)
	}
}

// HandleDatagram implements channel.Subscriber.
func (s *StateServer) HandleDatagram(routingKey channel.Channel, data []byte) {
	it := datagram.NewIterator(data)
	sender, msgType, err := s.seekSenderAndType(it)
	if err != nil {
		s.log.Error().Err(err).Msg("received a truncated datagram")
		return
	}

	switch msgType {
	case MsgCreateObjectWithRequired:
		s.handleGenerate(it, false)
	case MsgCreateObjectWithRequiredOther:
		s.handleGenerate(it, true)
	case MsgDeleteAIObjects:
		// This type is overloaded: a fresh one arrives on the control/
		// broadcast channel naming the AI that went offline, and this
		// handler's own republish of it lands back on each matched
		// object's own channel to actually tear it down.
		if routingKey == s.channel || routingKey == channel.BCastStateServers {
			s.handleDeleteAI(it, sender)
		} else {
			s.dispatchToObject(routingKey, sender, msgType, data)
		}
	default:
		s.dispatchToObject(routingKey, sender, msgType, data)
	}
}

// dispatchToObject routes every per-DoId message in the Distributed Object
// message contract to the object hosted on routingKey. Child-broadcast
// types (CHANGING_AI, DELETE_CHILDREN) additionally fan out to every local
// child of that parent, since this process answers for all of them without
// a further bus round trip.
func (s *StateServer) dispatchToObject(routingKey channel.Channel, sender uint64, msgType channel.MsgType, data []byte) {
	if obj, ok := s.objects[uint32(routingKey)]; ok {
		it := datagram.NewIterator(data)
		if err := it.SeekPayload(); err != nil {
			s.log.Error().Err(err).Msg("truncated per-object datagram")
			return
		}
		if msgType == MsgDeleteAIObjects {
			aiChannel, err := it.GetUint64()
			if err != nil {
				s.log.Error().Err(err).Msg("truncated delete-ai-objects")
				return
			}
			if err := obj.HandleDeleteAIObjects(context.Background(), channel.Channel(aiChannel)); err != nil {
				s.log.Error().Err(err).Uint32("do_id", obj.DoID).Msg("failed handling delete-ai-objects")
			}
			return
		}
		if err := obj.HandleMessage(context.Background(), channel.Channel(sender), msgType, it); err != nil {
			s.log.Error().Err(err).Uint32("do_id", obj.DoID).Uint16("msg_type", msgType).Msg("failed handling per-object message")
		}
		return
	}

	switch msgType {
	case object.MsgChangingAI, object.MsgDeleteChildren:
		for _, child := range s.childrenOf(routingKey) {
			it := datagram.NewIterator(data)
			if err := it.SeekPayload(); err != nil {
				continue
			}
			if err := child.HandleMessage(context.Background(), channel.Channel(sender), msgType, it); err != nil {
				s.log.Error().Err(err).Uint32("do_id", child.DoID).Msg("failed handling child-broadcast message")
			}
		}
	default:
		s.log.Warn().Uint16("msg_type", msgType).Uint64("sender", sender).Uint64("routing_key", uint64(routingKey)).Msg("received message for unknown object")
	}
}

// childrenOf returns every locally-hosted object whose parent is the
// watched channel, for fanning out a parent-channel broadcast.
func (s *StateServer) childrenOf(parentChannel channel.Channel) []*object.DistributedObject {
	var out []*object.DistributedObject
	for _, o := range s.objects {
		if uint64(o.ParentID) == uint64(parentChannel) {
			out = append(out, o)
		}
	}
	return out
}

func (s *StateServer) seekSenderAndType(it *datagram.Iterator) (sender uint64, msgType uint16, err error) {
	_, sender, err = it.SeekHeader()
	if err != nil {
		return 0, 0, err
	}
	msgType, err = it.GetUint16()
	return sender, msgType, err
}

func (s *StateServer) handleGenerate(it *datagram.Iterator, other bool) {
	doID, err := it.GetUint32()
	if err != nil {
		s.log.Error().Err(err).Msg("truncated generate")
		return
	}
	parentID, err := it.GetUint32()
	if err != nil {
		s.log.Error().Err(err).Msg("truncated generate")
		return
	}
	zoneID, err := it.GetUint32()
	if err != nil {
		s.log.Error().Err(err).Msg("truncated generate")
		return
	}
	dcID, err := it.GetUint16()
	if err != nil {
		s.log.Error().Err(err).Msg("truncated generate")
		return
	}

	if _, exists := s.objects[doID]; exists {
		s.log.Error().Uint32("do_id", doID).Msg("received duplicate generate")
		return
	}

	class, ok := s.dc.ClassByID(dcID)
	if !ok {
		s.log.Error().Uint16("dc_id", dcID).Msg("received generate for unknown distributed class")
		return
	}

	obj, err := object.New(s, doID, parentID, zoneID, class, it, other)
	if err != nil {
		s.log.Error().Err(err).Uint32("do_id", doID).Msg("failed to construct generated object")
		return
	}

	s.objects[doID] = obj
	s.table.Subscribe(channel.Channel(doID), s)
	if s.objectsGauge != nil {
		s.objectsGauge.Inc()
	}
	if s.objectsSizeObs != nil {
		s.objectsSizeObs.Observe(float64(obj.Size()))
	}
}

func (s *StateServer) handleDeleteAI(it *datagram.Iterator, sender uint64) {
	aiChannel, err := it.GetUint64()
	if err != nil {
		s.log.Error().Err(err).Msg("truncated delete-ai")
		return
	}

	s.log.Info().Uint64("ai_channel", aiChannel).Msg("ai going offline, deleting objects")

	var targets []channel.Channel
	for doID, obj := range s.objects {
		ch, explicit := obj.AI()
		if explicit && ch == aiChannel {
			targets = append(targets, uint64(doID))
		}
	}
	if len(targets) == 0 {
		return
	}

	dg := datagram.ToChannels(targets, sender, uint16(MsgDeleteAIObjects))
	_ = dg.AddUint64(aiChannel)
	if err := s.bus.Publish(context.Background(), targets, dg.Bytes()); err != nil {
		s.log.Error().Err(err).Msg("failed to publish delete-ai-objects")
	}
}

// RemoveObject deletes a hosted object, releases its channel subscription,
// and decrements the objects gauge.
func (s *StateServer) RemoveObject(doID uint32) {
	if _, ok := s.objects[doID]; !ok {
		return
	}
	delete(s.objects, doID)
	s.table.Unsubscribe(channel.Channel(doID), s)
	if s.objectsGauge != nil {
		s.objectsGauge.Dec()
	}
}

// Object returns a hosted object by DoId, for tests and introspection.
func (s *StateServer) Object(doID uint32) (*object.DistributedObject, bool) {
	o, ok := s.objects[doID]
	return o, ok
}

// Len reports how many objects are currently hosted.
func (s *StateServer) Len() int { return len(s.objects) }

// Snapshot implements introspect.Snapshotter.
func (s *StateServer) Snapshot() any {
	briefs := make([]introspect.ObjectBrief, 0, len(s.objects))
	for _, o := range s.objects {
		briefs = append(briefs, introspect.ObjectBrief{
			DoID:     o.DoID,
			ParentID: o.ParentID,
			ZoneID:   o.ZoneID,
			ClassID:  o.Class.ID,
		})
	}
	return introspect.StateServerSnapshot{
		Channel:       uint64(s.channel),
		ObjectCount:   len(s.objects),
		ObjectsByDoID: briefs,
	}
}

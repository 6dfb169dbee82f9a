package stateserver

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/channel/fakebroker"
	"github.com/ksmit799/Ardos-sub000/internal/datagram"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
	"github.com/ksmit799/Ardos-sub000/internal/object"
)

func testRegistry() dclass.Registry {
	return dclass.NewStaticRegistry([]dclass.Class{
		{
			ID:   1,
			Name: "DistributedAvatar",
			Fields: []dclass.Field{
				{ID: 1, Name: "name", Flags: dclass.FieldFlags{Required: true, Broadcast: true}},
			},
			Required: []uint16{1},
		},
	}, 0xdeadbeef)
}

func newTestServer(t *testing.T) (*StateServer, channel.Bus) {
	t.Helper()
	broker := fakebroker.New()
	var table *channel.Table
	bus := broker.NewHandle(func(ch channel.Channel, data []byte) {
		table.Dispatch(ch, data)
	})
	table = channel.NewTable(
		func(ch channel.Channel) { _ = bus.BindChannel(context.Background(), ch) },
		func(ch channel.Channel) { _ = bus.UnbindChannel(context.Background(), ch) },
	)

	s, err := New(context.Background(), zerolog.Nop(), bus, table, 100, testRegistry())
	if err != nil {
		t.Fatal(err)
	}
	return s, bus
}

func generateDatagram(doID, parentID, zoneID uint32, dcID uint16, name string) []byte {
	dg := datagram.ToChannel(100, 1, MsgCreateObjectWithRequired)
	_ = dg.AddUint32(doID)
	_ = dg.AddUint32(parentID)
	_ = dg.AddUint32(zoneID)
	_ = dg.AddUint16(dcID)
	_ = dg.AddBlob([]byte(name))
	return dg.Bytes()
}

func TestHandleGenerateCreatesObject(t *testing.T) {
	s, _ := newTestServer(t)

	it := datagram.NewIterator(generateDatagram(42, 0, 0, 1, "hero"))
	_, _, _ = it.SeekHeader()
	_, _ = it.GetUint16() // msg type

	s.handleGenerate(it, false)

	if s.Len() != 1 {
		t.Fatalf("expected 1 object, got %d", s.Len())
	}
	obj, ok := s.Object(42)
	if !ok {
		t.Fatal("expected object 42 to exist")
	}
	if v, _ := obj.RequiredField(1); string(v) != "hero" {
		t.Fatalf("required field = %q", v)
	}
}

func TestHandleGenerateRejectsDuplicateDoId(t *testing.T) {
	s, _ := newTestServer(t)

	it := datagram.NewIterator(generateDatagram(42, 0, 0, 1, "hero"))
	_, _, _ = it.SeekHeader()
	_, _ = it.GetUint16()
	s.handleGenerate(it, false)

	it2 := datagram.NewIterator(generateDatagram(42, 0, 0, 1, "hero-again"))
	_, _, _ = it2.SeekHeader()
	_, _ = it2.GetUint16()
	s.handleGenerate(it2, false)

	if s.Len() != 1 {
		t.Fatalf("expected duplicate generate to be rejected, object count = %d", s.Len())
	}
}

func TestHandleGenerateRejectsUnknownClass(t *testing.T) {
	s, _ := newTestServer(t)

	it := datagram.NewIterator(generateDatagram(7, 0, 0, 99, "x"))
	_, _, _ = it.SeekHeader()
	_, _ = it.GetUint16()
	s.handleGenerate(it, false)

	if s.Len() != 0 {
		t.Fatalf("expected generate for unknown class to be dropped, got %d objects", s.Len())
	}
}

func TestHandleDeleteAIOnlyTargetsExplicitAI(t *testing.T) {
	s, _ := newTestServer(t)

	it := datagram.NewIterator(generateDatagram(1, 0, 0, 1, "a"))
	_, _, _ = it.SeekHeader()
	_, _ = it.GetUint16()
	s.handleGenerate(it, false)

	it2 := datagram.NewIterator(generateDatagram(2, 0, 0, 1, "b"))
	_, _, _ = it2.SeekHeader()
	_, _ = it2.GetUint16()
	s.handleGenerate(it2, false)

	obj1, _ := s.Object(1)
	_ = obj1.SetAI(context.Background(), 555)

	dg := datagram.New()
	_ = dg.AddUint64(555)
	it3 := datagram.NewIterator(dg.Bytes())
	s.handleDeleteAI(it3, 9)

	// handleDeleteAI republishes DELETE_AI_OBJECTS to each matched object's
	// own channel, which this process is now subscribed to, so object 1
	// (explicit AI) is actually torn down while object 2 is untouched.
	if _, ok := s.Object(1); ok {
		t.Fatal("expected object 1 (explicit AI match) to be removed")
	}
	if _, ok := s.Object(2); !ok {
		t.Fatal("expected object 2 (no explicit AI) to remain")
	}
}

// TestLocationProtocolSubscribesParentAndSynchronizes drives the full
// location protocol end to end: SET_LOCATION(100, parent=200, zone=5) from
// an external sender must subscribe 100 to parent channel 200, publish
// CHANGING_LOCATION(100, 200, 5, 0, 0), and flip parent_synchronized once a
// matching LOCATION_ACK comes back from 200.
func TestLocationProtocolSubscribesParentAndSynchronizes(t *testing.T) {
	broker := fakebroker.New()
	var table *channel.Table
	bus := broker.NewHandle(func(ch channel.Channel, data []byte) {
		table.Dispatch(ch, data)
	})
	table = channel.NewTable(
		func(ch channel.Channel) { _ = bus.BindChannel(context.Background(), ch) },
		func(ch channel.Channel) { _ = bus.UnbindChannel(context.Background(), ch) },
	)

	s, err := New(context.Background(), zerolog.Nop(), bus, table, 100, testRegistry())
	if err != nil {
		t.Fatal(err)
	}

	it := datagram.NewIterator(generateDatagram(100, 0, 0, 1, "hero"))
	_, _, _ = it.SeekHeader()
	_, _ = it.GetUint16()
	s.handleGenerate(it, false)

	// Stand in for whatever owns channel 200: capture the CHANGING_LOCATION
	// this object publishes as its new parent, then ack it the way a real
	// parent object would.
	var gotChildID, gotNewParent, gotNewZone, gotOldParent, gotOldZone uint32
	var parent *fakebroker.Handle
	parent = broker.NewHandle(func(ch channel.Channel, data []byte) {
		pit := datagram.NewIterator(data)
		_, _, _ = pit.SeekHeader()
		_, _ = pit.GetUint16() // msg type
		gotChildID, _ = pit.GetUint32()
		gotNewParent, gotNewZone, _ = pit.GetLocation()
		gotOldParent, gotOldZone, _ = pit.GetLocation()

		ack := datagram.ToChannel(100, 200, uint16(object.MsgLocationAck))
		_ = ack.AddUint32(200)
		_ = ack.AddUint32(5)
		_ = parent.Publish(context.Background(), []channel.Channel{100}, ack.Bytes())
	})
	_ = parent.BindChannel(context.Background(), 200)

	setLoc := datagram.ToChannel(100, 77, uint16(object.MsgSetLocation))
	_ = setLoc.AddLocation(200, 5)
	s.HandleDatagram(channel.Channel(100), setLoc.Bytes())

	if table.RefCount(200) != 1 {
		t.Fatalf("expected exactly one subscription to parent channel 200, got %d", table.RefCount(200))
	}
	if gotChildID != 100 || gotNewParent != 200 || gotNewZone != 5 || gotOldParent != 0 || gotOldZone != 0 {
		t.Fatalf("unexpected CHANGING_LOCATION: child=%d newParent=%d newZone=%d oldParent=%d oldZone=%d",
			gotChildID, gotNewParent, gotNewZone, gotOldParent, gotOldZone)
	}

	obj, ok := s.Object(100)
	if !ok {
		t.Fatal("expected object 100 to exist")
	}
	if !obj.ParentSynchronized() {
		t.Fatal("expected parent_synchronized to be true after LOCATION_ACK")
	}
}

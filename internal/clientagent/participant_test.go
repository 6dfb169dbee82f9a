package clientagent

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/datagram"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
)

type fakeConn struct {
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeHost struct {
	published [][]byte
	next      uint64
	dc        dclass.Registry
}

func (h *fakeHost) Publish(ctx context.Context, recipients []channel.Channel, data []byte) error {
	h.published = append(h.published, data)
	return nil
}

func (h *fakeHost) DC() dclass.Registry { return h.dc }

func (h *fakeHost) NextChannel() channel.Channel {
	h.next++
	return h.next
}

func testPolicy() Policy {
	return Policy{InterestsPermission: InterestsEnabled, RelocateAllowed: true}
}

func helloDatagram(version string, dcHash uint32) []byte {
	dg := datagram.New()
	_ = dg.AddUint16(MsgClientHello)
	_ = dg.AddString(version)
	_ = dg.AddUint32(dcHash)
	return dg.Bytes()
}

func TestParticipantAcceptsValidHello(t *testing.T) {
	conn := &fakeConn{}
	host := &fakeHost{}
	p := NewParticipant(zerolog.Nop(), conn, host, "1.0", 0xabc, testPolicy())

	p.HandleClientFrame(helloDatagram("1.0", 0xabc))

	if p.State() != AuthAnonymous {
		t.Fatalf("expected AuthAnonymous, got %v", p.State())
	}
	if p.Channel() == 0 {
		t.Fatal("expected a channel to be assigned")
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected one CLIENT_HELLO_RESP, got %d", len(conn.sent))
	}
}

func TestParticipantRejectsBadVersion(t *testing.T) {
	conn := &fakeConn{}
	host := &fakeHost{}
	p := NewParticipant(zerolog.Nop(), conn, host, "2.0", 0xabc, testPolicy())

	p.HandleClientFrame(helloDatagram("1.0", 0xabc))

	if !p.Disconnected() {
		t.Fatal("expected disconnect on version mismatch")
	}
	if !conn.closed {
		t.Fatal("expected socket to be closed")
	}
}

func TestParticipantRejectsNonHelloBeforeAuth(t *testing.T) {
	conn := &fakeConn{}
	host := &fakeHost{}
	p := NewParticipant(zerolog.Nop(), conn, host, "1.0", 0xabc, testPolicy())

	dg := datagram.New()
	_ = dg.AddUint16(MsgClientObjectSetField)
	p.HandleClientFrame(dg.Bytes())

	if !p.Disconnected() {
		t.Fatal("expected disconnect for non-hello message before auth")
	}
}

func TestParticipantRejectsOversizedFrame(t *testing.T) {
	conn := &fakeConn{}
	host := &fakeHost{}
	p := NewParticipant(zerolog.Nop(), conn, host, "1.0", 0xabc, testPolicy())

	huge := make([]byte, datagram.MaxSize+1)
	p.HandleClientFrame(huge)

	if !p.Disconnected() {
		t.Fatal("expected disconnect for oversized frame")
	}
}

func TestAddInterestAndMultipleAreIndependentNoFallthrough(t *testing.T) {
	// Regression guard: ADD_INTEREST and ADD_INTEREST_MULTIPLE must each
	// handle their own request and return, never falling through into one
	// another. Both requests go through CA.handleControlMessage.
	ca := newTestCA(t)
	conn := &fakeConn{}
	host := &fakeHost{}
	p := NewParticipant(zerolog.Nop(), conn, host, "1.0", 0xabc, testPolicy())
	p.channel = 500
	p.state = AuthEstablished
	ca.attachParticipant(p)

	dg := datagram.ToChannel(1, 0, uint16(CAMsgAddInterest))
	_ = dg.AddUint64(500) // target participant
	_ = dg.AddUint16(1)   // interest id
	_ = dg.AddUint32(10)  // parent
	_ = dg.AddUint32(20)  // zone
	ca.HandleDatagram(channel.Channel(1), dg.Bytes())

	if _, ok := p.interests[1]; !ok {
		t.Fatal("expected interest 1 to be tracked")
	}
	if len(host.published) != 1 {
		t.Fatalf("expected exactly one interest-query publish, got %d", len(host.published))
	}

	dg2 := datagram.ToChannel(1, 0, uint16(CAMsgAddInterestMultiple))
	_ = dg2.AddUint64(500) // target participant
	_ = dg2.AddUint16(2)   // interest id
	_ = dg2.AddUint32(10)  // parent
	_ = dg2.AddUint16(2)   // zone count
	_ = dg2.AddUint32(30)
	_ = dg2.AddUint32(31)
	ca.HandleDatagram(channel.Channel(1), dg2.Bytes())

	multi, ok := p.interests[2]
	if !ok {
		t.Fatal("expected interest 2 to be tracked")
	}
	if !multi.HasZone(30) || !multi.HasZone(31) || len(multi.Zones) != 2 {
		t.Fatalf("expected interest 2 to cover zones {30,31}, got %v", multi.Zones)
	}
	if single := p.interests[1]; len(single.Zones) != 1 || !single.HasZone(20) {
		t.Fatalf("expected interest 1 to still cover only zone 20, got %v", single.Zones)
	}
	if p.Disconnected() {
		t.Fatal("expected participant to stay connected")
	}
}

// TestInterestCompletionDeliversObjectsThenDoneResp drives an
// ADD_INTEREST_MULTIPLE(id=1, parent=200, zones={5,6}) to completion: a
// GET_ZONES_COUNT_RESP naming 2 entries followed by the two matching
// ENTER_LOCATION entries must deliver CLIENT_ENTER_OBJECT_REQUIRED for each,
// then exactly one CLIENT_DONE_INTEREST_RESP, leaving both doIds visible.
func TestInterestCompletionDeliversObjectsThenDoneResp(t *testing.T) {
	conn := &fakeConn{}
	host := &fakeHost{}
	p := NewParticipant(zerolog.Nop(), conn, host, "1.0", 0xabc, testPolicy())
	p.state = AuthEstablished

	dg := datagram.New()
	_ = dg.AddUint16(1)   // interest id
	_ = dg.AddUint32(200) // parent
	_ = dg.AddUint16(2)   // zone count
	_ = dg.AddUint32(5)
	_ = dg.AddUint32(6)
	it := datagram.NewIterator(dg.Bytes())
	p.handleAddInterest(it, true)

	if len(p.pendingOps) != 1 {
		t.Fatalf("expected exactly one pending interest operation, got %d", len(p.pendingOps))
	}
	var reqCtx uint32
	for ctx := range p.pendingOps {
		reqCtx = ctx
	}

	p.HandleZoneCount(reqCtx, 2)
	p.HandleZoneEntry(reqCtx, true, 101, 1, nil)
	p.HandleZoneEntry(reqCtx, true, 102, 1, nil)

	if len(conn.sent) != 3 {
		t.Fatalf("expected 2 enter-object frames plus 1 done-interest-resp, got %d", len(conn.sent))
	}
	wantDoID := []uint32{101, 102}
	for i, want := range wantDoID {
		fit := datagram.NewIterator(conn.sent[i])
		msgType, _ := fit.GetUint16()
		if msgType != uint16(MsgClientEnterObjectRequired) {
			t.Fatalf("frame %d: expected CLIENT_ENTER_OBJECT_REQUIRED, got %d", i, msgType)
		}
		doID, _ := fit.GetUint32()
		if doID != want {
			t.Fatalf("frame %d: expected doId %d, got %d", i, want, doID)
		}
	}
	lit := datagram.NewIterator(conn.sent[2])
	msgType, _ := lit.GetUint16()
	if msgType != uint16(MsgClientDoneInterestResp) {
		t.Fatalf("expected CLIENT_DONE_INTEREST_RESP, got %d", msgType)
	}
	interestID, _ := lit.GetUint16()
	if interestID != 1 {
		t.Fatalf("expected done-resp for interest 1, got %d", interestID)
	}

	if len(p.visible) != 2 {
		t.Fatalf("expected visible == {101,102}, got %v", p.visible)
	}
	if _, ok := p.visible[101]; !ok {
		t.Fatal("expected 101 visible")
	}
	if _, ok := p.visible[102]; !ok {
		t.Fatal("expected 102 visible")
	}
	if len(p.pendingOps) != 0 {
		t.Fatalf("expected the operation to be cleared once complete, got %d pending", len(p.pendingOps))
	}
}

// TestInterestNarrowingClosesDroppedZone: narrowing an open interest's zone
// set must emit CLIENT_OBJECT_LEAVING for objects visible only through the
// dropped zone while keeping objects still covered by a surviving zone.
func TestInterestNarrowingClosesDroppedZone(t *testing.T) {
	conn := &fakeConn{}
	host := &fakeHost{}
	p := NewParticipant(zerolog.Nop(), conn, host, "1.0", 0xabc, testPolicy())
	p.state = AuthEstablished

	dg := datagram.New()
	_ = dg.AddUint16(7)
	_ = dg.AddUint32(200)
	_ = dg.AddUint16(2)
	_ = dg.AddUint32(5)
	_ = dg.AddUint32(6)
	it := datagram.NewIterator(dg.Bytes())
	p.handleAddInterest(it, true)

	var reqCtx uint32
	for ctx := range p.pendingOps {
		reqCtx = ctx
	}
	p.HandleZoneCount(reqCtx, 2)
	p.HandleZoneEntry(reqCtx, true, 101, 1, nil) // zone 5
	p.HandleZoneEntry(reqCtx, true, 102, 1, nil) // zone 6
	conn.sent = nil

	dg2 := datagram.New()
	_ = dg2.AddUint16(7)
	_ = dg2.AddUint32(200)
	_ = dg2.AddUint16(1)
	_ = dg2.AddUint32(5)
	it2 := datagram.NewIterator(dg2.Bytes())
	p.handleAddInterest(it2, true)

	if _, ok := p.visible[102]; ok {
		t.Fatal("expected object 102 (visible only via dropped zone 6) to be closed")
	}
	if _, ok := p.visible[101]; !ok {
		t.Fatal("expected object 101 (still covered by zone 5) to remain visible")
	}

	var sawLeaving bool
	for _, frame := range conn.sent {
		fit := datagram.NewIterator(frame)
		msgType, _ := fit.GetUint16()
		if msgType != uint16(MsgClientObjectLeaving) {
			continue
		}
		doID, _ := fit.GetUint32()
		if doID == 102 {
			sawLeaving = true
		}
	}
	if !sawLeaving {
		t.Fatal("expected CLIENT_OBJECT_LEAVING for object 102")
	}
}

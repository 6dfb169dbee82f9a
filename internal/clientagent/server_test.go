package clientagent

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/datagram"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
	"github.com/ksmit799/Ardos-sub000/internal/object"
)

func newTestCA(t *testing.T) *CA {
	t.Helper()
	table := channel.NewTable(nil, nil)
	dc := dclass.NewStaticRegistry(nil, 0)
	return New(zerolog.Nop(), noopBus{}, table, dc, 1, Config{Version: "1.0", RelocateAllowed: true})
}

type noopBus struct{}

func (noopBus) Publish(ctx context.Context, recipients []channel.Channel, data []byte) error {
	return nil
}
func (noopBus) BindChannel(ctx context.Context, ch channel.Channel) error   { return nil }
func (noopBus) UnbindChannel(ctx context.Context, ch channel.Channel) error { return nil }
func (noopBus) Close() error                                               { return nil }

// TestSessionObjectDeletionEjectsClient: a DELETE_RAM for a doId the
// participant tracks as a session object must eject the client with
// SESSION_OBJECT_DELETED, not merely relay the datagram.
func TestSessionObjectDeletionEjectsClient(t *testing.T) {
	ca := newTestCA(t)
	conn := &fakeConn{}
	p := NewParticipant(zerolog.Nop(), conn, ca, "1.0", 0, testPolicy())
	p.channel = 500
	p.state = AuthEstablished
	p.AddSessionObject(101, 1)
	ca.attachParticipant(p)

	dg := datagram.ToChannel(500, 101, uint16(object.MsgDeleteRam))
	_ = dg.AddUint32(101)
	ca.HandleDatagram(channel.Channel(500), dg.Bytes())

	if !p.Disconnected() {
		t.Fatal("expected participant to be disconnected")
	}
	if !conn.closed {
		t.Fatal("expected socket to be closed")
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected exactly one CLIENT_DISCONNECT, got %d", len(conn.sent))
	}

	it := datagram.NewIterator(conn.sent[0])
	msgType, err := it.GetUint16()
	if err != nil || msgType != uint16(MsgClientDisconnect) {
		t.Fatalf("expected CLIENT_DISCONNECT, got type=%d err=%v", msgType, err)
	}
	reason, err := it.GetUint16()
	if err != nil || DisconnectReason(reason) != DisconnectSessionObjectDeleted {
		t.Fatalf("expected SESSION_OBJECT_DELETED, got reason=%d err=%v", reason, err)
	}
}

// TestDeleteRamIgnoredForNonSessionObject: the same message for a doId the
// participant never declared as a session object must not disconnect it.
func TestDeleteRamIgnoredForNonSessionObject(t *testing.T) {
	ca := newTestCA(t)
	conn := &fakeConn{}
	p := NewParticipant(zerolog.Nop(), conn, ca, "1.0", 0, testPolicy())
	p.channel = 500
	p.state = AuthEstablished
	ca.attachParticipant(p)

	dg := datagram.ToChannel(500, 101, uint16(object.MsgDeleteRam))
	_ = dg.AddUint32(101)
	ca.HandleDatagram(channel.Channel(500), dg.Bytes())

	if p.Disconnected() {
		t.Fatal("expected participant to remain connected")
	}
}

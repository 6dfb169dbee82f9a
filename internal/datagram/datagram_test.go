package datagram

import "testing"

func TestRoundTripScalarFields(t *testing.T) {
	d := New()
	if err := d.AddUint8(7); err != nil {
		t.Fatal(err)
	}
	if err := d.AddUint16(1234); err != nil {
		t.Fatal(err)
	}
	if err := d.AddUint32(0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if err := d.AddUint64(0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	if err := d.AddString("hello"); err != nil {
		t.Fatal(err)
	}
	if err := d.AddBlob([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	it := NewIterator(d.Bytes())
	if v, err := it.GetUint8(); err != nil || v != 7 {
		t.Fatalf("GetUint8 = %v, %v", v, err)
	}
	if v, err := it.GetUint16(); err != nil || v != 1234 {
		t.Fatalf("GetUint16 = %v, %v", v, err)
	}
	if v, err := it.GetUint32(); err != nil || v != 0xdeadbeef {
		t.Fatalf("GetUint32 = %v, %v", v, err)
	}
	if v, err := it.GetUint64(); err != nil || v != 0x1122334455667788 {
		t.Fatalf("GetUint64 = %v, %v", v, err)
	}
	if v, err := it.GetString(); err != nil || v != "hello" {
		t.Fatalf("GetString = %q, %v", v, err)
	}
	if v, err := it.GetBlob(); err != nil || string(v) != "\x01\x02\x03" {
		t.Fatalf("GetBlob = %v, %v", v, err)
	}
}

func TestToChannelHeader(t *testing.T) {
	d := ToChannel(100, 200, 42)
	it := NewIterator(d.Bytes())
	recipients, sender, err := it.SeekHeader()
	if err != nil {
		t.Fatal(err)
	}
	if len(recipients) != 1 || recipients[0] != 100 {
		t.Fatalf("recipients = %v", recipients)
	}
	if sender != 200 {
		t.Fatalf("sender = %d", sender)
	}
	msgType, err := it.GetUint16()
	if err != nil || msgType != 42 {
		t.Fatalf("msgType = %d, %v", msgType, err)
	}
}

func TestToChannelsMultipleRecipients(t *testing.T) {
	to := []uint64{1, 2, 3}
	d := ToChannels(to, 99, 7)
	it := NewIterator(d.Bytes())
	recipients, sender, err := it.SeekHeader()
	if err != nil {
		t.Fatal(err)
	}
	if len(recipients) != 3 {
		t.Fatalf("expected 3 recipients, got %d", len(recipients))
	}
	for i, r := range recipients {
		if r != to[i] {
			t.Fatalf("recipient[%d] = %d, want %d", i, r, to[i])
		}
	}
	if sender != 99 {
		t.Fatalf("sender = %d", sender)
	}
}

func TestTruncatedReadReturnsError(t *testing.T) {
	d := New()
	_ = d.AddUint8(1)
	it := NewIterator(d.Bytes())
	if _, err := it.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if _, err := it.GetUint64(); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestOverflowRejectsOversizedWrite(t *testing.T) {
	d := New()
	big := make([]byte, MaxSize+1)
	if err := d.AddData(big); err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestLocationRoundTrip(t *testing.T) {
	d := New()
	if err := d.AddLocation(10, 20); err != nil {
		t.Fatal(err)
	}
	it := NewIterator(d.Bytes())
	parentID, zoneID, err := it.GetLocation()
	if err != nil {
		t.Fatal(err)
	}
	if parentID != 10 || zoneID != 20 {
		t.Fatalf("got (%d, %d)", parentID, zoneID)
	}
}

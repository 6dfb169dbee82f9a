package dbss

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/channel/fakebroker"
	"github.com/ksmit799/Ardos-sub000/internal/datagram"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[uint32]StoredObject
	saved   map[uint32]map[uint16][]byte
	delay   time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[uint32]StoredObject),
		saved:   make(map[uint32]map[uint16][]byte),
	}
}

func (f *fakeStore) LoadObject(ctx context.Context, doID uint32) (StoredObject, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[doID]
	if !ok {
		return StoredObject{}, context.DeadlineExceeded
	}
	return o, nil
}

func (f *fakeStore) SaveField(ctx context.Context, doID uint32, fieldID uint16, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved[doID] == nil {
		f.saved[doID] = make(map[uint16][]byte)
	}
	f.saved[doID][fieldID] = value
	return nil
}

func (f *fakeStore) DeleteObject(ctx context.Context, doID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, doID)
	return nil
}

func (f *fakeStore) AllocateDoID(ctx context.Context) (uint32, error) {
	return 1, nil
}

func testRegistry() dclass.Registry {
	return dclass.NewStaticRegistry([]dclass.Class{
		{
			ID:   1,
			Name: "DistributedAccount",
			Fields: []dclass.Field{
				{ID: 1, Name: "username", Flags: dclass.FieldFlags{Required: true}},
				{ID: 2, Name: "coins", Flags: dclass.FieldFlags{DB: true}},
			},
			Required: []uint16{1},
		},
	}, 0x1)
}

func newTestDBSS(t *testing.T, store *fakeStore) (*DatabaseStateServer, channel.Bus) {
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
	d := New(zerolog.Nop(), bus, table, 200, testRegistry(), store)
	return d, bus
}

func TestActivateLoadsAndReplaysQueuedWrites(t *testing.T) {
	store := newFakeStore()
	store.delay = 20 * time.Millisecond
	store.objects[10] = StoredObject{
		ClassID:  1,
		ParentID: 0,
		ZoneID:   0,
		Fields:   []StoredField{{FieldID: 1, Value: []byte("alice")}},
	}

	d, bus := newTestDBSS(t, store)

	activateDg := datagram.ToChannel(200, 1, MsgActivateObject)
	_ = activateDg.AddUint32(10)
	_ = bus.Publish(context.Background(), []channel.Channel{200}, activateDg.Bytes())

	if !d.IsLoading(10) {
		t.Fatal("expected object 10 to be loading immediately after activate")
	}

	setFieldDg := datagram.ToChannel(10, 1, MsgSetField)
	_ = setFieldDg.AddUint16(2)
	_ = setFieldDg.AddBlob([]byte{42})
	_ = bus.Publish(context.Background(), []channel.Channel{10}, setFieldDg.Bytes())

	deadline := time.Now().Add(2 * time.Second)
	for d.IsLoading(10) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	obj, ok := d.Object(10)
	if !ok {
		t.Fatal("expected object 10 to be resident after activation completes")
	}
	if v, _ := obj.RequiredField(1); string(v) != "alice" {
		t.Fatalf("required field = %q", v)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		_, saved := store.saved[10][2]
		store.mu.Unlock()
		if saved {
			break
		}
		time.Sleep(time.Millisecond)
	}
	store.mu.Lock()
	got := store.saved[10][2]
	store.mu.Unlock()
	if string(got) != "\x2a" {
		t.Fatalf("expected queued field write to be replayed and persisted, got %v", got)
	}
}

func TestActivateTwiceIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.objects[5] = StoredObject{ClassID: 1, Fields: []StoredField{{FieldID: 1, Value: []byte("bob")}}}

	d, bus := newTestDBSS(t, store)

	for i := 0; i < 2; i++ {
		dg := datagram.ToChannel(200, 1, MsgActivateObject)
		_ = dg.AddUint32(5)
		_ = bus.Publish(context.Background(), []channel.Channel{200}, dg.Bytes())
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.IsLoading(5) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, ok := d.Object(5); !ok {
		t.Fatal("expected object 5 to be resident")
	}
}

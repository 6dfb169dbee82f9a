// Package datagram implements the cluster wire format: a small binary
// envelope (recipient channels, sender channel, message type, payload) plus
// an encoder/decoder pair.
//
// Layout (all integers little-endian):
//
//	u8       recipient count
//	u64[]    recipient channels
//	u64      sender channel
//	u16      message type
//	...      payload fields
//
// Max size is 2^16-1-2 bytes, matching the u16 length prefix used to frame
// datagrams on the wire (the -2 leaves room for that prefix itself).
package datagram

import (
	"encoding/binary"
	"errors"
)

const (
	// MaxSize is the largest a fully-framed datagram may be.
	MaxSize = (1 << 16) - 1 - 2

	minAlloc = 64
)

var (
	// ErrOverflow is returned when a write would push the datagram past MaxSize.
	ErrOverflow = errors.New("datagram: write exceeds max datagram size")
	// ErrTruncated is returned by the iterator when a read runs past the end
	// of the buffer.
	ErrTruncated = errors.New("datagram: truncated read")
)

// Datagram is an append-only byte buffer with typed Add* helpers. It is not
// safe for concurrent use; callers build one datagram per goroutine and hand
// off the finished bytes.
type Datagram struct {
	buf []byte
}

// New returns an empty datagram with a small pre-allocated buffer.
func New() *Datagram {
	return &Datagram{buf: make([]byte, 0, minAlloc)}
}

// NewFromBytes wraps an existing byte slice for re-reading; Add* calls on
// the result append after the copied contents.
func NewFromBytes(b []byte) *Datagram {
	d := &Datagram{buf: make([]byte, len(b))}
	copy(d.buf, b)
	return d
}

// ToChannel builds a datagram addressed to a single recipient channel.
func ToChannel(to, from uint64, msgType uint16) *Datagram {
	d := New()
	d.AddUint8(1)
	d.AddUint64(to)
	d.AddUint64(from)
	d.AddUint16(msgType)
	return d
}

// ToChannels builds a datagram addressed to a set of recipient channels.
func ToChannels(to []uint64, from uint64, msgType uint16) *Datagram {
	d := New()
	if len(to) > 0xff {
		// The recipient count is a single byte; callers must chunk larger
		// fan-outs into multiple datagrams.
		to = to[:0xff]
	}
	d.AddUint8(uint8(len(to)))
	for _, ch := range to {
		d.AddUint64(ch)
	}
	d.AddUint64(from)
	d.AddUint16(msgType)
	return d
}

// Bytes returns the underlying buffer. Callers must not mutate it.
func (d *Datagram) Bytes() []byte { return d.buf }

// Size returns the number of bytes written so far.
func (d *Datagram) Size() int { return len(d.buf) }

// Clear empties the datagram, retaining the underlying allocation.
func (d *Datagram) Clear() { d.buf = d.buf[:0] }

func (d *Datagram) ensure(n int) error {
	if len(d.buf)+n > MaxSize {
		return ErrOverflow
	}
	return nil
}

// AddBool appends a single byte, 1 for true and 0 for false.
func (d *Datagram) AddBool(v bool) error {
	if v {
		return d.AddUint8(1)
	}
	return d.AddUint8(0)
}

// AddUint8 appends a single unsigned byte.
func (d *Datagram) AddUint8(v uint8) error {
	if err := d.ensure(1); err != nil {
		return err
	}
	d.buf = append(d.buf, v)
	return nil
}

// AddUint16 appends a little-endian uint16.
func (d *Datagram) AddUint16(v uint16) error {
	if err := d.ensure(2); err != nil {
		return err
	}
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	d.buf = append(d.buf, tmp[:]...)
	return nil
}

// AddUint32 appends a little-endian uint32.
func (d *Datagram) AddUint32(v uint32) error {
	if err := d.ensure(4); err != nil {
		return err
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	d.buf = append(d.buf, tmp[:]...)
	return nil
}

// AddUint64 appends a little-endian uint64.
func (d *Datagram) AddUint64(v uint64) error {
	if err := d.ensure(8); err != nil {
		return err
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	d.buf = append(d.buf, tmp[:]...)
	return nil
}

// AddInt8, AddInt16, AddInt32 and AddInt64 append the signed equivalents of
// the unsigned helpers above.
func (d *Datagram) AddInt8(v int8) error   { return d.AddUint8(uint8(v)) }
func (d *Datagram) AddInt16(v int16) error { return d.AddUint16(uint16(v)) }
func (d *Datagram) AddInt32(v int32) error { return d.AddUint32(uint32(v)) }
func (d *Datagram) AddInt64(v int64) error { return d.AddUint64(uint64(v)) }

// AddString appends a u16-length-prefixed UTF-8 string.
func (d *Datagram) AddString(s string) error {
	if len(s) > 0xffff {
		return ErrOverflow
	}
	if err := d.AddUint16(uint16(len(s))); err != nil {
		return err
	}
	if err := d.ensure(len(s)); err != nil {
		return err
	}
	d.buf = append(d.buf, s...)
	return nil
}

// AddBlob appends a u16-length-prefixed byte blob.
func (d *Datagram) AddBlob(b []byte) error {
	if len(b) > 0xffff {
		return ErrOverflow
	}
	if err := d.AddUint16(uint16(len(b))); err != nil {
		return err
	}
	if err := d.ensure(len(b)); err != nil {
		return err
	}
	d.buf = append(d.buf, b...)
	return nil
}

// AddData appends raw bytes with no length prefix, for splicing an
// already-encoded field map or forwarding an opaque payload.
func (d *Datagram) AddData(b []byte) error {
	if err := d.ensure(len(b)); err != nil {
		return err
	}
	d.buf = append(d.buf, b...)
	return nil
}

// AddLocation appends a (parentId, zoneId) pair, the location encoding used
// throughout the location protocol.
func (d *Datagram) AddLocation(parentID, zoneID uint32) error {
	if err := d.AddUint32(parentID); err != nil {
		return err
	}
	return d.AddUint32(zoneID)
}

// Iterator reads a Datagram's fields back out in order. Reads past the end
// of the buffer return ErrTruncated.
type Iterator struct {
	data   []byte
	offset int
}

// NewIterator returns an Iterator positioned at the start of buf.
func NewIterator(buf []byte) *Iterator {
	return &Iterator{data: buf}
}

// Offset reports the iterator's current read position.
func (it *Iterator) Offset() int { return it.offset }

// Remaining reports how many unread bytes remain.
func (it *Iterator) Remaining() int { return len(it.data) - it.offset }

func (it *Iterator) need(n int) error {
	if it.offset+n > len(it.data) {
		return ErrTruncated
	}
	return nil
}

// GetUint8 reads a single byte.
func (it *Iterator) GetUint8() (uint8, error) {
	if err := it.need(1); err != nil {
		return 0, err
	}
	v := it.data[it.offset]
	it.offset++
	return v, nil
}

// GetBool reads a single byte as a boolean.
func (it *Iterator) GetBool() (bool, error) {
	v, err := it.GetUint8()
	return v != 0, err
}

// GetUint16 reads a little-endian uint16.
func (it *Iterator) GetUint16() (uint16, error) {
	if err := it.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(it.data[it.offset:])
	it.offset += 2
	return v, nil
}

// GetUint32 reads a little-endian uint32.
func (it *Iterator) GetUint32() (uint32, error) {
	if err := it.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(it.data[it.offset:])
	it.offset += 4
	return v, nil
}

// GetUint64 reads a little-endian uint64.
func (it *Iterator) GetUint64() (uint64, error) {
	if err := it.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(it.data[it.offset:])
	it.offset += 8
	return v, nil
}

// GetInt8, GetInt16, GetInt32 and GetInt64 read the signed equivalents.
func (it *Iterator) GetInt8() (int8, error) {
	v, err := it.GetUint8()
	return int8(v), err
}
func (it *Iterator) GetInt16() (int16, error) {
	v, err := it.GetUint16()
	return int16(v), err
}
func (it *Iterator) GetInt32() (int32, error) {
	v, err := it.GetUint32()
	return int32(v), err
}
func (it *Iterator) GetInt64() (int64, error) {
	v, err := it.GetUint64()
	return int64(v), err
}

// GetString reads a u16-length-prefixed UTF-8 string.
func (it *Iterator) GetString() (string, error) {
	n, err := it.GetUint16()
	if err != nil {
		return "", err
	}
	if err := it.need(int(n)); err != nil {
		return "", err
	}
	s := string(it.data[it.offset : it.offset+int(n)])
	it.offset += int(n)
	return s, nil
}

// GetBlob reads a u16-length-prefixed byte blob.
func (it *Iterator) GetBlob() ([]byte, error) {
	n, err := it.GetUint16()
	if err != nil {
		return nil, err
	}
	if err := it.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, it.data[it.offset:it.offset+int(n)])
	it.offset += int(n)
	return b, nil
}

// GetRemainder returns all unread bytes without advancing past them twice.
func (it *Iterator) GetRemainder() []byte {
	b := it.data[it.offset:]
	it.offset = len(it.data)
	return b
}

// GetLocation reads a (parentId, zoneId) pair.
func (it *Iterator) GetLocation() (parentID, zoneID uint32, err error) {
	parentID, err = it.GetUint32()
	if err != nil {
		return 0, 0, err
	}
	zoneID, err = it.GetUint32()
	return parentID, zoneID, err
}

// SeekHeader reads and discards the routing header (recipient count,
// recipient channels, sender channel), leaving the iterator positioned at
// the message type. It returns the parsed recipients and sender for callers
// that still need them.
func (it *Iterator) SeekHeader() (recipients []uint64, sender uint64, err error) {
	count, err := it.GetUint8()
	if err != nil {
		return nil, 0, err
	}
	recipients = make([]uint64, count)
	for i := range recipients {
		recipients[i], err = it.GetUint64()
		if err != nil {
			return nil, 0, err
		}
	}
	sender, err = it.GetUint64()
	if err != nil {
		return nil, 0, err
	}
	return recipients, sender, nil
}

// SeekPayload skips the routing header and the message type, leaving the
// iterator at the first payload byte. Used by components that parse the
// header manually and just want the remaining application fields.
func (it *Iterator) SeekPayload() error {
	_, _, err := it.SeekHeader()
	if err != nil {
		return err
	}
	_, err = it.GetUint16()
	return err
}

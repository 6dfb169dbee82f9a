package dbss

import (
	"sync"
	"time"

	"github.com/ksmit799/Ardos-sub000/internal/object"
)

// LoadingObject tracks one DoId that a Database State Server has started
// materializing from the backing store but has not yet finished activating.
// Any datagram addressed to the DoId while it is loading is queued here and
// replayed, in arrival order, once the object finishes activating — this is
// what lets a database object's channel start receiving traffic the instant
// a client asks for it, without the caller needing to know whether the
// object was already resident in memory.
type LoadingObject struct {
	mu        sync.Mutex
	doID      uint32
	startTime time.Time
	queued    [][]byte
	done      bool
	activated *object.DistributedObject

	// hasLocation/parentID/zoneID are an ACTIVATE_WITH_DEFAULTS caller's
	// requested placement, applied on top of whatever the store returns (or
	// used outright if the store has no object yet).
	hasLocation        bool
	parentID, zoneID   uint32
	hasClassOverride   bool
	overrideClassID    uint16
	overrideFields     map[uint16][]byte

	// validContexts records every activation request this load has already
	// answered for, so a second ACTIVATE for the same DoId while the first
	// is still in flight is tolerated as a duplicate rather than treated as
	// a protocol error.
	validContexts map[uint32]struct{}
}

// NewLoadingObject starts tracking doID as loading. hasLocation/parentID/
// zoneID and the override fields come from the triggering ACTIVATE_WITH_
// DEFAULTS[_OTHER] message, for use once the store's own copy (if any) has
// been read.
func NewLoadingObject(doID uint32, hasLocation bool, parentID, zoneID uint32, classID uint16, overrideFields map[uint16][]byte) *LoadingObject {
	return &LoadingObject{
		doID:             doID,
		startTime:        time.Now(),
		hasLocation:      hasLocation,
		parentID:         parentID,
		zoneID:           zoneID,
		hasClassOverride: classID != 0,
		overrideClassID:  classID,
		overrideFields:   overrideFields,
		validContexts:    make(map[uint32]struct{}),
	}
}

// AddValidContext records reqCtx as one this load will satisfy, tolerating
// duplicate ACTIVATE calls that share a DoId while the first is in flight.
func (l *LoadingObject) AddValidContext(reqCtx uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.validContexts[reqCtx] = struct{}{}
}

// Enqueue records a datagram that arrived for this DoId while it is still
// loading. Returns false if the object has already finished loading, in
// which case the caller should dispatch the datagram normally instead.
func (l *LoadingObject) Enqueue(data []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return false
	}
	l.queued = append(l.queued, data)
	return true
}

// Activate marks the object as loaded and returns the queued datagrams, in
// order, for the caller to replay against the now-resident object.
func (l *LoadingObject) Activate(obj *object.DistributedObject) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
	l.activated = obj
	queued := l.queued
	l.queued = nil
	return queued
}

// Fail marks the load as permanently failed (object not found, or a
// malformed stored document); queued datagrams are dropped, matching the
// original cluster's behavior of silently discarding traffic for objects
// that never successfully activate.
func (l *LoadingObject) Fail() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
	l.queued = nil
}

// Done reports whether loading has finished (successfully or not).
func (l *LoadingObject) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Elapsed reports how long this DoId has been loading, for stall logging.
func (l *LoadingObject) Elapsed() time.Duration {
	return time.Since(l.startTime)
}

// Location returns the caller-requested placement, if ACTIVATE supplied one.
func (l *LoadingObject) Location() (parentID, zoneID uint32, ok bool) {
	return l.parentID, l.zoneID, l.hasLocation
}

// ClassOverride returns the _OTHER-variant default field values to use for
// any field the store didn't already have a value for, and the class id to
// instantiate as if the store returned none.
func (l *LoadingObject) ClassOverride() (classID uint16, fields map[uint16][]byte, ok bool) {
	return l.overrideClassID, l.overrideFields, l.hasClassOverride
}

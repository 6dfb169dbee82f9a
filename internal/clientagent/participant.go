package clientagent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/datagram"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
	"github.com/ksmit799/Ardos-sub000/internal/object"
)

// Conn is the minimal socket contract a ClientParticipant needs. The CA
// server wires this to a gobwas/ws connection; tests use an in-memory fake.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Host is the capability a ClientParticipant needs from its owning CA:
// publishing to the bus, and resolving an interest against currently
// resident location data.
type Host interface {
	Publish(ctx context.Context, recipients []channel.Channel, data []byte) error
	DC() dclass.Registry
	// NextChannel allocates a fresh client session channel.
	NextChannel() channel.Channel
}

// heartbeatInterval is how often a client must send any message before the
// participant considers it dead. Mirrors the original cluster's client
// timeout default.
const heartbeatInterval = 15 * time.Second

// UberdogInfo is one statically-declared always-live object a CA exposes by
// id. Anonymous true lets a not-yet-ESTABLISHED client address it directly
// (the usual login object); false requires the normal auth gate.
type UberdogInfo struct {
	ClassID   uint16
	Anonymous bool
}

// Policy bundles the per-CA behavior knobs a Participant enforces. Built
// once from config.ClientAgent and shared by every participant the CA
// accepts.
type Policy struct {
	InterestsPermission InterestsPermission
	RelocateAllowed     bool
	// AuthTimeout disconnects a session that never reaches ESTABLISHED.
	// Zero disables the timer.
	AuthTimeout time.Duration
	Uberdogs    map[uint32]UberdogInfo
	// InterestTimeout force-completes a pending interest operation that's
	// waited this long without every expected object entering. Zero
	// disables the timeout, leaving the client waiting indefinitely.
	InterestTimeout time.Duration
}

// interestsAllowed reports whether a client may open its own interests
// under this policy. Empty behaves as InterestsEnabled.
func (pol Policy) interestsAllowed() bool {
	switch pol.InterestsPermission {
	case InterestsDisabled, InterestsVisible:
		return false
	default:
		return true
	}
}

// Participant is one connected client's server-side state: its auth
// progress, its open interests, the objects currently visible to it, and
// the objects it owns (may receive ownrecv fields for).
type Participant struct {
	log    zerolog.Logger
	conn   Conn
	host   Host
	policy Policy

	channel channel.Channel
	state   AuthState

	expectedVersion string
	expectedDCHash  uint32

	sessionObjects map[uint32]struct{}
	ownedObjects   map[uint32]struct{}
	// visible maps every DoId currently known to this client to its class,
	// so fieldSendable can look up clsend/ownsend without a round trip.
	visible    map[uint32]uint16
	interests  map[uint16]*Interest
	pendingOps map[uint32]*InterestOperation // keyed by context id
	nextOpCtx  uint32

	lastHeartbeat time.Time
	// authTmr disconnects a session that never reaches ESTABLISHED within
	// policy.AuthTimeout. Nil when AuthTimeout is zero.
	authTmr *time.Timer

	disconnected bool
}

// NewParticipant constructs a participant in the NEW auth state, not yet
// bound to any channel.
func NewParticipant(log zerolog.Logger, conn Conn, host Host, expectedVersion string, expectedDCHash uint32, policy Policy) *Participant {
	p := &Participant{
		log:             log.With().Str("component", "ca").Logger(),
		conn:            conn,
		host:            host,
		policy:          policy,
		state:           AuthNew,
		expectedVersion: expectedVersion,
		expectedDCHash:  expectedDCHash,
		sessionObjects:  make(map[uint32]struct{}),
		ownedObjects:    make(map[uint32]struct{}),
		visible:         make(map[uint32]uint16),
		interests:       make(map[uint16]*Interest),
		pendingOps:      make(map[uint32]*InterestOperation),
		lastHeartbeat:   time.Now(),
	}
	for doID, info := range policy.Uberdogs {
		p.visible[doID] = info.ClassID
	}
	if policy.AuthTimeout > 0 {
		p.authTmr = time.AfterFunc(policy.AuthTimeout, func() {
			if p.state != AuthEstablished {
				p.Disconnect(DisconnectAuthTimeout)
			}
		})
	}
	return p
}

// isAnonymousUberdog reports whether doID is a configured uberdog that may
// be addressed before a session reaches ESTABLISHED.
func (p *Participant) isAnonymousUberdog(doID uint32) bool {
	info, ok := p.policy.Uberdogs[doID]
	return ok && info.Anonymous
}

// State returns the participant's current auth state.
func (p *Participant) State() AuthState { return p.state }

// Channel returns the participant's assigned session channel, valid only
// once authenticated.
func (p *Participant) Channel() channel.Channel { return p.channel }

// HandleClientFrame processes one inbound binary frame from the client
// socket.
func (p *Participant) HandleClientFrame(data []byte) {
	if len(data) > datagram.MaxSize {
		p.Disconnect(DisconnectOversizedDatagram)
		return
	}

	p.lastHeartbeat = time.Now()

	it := datagram.NewIterator(data)
	msgType, err := it.GetUint16()
	if err != nil {
		p.Disconnect(DisconnectTruncatedDatagram)
		return
	}

	if p.state == AuthNew && msgType != MsgClientHello && msgType != MsgClientLoginLegacy {
		p.Disconnect(DisconnectNoHello)
		return
	}

	switch msgType {
	case MsgClientHello:
		p.handleHello(it)
	case MsgClientLoginLegacy:
		p.handleLegacyLogin(it)
	case MsgClientObjectSetField:
		p.handleSetField(it)
	case MsgClientAddInterest:
		p.handleClientAddInterest(it, false)
	case MsgClientRemoveInterest:
		p.handleRemoveInterest(it)
	case MsgClientObjectLocation:
		p.handleObjectLocation(it)
	case MsgClientHeartbeat:
		// lastHeartbeat was already bumped above; nothing else to do.
	default:
		p.Disconnect(DisconnectInvalidMsgType)
	}
}

func (p *Participant) handleHello(it *datagram.Iterator) {
	version, err := it.GetString()
	if err != nil {
		p.Disconnect(DisconnectTruncatedDatagram)
		return
	}
	dcHash, err := it.GetUint32()
	if err != nil {
		p.Disconnect(DisconnectTruncatedDatagram)
		return
	}

	if version != p.expectedVersion {
		p.Disconnect(DisconnectBadVersion)
		return
	}
	if dcHash != p.expectedDCHash {
		p.Disconnect(DisconnectBadDCHash)
		return
	}

	p.channel = p.host.NextChannel()
	p.state = AuthAnonymous

	resp := datagram.New()
	_ = resp.AddUint16(MsgClientHelloResp)
	_ = p.conn.Send(resp.Bytes())
}

// handleLegacyLogin accepts the cluster's legacy login dialect (an older
// client build sending a login message directly instead of going through an
// UberDOG field update). It assigns the participant a channel and moves it
// to AuthAnonymous. The login payload is not read or forwarded anywhere, and
// no version or DC-hash check is made.
func (p *Participant) handleLegacyLogin(it *datagram.Iterator) {
	if p.state != AuthNew {
		// Legacy login is only meaningful before any hello has completed.
		p.Disconnect(DisconnectGeneric)
		return
	}
	p.channel = p.host.NextChannel()
	p.state = AuthAnonymous
}

func (p *Participant) handleSetField(it *datagram.Iterator) {
	doID, err := it.GetUint32()
	if err != nil {
		p.Disconnect(DisconnectTruncatedDatagram)
		return
	}
	if p.state != AuthEstablished && !p.isAnonymousUberdog(doID) {
		p.Disconnect(DisconnectAnonymousViolation)
		return
	}
	fieldID, err := it.GetUint16()
	if err != nil {
		p.Disconnect(DisconnectTruncatedDatagram)
		return
	}
	value, err := it.GetBlob()
	if err != nil {
		p.Disconnect(DisconnectTruncatedDatagram)
		return
	}

	if _, visible := p.visible[doID]; !visible {
		p.Disconnect(DisconnectMissingObject)
		return
	}
	if !p.fieldSendable(doID, fieldID) {
		p.Disconnect(DisconnectForbiddenField)
		return
	}

	dg := datagram.ToChannel(uint64(doID), uint64(p.channel), uint16(object.MsgSetField))
	_ = dg.AddUint32(doID)
	_ = dg.AddUint16(fieldID)
	_ = dg.AddBlob(value)
	if err := p.host.Publish(context.Background(), []channel.Channel{channel.Channel(doID)}, dg.Bytes()); err != nil {
		p.log.Error().Err(err).Msg("failed to forward client field update")
	}
}

// fieldSendable reports whether this client may send an update for fieldID
// on doID: the object must be visible (so its class is known) and the
// field must be flagged clsend (any visible client may send it), or
// ownsend while this participant owns the object.
func (p *Participant) fieldSendable(doID uint32, fieldID uint16) bool {
	classID, ok := p.visible[doID]
	if !ok {
		return false
	}
	class, ok := p.host.DC().ClassByID(classID)
	if !ok {
		return false
	}
	field, ok := class.FieldByID(fieldID)
	if !ok {
		return false
	}
	if field.Flags.ClSend {
		return true
	}
	if field.Flags.OwnSend {
		_, owned := p.ownedObjects[doID]
		return owned
	}
	return false
}

// handleClientAddInterest gates CLIENT_ADD_INTEREST on the CA's configured
// InterestsPermission before running the shared interest algorithm.
// CAMsgAddInterest(Multiple), which opens an interest on a client's behalf
// rather than at the client's own request, calls handleAddInterest directly
// and is not subject to this gate.
func (p *Participant) handleClientAddInterest(it *datagram.Iterator, multiple bool) {
	if !p.policy.interestsAllowed() {
		p.Disconnect(DisconnectForbiddenInterest)
		return
	}
	p.handleAddInterest(it, multiple)
}

// handleAddInterest implements CLIENT_ADD_INTEREST/CLIENT_ADD_INTEREST_
// MULTIPLE: an interest id names a (possibly updated) set of zones under a
// parent. Zones newly added to the set are queried against their parent's
// own channel via GET_ZONE_OBJECTS; zones dropped from the set have their
// now-unreachable objects removed from visibility, unless another open
// interest still covers them.
func (p *Participant) handleAddInterest(it *datagram.Iterator, multiple bool) {
	if p.state != AuthEstablished {
		p.Disconnect(DisconnectAnonymousViolation)
		return
	}

	interestID, err := it.GetUint16()
	if err != nil {
		p.Disconnect(DisconnectTruncatedDatagram)
		return
	}
	parentID, err := it.GetUint32()
	if err != nil {
		p.Disconnect(DisconnectTruncatedDatagram)
		return
	}

	var zones []uint32
	if multiple {
		count, err := it.GetUint16()
		if err != nil {
			p.Disconnect(DisconnectTruncatedDatagram)
			return
		}
		zones = make([]uint32, count)
		for i := range zones {
			zones[i], err = it.GetUint32()
			if err != nil {
				p.Disconnect(DisconnectTruncatedDatagram)
				return
			}
		}
	} else {
		zoneID, err := it.GetUint32()
		if err != nil {
			p.Disconnect(DisconnectTruncatedDatagram)
			return
		}
		zones = []uint32{zoneID}
	}

	existing, hadExisting := p.interests[interestID]

	var newZones []uint32
	for _, z := range zones {
		if hadExisting && existing.HasZone(z) {
			continue
		}
		newZones = append(newZones, z)
	}

	var killedZones []uint32
	if hadExisting {
		keep := make(map[uint32]struct{}, len(zones))
		for _, z := range zones {
			keep[z] = struct{}{}
		}
		for z := range existing.Zones {
			if _, ok := keep[z]; !ok {
				killedZones = append(killedZones, z)
			}
		}
	}

	interest := NewInterest(interestID, parentID, zones)
	p.interests[interestID] = interest

	if len(killedZones) > 0 {
		p.closeZones(existing.ParentID, killedZones)
	}

	p.nextOpCtx++
	reqCtx := p.nextOpCtx
	op := NewInterestOperation(interestID, reqCtx, interest, func(op *InterestOperation) {
		resp := datagram.New()
		_ = resp.AddUint16(MsgClientDoneInterestResp)
		_ = resp.AddUint16(op.ClientID)
		_ = p.conn.Send(resp.Bytes())
	})

	if len(newZones) == 0 {
		// Nothing new to wait on: resolve immediately so the client isn't
		// left waiting on a DONE_INTEREST_RESP that will never arrive.
		op.SetExpectedCount(0)
		return
	}

	p.pendingOps[reqCtx] = op

	dg := datagram.ToChannel(uint64(parentID), uint64(p.channel), uint16(object.MsgGetZoneObjects))
	_ = dg.AddUint32(reqCtx)
	_ = dg.AddUint32(parentID)
	_ = dg.AddUint16(uint16(len(newZones)))
	for _, z := range newZones {
		_ = dg.AddUint32(z)
	}
	if err := p.host.Publish(context.Background(), []channel.Channel{channel.Channel(parentID)}, dg.Bytes()); err != nil {
		p.log.Error().Err(err).Msg("failed to publish interest query")
		delete(p.pendingOps, reqCtx)
		return
	}

	if p.policy.InterestTimeout > 0 {
		time.AfterFunc(p.policy.InterestTimeout, func() {
			if pending, ok := p.pendingOps[reqCtx]; ok && pending == op {
				delete(p.pendingOps, reqCtx)
				op.ForceComplete()
			}
		})
	}
}

func (p *Participant) handleRemoveInterest(it *datagram.Iterator) {
	if p.state != AuthEstablished {
		p.Disconnect(DisconnectAnonymousViolation)
		return
	}
	interestID, err := it.GetUint16()
	if err != nil {
		p.Disconnect(DisconnectTruncatedDatagram)
		return
	}
	p.RemoveInterest(interestID)
}

// RemoveInterest closes every zone an interest covered (unless another open
// interest still needs them) and forgets the interest. Exported so CAMsgRemoveInterest,
// which arrives over the bus rather than the client socket, can reuse it.
func (p *Participant) RemoveInterest(interestID uint16) {
	interest, ok := p.interests[interestID]
	if !ok {
		return
	}
	delete(p.interests, interestID)

	zones := make([]uint32, 0, len(interest.Zones))
	for z := range interest.Zones {
		zones = append(zones, z)
	}
	p.closeZones(interest.ParentID, zones)

	resp := datagram.New()
	_ = resp.AddUint16(MsgClientDoneInterestResp)
	_ = resp.AddUint16(interestID)
	_ = p.conn.Send(resp.Bytes())
}

// closeZones drops visibility of every object under parentID/zones that no
// remaining open interest still covers, and tells the client each one left.
func (p *Participant) closeZones(parentID uint32, zones []uint32) {
	if len(zones) == 0 {
		return
	}
	zoneSet := make(map[uint32]struct{}, len(zones))
	for _, z := range zones {
		zoneSet[z] = struct{}{}
	}

	stillCovered := func(doID uint32) bool {
		for _, other := range p.interests {
			if other.ParentID != parentID {
				continue
			}
			for z := range zoneSet {
				if other.HasZone(z) {
					return true
				}
			}
		}
		return false
	}

	for doID := range p.visible {
		if _, owned := p.ownedObjects[doID]; owned {
			continue // owned/session objects are never implicitly dropped
		}
		if _, session := p.sessionObjects[doID]; session {
			continue
		}
		if stillCovered(doID) {
			continue
		}
		delete(p.visible, doID)

		dg := datagram.New()
		_ = dg.AddUint16(MsgClientObjectLeaving)
		_ = dg.AddUint32(doID)
		_ = p.conn.Send(dg.Bytes())
	}
}

// handleObjectLocation implements CLIENT_OBJECT_LOCATION: a client asking
// to move an object it owns through the hierarchy. Only permitted for
// objects this participant actually owns, and only when the CA's
// RelocateAllowed policy permits client-driven relocation at all.
func (p *Participant) handleObjectLocation(it *datagram.Iterator) {
	if p.state != AuthEstablished {
		p.Disconnect(DisconnectAnonymousViolation)
		return
	}
	if !p.policy.RelocateAllowed {
		p.Disconnect(DisconnectForbiddenRelocate)
		return
	}
	doID, err := it.GetUint32()
	if err != nil {
		p.Disconnect(DisconnectTruncatedDatagram)
		return
	}
	newParentID, newZoneID, err := it.GetLocation()
	if err != nil {
		p.Disconnect(DisconnectTruncatedDatagram)
		return
	}
	if _, owned := p.ownedObjects[doID]; !owned {
		p.Disconnect(DisconnectForbiddenRelocate)
		return
	}

	dg := datagram.ToChannel(uint64(doID), uint64(p.channel), uint16(object.MsgSetLocation))
	_ = dg.AddLocation(newParentID, newZoneID)
	if err := p.host.Publish(context.Background(), []channel.Channel{channel.Channel(doID)}, dg.Bytes()); err != nil {
		p.log.Error().Err(err).Msg("failed to forward client relocate")
	}
}

// HandleZoneCount processes a GET_ZONES_COUNT_RESP for a pending interest
// operation: now that the expected number of ENTER_LOCATION entries is
// known, the operation can complete immediately if there are none, or wait
// for exactly that many HandleZoneEntry calls otherwise.
func (p *Participant) HandleZoneCount(reqCtx uint32, count int) {
	op, ok := p.pendingOps[reqCtx]
	if !ok {
		return
	}
	op.SetExpectedCount(count)
	if !op.Pending() {
		delete(p.pendingOps, reqCtx)
	}
}

// HandleZoneEntry records doID (of class classID) as now visible to this
// client, forwards it to the client socket, and — if reqCtx names a
// pending interest operation — counts it toward that operation's
// completion.
func (p *Participant) HandleZoneEntry(reqCtx uint32, hasCtx bool, doID uint32, classID uint16, payload []byte) {
	p.visible[doID] = classID

	dg := datagram.New()
	_ = dg.AddUint16(MsgClientEnterObjectRequired)
	_ = dg.AddUint32(doID)
	_ = dg.AddUint16(classID)
	_ = dg.AddData(payload)
	_ = p.conn.Send(dg.Bytes())

	if !hasCtx {
		return
	}
	op, ok := p.pendingOps[reqCtx]
	if !ok {
		return
	}
	op.EnterOne()
	if !op.Pending() {
		delete(p.pendingOps, reqCtx)
	}
}

// SetState forces an auth-state transition. Used by CAMsgSetState when an
// UberDOG has validated a login (or logged a session back out) and wants
// the CA to promote or demote a participant outside of its own hello flow.
// Promoting to ESTABLISHED cancels any pending auth-timeout disconnect.
func (p *Participant) SetState(state AuthState) {
	p.state = state
	if state == AuthEstablished && p.authTmr != nil {
		p.authTmr.Stop()
	}
}

// AddSessionObject marks doID visible and session-scoped: closeZones will
// never drop it regardless of interest changes, matching CAMsgAddSessionObject.
func (p *Participant) AddSessionObject(doID uint32, classID uint16) {
	p.sessionObjects[doID] = struct{}{}
	p.visible[doID] = classID
}

// RemoveSessionObject implements CAMsgRemoveSessionObject.
func (p *Participant) RemoveSessionObject(doID uint32) {
	delete(p.sessionObjects, doID)
}

// SessionObject reports whether doID is currently tracked as a session
// object for this participant.
func (p *Participant) SessionObject(doID uint32) (struct{}, bool) {
	v, ok := p.sessionObjects[doID]
	return v, ok
}

// DeclareObject marks doID owned by this participant (ownsend/ownrecv
// fields apply), matching CAMsgDeclareObject.
func (p *Participant) DeclareObject(doID uint32, classID uint16) {
	p.ownedObjects[doID] = struct{}{}
	p.visible[doID] = classID
}

// UndeclareObject implements CAMsgUndeclareObject.
func (p *Participant) UndeclareObject(doID uint32) {
	delete(p.ownedObjects, doID)
}

// Disconnect sends CLIENT_DISCONNECT with reason and closes the socket.
// Safe to call multiple times; only the first call has effect.
func (p *Participant) Disconnect(reason DisconnectReason) {
	if p.disconnected {
		return
	}
	p.disconnected = true
	if p.authTmr != nil {
		p.authTmr.Stop()
	}

	dg := datagram.New()
	_ = dg.AddUint16(MsgClientDisconnect)
	_ = dg.AddUint16(uint16(reason))
	_ = dg.AddString(reason.String())
	_ = p.conn.Send(dg.Bytes())

	p.log.Info().Str("reason", reason.String()).Msg("disconnecting client")
	_ = p.conn.Close()
}

// Disconnected reports whether this participant has already been
// disconnected.
func (p *Participant) Disconnected() bool { return p.disconnected }

// CheckHeartbeat disconnects the client if no traffic has been seen within
// heartbeatInterval.
func (p *Participant) CheckHeartbeat() {
	if time.Since(p.lastHeartbeat) > heartbeatInterval {
		p.Disconnect(DisconnectNoHeartbeat)
	}
}

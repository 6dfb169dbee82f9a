package clientagent

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/channel"
	"github.com/ksmit799/Ardos-sub000/internal/datagram"
	"github.com/ksmit799/Ardos-sub000/internal/dclass"
	"github.com/ksmit799/Ardos-sub000/internal/introspect"
	"github.com/ksmit799/Ardos-sub000/internal/object"
)

// Config configures a CA instance.
type Config struct {
	Addr            string
	Version         string
	ExpectedDCHash  uint32
	ChannelBase     channel.Channel // first client session channel this CA hands out
	HeartbeatPeriod time.Duration
	// MaxConnections caps concurrently connected client sockets. Zero means
	// unbounded.
	MaxConnections int
	// GlobalRateLimit and PerConnRateLimit bound inbound message rates,
	// cluster-wide and per client respectively (messages/sec). Zero or
	// negative selects a default.
	GlobalRateLimit  float64
	PerConnRateLimit float64

	// AuthTimeout disconnects a session that never reaches ESTABLISHED.
	// Zero disables the timer.
	AuthTimeout time.Duration
	// InterestsPermission gates CLIENT_ADD_INTEREST cluster-wide.
	InterestsPermission InterestsPermission
	// RelocateAllowed gates CLIENT_OBJECT_LOCATION cluster-wide.
	RelocateAllowed bool
	// Uberdogs are statically-declared always-live objects addressable by
	// id, independent of the interest protocol.
	Uberdogs map[uint32]UberdogInfo
	// InterestTimeout force-completes a pending interest operation that's
	// waited too long for every expected object to enter.
	InterestTimeout time.Duration
}

// CA is one Client Agent instance: the trust boundary between external
// client sockets and the rest of the cluster. It owns a websocket listener
// and a set of Participants, and receives CLIENTAGENT_* control traffic
// over the bus on its own assigned channel.
type CA struct {
	log    zerolog.Logger
	bus    channel.Bus
	table  *channel.Table
	dc     dclass.Registry
	cfg    Config
	server *http.Server

	mu           sync.Mutex
	participants map[channel.Channel]*Participant

	nextChannel atomic.Uint64
	limiter     *RateLimiter
}

// wsConn adapts a net.Conn speaking the websocket binary-frame protocol to
// the Conn interface Participant expects.
type wsConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerMessage(c.conn, ws.OpBinary, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }

// New builds a CA. own is this instance's CLIENTAGENT control channel.
func New(log zerolog.Logger, bus channel.Bus, table *channel.Table, dc dclass.Registry, own channel.Channel, cfg Config) *CA {
	globalRPS, perConnRPS := cfg.GlobalRateLimit, cfg.PerConnRateLimit
	if globalRPS <= 0 {
		globalRPS = 2000
	}
	if perConnRPS <= 0 {
		perConnRPS = 60
	}

	ca := &CA{
		log:          log.With().Str("component", "ca").Logger(),
		bus:          bus,
		table:        table,
		dc:           dc,
		cfg:          cfg,
		participants: make(map[channel.Channel]*Participant),
		limiter:      NewRateLimiter(globalRPS, perConnRPS),
	}
	ca.nextChannel.Store(uint64(cfg.ChannelBase))
	table.Subscribe(own, ca)
	return ca
}

// Publish implements Host.
func (ca *CA) Publish(ctx context.Context, recipients []channel.Channel, data []byte) error {
	return ca.bus.Publish(ctx, recipients, data)
}

// DC implements Host.
func (ca *CA) DC() dclass.Registry { return ca.dc }

// NextChannel implements Host, handing out the next free session channel.
func (ca *CA) NextChannel() channel.Channel {
	return ca.nextChannel.Add(1)
}

// ListenAndServe starts the websocket listener. It blocks until ctx is
// cancelled.
func (ca *CA) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/client", ca.handleUpgrade)

	ca.server = &http.Server{Addr: ca.cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ca.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ca.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (ca *CA) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if ca.cfg.MaxConnections > 0 {
		ca.mu.Lock()
		atCapacity := len(ca.participants) >= ca.cfg.MaxConnections
		ca.mu.Unlock()
		if atCapacity {
			http.Error(w, "at capacity", http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		ca.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	go ca.serveConn(conn)
}

func (ca *CA) serveConn(conn net.Conn) {
	defer conn.Close()

	c := &wsConn{conn: conn}
	p := NewParticipant(ca.log, c, ca, ca.cfg.Version, ca.cfg.ExpectedDCHash, Policy{
		InterestsPermission: ca.cfg.InterestsPermission,
		RelocateAllowed:     ca.cfg.RelocateAllowed,
		AuthTimeout:         ca.cfg.AuthTimeout,
		Uberdogs:            ca.cfg.Uberdogs,
		InterestTimeout:     ca.cfg.InterestTimeout,
	})

	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			ca.detachParticipant(p)
			return
		}

		if p.Channel() != 0 && !ca.limiter.Allow(uint64(p.Channel())) {
			continue
		}

		p.HandleClientFrame(data)
		if p.Disconnected() {
			ca.detachParticipant(p)
			return
		}
		if p.State() == AuthAnonymous && p.Channel() != 0 {
			ca.attachParticipant(p)
		}
	}
}

func (ca *CA) attachParticipant(p *Participant) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if _, already := ca.participants[p.Channel()]; already {
		return
	}
	ca.participants[p.Channel()] = p
	ca.table.Subscribe(p.Channel(), ca)
}

func (ca *CA) detachParticipant(p *Participant) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if p.Channel() == 0 {
		return
	}
	delete(ca.participants, p.Channel())
	ca.table.Unsubscribe(p.Channel(), ca)
	ca.limiter.Forget(uint64(p.Channel()))
}

// HandleDatagram implements channel.Subscriber for bus-originated traffic:
// CLIENTAGENT_* control messages addressed to this CA's own channel, and
// ordinary field-update/location datagrams addressed to a specific
// participant's session channel.
func (ca *CA) HandleDatagram(routingKey channel.Channel, data []byte) {
	ca.mu.Lock()
	p, isParticipant := ca.participants[routingKey]
	ca.mu.Unlock()

	if isParticipant {
		ca.forwardToParticipant(p, data)
		return
	}

	ca.handleControlMessage(data)
}

// forwardToParticipant translates a bus datagram addressed to a
// participant's session channel into the corresponding client-facing
// effect: interest-resolution bookkeeping for GET_ZONE_OBJECTS responses,
// CLIENT_OBJECT_UPDATE_FIELD for a field fanned out to this participant as
// owner/AI, and a raw relay for anything this CA doesn't specifically
// translate.
func (ca *CA) forwardToParticipant(p *Participant, data []byte) {
	it := datagram.NewIterator(data)
	if _, _, err := it.SeekHeader(); err != nil {
		ca.log.Error().Err(err).Msg("truncated datagram addressed to participant")
		return
	}
	msgType, err := it.GetUint16()
	if err != nil {
		ca.log.Error().Err(err).Msg("truncated datagram addressed to participant")
		return
	}

	switch channel.MsgType(msgType) {
	case object.MsgGetZonesCountResp:
		reqCtx, err := it.GetUint32()
		if err != nil {
			return
		}
		count, err := it.GetUint32()
		if err != nil {
			return
		}
		p.HandleZoneCount(reqCtx, int(count))

	case object.MsgEnterLocationRequired:
		doID, err := it.GetUint32()
		if err != nil {
			return
		}
		classID, err := it.GetUint16()
		if err != nil {
			return
		}
		parentID, zoneID, err := it.GetLocation()
		if err != nil {
			return
		}
		withContext, err := it.GetBool()
		if err != nil {
			return
		}
		var reqCtx uint32
		if withContext {
			reqCtx, err = it.GetUint32()
			if err != nil {
				return
			}
		}
		payload := datagram.New()
		_ = payload.AddLocation(parentID, zoneID)
		_ = payload.AddData(it.GetRemainder())
		p.HandleZoneEntry(reqCtx, withContext, doID, classID, payload.Bytes())

	case object.MsgDeleteRam:
		doID, err := it.GetUint32()
		if err != nil {
			return
		}
		if _, session := p.SessionObject(doID); session {
			p.Disconnect(DisconnectSessionObjectDeleted)
		}

	case object.MsgSetField:
		doID, err := it.GetUint32()
		if err != nil {
			return
		}
		fieldID, err := it.GetUint16()
		if err != nil {
			return
		}
		value, err := it.GetBlob()
		if err != nil {
			return
		}
		dg := datagram.New()
		_ = dg.AddUint16(MsgClientObjectUpdateField)
		_ = dg.AddUint32(doID)
		_ = dg.AddUint16(fieldID)
		_ = dg.AddBlob(value)
		if err := p.conn.Send(dg.Bytes()); err != nil {
			ca.log.Warn().Err(err).Msg("failed to deliver field update to client")
		}

	default:
		raw := datagram.NewIterator(data)
		if _, _, err := raw.SeekHeader(); err != nil {
			return
		}
		if err := p.conn.Send(raw.GetRemainder()); err != nil {
			ca.log.Warn().Err(err).Msg("failed to deliver datagram to client")
		}
	}
}

func (ca *CA) handleControlMessage(data []byte) {
	it := datagram.NewIterator(data)
	_, sender, err := it.SeekHeader()
	if err != nil {
		ca.log.Error().Err(err).Msg("truncated control datagram")
		return
	}
	msgType, err := it.GetUint16()
	if err != nil {
		ca.log.Error().Err(err).Msg("truncated control datagram")
		return
	}

	switch msgType {
	case CAMsgEject:
		ca.handleEject(it)
	case CAMsgDrop:
		ca.handleEject(it)

	// ADD_INTEREST and ADD_INTEREST_MULTIPLE are deliberately handled as
	// two independent cases, each returning after doing its own work. Do
	// not merge them or let one fall through into the other.
	case CAMsgAddInterest:
		ca.handleForwardedAddInterest(it, false)
	case CAMsgAddInterestMultiple:
		ca.handleForwardedAddInterest(it, true)

	case CAMsgRemoveInterest:
		ca.handleForwardedRemoveInterest(it)

	case CAMsgSetState:
		ca.handleSetState(it)
	case CAMsgAddSessionObject:
		ca.handleSessionObject(it, true)
	case CAMsgRemoveSessionObject:
		ca.handleSessionObject(it, false)
	case CAMsgDeclareObject:
		ca.handleDeclareObject(it, true)
	case CAMsgUndeclareObject:
		ca.handleDeclareObject(it, false)

	// These message types are accepted but intentionally left as no-ops:
	// ADD_POST_REMOVE/CLEAR_POST_REMOVES have no persistent backing in
	// this cluster; GET_NETWORK_ADDRESS/GET_TLVS_RESP answer a protocol
	// extension no component here implements yet; SET_CLIENT_ID's channel
	// renumbering and OPEN_CHANNEL/CLOSE_CHANNEL's extra-channel
	// subscriptions have no caller in this cluster's UberDOGs.
	case CAMsgAddPostRemove, CAMsgClearPostRemoves, CAMsgGetNetworkAddress, CAMsgGetTLVsResp,
		CAMsgSetClientID, CAMsgSendDatagram, CAMsgOpenChannel, CAMsgCloseChannel:

	default:
		ca.log.Warn().Uint16("msg_type", msgType).Uint64("sender", sender).Msg("received unknown control message")
	}
}

func (ca *CA) handleEject(it *datagram.Iterator) {
	targetChannel, err := it.GetUint64()
	if err != nil {
		return
	}
	ca.mu.Lock()
	p, ok := ca.participants[targetChannel]
	ca.mu.Unlock()
	if ok {
		p.Disconnect(DisconnectGeneric)
	}
}

// handleForwardedRemoveInterest implements CLIENTAGENT_REMOVE_INTEREST: a
// control-channel request (e.g. from an UberDOG) to close a specific
// client's interest, as opposed to the client closing its own via
// CLIENT_REMOVE_INTEREST.
func (ca *CA) handleForwardedRemoveInterest(it *datagram.Iterator) {
	targetChannel, err := it.GetUint64()
	if err != nil {
		return
	}
	interestID, err := it.GetUint16()
	if err != nil {
		return
	}
	ca.mu.Lock()
	p, ok := ca.participants[targetChannel]
	ca.mu.Unlock()
	if !ok {
		return
	}
	p.RemoveInterest(interestID)
}

// handleSetState implements CLIENTAGENT_SET_STATE: an UberDOG promoting (or
// demoting) a participant's auth state, typically once a login field update
// has been validated.
func (ca *CA) handleSetState(it *datagram.Iterator) {
	targetChannel, err := it.GetUint64()
	if err != nil {
		return
	}
	state, err := it.GetUint8()
	if err != nil {
		return
	}
	ca.mu.Lock()
	p, ok := ca.participants[targetChannel]
	ca.mu.Unlock()
	if !ok {
		return
	}
	p.SetState(AuthState(state))
}

// handleSessionObject implements CLIENTAGENT_ADD_SESSION_OBJECT (add=true)
// and CLIENTAGENT_REMOVE_SESSION_OBJECT (add=false).
func (ca *CA) handleSessionObject(it *datagram.Iterator, add bool) {
	targetChannel, err := it.GetUint64()
	if err != nil {
		return
	}
	doID, err := it.GetUint32()
	if err != nil {
		return
	}
	ca.mu.Lock()
	p, ok := ca.participants[targetChannel]
	ca.mu.Unlock()
	if !ok {
		return
	}
	if !add {
		p.RemoveSessionObject(doID)
		return
	}
	classID, err := it.GetUint16()
	if err != nil {
		return
	}
	p.AddSessionObject(doID, classID)
}

// handleDeclareObject implements CLIENTAGENT_DECLARE_OBJECT (declare=true)
// and CLIENTAGENT_UNDECLARE_OBJECT (declare=false).
func (ca *CA) handleDeclareObject(it *datagram.Iterator, declare bool) {
	targetChannel, err := it.GetUint64()
	if err != nil {
		return
	}
	doID, err := it.GetUint32()
	if err != nil {
		return
	}
	ca.mu.Lock()
	p, ok := ca.participants[targetChannel]
	ca.mu.Unlock()
	if !ok {
		return
	}
	if !declare {
		p.UndeclareObject(doID)
		return
	}
	classID, err := it.GetUint16()
	if err != nil {
		return
	}
	p.DeclareObject(doID, classID)
}

func (ca *CA) handleForwardedAddInterest(it *datagram.Iterator, multiple bool) {
	targetChannel, err := it.GetUint64()
	if err != nil {
		return
	}
	ca.mu.Lock()
	p, ok := ca.participants[targetChannel]
	ca.mu.Unlock()
	if !ok {
		return
	}
	p.handleAddInterest(it, multiple)
}

// RunHeartbeatSweep periodically disconnects participants that have gone
// quiet, blocking until ctx is cancelled.
func (ca *CA) RunHeartbeatSweep(ctx context.Context) {
	period := ca.cfg.HeartbeatPeriod
	if period <= 0 {
		period = heartbeatInterval
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ca.mu.Lock()
			participants := make([]*Participant, 0, len(ca.participants))
			for _, p := range ca.participants {
				participants = append(participants, p)
			}
			ca.mu.Unlock()
			for _, p := range participants {
				p.CheckHeartbeat()
			}
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot implements introspect.Snapshotter.
func (ca *CA) Snapshot() any {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	channels := make([]uint64, 0, len(ca.participants))
	for ch := range ca.participants {
		channels = append(channels, uint64(ch))
	}
	return introspect.CASnapshot{
		ChannelBase:  uint64(ca.cfg.ChannelBase),
		Connections:  len(ca.participants),
		Participants: channels,
	}
}

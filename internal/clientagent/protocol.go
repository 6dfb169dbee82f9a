package clientagent

import "github.com/ksmit799/Ardos-sub000/internal/channel"

// Client-facing message types. These are the wire-level messages a
// ClientParticipant exchanges with the socket it owns, distinct from the
// CLIENTAGENT_* control messages a CA process receives from the rest of the
// cluster over the bus.
const (
	MsgClientHello       channel.MsgType = 1
	MsgClientHelloResp   channel.MsgType = 2
	MsgClientDisconnect  channel.MsgType = 3
	MsgClientObjectUpdateField channel.MsgType = 4
	MsgClientObjectSetField    channel.MsgType = 5
	MsgClientAddInterest       channel.MsgType = 6
	MsgClientRemoveInterest    channel.MsgType = 7
	MsgClientDoneInterestResp  channel.MsgType = 8
	MsgClientEnterObjectRequired channel.MsgType = 9
	MsgClientObjectLeaving       channel.MsgType = 10
	MsgClientObjectLocation      channel.MsgType = 11
	MsgClientHeartbeat           channel.MsgType = 12

	// Legacy dialect login type. Accepted only in AuthNew; it leads to
	// AuthAnonymous like CLIENT_HELLO but skips the version/DC-hash check.
	MsgClientLoginLegacy channel.MsgType = 100
)

// InterestsPermission gates CLIENT_ADD_INTEREST. Mirrors config.
// ClientAgent.InterestsPermission's string values; kept as its own type so
// this package has no import on config.
type InterestsPermission string

const (
	InterestsEnabled  InterestsPermission = "enabled"
	InterestsVisible  InterestsPermission = "visible"
	InterestsDisabled InterestsPermission = "disabled"
)

// CLIENTAGENT_* control messages, addressed to a CA's own channel from the
// rest of the cluster (e.g. an UberDOG telling the CA to eject a client).
const (
	CAMsgEject              channel.MsgType = 3000
	CAMsgDrop               channel.MsgType = 3001
	CAMsgSetState           channel.MsgType = 3002
	CAMsgAddInterest        channel.MsgType = 3003
	CAMsgAddInterestMultiple channel.MsgType = 3004
	CAMsgRemoveInterest     channel.MsgType = 3005
	CAMsgSetClientID        channel.MsgType = 3006
	CAMsgSendDatagram       channel.MsgType = 3007
	CAMsgOpenChannel        channel.MsgType = 3008
	CAMsgCloseChannel       channel.MsgType = 3009
	CAMsgAddPostRemove      channel.MsgType = 3010
	CAMsgClearPostRemoves   channel.MsgType = 3011
	CAMsgDeclareObject      channel.MsgType = 3012
	CAMsgUndeclareObject    channel.MsgType = 3013
	CAMsgSetFieldsSendable  channel.MsgType = 3014
	CAMsgAddSessionObject   channel.MsgType = 3015
	CAMsgRemoveSessionObject channel.MsgType = 3016
	CAMsgGetTLVsResp        channel.MsgType = 3017
	CAMsgGetNetworkAddress  channel.MsgType = 3018
)

// AuthState is the ClientParticipant's handshake state machine.
type AuthState int

const (
	// AuthNew is the state before CLIENT_HELLO has been received.
	AuthNew AuthState = iota
	// AuthAnonymous is the state after a valid CLIENT_HELLO but before the
	// client's own auth flow (e.g. login via an UberDOG) has granted it a
	// session object. Only whitelisted anonymous-safe channels may be used.
	AuthAnonymous
	// AuthEstablished is the fully logged-in state: a session object has
	// been added and arbitrary declared interests/fields are permitted per
	// the normal visibility rules.
	AuthEstablished
)

// DisconnectReason enumerates why the CA closed a client connection. Sent to
// the client as part of CLIENT_DISCONNECT before the socket closes.
type DisconnectReason int

const (
	DisconnectGeneric DisconnectReason = iota
	DisconnectTruncatedDatagram
	DisconnectOversizedDatagram
	DisconnectNoHello
	DisconnectBadVersion
	DisconnectBadDCHash
	DisconnectAnonymousViolation
	DisconnectForbiddenField
	DisconnectForbiddenRelocate
	DisconnectForbiddenInterest
	DisconnectMissingObject
	DisconnectSessionObjectDeleted
	DisconnectNoHeartbeat
	DisconnectInvalidMsgType
	DisconnectAuthTimeout
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectGeneric:
		return "generic"
	case DisconnectTruncatedDatagram:
		return "truncated_datagram"
	case DisconnectOversizedDatagram:
		return "oversized_datagram"
	case DisconnectNoHello:
		return "no_hello"
	case DisconnectBadVersion:
		return "bad_version"
	case DisconnectBadDCHash:
		return "bad_dc_hash"
	case DisconnectAnonymousViolation:
		return "anonymous_violation"
	case DisconnectForbiddenField:
		return "forbidden_field"
	case DisconnectForbiddenRelocate:
		return "forbidden_relocate"
	case DisconnectForbiddenInterest:
		return "forbidden_interest"
	case DisconnectMissingObject:
		return "missing_object"
	case DisconnectSessionObjectDeleted:
		return "session_object_deleted"
	case DisconnectNoHeartbeat:
		return "no_heartbeat"
	case DisconnectInvalidMsgType:
		return "invalid_msg_type"
	case DisconnectAuthTimeout:
		return "auth_timeout"
	default:
		return "unknown"
	}
}

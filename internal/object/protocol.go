package object

import "github.com/ksmit799/Ardos-sub000/internal/channel"

// Message types making up the Distributed Object message contract
// (spec.md §4.2): everything a State Server or Database State Server routes
// to a single hosted DO by its own DoId channel, plus the few messages a DO
// itself publishes back out. MsgSetLocation/MsgChangingLocation/
// MsgEnterLocationRequired/MsgDeleteRam predate this block and keep their
// original values; everything else lives in a contiguous range chosen to
// avoid the generate/delete-ai and DBSS activation ranges already in use.
const (
	MsgSetLocation           channel.MsgType = 2000
	MsgChangingLocation      channel.MsgType = 2001
	MsgEnterLocationRequired channel.MsgType = 2002
	MsgDeleteRam             channel.MsgType = 2003

	MsgLocationAck        channel.MsgType = 2030
	MsgSetField           channel.MsgType = 2031
	MsgSetFields          channel.MsgType = 2032
	MsgSetAI              channel.MsgType = 2033
	MsgChangingAI         channel.MsgType = 2034
	MsgGetAI              channel.MsgType = 2035
	MsgGetAIResp          channel.MsgType = 2036
	MsgSetOwner           channel.MsgType = 2037
	MsgChangingOwner      channel.MsgType = 2038
	MsgGetLocation        channel.MsgType = 2039
	MsgGetLocationResp    channel.MsgType = 2040
	MsgGetAll             channel.MsgType = 2041
	MsgGetAllResp         channel.MsgType = 2042
	MsgGetField           channel.MsgType = 2043
	MsgGetFieldResp       channel.MsgType = 2044
	MsgGetFields          channel.MsgType = 2045
	MsgGetFieldsResp      channel.MsgType = 2046
	MsgGetZoneObjects     channel.MsgType = 2047
	MsgGetZonesCountResp  channel.MsgType = 2048
	MsgGetActiveZones     channel.MsgType = 2049
	MsgGetActiveZonesResp channel.MsgType = 2050
	MsgDeleteChildren     channel.MsgType = 2051
)

// WakeChildrenContext is the sentinel GET_LOCATION request context a DO uses
// when it queries a newly-discovered child's location to seed zone_objects,
// matching spec.md §4.2's "GET_LOCATION_RESP with ctx == WAKE_CHILDREN"
// edge case.
const WakeChildrenContext uint32 = 0xffffffff

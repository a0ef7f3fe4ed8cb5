package fabric

import "github.com/sucredb/sucredb/internal/clock"

// NodeId, Version, Cookie and Token are shared across the fabric and
// vnode layers.
type (
	NodeId  = clock.NodeId
	Version = clock.Version
)

// Cookie is a 128-bit random session id, shared by a request's full
// round trip (get/set) or by a sync/bootstrap session's lifetime.
type Cookie [16]byte

// VNodeNum is a 16-bit partition index.
type VNodeNum = uint16

// Token identifies a client request, opaque to the fabric.
type Token = uint64

// Container is the wire/storage representation of a key's sibling set.
type Container = clock.DottedCausalContainer[[]byte]

// ErrCode enumerates the fabric-level error taxonomy of §6/§7.
type ErrCode uint8

const (
	ErrCookieNotFound ErrCode = iota + 1
	ErrBadVNodeStatus
	ErrNoRoute
	ErrIO
)

func (e ErrCode) Error() string {
	switch e {
	case ErrCookieNotFound:
		return "cookie not found"
	case ErrBadVNodeStatus:
		return "bad vnode status"
	case ErrNoRoute:
		return "no route to node"
	case ErrIO:
		return "io error"
	default:
		return "unknown fabric error"
	}
}

// MsgType tags every message variant for dispatch and is the first byte
// written on the wire after the length prefix.
type MsgType uint8

const (
	MsgTypeRemoteGet MsgType = iota + 1
	MsgTypeRemoteGetAck
	MsgTypeRemoteSet
	MsgTypeRemoteSetAck
	MsgTypeSyncStart
	MsgTypeSyncSend
	MsgTypeSyncAck
	MsgTypeSyncFin
)

// Msg is implemented by every fabric message variant.
type Msg interface {
	Type() MsgType
}

type MsgRemoteGet struct {
	Cookie Cookie
	VNode  VNodeNum
	Key    []byte
}

func (MsgRemoteGet) Type() MsgType { return MsgTypeRemoteGet }

type MsgRemoteGetAck struct {
	Cookie Cookie
	VNode  VNodeNum
	Result Container
	Err    ErrCode // zero means Result is valid
}

func (MsgRemoteGetAck) Type() MsgType { return MsgTypeRemoteGetAck }

type MsgRemoteSet struct {
	Cookie    Cookie
	VNode     VNodeNum
	Key       []byte
	Container Container
}

func (MsgRemoteSet) Type() MsgType { return MsgTypeRemoteSet }

type MsgRemoteSetAck struct {
	Cookie Cookie
	VNode  VNodeNum
	Err    ErrCode // zero means success
}

func (MsgRemoteSetAck) Type() MsgType { return MsgTypeRemoteSetAck }

// MsgSyncStart begins a sync (Target/ClockInPeer both set) or bootstrap
// (both nil) session.
type MsgSyncStart struct {
	Cookie      Cookie
	VNode       VNodeNum
	Target      *NodeId
	ClockInPeer *clock.BitmappedVersion
}

func (MsgSyncStart) Type() MsgType { return MsgTypeSyncStart }

type MsgSyncSend struct {
	Cookie    Cookie
	VNode     VNodeNum
	Seq       uint64
	Key       []byte
	Container Container
}

func (MsgSyncSend) Type() MsgType { return MsgTypeSyncSend }

type MsgSyncAck struct {
	Cookie Cookie
	VNode  VNodeNum
	Seq    uint64
}

func (MsgSyncAck) Type() MsgType { return MsgTypeSyncAck }

// MsgSyncFin reports (or echoes back, as an ack-ack) the terminal result
// of a sync/bootstrap stream.
type MsgSyncFin struct {
	Cookie Cookie
	VNode  VNodeNum
	Result clock.BitmappedVersionVector
	Err    ErrCode // zero means Result is valid
}

func (MsgSyncFin) Type() MsgType { return MsgTypeSyncFin }

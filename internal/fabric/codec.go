package fabric

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

// wireHandle is the ugorji binary Handle used to encode every fabric
// message (the persisted SavedVNodeState blob uses a separate handle in
// internal/vnode). It is the closest ecosystem analogue to the original's
// length-prefixed bincode framing: a compact, self-describing binary codec
// that encodes structs as maps keyed by Go field name rather than by
// hand-rolled field-by-field serialization.
var wireHandle = &codec.CborHandle{}

func init() {
	wireHandle.StructToArray = false
}

// encodeFrame writes msg as a little-endian u32 length prefix followed by
// a one-byte type tag and the codec-serialized payload.
func encodeFrame(msg Msg) ([]byte, error) {
	var body bytes.Buffer
	body.WriteByte(byte(msg.Type()))
	if err := codec.NewEncoder(&body, wireHandle).Encode(msg); err != nil {
		return nil, errors.Wrap(err, "encoding fabric message")
	}

	var out bytes.Buffer
	out.Grow(4 + body.Len())
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	out.Write(lenPrefix[:])
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// decodeFrame reads one length-prefixed message from r. It blocks until a
// full frame is available or r errors.
func decodeFrame(r io.Reader) (Msg, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "reading fabric frame body")
	}
	if len(body) == 0 {
		return nil, errors.New("empty fabric frame")
	}

	msgType := MsgType(body[0])
	dec := codec.NewDecoderBytes(body[1:], wireHandle)

	var msg Msg
	switch msgType {
	case MsgTypeRemoteGet:
		var m MsgRemoteGet
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	case MsgTypeRemoteGetAck:
		var m MsgRemoteGetAck
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	case MsgTypeRemoteSet:
		var m MsgRemoteSet
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	case MsgTypeRemoteSetAck:
		var m MsgRemoteSetAck
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	case MsgTypeSyncStart:
		var m MsgSyncStart
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	case MsgTypeSyncSend:
		var m MsgSyncSend
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	case MsgTypeSyncAck:
		var m MsgSyncAck
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	case MsgTypeSyncFin:
		var m MsgSyncFin
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg = m
	default:
		return nil, errors.Errorf("unknown fabric message type %d", msgType)
	}
	return msg, nil
}

package fabric

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sucredb/sucredb/internal/clock"
)

func TestEncodeDecodeFrameRoundTripsEveryMessageType(t *testing.T) {
	target := clock.NodeId(7)
	clockInPeer := clock.BitmappedVersion{Base: 3}

	var dcc = clock.NewDCC[[]byte]()
	dcc.Add(1, 1, []byte("v"))

	cases := []Msg{
		MsgRemoteGet{Cookie: Cookie{1}, VNode: 2, Key: []byte("k")},
		MsgRemoteGetAck{Cookie: Cookie{1}, VNode: 2, Result: dcc},
		MsgRemoteGetAck{Cookie: Cookie{1}, VNode: 2, Err: ErrIO},
		MsgRemoteSet{Cookie: Cookie{2}, VNode: 2, Key: []byte("k"), Container: dcc},
		MsgRemoteSetAck{Cookie: Cookie{2}, VNode: 2, Err: ErrBadVNodeStatus},
		MsgSyncStart{Cookie: Cookie{3}, VNode: 5, Target: &target, ClockInPeer: &clockInPeer},
		MsgSyncStart{Cookie: Cookie{3}, VNode: 5}, // bootstrap variant: nil Target/ClockInPeer
		MsgSyncSend{Cookie: Cookie{4}, VNode: 5, Seq: 9, Key: []byte("k"), Container: dcc},
		MsgSyncAck{Cookie: Cookie{5}, VNode: 5, Seq: 9},
		MsgSyncFin{Cookie: Cookie{6}, VNode: 5, Result: clock.New()},
		MsgSyncFin{Cookie: Cookie{6}, VNode: 5, Err: ErrCookieNotFound},
	}

	for _, want := range cases {
		encoded, err := encodeFrame(want)
		assert.NoError(t, err)

		got, err := decodeFrame(bytes.NewReader(encoded))
		assert.NoError(t, err)
		assert.Equal(t, want.Type(), got.Type())
		assert.Equal(t, want, got)
	}
}

func TestDecodeFrameRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{1, 0, 0, 0}) // length prefix: 1 byte body
	buf.WriteByte(255)            // unknown type tag

	_, err := decodeFrame(&buf)
	assert.Error(t, err)
}

func TestDecodeFrameStopsOnShortRead(t *testing.T) {
	_, err := decodeFrame(bytes.NewReader([]byte{1, 0}))
	assert.Error(t, err)
}

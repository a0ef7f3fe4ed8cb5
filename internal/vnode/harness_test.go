package vnode

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sucredb/sucredb/internal/clock"
	"github.com/sucredb/sucredb/internal/fabric"
	"github.com/sucredb/sucredb/internal/storage"
)

// network wires a handful of in-process VNodes together so sync/bootstrap
// and remote get/set handlers can be exercised without real sockets,
// mirroring the teacher's own fixture-driven fakes in
// consumer/replica_test.go.
type network struct {
	nodes map[clock.NodeId]*VNode
}

func newNetwork() *network {
	return &network{nodes: make(map[clock.NodeId]*VNode)}
}

func (n *network) fabricFor(self clock.NodeId) *nodeFabric {
	return &nodeFabric{self: self, net: n}
}

type nodeFabric struct {
	self clock.NodeId
	net  *network
}

func (f *nodeFabric) Send(to clock.NodeId, vn uint16, msg fabric.Msg) error {
	target, ok := f.net.nodes[to]
	if !ok {
		return fabric.ErrNoRoute
	}
	dispatchInto(target, f.self, msg)
	return nil
}

func dispatchInto(v *VNode, from clock.NodeId, msg fabric.Msg) {
	switch m := msg.(type) {
	case fabric.MsgRemoteGet:
		v.HandlerGetRemote(from, m)
	case fabric.MsgRemoteGetAck:
		v.HandlerGetRemoteAck(m)
	case fabric.MsgRemoteSet:
		v.HandlerSetRemote(from, m)
	case fabric.MsgRemoteSetAck:
		v.HandlerSetRemoteAck(m)
	case fabric.MsgSyncStart:
		v.HandlerSyncStart(from, m)
	case fabric.MsgSyncSend:
		v.HandlerSyncSend(from, m)
	case fabric.MsgSyncAck:
		v.HandlerSyncAck(m)
	case fabric.MsgSyncFin:
		v.HandlerSyncFin(m)
	}
}

// fakeDHT is a fixed replica list shared by every node in a test cluster,
// with PromotePendingNode calls recorded for assertions.
type fakeDHT struct {
	self     clock.NodeId
	replicas []clock.NodeId
	promoted []clock.NodeId
}

func (d *fakeDHT) NodesForVNode(num uint16, forWrite bool) []clock.NodeId {
	out := make([]clock.NodeId, len(d.replicas))
	copy(out, d.replicas)
	return out
}

func (d *fakeDHT) Node() clock.NodeId { return d.self }

func (d *fakeDHT) PromotePendingNode(vnode uint16, node clock.NodeId) error {
	d.promoted = append(d.promoted, node)
	return nil
}

// testLogger returns a quiet logrus.Entry suitable for test fixtures.
func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// newTestVNode builds one fully-wired VNode backed by in-memory storage,
// a fixed replica set, and the shared in-process fabric net.
func newTestVNode(net *network, self clock.NodeId, replicas []clock.NodeId, params Params) (*VNode, *VNodeState, *fakeDHT) {
	store := storage.NewMemManager()
	vstore, _ := store.Open(0, true)
	meta := storage.NewMemMetaStore()

	state := NewVNodeState(0, self, vstore, meta, testLogger())
	if err := state.Load(); err != nil {
		panic(err)
	}

	dht := &fakeDHT{self: self, replicas: replicas}
	fab := net.fabricFor(self)
	vn := New(state, dht, fab, params, int64(self)+1)
	net.nodes[self] = vn
	return vn, state, dht
}

func defaultParams() Params {
	return Params{ConsistencyRead: 1, ConsistencyWrite: 1, RequestTimeout: time.Hour}
}

func syncGet(vn *VNode, key []byte) (clock.DottedCausalContainer[[]byte], error) {
	done := make(chan struct {
		dcc clock.DottedCausalContainer[[]byte]
		err error
	}, 1)
	vn.DoGet(1, key, func(dcc clock.DottedCausalContainer[[]byte], err error) {
		done <- struct {
			dcc clock.DottedCausalContainer[[]byte]
			err error
		}{dcc, err}
	})
	res := <-done
	return res.dcc, res.err
}

func syncSet(vn *VNode, key, value []byte, vv clock.BitmappedVersionVector) (clock.DottedCausalContainer[[]byte], error) {
	done := make(chan struct {
		dcc clock.DottedCausalContainer[[]byte]
		err error
	}, 1)
	vn.DoSet(1, key, value, true, vv, func(dcc clock.DottedCausalContainer[[]byte], err error) {
		done <- struct {
			dcc clock.DottedCausalContainer[[]byte]
			err error
		}{dcc, err}
	})
	res := <-done
	return res.dcc, res.err
}

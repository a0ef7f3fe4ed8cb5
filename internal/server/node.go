// Package server wires the individually-testable pieces — storage, the
// DHT ring, the fabric transport, and one VNode per partition — into a
// single running node, and drives the tick loop that keeps anti-entropy
// moving per spec §4.F.
package server

import (
	"hash/fnv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sucredb/sucredb/internal/clock"
	"github.com/sucredb/sucredb/internal/config"
	"github.com/sucredb/sucredb/internal/dht"
	"github.com/sucredb/sucredb/internal/fabric"
	"github.com/sucredb/sucredb/internal/storage"
	"github.com/sucredb/sucredb/internal/vnode"
)

// Node owns every local vnode and the shared collaborators (storage
// manager, DHT ring, fabric) they're built from.
type Node struct {
	cfg     config.Config
	self    clock.NodeId
	logger  *logrus.Entry
	storage *storage.BadgerManager
	meta    *storage.BadgerMetaStore
	ring    *dht.Ring
	fabric  *fabric.Fabric
	vnodes  map[uint16]*vnode.VNode

	tickInterval time.Duration
	stop         chan struct{}
}

// SelfNodeId derives a stable 64-bit node id from addr, the way a cluster
// member identifies itself on the fabric without an external id allocator.
func SelfNodeId(addr string) clock.NodeId {
	h := fnv.New64a()
	_, _ = h.Write([]byte(addr))
	return clock.NodeId(h.Sum64())
}

// New opens storage and builds (but does not yet start) every local vnode
// for a single-node ring seeded with just this node. Joining an existing
// cluster reduces to calling ring.SetMembers with the full member set once
// discovered (left to the DHT layer; see Open Question resolution (d) in
// DESIGN.md).
func New(cfg config.Config, logger *logrus.Entry) (*Node, error) {
	self := SelfNodeId(cfg.FabricAddr)

	bm := storage.NewBadgerManager(cfg.DataDir)
	meta, err := storage.NewBadgerMetaStore(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "opening metadata store")
	}

	ring := dht.NewRing(self, uint16(cfg.Partitions), cfg.ReplicationFactor, []clock.NodeId{self})
	fab := fabric.New(self, logger.WithField("component", "fabric"))

	n := &Node{
		cfg:          cfg,
		self:         self,
		logger:       logger.WithField("node", self),
		storage:      bm,
		meta:         meta,
		ring:         ring,
		fabric:       fab,
		vnodes:       make(map[uint16]*vnode.VNode),
		tickInterval: time.Duration(cfg.WorkerTimerMs) * time.Millisecond,
		stop:         make(chan struct{}),
	}

	if err := n.openVNodes(); err != nil {
		return nil, err
	}
	n.registerHandlers()
	return n, nil
}

func (n *Node) openVNodes() error {
	for num := uint16(0); num < uint16(n.cfg.Partitions); num++ {
		store, err := n.storage.Open(int32(num), true)
		if err != nil {
			return errors.Wrapf(err, "opening storage for vnode %d", num)
		}
		state := vnode.NewVNodeState(num, n.self, store, n.meta, n.logger)
		if err := state.Load(); err != nil {
			return errors.Wrapf(err, "loading state for vnode %d", num)
		}

		params := vnode.Params{
			ConsistencyRead:  n.cfg.ConsistencyRead.Required(n.cfg.ReplicationFactor),
			ConsistencyWrite: n.cfg.ConsistencyWrite.Required(n.cfg.ReplicationFactor),
			RequestTimeout:   time.Duration(n.cfg.RequestTimeoutMs) * time.Millisecond,
		}
		vn := vnode.New(state, n.ring, n.fabric, params, int64(num)+1)
		n.vnodes[num] = vn

		if state.Status == vnode.StatusRecover {
			vn.StartSync(true)
		}
	}
	return nil
}

func (n *Node) registerHandlers() {
	n.fabric.RegisterHandler(fabric.MsgTypeRemoteGet, func(from fabric.NodeId, num fabric.VNodeNum, msg fabric.Msg) {
		if vn, ok := n.vnodes[num]; ok {
			vn.HandlerGetRemote(from, msg.(fabric.MsgRemoteGet))
		}
	})
	n.fabric.RegisterHandler(fabric.MsgTypeRemoteGetAck, func(_ fabric.NodeId, num fabric.VNodeNum, msg fabric.Msg) {
		if vn, ok := n.vnodes[num]; ok {
			vn.HandlerGetRemoteAck(msg.(fabric.MsgRemoteGetAck))
		}
	})
	n.fabric.RegisterHandler(fabric.MsgTypeRemoteSet, func(from fabric.NodeId, num fabric.VNodeNum, msg fabric.Msg) {
		if vn, ok := n.vnodes[num]; ok {
			vn.HandlerSetRemote(from, msg.(fabric.MsgRemoteSet))
		}
	})
	n.fabric.RegisterHandler(fabric.MsgTypeRemoteSetAck, func(_ fabric.NodeId, num fabric.VNodeNum, msg fabric.Msg) {
		if vn, ok := n.vnodes[num]; ok {
			vn.HandlerSetRemoteAck(msg.(fabric.MsgRemoteSetAck))
		}
	})
	n.fabric.RegisterHandler(fabric.MsgTypeSyncStart, func(from fabric.NodeId, num fabric.VNodeNum, msg fabric.Msg) {
		if vn, ok := n.vnodes[num]; ok {
			vn.HandlerSyncStart(from, msg.(fabric.MsgSyncStart))
		}
	})
	n.fabric.RegisterHandler(fabric.MsgTypeSyncSend, func(from fabric.NodeId, num fabric.VNodeNum, msg fabric.Msg) {
		if vn, ok := n.vnodes[num]; ok {
			vn.HandlerSyncSend(from, msg.(fabric.MsgSyncSend))
		}
	})
	n.fabric.RegisterHandler(fabric.MsgTypeSyncAck, func(_ fabric.NodeId, num fabric.VNodeNum, msg fabric.Msg) {
		if vn, ok := n.vnodes[num]; ok {
			vn.HandlerSyncAck(msg.(fabric.MsgSyncAck))
		}
	})
	n.fabric.RegisterHandler(fabric.MsgTypeSyncFin, func(_ fabric.NodeId, num fabric.VNodeNum, msg fabric.Msg) {
		if vn, ok := n.vnodes[num]; ok {
			vn.HandlerSyncFin(msg.(fabric.MsgSyncFin))
		}
	})
}

// Serve starts the fabric listener and the tick loop. It blocks until Stop
// is called or the fabric listener fails.
func (n *Node) Serve() error {
	if err := n.fabric.Listen(n.cfg.FabricAddr); err != nil {
		return errors.Wrap(err, "starting fabric listener")
	}
	n.logger.WithField("addr", n.cfg.FabricAddr).Info("fabric listening")

	go n.tickLoop()
	go n.dhtChangeLoop()
	<-n.stop
	return nil
}

// dhtChangeLoop forwards ring ownership changes to the affected vnode's
// status transition table (spec §4.E).
func (n *Node) dhtChangeLoop() {
	for {
		select {
		case change := <-n.ring.Changes():
			if vn, ok := n.vnodes[change.VNode]; ok {
				vn.HandlerDHTChange(change.Status == dht.DesiredReady)
			}
		case <-n.stop:
			return
		}
	}
}

func (n *Node) tickLoop() {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, vn := range n.vnodes {
				vn.HandlerTick()
			}
		case <-n.stop:
			return
		}
	}
}

// Stop shuts every vnode down cleanly (flushing a clean-shutdown
// checkpoint) and closes the fabric.
func (n *Node) Stop() {
	close(n.stop)
	_ = n.fabric.Close()
	for num, vn := range n.vnodes {
		if err := vn.Shutdown(); err != nil {
			n.logger.WithError(err).WithField("vnode", num).Error("error shutting down vnode")
		}
	}
}

// VNodeFor resolves key to the local VNode coordinating its partition,
// satisfying internal/client.Router.
func (n *Node) VNodeFor(key []byte) *vnode.VNode {
	num := KeyVNode(key, uint16(n.cfg.Partitions))
	return n.vnodes[num]
}

// KeyVNode hashes key onto one of numVNodes partitions via FNV-1a,
// matching the hash family dht.Ring already uses for vnode placement.
func KeyVNode(key []byte, numVNodes uint16) uint16 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return uint16(h.Sum32() % uint32(numVNodes))
}

package vnode

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sucredb/sucredb/internal/clock"
	"github.com/sucredb/sucredb/internal/fabric"
	"github.com/sucredb/sucredb/internal/metrics"
	"github.com/sucredb/sucredb/internal/storage"
)

// Anti-entropy timing constants, per spec §4.E′: SyncTimeout is roughly
// 3.1x SyncInflightTimeout so a sender gets several retransmit rounds
// before the receiver gives up and a receiver gets several start-retries
// before abandoning a dropped SyncStart.
const (
	SyncInflightMax     = 64
	SyncInflightTimeout = 500 * time.Millisecond
	SyncTimeout         = 1550 * time.Millisecond // ~3.1 * SyncInflightTimeout
	ZombieTimeout       = 30 * time.Second
)

// tickResult is the outcome of driving a session one step, mirroring the
// original's SyncResult enum.
type tickResult int

const (
	tickContinue tickResult = iota
	tickDone
	tickRetryBootstrap
)

// Fabric is the message-send seam the vnode layer depends on, so sync
// sessions and the orchestrator are testable without real sockets.
type Fabric interface {
	Send(node clock.NodeId, vnode uint16, msg fabric.Msg) error
}

// sessionCtx bundles what every syncSession vtable method needs, so the
// interface stays uniform across four heterogeneous variants.
type sessionCtx struct {
	V      *VNodeState
	Fabric Fabric
	DHT    DHT
	Now    time.Time
	Log    *log.Entry
}

// syncSession is the common vtable of spec §9 "Trait-like polymorphism of
// sessions": four variants, one tagged dispatch, no deep hierarchy.
type syncSession interface {
	Cookie() fabric.Cookie
	OnStart(ctx sessionCtx)
	OnTick(ctx sessionCtx) tickResult
	OnSend(ctx sessionCtx, msg fabric.MsgSyncSend) tickResult
	OnAck(ctx sessionCtx, msg fabric.MsgSyncAck) tickResult
	OnFin(ctx sessionCtx, msg fabric.MsgSyncFin) tickResult
	OnCancel(ctx sessionCtx) tickResult
	OnRemove(ctx sessionCtx)
}

// iteratorFn is a stateful producer of (key, DCC) pairs that consumes a
// borrowed VNodeState on each step, per spec §9 "Iterators as closures".
type iteratorFn func(v *VNodeState) (key []byte, dcc clock.DottedCausalContainer[[]byte], ok bool, err error)

// newTargetIterator picks the log-driven or storage-scan iterator for a
// delta-sync of target's dimension, per spec §4.E′'s bifurcation rule.
func newTargetIterator(v *VNodeState, target clock.NodeId, clockSnapshot, clockInPeer clock.BitmappedVersion) iteratorFn {
	peerLog := v.LogFor(target)
	if peerLog.MinVersion() == 0 || peerLog.MinVersion() <= clockInPeer.Base {
		return newLogIterator(peerLog, clockSnapshot.Delta(clockInPeer))
	}
	return newScanIterator(target, clockInPeer)
}

func newLogIterator(peerLog *VNodePeer, versions []clock.Version) iteratorFn {
	idx := 0
	return func(v *VNodeState) ([]byte, clock.DottedCausalContainer[[]byte], bool, error) {
		for idx < len(versions) {
			ver := versions[idx]
			idx++
			key, ok := peerLog.Get(ver)
			if !ok {
				continue
			}
			dcc, err := v.StorageGet(key)
			if err != nil {
				return nil, dcc, false, err
			}
			return key, dcc, true, nil
		}
		return nil, clock.DottedCausalContainer[[]byte]{}, false, nil
	}
}

func newScanIterator(target clock.NodeId, clockInPeer clock.BitmappedVersion) iteratorFn {
	var it storage.Iterator
	started := false
	return func(v *VNodeState) ([]byte, clock.DottedCausalContainer[[]byte], bool, error) {
		if !started {
			it = v.Storage.Iterator()
			started = true
		}
		for it.Next() {
			dcc, err := decodeDCC(it.Value())
			if err != nil {
				it.Close()
				return nil, dcc, false, err
			}
			dcc.Fill(v.Clocks)
			matches := false
			for _, dot := range dcc.Versions() {
				if dot.Node == target && dot.Version > clockInPeer.Base {
					matches = true
					break
				}
			}
			if matches {
				return append([]byte(nil), it.Key()...), dcc, true, nil
			}
		}
		it.Close()
		return nil, clock.DottedCausalContainer[[]byte]{}, false, nil
	}
}

func newFullScanIterator() iteratorFn {
	var it storage.Iterator
	started := false
	return func(v *VNodeState) ([]byte, clock.DottedCausalContainer[[]byte], bool, error) {
		if !started {
			it = v.Storage.Iterator()
			started = true
		}
		if it.Next() {
			key := append([]byte(nil), it.Key()...)
			dcc, err := decodeDCC(it.Value())
			if err != nil {
				it.Close()
				return nil, dcc, false, err
			}
			dcc.Fill(v.Clocks)
			return key, dcc, true, nil
		}
		it.Close()
		return nil, clock.DottedCausalContainer[[]byte]{}, false, nil
	}
}

// sendEntry is what a sender tracks in-flight per sequence number.
type sendEntry struct {
	key []byte
	dcc clock.DottedCausalContainer[[]byte]
}

// senderCore is the windowed send loop shared by SyncSender and
// BootstrapSender, per spec §4.E′.
type senderCore struct {
	cookie      fabric.Cookie
	vnode       uint16
	peer        clock.NodeId
	kind        string
	iterator    iteratorFn
	exhausted   bool
	finSent     bool
	inflight    *InFlightMap[uint64, sendEntry]
	seq         uint64
	lastReceive time.Time
	result      clock.BitmappedVersionVector
}

func newSenderCore(cookie fabric.Cookie, vnode uint16, peer clock.NodeId, kind string, iterator iteratorFn, result clock.BitmappedVersionVector) senderCore {
	return senderCore{
		cookie:   cookie,
		vnode:    vnode,
		peer:     peer,
		kind:     kind,
		iterator: iterator,
		inflight: NewInFlightMap[uint64, sendEntry](),
		result:   result,
	}
}

func (s *senderCore) Cookie() fabric.Cookie { return s.cookie }

// pump drives the windowed send loop: retransmit expired entries, fill the
// window from the iterator, and send Fin once fully drained.
func (s *senderCore) pump(ctx sessionCtx) tickResult {
	retransmitted := false
	for {
		seq, entry, ok := s.inflight.TouchExpired(ctx.Now, ctx.Now.Add(SyncInflightTimeout))
		if !ok {
			break
		}
		retransmitted = true
		_ = ctx.Fabric.Send(s.peer, s.vnode, fabric.MsgSyncSend{
			Cookie: s.cookie, VNode: s.vnode, Seq: seq, Key: entry.key, Container: entry.dcc,
		})
	}

	for !s.exhausted && s.inflight.Len() < SyncInflightMax {
		key, dcc, ok, err := s.iterator(ctx.V)
		if err != nil {
			ctx.Log.WithError(err).Error("sync iterator failed")
			return tickDone
		}
		if !ok {
			s.exhausted = true
			break
		}
		seq := s.seq
		s.seq++
		s.inflight.Insert(seq, sendEntry{key: key, dcc: dcc}, ctx.Now.Add(SyncInflightTimeout))
		_ = ctx.Fabric.Send(s.peer, s.vnode, fabric.MsgSyncSend{
			Cookie: s.cookie, VNode: s.vnode, Seq: seq, Key: key, Container: dcc,
		})
		metrics.SyncRecordsTotal.WithLabelValues(s.kind, "sent").Inc()
	}

	if !retransmitted && s.exhausted && s.inflight.IsEmpty() && !s.finSent {
		s.finSent = true
		_ = ctx.Fabric.Send(s.peer, s.vnode, fabric.MsgSyncFin{
			Cookie: s.cookie, VNode: s.vnode, Result: s.result,
		})
	}
	return tickContinue
}

func (s *senderCore) onAck(ctx sessionCtx, msg fabric.MsgSyncAck) tickResult {
	s.inflight.Remove(msg.Seq)
	s.lastReceive = ctx.Now
	return s.pump(ctx)
}

func (s *senderCore) onTick(ctx sessionCtx) tickResult {
	if ctx.Now.Sub(s.lastReceive) > SyncTimeout {
		return tickDone
	}
	return s.pump(ctx)
}

// onFin on a sender is the receiver's ack-ack: the session is simply done.
func (s *senderCore) onFin(fabric.MsgSyncFin) tickResult {
	return tickDone
}

func (s *senderCore) onCancel(ctx sessionCtx) tickResult {
	_ = ctx.Fabric.Send(s.peer, s.vnode, fabric.MsgSyncFin{
		Cookie: s.cookie, VNode: s.vnode, Err: fabric.ErrBadVNodeStatus,
	})
	return tickDone
}

// syncSenderSession streams one node's dimension of delta updates to a
// peer that already holds the vnode.
type syncSenderSession struct {
	senderCore
	target clock.NodeId
}

func newSyncSenderSession(cookie fabric.Cookie, vnode uint16, peer, target clock.NodeId, v *VNodeState, clockInPeer clock.BitmappedVersion) *syncSenderSession {
	clockSnapshot := v.Clocks.Get(target)
	iterator := newTargetIterator(v, target, clockSnapshot, clockInPeer)
	return &syncSenderSession{
		senderCore: newSenderCore(cookie, vnode, peer, "sync", iterator, clock.FromVersion(target, clockSnapshot)),
		target:     target,
	}
}

func (s *syncSenderSession) OnStart(ctx sessionCtx) {
	s.lastReceive = ctx.Now
	s.pump(ctx)
}
func (s *syncSenderSession) OnTick(ctx sessionCtx) tickResult {
	return s.senderCore.onTick(ctx)
}
func (s *syncSenderSession) OnSend(sessionCtx, fabric.MsgSyncSend) tickResult { return tickContinue }
func (s *syncSenderSession) OnAck(ctx sessionCtx, msg fabric.MsgSyncAck) tickResult {
	return s.senderCore.onAck(ctx, msg)
}
func (s *syncSenderSession) OnFin(_ sessionCtx, msg fabric.MsgSyncFin) tickResult {
	return s.senderCore.onFin(msg)
}
func (s *syncSenderSession) OnCancel(ctx sessionCtx) tickResult { return s.senderCore.onCancel(ctx) }
func (s *syncSenderSession) OnRemove(sessionCtx)                {}

// bootstrapSenderSession streams a full copy of the vnode's storage to a
// newly-joining replica.
type bootstrapSenderSession struct {
	senderCore
}

func newBootstrapSenderSession(cookie fabric.Cookie, vnode uint16, peer clock.NodeId, v *VNodeState) *bootstrapSenderSession {
	snapshot := v.Clocks.Clone()
	return &bootstrapSenderSession{
		senderCore: newSenderCore(cookie, vnode, peer, "bootstrap", newFullScanIterator(), snapshot),
	}
}

func (s *bootstrapSenderSession) OnStart(ctx sessionCtx) {
	s.lastReceive = ctx.Now
	s.pump(ctx)
}
func (s *bootstrapSenderSession) OnTick(ctx sessionCtx) tickResult {
	return s.senderCore.onTick(ctx)
}
func (s *bootstrapSenderSession) OnSend(sessionCtx, fabric.MsgSyncSend) tickResult {
	return tickContinue
}
func (s *bootstrapSenderSession) OnAck(ctx sessionCtx, msg fabric.MsgSyncAck) tickResult {
	return s.senderCore.onAck(ctx, msg)
}
func (s *bootstrapSenderSession) OnFin(_ sessionCtx, msg fabric.MsgSyncFin) tickResult {
	return s.senderCore.onFin(msg)
}
func (s *bootstrapSenderSession) OnCancel(ctx sessionCtx) tickResult {
	return s.senderCore.onCancel(ctx)
}
func (s *bootstrapSenderSession) OnRemove(sessionCtx) {}

// receiverCore is shared by SyncReceiver and BootstrapReceiver: both drive
// a SyncStart, absorb SyncSend into storage, and ack.
type receiverCore struct {
	cookie      fabric.Cookie
	vnode       uint16
	peer        clock.NodeId
	kind        string
	count       uint64
	lastReceive time.Time
	startsSent  int
	finished    bool
}

func (r *receiverCore) Cookie() fabric.Cookie { return r.cookie }

func (r *receiverCore) sendStart(ctx sessionCtx, target *clock.NodeId, clockInPeer *clock.BitmappedVersion) {
	r.startsSent++
	r.lastReceive = ctx.Now
	_ = ctx.Fabric.Send(r.peer, r.vnode, fabric.MsgSyncStart{
		Cookie: r.cookie, VNode: r.vnode, Target: target, ClockInPeer: clockInPeer,
	})
}

func (r *receiverCore) onSend(ctx sessionCtx, msg fabric.MsgSyncSend) tickResult {
	if err := ctx.V.StorageSetRemote(msg.Key, msg.Container); err != nil {
		ctx.Log.WithError(err).Error("storage_set_remote failed")
		return tickDone
	}
	r.count++
	r.lastReceive = ctx.Now
	metrics.SyncRecordsTotal.WithLabelValues(r.kind, "received").Inc()
	_ = ctx.Fabric.Send(r.peer, r.vnode, fabric.MsgSyncAck{Cookie: r.cookie, VNode: r.vnode, Seq: msg.Seq})
	return tickContinue
}

// onTick implements spec §4.E′'s receiver timeout rule; abandonResult is
// returned on a full timeout (Done for sync, RetryBootstrap for bootstrap).
func (r *receiverCore) onTick(ctx sessionCtx, target *clock.NodeId, clockInPeer *clock.BitmappedVersion, abandonResult tickResult) tickResult {
	if ctx.Now.Sub(r.lastReceive) > SyncTimeout {
		return abandonResult
	}
	if r.count == 0 && ctx.Now.Sub(r.lastReceive) > SyncInflightTimeout {
		// A retransmitted start is not a receipt: the abandon deadline stays
		// measured from the session start (or the last record received).
		lastReceive := r.lastReceive
		r.sendStart(ctx, target, clockInPeer)
		r.lastReceive = lastReceive
	}
	return tickContinue
}

// syncReceiverSession requests and absorbs a delta-sync of one node's
// dimension, either from that node directly (reverse=false) or, during
// crash recovery, asking a peer to ship back our own lost writes
// (reverse=true, target=self).
type syncReceiverSession struct {
	receiverCore
	target  clock.NodeId
	reverse bool
}

func newSyncReceiverSession(cookie fabric.Cookie, vnode uint16, peer, target clock.NodeId, reverse bool) *syncReceiverSession {
	return &syncReceiverSession{
		receiverCore: receiverCore{cookie: cookie, vnode: vnode, peer: peer, kind: "sync"},
		target:       target,
		reverse:      reverse,
	}
}

func (s *syncReceiverSession) OnStart(ctx sessionCtx) {
	clockInPeer := ctx.V.Clocks.Get(s.target)
	s.sendStart(ctx, &s.target, &clockInPeer)
}

func (s *syncReceiverSession) OnTick(ctx sessionCtx) tickResult {
	clockInPeer := ctx.V.Clocks.Get(s.target)
	return s.receiverCore.onTick(ctx, &s.target, &clockInPeer, tickDone)
}

func (s *syncReceiverSession) OnSend(ctx sessionCtx, msg fabric.MsgSyncSend) tickResult {
	return s.receiverCore.onSend(ctx, msg)
}

func (s *syncReceiverSession) OnAck(sessionCtx, fabric.MsgSyncAck) tickResult { return tickContinue }

func (s *syncReceiverSession) OnFin(ctx sessionCtx, msg fabric.MsgSyncFin) tickResult {
	if msg.Err != 0 {
		return tickDone
	}
	ctx.V.Clocks.Join(msg.Result)
	if err := ctx.V.Checkpoint(); err != nil {
		ctx.Log.WithError(err).Error("checkpoint after sync fin failed")
	}
	if err := ctx.V.Storage.Sync(); err != nil {
		ctx.Log.WithError(err).Error("storage sync after sync fin failed")
	}
	s.finished = true
	_ = ctx.Fabric.Send(s.peer, s.vnode, msg)
	return tickDone
}

func (s *syncReceiverSession) OnCancel(sessionCtx) tickResult { return tickDone }

func (s *syncReceiverSession) OnRemove(ctx sessionCtx) {
	if s.reverse {
		ctx.V.PendingRecoveries--
		if ctx.V.PendingRecoveries == 0 && ctx.V.Status == StatusRecover {
			ctx.V.FinishRecover()
		}
	} else {
		delete(ctx.V.SyncNodes, s.target)
	}
	if !s.finished {
		_ = ctx.Fabric.Send(s.peer, s.vnode, fabric.MsgSyncFin{
			Cookie: s.cookie, VNode: s.vnode, Err: fabric.ErrCookieNotFound,
		})
	}
}

// bootstrapReceiverSession requests and absorbs a full copy of the vnode
// from a chosen source replica.
type bootstrapReceiverSession struct {
	receiverCore
}

func newBootstrapReceiverSession(cookie fabric.Cookie, vnode uint16, peer clock.NodeId) *bootstrapReceiverSession {
	return &bootstrapReceiverSession{receiverCore: receiverCore{cookie: cookie, vnode: vnode, peer: peer, kind: "bootstrap"}}
}

func (s *bootstrapReceiverSession) OnStart(ctx sessionCtx) { s.sendStart(ctx, nil, nil) }

func (s *bootstrapReceiverSession) OnTick(ctx sessionCtx) tickResult {
	return s.receiverCore.onTick(ctx, nil, nil, tickRetryBootstrap)
}

func (s *bootstrapReceiverSession) OnSend(ctx sessionCtx, msg fabric.MsgSyncSend) tickResult {
	return s.receiverCore.onSend(ctx, msg)
}

func (s *bootstrapReceiverSession) OnAck(sessionCtx, fabric.MsgSyncAck) tickResult {
	return tickContinue
}

func (s *bootstrapReceiverSession) OnFin(ctx sessionCtx, msg fabric.MsgSyncFin) tickResult {
	if msg.Err != 0 {
		return tickRetryBootstrap
	}
	ctx.V.Clocks.Join(msg.Result)
	if err := ctx.V.Checkpoint(); err != nil {
		ctx.Log.WithError(err).Error("checkpoint after bootstrap fin failed")
	}
	if err := ctx.V.Storage.Sync(); err != nil {
		ctx.Log.WithError(err).Error("storage sync after bootstrap fin failed")
	}
	ctx.V.SetStatus(StatusReady)
	if err := ctx.DHT.PromotePendingNode(s.vnode, ctx.V.Self()); err != nil {
		ctx.Log.WithError(err).Error("promote pending node failed")
	}
	s.finished = true
	_ = ctx.Fabric.Send(s.peer, s.vnode, msg)
	return tickDone
}

func (s *bootstrapReceiverSession) OnCancel(sessionCtx) tickResult { return tickRetryBootstrap }

func (s *bootstrapReceiverSession) OnRemove(ctx sessionCtx) {
	if !s.finished {
		_ = ctx.Fabric.Send(s.peer, s.vnode, fabric.MsgSyncFin{
			Cookie: s.cookie, VNode: s.vnode, Err: fabric.ErrCookieNotFound,
		})
	}
}

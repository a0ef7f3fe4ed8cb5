// Package vnode implements the per-partition replica: causal storage
// operations, the status lifecycle, anti-entropy sync sessions, and the
// request-quorum orchestrator that ties them together.
package vnode

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sucredb/sucredb/internal/clock"
	"github.com/sucredb/sucredb/internal/fabric"
	"github.com/sucredb/sucredb/internal/metrics"
)

// DHT is the membership/partitioning collaborator the orchestrator depends
// on: replica placement for a vnode, the local node's own id, and
// promotion of a freshly-bootstrapped node to full ownership.
type DHT interface {
	NodesForVNode(num uint16, forWrite bool) []clock.NodeId
	Node() clock.NodeId
	PromotePendingNode(vnode uint16, node clock.NodeId) error
}

// Params are the subset of configuration the orchestrator needs per spec
// §4.C/§4.F and §6 "Configuration (selected)".
type Params struct {
	ConsistencyRead  int
	ConsistencyWrite int
	RequestTimeout   time.Duration
}

// ReqState tracks one in-flight client request fanned out to a vnode's
// replica set, per spec §3.
type ReqState struct {
	Token      fabric.Token
	Total      int
	Required   int
	Replies    int
	Successful int
	Proxied    bool
	Container  clock.DottedCausalContainer[[]byte]
	isSet      bool
	respond    func(clock.DottedCausalContainer[[]byte], error)
	done       bool
}

// ErrTimeout is returned to a request's callback when quorum was not
// reached: either request_timeout elapsed, or every replica replied without
// enough successes.
var ErrTimeout = errors.New("request timeout")

// ErrNotImplemented marks the non-remote handler_set/handler_set_ack paths
// spec §9 Open Question (c) leaves unimplemented and out of core.
var ErrNotImplemented = errors.New("not implemented")

// allowedStatus implements the table of spec §4.C: which vnode statuses
// may process each remote message type.
var allowedStatus = map[fabric.MsgType]map[Status]bool{
	fabric.MsgTypeRemoteGet: {StatusReady: true, StatusZombie: true},
	fabric.MsgTypeRemoteSet: {StatusReady: true},
	fabric.MsgTypeSyncStart: {StatusReady: true}, // Zombie allowed only after ZombieTimeout, checked separately.
	fabric.MsgTypeSyncSend:  {StatusReady: true, StatusRecover: true, StatusBootstrap: true},
	fabric.MsgTypeSyncAck:   {StatusReady: true, StatusZombie: true},
	fabric.MsgTypeSyncFin:   {StatusReady: true, StatusRecover: true, StatusZombie: true, StatusBootstrap: true},
}

// VNode is the orchestrator for one partition replica.
type VNode struct {
	state    *VNodeState
	dht      DHT
	fabric   Fabric
	params   Params
	sessions map[fabric.Cookie]syncSession
	inflight *InFlightMap[fabric.Cookie, *ReqState]
	logger   *log.Entry
	rng      *rand.Rand
}

// New wires a freshly-loaded VNodeState into an orchestrator. New does not
// call Load: call it on the state beforehand so status reflects persisted
// history before any request is served.
func New(state *VNodeState, d DHT, f Fabric, params Params, seed int64) *VNode {
	return &VNode{
		state:    state,
		dht:      d,
		fabric:   f,
		params:   params,
		sessions: make(map[fabric.Cookie]syncSession),
		inflight: NewInFlightMap[fabric.Cookie, *ReqState](),
		logger:   log.WithField("vnode", state.Num),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func newCookie() fabric.Cookie {
	id := uuid.New()
	var c fabric.Cookie
	copy(c[:], id[:])
	return c
}

func (v *VNode) ctx(now time.Time) sessionCtx {
	return sessionCtx{V: v.state, Fabric: v.fabric, DHT: v.dht, Now: now, Log: v.logger}
}

// DoGet implements spec §4.C do_get: fan out RemoteGet to the replica set,
// merging every returned container via DCC.Sync, and respond once
// successful >= required or replies == total.
func (v *VNode) DoGet(token fabric.Token, key []byte, respond func(clock.DottedCausalContainer[[]byte], error)) fabric.Cookie {
	replicas := v.dht.NodesForVNode(v.state.Num, false)
	cookie := newCookie()
	req := &ReqState{
		Token:     token,
		Total:     len(replicas),
		Required:  v.params.ConsistencyRead,
		Container: clock.NewDCC[[]byte](),
		respond:   respond,
	}
	v.inflight.Insert(cookie, req, time.Now().Add(v.params.RequestTimeout))

	for _, node := range replicas {
		if node == v.state.Self() {
			dcc, err := v.state.StorageGet(key)
			v.processGet(cookie, dcc, err)
			continue
		}
		if err := v.fabric.Send(node, v.state.Num, fabric.MsgRemoteGet{Cookie: cookie, VNode: v.state.Num, Key: key}); err != nil {
			v.processGet(cookie, clock.DottedCausalContainer[[]byte]{}, err)
		}
	}
	return cookie
}

// DoSet implements spec §4.C do_set: a local causal write, then broadcast
// of the resulting container as RemoteSet to every other replica. Unlike
// DoGet, replies are not merged — the local DCC is the canonical result.
func (v *VNode) DoSet(token fabric.Token, key, value []byte, hasValue bool, clientVV clock.BitmappedVersionVector, respond func(clock.DottedCausalContainer[[]byte], error)) fabric.Cookie {
	replicas := v.dht.NodesForVNode(v.state.Num, true)
	cookie := newCookie()

	local, err := v.state.StorageSetLocal(key, value, hasValue, clientVV)
	req := &ReqState{
		Token:     token,
		Total:     len(replicas),
		Required:  v.params.ConsistencyWrite,
		Container: local,
		isSet:     true,
		respond:   respond,
	}
	v.inflight.Insert(cookie, req, time.Now().Add(v.params.RequestTimeout))

	if err != nil {
		v.processSet(cookie, err)
	} else {
		v.processSet(cookie, nil)
	}

	for _, node := range replicas {
		if node == v.state.Self() {
			continue
		}
		if sendErr := v.fabric.Send(node, v.state.Num, fabric.MsgRemoteSet{
			Cookie: cookie, VNode: v.state.Num, Key: key, Container: local,
		}); sendErr != nil {
			v.processSet(cookie, sendErr)
		}
	}
	return cookie
}

// processGet merges a single reply's container and completes the request
// once quorum is reached, per spec §4.C and invariant 7 (never twice).
func (v *VNode) processGet(cookie fabric.Cookie, dcc clock.DottedCausalContainer[[]byte], err error) {
	req, ok := v.inflight.Get(cookie)
	if !ok || req.done {
		return
	}
	req.Replies++
	if err == nil {
		req.Successful++
		req.Container = req.Container.Sync(dcc)
	}
	v.completeIfQuorate(cookie, req)
}

// processSet counts a reply without merging its container, per spec §4.C.
func (v *VNode) processSet(cookie fabric.Cookie, err error) {
	req, ok := v.inflight.Get(cookie)
	if !ok || req.done {
		return
	}
	req.Replies++
	if err == nil {
		req.Successful++
	}
	v.completeIfQuorate(cookie, req)
}

func (v *VNode) completeIfQuorate(cookie fabric.Cookie, req *ReqState) {
	if req.Successful < req.Required && req.Replies < req.Total {
		return
	}
	req.done = true
	v.inflight.Remove(cookie)

	kind := "get"
	if req.isSet {
		kind = "set"
	}
	if req.Successful >= req.Required {
		metrics.RequestsTotal.WithLabelValues(kind, "ok").Inc()
		req.respond(req.Container, nil)
	} else {
		metrics.RequestsTotal.WithLabelValues(kind, "failed").Inc()
		req.respond(req.Container, ErrTimeout)
	}
}

// statusAllows applies spec §4.C's table, with the Zombie+SyncStart
// special case (allowed only once ZombieTimeout has elapsed).
func (v *VNode) statusAllows(msgType fabric.MsgType) bool {
	if allowedStatus[msgType][v.state.Status] {
		return true
	}
	if msgType == fabric.MsgTypeSyncStart && v.state.Status == StatusZombie {
		return time.Since(v.state.LastStatusChange) > ZombieTimeout
	}
	return false
}

// HandlerGetRemote answers a peer's RemoteGet.
func (v *VNode) HandlerGetRemote(from clock.NodeId, msg fabric.MsgRemoteGet) {
	if !v.statusAllows(fabric.MsgTypeRemoteGet) {
		_ = v.fabric.Send(from, v.state.Num, fabric.MsgRemoteGetAck{Cookie: msg.Cookie, VNode: v.state.Num, Err: fabric.ErrBadVNodeStatus})
		return
	}
	dcc, err := v.state.StorageGet(msg.Key)
	if err != nil {
		_ = v.fabric.Send(from, v.state.Num, fabric.MsgRemoteGetAck{Cookie: msg.Cookie, VNode: v.state.Num, Err: fabric.ErrIO})
		return
	}
	_ = v.fabric.Send(from, v.state.Num, fabric.MsgRemoteGetAck{Cookie: msg.Cookie, VNode: v.state.Num, Result: dcc})
}

// HandlerGetRemoteAck absorbs a RemoteGetAck into the matching ReqState.
func (v *VNode) HandlerGetRemoteAck(msg fabric.MsgRemoteGetAck) {
	if msg.Err != 0 {
		v.processGet(msg.Cookie, clock.DottedCausalContainer[[]byte]{}, msg.Err)
		return
	}
	v.processGet(msg.Cookie, msg.Result, nil)
}

// HandlerSetRemote applies a coordinator's RemoteSet locally.
func (v *VNode) HandlerSetRemote(from clock.NodeId, msg fabric.MsgRemoteSet) {
	if !v.statusAllows(fabric.MsgTypeRemoteSet) {
		_ = v.fabric.Send(from, v.state.Num, fabric.MsgRemoteSetAck{Cookie: msg.Cookie, VNode: v.state.Num, Err: fabric.ErrBadVNodeStatus})
		return
	}
	if err := v.state.StorageSetRemote(msg.Key, msg.Container); err != nil {
		_ = v.fabric.Send(from, v.state.Num, fabric.MsgRemoteSetAck{Cookie: msg.Cookie, VNode: v.state.Num, Err: fabric.ErrIO})
		return
	}
	_ = v.fabric.Send(from, v.state.Num, fabric.MsgRemoteSetAck{Cookie: msg.Cookie, VNode: v.state.Num})
}

// HandlerSetRemoteAck absorbs a RemoteSetAck into the matching ReqState.
func (v *VNode) HandlerSetRemoteAck(msg fabric.MsgRemoteSetAck) {
	if msg.Err != 0 {
		v.processSet(msg.Cookie, msg.Err)
		return
	}
	v.processSet(msg.Cookie, nil)
}

// HandlerSet and HandlerSetAck are the non-remote client-facing set paths
// used only when a coordinator proxies a write to a non-replica; spec §9
// Open Question (c) leaves these unimplemented and out of core.
func (v *VNode) HandlerSet() error    { return ErrNotImplemented }
func (v *VNode) HandlerSetAck() error { return ErrNotImplemented }

// HandlerSyncStart accepts a sync/bootstrap request and creates the
// appropriate sender session.
func (v *VNode) HandlerSyncStart(from clock.NodeId, msg fabric.MsgSyncStart) {
	if !v.statusAllows(fabric.MsgTypeSyncStart) {
		_ = v.fabric.Send(from, v.state.Num, fabric.MsgSyncFin{Cookie: msg.Cookie, VNode: v.state.Num, Err: fabric.ErrBadVNodeStatus})
		return
	}

	var session syncSession
	if msg.Target == nil {
		session = newBootstrapSenderSession(msg.Cookie, v.state.Num, from, v.state)
	} else {
		clockInPeer := clock.BitmappedVersion{}
		if msg.ClockInPeer != nil {
			clockInPeer = *msg.ClockInPeer
		}
		session = newSyncSenderSession(msg.Cookie, v.state.Num, from, *msg.Target, v.state, clockInPeer)
	}
	v.sessions[msg.Cookie] = session
	session.OnStart(v.ctx(time.Now()))
}

func (v *VNode) dispatch(cookie fabric.Cookie, fn func(syncSession, sessionCtx) tickResult) {
	session, ok := v.sessions[cookie]
	if !ok {
		return
	}
	result := fn(session, v.ctx(time.Now()))
	v.concludeSession(cookie, session, result)
}

func (v *VNode) concludeSession(cookie fabric.Cookie, session syncSession, result tickResult) {
	switch result {
	case tickContinue:
		return
	case tickDone:
		delete(v.sessions, cookie)
		session.OnRemove(v.ctx(time.Now()))
	case tickRetryBootstrap:
		delete(v.sessions, cookie)
		session.OnRemove(v.ctx(time.Now()))
		v.StartBootstrap()
	}
}

// HandlerSyncSend dispatches an incoming data record to its session.
func (v *VNode) HandlerSyncSend(from clock.NodeId, msg fabric.MsgSyncSend) {
	if _, ok := v.sessions[msg.Cookie]; !ok {
		_ = v.fabric.Send(from, v.state.Num, fabric.MsgSyncAck{Cookie: msg.Cookie, VNode: v.state.Num, Seq: msg.Seq})
		return
	}
	v.dispatch(msg.Cookie, func(s syncSession, ctx sessionCtx) tickResult { return s.OnSend(ctx, msg) })
}

// HandlerSyncAck dispatches a send acknowledgement to its session.
func (v *VNode) HandlerSyncAck(msg fabric.MsgSyncAck) {
	v.dispatch(msg.Cookie, func(s syncSession, ctx sessionCtx) tickResult { return s.OnAck(ctx, msg) })
}

// HandlerSyncFin dispatches stream completion (or ack-ack) to its session.
func (v *VNode) HandlerSyncFin(msg fabric.MsgSyncFin) {
	v.dispatch(msg.Cookie, func(s syncSession, ctx sessionCtx) tickResult { return s.OnFin(ctx, msg) })
}

// HandlerDHTChange implements the status transition table of spec §4.E.
func (v *VNode) HandlerDHTChange(desiredReady bool) {
	switch v.state.Status {
	case StatusReady, StatusBootstrap, StatusRecover:
		if desiredReady {
			return // Same -> Same.
		}
		v.cancelIncomingSessions()
		if v.state.Status == StatusRecover {
			v.state.SetStatus(StatusAbsent)
		} else {
			v.state.SetStatus(StatusZombie)
		}
	case StatusZombie:
		if desiredReady {
			v.state.SetStatus(StatusReady) // fast-recommission, we still have data.
		}
	case StatusAbsent:
		if desiredReady {
			v.StartBootstrap()
		}
	}
}

func (v *VNode) cancelIncomingSessions() {
	for cookie, session := range v.sessions {
		switch session.(type) {
		case *syncSenderSession, *bootstrapSenderSession:
			continue // outgoing streams keep draining while Zombie.
		}
		result := session.OnCancel(v.ctx(time.Now()))
		delete(v.sessions, cookie)
		if result != tickContinue {
			session.OnRemove(v.ctx(time.Now()))
		}
	}
}

// StartBootstrap implements spec §4.E′ "Starting sessions" / start_bootstrap.
func (v *VNode) StartBootstrap() {
	replicas := v.dht.NodesForVNode(v.state.Num, false)
	candidates := make([]clock.NodeId, 0, len(replicas))
	for _, n := range replicas {
		if n != v.state.Self() {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		v.state.SetStatus(StatusReady) // single-node case.
		return
	}
	v.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	peer := candidates[0]

	cookie := newCookie()
	session := newBootstrapReceiverSession(cookie, v.state.Num, peer)
	v.sessions[cookie] = session
	v.state.SetStatus(StatusBootstrap)
	session.OnStart(v.ctx(time.Now()))
}

// StartSync implements spec §4.E′ start_sync. reverse=true is the recover
// path: ask every replica to ship back data this node may have lost.
func (v *VNode) StartSync(reverse bool) {
	replicas := v.dht.NodesForVNode(v.state.Num, false)
	if reverse {
		started := 0
		for _, peer := range replicas {
			if peer == v.state.Self() {
				continue
			}
			cookie := newCookie()
			session := newSyncReceiverSession(cookie, v.state.Num, peer, v.state.Self(), true)
			v.sessions[cookie] = session
			v.state.PendingRecoveries++
			started++
			session.OnStart(v.ctx(time.Now()))
		}
		if started == 0 {
			v.state.SetStatus(StatusReady)
		}
		return
	}

	for _, peer := range replicas {
		if peer == v.state.Self() {
			continue
		}
		if _, already := v.state.SyncNodes[peer]; already {
			continue
		}
		cookie := newCookie()
		session := newSyncReceiverSession(cookie, v.state.Num, peer, peer, false)
		v.sessions[cookie] = session
		v.state.SyncNodes[peer] = struct{}{}
		session.OnStart(v.ctx(time.Now()))
	}
}

// Shutdown persists a clean-shutdown checkpoint, per spec §4.E's recovery
// rule: only a clean shutdown lets the next Load trust the saved status
// instead of forcing a storage rescan.
func (v *VNode) Shutdown() error {
	return v.state.Shutdown()
}

// HandlerTick implements spec §4.F: drive every session's on_tick,
// timeout in-flight requests, and drain an idle Zombie to Absent.
func (v *VNode) HandlerTick() {
	now := time.Now()
	for cookie, session := range v.sessions {
		result := session.OnTick(v.ctx(now))
		v.concludeSession(cookie, session, result)
	}

	for {
		_, req, ok := v.inflight.PopExpired(now)
		if !ok {
			break
		}
		if !req.done {
			req.done = true
			req.respond(req.Container, ErrTimeout)
		}
	}

	if v.state.Status == StatusZombie && len(v.sessions) == 0 && v.inflight.IsEmpty() {
		if now.Sub(v.state.LastStatusChange) > ZombieTimeout {
			v.state.SetStatus(StatusAbsent)
		}
	}

	metrics.ActiveSessions.WithLabelValues(strconv.Itoa(int(v.state.Num)), "sync").Set(float64(len(v.sessions)))
}

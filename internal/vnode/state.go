package vnode

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/sucredb/sucredb/internal/clock"
	"github.com/sucredb/sucredb/internal/metrics"
	"github.com/sucredb/sucredb/internal/storage"
)

// Status is one of the five vnode lifecycle states of spec §3/§4.E.
type Status int

const (
	StatusReady Status = iota
	StatusRecover
	StatusBootstrap
	StatusZombie
	StatusAbsent
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRecover:
		return "recover"
	case StatusBootstrap:
		return "bootstrap"
	case StatusZombie:
		return "zombie"
	case StatusAbsent:
		return "absent"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// RecoverFastForward is the gap jumped on self's clock when exiting Recover,
// so no post-recovery dot can collide with a pre-crash dot that storage may
// have lost.
const RecoverFastForward clock.Version = 1_000_000

// unflushedSaveThreshold triggers a checkpoint once half of the bounded log
// capacity worth of coordinator writes have accumulated unflushed.
const unflushedSaveThreshold = peerLogSize / 2

// MaxKeyLen and MaxValueLen are the size limits for keys and values (spec §6
// "Limits"). Nothing in this package checks them: StorageSetLocal and
// StorageSetRemote accept keys and values of any length.
const (
	MaxKeyLen   = 500
	MaxValueLen = 10 * 1024 * 1024
)

var persistHandle = &codec.CborHandle{}

// VNodeState is a single partition's replica view: lifecycle status, causal
// clock, bounded logs, and the storage handle backing it.
type VNodeState struct {
	Num                  uint16
	Status               Status
	LastStatusChange     time.Time
	Clocks               clock.BitmappedVersionVector
	Log                  *VNodePeer
	Peers                map[clock.NodeId]*VNodePeer
	Storage              storage.VNodeStore
	UnflushedCoordWrites int
	SyncNodes            map[clock.NodeId]struct{}
	PendingRecoveries    int

	self   clock.NodeId
	meta   storage.MetaStore
	logger *logrus.Entry
}

// NewVNodeState returns a fresh, not-yet-loaded vnode state for num.
func NewVNodeState(num uint16, self clock.NodeId, store storage.VNodeStore, meta storage.MetaStore, logger *logrus.Entry) *VNodeState {
	return &VNodeState{
		Num:       num,
		Clocks:    clock.New(),
		Log:       NewVNodePeer(),
		Peers:     make(map[clock.NodeId]*VNodePeer),
		Storage:   store,
		SyncNodes: make(map[clock.NodeId]struct{}),
		self:      self,
		meta:      meta,
		logger:    logger.WithField("vnode", num),
	}
}

// SavedVNodeState is the on-disk shape written to the metadata store,
// exactly per spec §3: peers, clocks, log, clean_shutdown.
type SavedVNodeState struct {
	Clocks        clock.BitmappedVersionVector
	Log           map[clock.Version][]byte
	Peers         map[clock.NodeId]map[clock.Version][]byte
	CleanShutdown bool
}

// metaKey is the ascii-decimal vnode number used as the metadata store key,
// per spec §6 "Persistence layout".
func metaKey(num uint16) []byte {
	return []byte(strconv.FormatUint(uint64(num), 10))
}

// Load restores persisted state (if any) and applies the recovery rule of
// spec §4.E: a dirty shutdown forces Recover and a storage rescan instead of
// trusting the stale Ready status.
func (v *VNodeState) Load() error {
	raw, ok := v.meta.Get(metaKey(v.Num))
	if !ok {
		v.SetStatus(StatusReady)
		return nil
	}

	var saved SavedVNodeState
	if err := codec.NewDecoderBytes(raw, persistHandle).Decode(&saved); err != nil {
		return errors.Wrapf(err, "decoding saved state for vnode %d", v.Num)
	}

	v.Clocks = saved.Clocks
	v.Log.LoadEntries(saved.Log)
	v.Peers = make(map[clock.NodeId]*VNodePeer, len(saved.Peers))
	for node, entries := range saved.Peers {
		p := NewVNodePeer()
		p.LoadEntries(entries)
		v.Peers[node] = p
	}

	if !saved.CleanShutdown {
		v.logger.Warn("unclean shutdown detected, forcing recover scan")
		if err := v.rebuildFromStorage(); err != nil {
			return errors.Wrap(err, "rebuilding state from storage")
		}
		v.SetStatus(StatusRecover)
		return nil
	}

	v.SetStatus(StatusReady)
	return nil
}

// rebuildFromStorage walks every stored DCC once, seeding clocks/log/peers
// from each (node, version) dot it finds, per spec §4.E.
func (v *VNodeState) rebuildFromStorage() error {
	v.Clocks = clock.New()
	v.Log = NewVNodePeer()
	v.Peers = make(map[clock.NodeId]*VNodePeer)

	it := v.Storage.Iterator()
	defer it.Close()
	for it.Next() {
		key := it.Key()
		dcc, err := decodeDCC(it.Value())
		if err != nil {
			return errors.Wrapf(err, "decoding stored value for key %q", key)
		}
		for _, dot := range dcc.Versions() {
			v.Clocks.Insert(dot.Node, dot.Version)
			if dot.Node == v.self {
				v.Log.Log(dot.Version, key)
			} else {
				v.peerFor(dot.Node).Log(dot.Version, key)
			}
		}
	}
	return nil
}

// Checkpoint persists current state without claiming a clean shutdown: a
// crash after this point still forces a recovery rescan on restart.
func (v *VNodeState) Checkpoint() error {
	return v.persist(false)
}

// Shutdown persists current state and marks it as a clean shutdown, so a
// graceful restart skips the recovery scan.
func (v *VNodeState) Shutdown() error {
	return v.persist(true)
}

func (v *VNodeState) persist(cleanShutdown bool) error {
	saved := SavedVNodeState{
		Clocks:        v.Clocks.Clone(),
		Log:           cloneEntries(v.Log.Entries()),
		Peers:         make(map[clock.NodeId]map[clock.Version][]byte, len(v.Peers)),
		CleanShutdown: cleanShutdown,
	}
	for node, p := range v.Peers {
		saved.Peers[node] = cloneEntries(p.Entries())
	}

	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, persistHandle).Encode(saved); err != nil {
		return errors.Wrapf(err, "encoding saved state for vnode %d", v.Num)
	}
	if err := v.meta.Set(metaKey(v.Num), buf.Bytes()); err != nil {
		return errors.Wrapf(err, "persisting vnode %d metadata", v.Num)
	}
	v.UnflushedCoordWrites = 0
	return nil
}

func cloneEntries(m map[clock.Version][]byte) map[clock.Version][]byte {
	out := make(map[clock.Version][]byte, len(m))
	for k, v := range m {
		kk := make([]byte, len(v))
		copy(kk, v)
		out[k] = kk
	}
	return out
}

// SetStatus transitions status and stamps LastStatusChange, the single
// choke point every status change must go through so Zombie-idle timing in
// the tick driver stays accurate.
func (v *VNodeState) SetStatus(s Status) {
	if v.Status != s {
		metrics.VNodeStatus.WithLabelValues(strconv.Itoa(int(v.Num)), v.Status.String()).Set(0)
	}
	v.Status = s
	v.LastStatusChange = time.Now()
	metrics.VNodeStatus.WithLabelValues(strconv.Itoa(int(v.Num)), s.String()).Set(1)
}

// FinishRecover fast-forwards self's clock past any data that may have been
// lost in the crash and moves to Ready, per spec §4.E.
func (v *VNodeState) FinishRecover() {
	// Event yields one past the highest version self has observed; the base
	// then jumps RecoverFastForward beyond that highest version.
	highest := v.Clocks.Event(v.self) - 1
	v.Clocks.Advance(v.self, highest+RecoverFastForward)
	v.SetStatus(StatusReady)
}

// Self returns the local node id this state belongs to.
func (v *VNodeState) Self() clock.NodeId { return v.self }

// LogFor returns the bounded log tracking dots produced by node: the self
// log if node is this replica, else its per-peer log (created on demand).
func (v *VNodeState) LogFor(node clock.NodeId) *VNodePeer {
	if node == v.self {
		return v.Log
	}
	return v.peerFor(node)
}

func (v *VNodeState) peerFor(node clock.NodeId) *VNodePeer {
	p, ok := v.Peers[node]
	if !ok {
		p = NewVNodePeer()
		v.Peers[node] = p
	}
	return p
}

// encodeDCC/decodeDCC serialize the DCC stored per-key, using the DCC's own
// Selfer implementation to handle the struct-keyed Dots map.
func encodeDCC(dcc clock.DottedCausalContainer[[]byte]) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, persistHandle).Encode(dcc); err != nil {
		return nil, errors.Wrap(err, "encoding DCC")
	}
	return buf.Bytes(), nil
}

func decodeDCC(raw []byte) (clock.DottedCausalContainer[[]byte], error) {
	dcc := clock.NewDCC[[]byte]()
	if len(raw) == 0 {
		return dcc, nil
	}
	if err := codec.NewDecoderBytes(raw, persistHandle).Decode(&dcc); err != nil {
		return dcc, errors.Wrap(err, "decoding DCC")
	}
	return dcc, nil
}

// StorageGet implements spec §4.D storage_get: deserialize the stored DCC
// (or an empty one) and fill it against the current clock.
func (v *VNodeState) StorageGet(key []byte) (clock.DottedCausalContainer[[]byte], error) {
	var dcc clock.DottedCausalContainer[[]byte]
	raw, ok := v.Storage.Get(key)
	if ok {
		d, err := decodeDCC(raw)
		if err != nil {
			return dcc, err
		}
		dcc = d
	} else {
		dcc = clock.NewDCC[[]byte]()
	}
	dcc.Fill(v.Clocks)
	return dcc, nil
}

// StorageSetLocal implements spec §4.D storage_set_local: a client-context
// write or coordinator-side local write. hasValue distinguishes a value-less
// delete from a Set carrying no payload.
func (v *VNodeState) StorageSetLocal(key, value []byte, hasValue bool, clientVV clock.BitmappedVersionVector) (clock.DottedCausalContainer[[]byte], error) {
	dcc, err := v.StorageGet(key)
	if err != nil {
		return dcc, err
	}
	dcc.Discard(clientVV)

	dot := v.Clocks.Event(v.self)
	if hasValue {
		dcc.Add(v.self, dot, value)
	}
	dcc.Strip(v.Clocks)

	if err := v.persistOrDelete(key, dcc); err != nil {
		return dcc, err
	}

	v.Log.Log(dot, key)
	v.UnflushedCoordWrites++
	if v.UnflushedCoordWrites >= unflushedSaveThreshold {
		if err := v.Checkpoint(); err != nil {
			v.logger.WithError(err).Error("checkpoint after coordinator write failed")
		}
	}

	dcc.Fill(v.Clocks)
	return dcc, nil
}

// StorageSetRemote implements spec §4.D storage_set_remote: acceptance of a
// peer-originated DCC (RemoteSet from a coordinator, or a SyncSend during
// anti-entropy). Merge is via DCC.Sync, so it is commutative and idempotent
// under duplicate delivery.
func (v *VNodeState) StorageSetRemote(key []byte, newDCC clock.DottedCausalContainer[[]byte]) error {
	old, err := v.StorageGet(key)
	if err != nil {
		return err
	}
	newDCC.AddToBVV(&v.Clocks)
	merged := newDCC.Sync(old)
	merged.Strip(v.Clocks)

	if err := v.persistOrDelete(key, merged); err != nil {
		return err
	}

	for _, dot := range merged.Versions() {
		if dot.Node == v.self {
			v.Log.Log(dot.Version, key)
		} else {
			v.peerFor(dot.Node).Log(dot.Version, key)
		}
	}
	return nil
}

func (v *VNodeState) persistOrDelete(key []byte, dcc clock.DottedCausalContainer[[]byte]) error {
	if dcc.IsEmpty() {
		return v.Storage.Delete(key)
	}
	raw, err := encodeDCC(dcc)
	if err != nil {
		return err
	}
	return v.Storage.Set(key, raw)
}

// Package dht implements the membership/partitioning collaborator the
// core treats as external: it maps vnodes to the replica set that owns
// them and notifies the vnode layer of ownership changes.
package dht

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sucredb/sucredb/internal/clock"
)

// Change describes a single vnode's new desired ownership status for the
// local node, delivered to VNode.HandlerDHTChange.
type Change struct {
	VNode  uint16
	Status DesiredStatus
}

// DesiredStatus is the DHT's view of whether the local node should be
// serving a given vnode.
type DesiredStatus int

const (
	DesiredAbsent DesiredStatus = iota
	DesiredReady
)

// Ring is a minimal consistent-hash-free partitioning table: a fixed
// number of vnodes, each owned by a preference list of N distinct member
// nodes, computed deterministically from the sorted member list so every
// node agrees on ownership without a separate coordination protocol.
type Ring struct {
	mu                sync.RWMutex
	self              clock.NodeId
	numVNodes         uint16
	replicationFactor int
	members           []clock.NodeId
	owners            map[uint16][]clock.NodeId
	pending           map[uint16]clock.NodeId

	changes chan Change
}

// NewRing builds a ring for self among the given initial members.
func NewRing(self clock.NodeId, numVNodes uint16, replicationFactor int, members []clock.NodeId) *Ring {
	r := &Ring{
		self:              self,
		numVNodes:         numVNodes,
		replicationFactor: replicationFactor,
		pending:           make(map[uint16]clock.NodeId),
		changes:           make(chan Change, 256),
	}
	r.setMembers(members)
	return r
}

// Node returns the local node id.
func (r *Ring) Node() clock.NodeId { return r.self }

// Changes delivers vnode ownership changes for the local node as they
// occur (membership changes, promotions).
func (r *Ring) Changes() <-chan Change { return r.changes }

// NodesForVNode returns the ordered preference list of nodes replicating
// vnode num. forWrite is accepted for interface symmetry with the
// original's read/write replica selection; this ring does not currently
// distinguish the two.
func (r *Ring) NodesForVNode(num uint16, forWrite bool) []clock.NodeId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]clock.NodeId, len(r.owners[num]))
	copy(out, r.owners[num])
	return out
}

// PromotePendingNode confirms that self has finished bootstrapping vnode
// num and may now be counted as a full owner.
func (r *Ring) PromotePendingNode(num uint16, node clock.NodeId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[num] != node {
		return errors.Errorf("vnode %d: no pending promotion for node %d", num, node)
	}
	delete(r.pending, num)
	return nil
}

// SetMembers recomputes vnode ownership for a new member set and emits a
// Change for every local vnode whose desired status flipped.
func (r *Ring) SetMembers(members []clock.NodeId) {
	r.mu.Lock()
	before := r.localDesired()
	r.setMembers(members)
	after := r.localDesired()
	r.mu.Unlock()

	for num, want := range after {
		if had, ok := before[num]; !ok || had != want {
			if want == DesiredReady {
				r.mu.Lock()
				r.pending[num] = r.self
				r.mu.Unlock()
			}
			r.changes <- Change{VNode: num, Status: want}
		}
	}
	for num := range before {
		if _, ok := after[num]; !ok {
			r.changes <- Change{VNode: num, Status: DesiredAbsent}
		}
	}
}

func (r *Ring) setMembers(members []clock.NodeId) {
	sorted := append([]clock.NodeId(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	r.members = sorted
	r.owners = make(map[uint16][]clock.NodeId, r.numVNodes)

	n := len(sorted)
	rf := r.replicationFactor
	if rf > n {
		rf = n
	}
	for v := uint16(0); v < r.numVNodes; v++ {
		if n == 0 {
			continue
		}
		start := int(vnodeHash(v) % uint32(n))
		list := make([]clock.NodeId, 0, rf)
		for i := 0; i < rf; i++ {
			list = append(list, sorted[(start+i)%n])
		}
		r.owners[v] = list
	}
}

func (r *Ring) localDesired() map[uint16]DesiredStatus {
	out := make(map[uint16]DesiredStatus)
	for v, list := range r.owners {
		for _, n := range list {
			if n == r.self {
				out[v] = DesiredReady
				break
			}
		}
	}
	return out
}

func vnodeHash(v uint16) uint32 {
	h := fnv.New32a()
	h.Write([]byte{byte(v >> 8), byte(v)})
	return h.Sum32()
}

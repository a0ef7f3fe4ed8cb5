package vnode

import (
	"container/heap"

	"github.com/sucredb/sucredb/internal/clock"
)

// peerLogSize bounds a VNodePeer's log to roughly 1MiB, assuming an
// average key length of 32 bytes plus 16 bytes of map overhead.
const peerLogSize = 1024 * 1024 / (32 + 16)

// VNodePeer tracks, for one (vnode, node) pair, the bounded ordered log of
// Version -> Key needed to drive delta-sync without a storage scan, plus
// the high-water knowledge the peer has acknowledged.
type VNodePeer struct {
	// Knowledge is carried for the on-disk shape but never advanced: the
	// original's own advance_knowledge is dead code (commented out).
	Knowledge clock.Version
	entries   map[clock.Version][]byte
	order     versionHeap
}

// NewVNodePeer returns an empty peer log.
func NewVNodePeer() *VNodePeer {
	return &VNodePeer{entries: make(map[clock.Version][]byte)}
}

// Log records that version produced key, evicting the oldest entry once
// the log exceeds peerLogSize. A version not greater than the current
// minimum is ignored (it would be evicted immediately anyway).
func (p *VNodePeer) Log(version clock.Version, key []byte) {
	if p.entries == nil {
		p.entries = make(map[clock.Version][]byte)
	}
	if version <= p.MinVersion() && len(p.entries) > 0 {
		return
	}
	if _, exists := p.entries[version]; !exists {
		heap.Push(&p.order, version)
	}
	p.entries[version] = key
	for len(p.entries) > peerLogSize {
		oldest := heap.Pop(&p.order).(clock.Version)
		delete(p.entries, oldest)
	}
}

// Get returns the key logged for version, if still retained.
func (p *VNodePeer) Get(version clock.Version) ([]byte, bool) {
	if p.entries == nil {
		return nil, false
	}
	k, ok := p.entries[version]
	return k, ok
}

// MinVersion returns the oldest version retained in the log, or 0 if the
// log is empty.
func (p *VNodePeer) MinVersion() clock.Version {
	if len(p.order) == 0 {
		return 0
	}
	return p.order[0]
}

// Clear empties the log and resets knowledge.
func (p *VNodePeer) Clear() {
	p.Knowledge = 0
	p.entries = make(map[clock.Version][]byte)
	p.order = nil
}

// Clone returns a deep copy, used to snapshot a log for a sync sender's
// iterator closure.
func (p *VNodePeer) Clone() *VNodePeer {
	out := NewVNodePeer()
	out.Knowledge = p.Knowledge
	for v, k := range p.entries {
		kk := make([]byte, len(k))
		copy(kk, k)
		out.entries[v] = kk
		out.order = append(out.order, v)
	}
	heap.Init(&out.order)
	return out
}

// Entries exposes the raw log for (de)serialization.
func (p *VNodePeer) Entries() map[clock.Version][]byte {
	if p.entries == nil {
		return map[clock.Version][]byte{}
	}
	return p.entries
}

// LoadEntries rebuilds the log (and eviction heap) from a decoded map,
// used when restoring SavedVNodeState.
func (p *VNodePeer) LoadEntries(m map[clock.Version][]byte) {
	p.entries = m
	if p.entries == nil {
		p.entries = make(map[clock.Version][]byte)
	}
	p.order = p.order[:0]
	for v := range p.entries {
		p.order = append(p.order, v)
	}
	heap.Init(&p.order)
}

type versionHeap []clock.Version

func (h versionHeap) Len() int           { return len(h) }
func (h versionHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h versionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *versionHeap) Push(x any)        { *h = append(*h, x.(clock.Version)) }
func (h *versionHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

package vnode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sucredb/sucredb/internal/clock"
)

func TestVNodePeerLogAndGet(t *testing.T) {
	var p = NewVNodePeer()
	p.Log(1, []byte("a"))
	p.Log(2, []byte("b"))

	k, ok := p.Get(1)
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), k)

	_, ok = p.Get(99)
	assert.False(t, ok)

	assert.Equal(t, clock.Version(1), p.MinVersion())
}

func TestVNodePeerEvictsOldest(t *testing.T) {
	var p = NewVNodePeer()
	for v := clock.Version(1); v <= peerLogSize+10; v++ {
		p.Log(v, []byte("k"))
	}
	assert.LessOrEqual(t, len(p.Entries()), peerLogSize)
	// the earliest versions must have been evicted.
	_, ok := p.Get(1)
	assert.False(t, ok)
	_, ok = p.Get(peerLogSize + 10)
	assert.True(t, ok)
}

func TestVNodePeerCloneIndependent(t *testing.T) {
	var p = NewVNodePeer()
	p.Log(1, []byte("a"))
	var c = p.Clone()
	p.Log(2, []byte("b"))

	_, ok := c.Get(2)
	assert.False(t, ok, "clone must not observe writes made after it was taken")
}

package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventMonotonic(t *testing.T) {
	var bvv = New()
	var last Version
	for i := 0; i < 200; i++ {
		var v = bvv.Event(1)
		assert.Greater(t, v, last)
		last = v
	}
}

func TestEventAfterAdvance(t *testing.T) {
	var bvv = New()
	bvv.Event(1)
	bvv.Event(1)
	bvv.Advance(1, 1_000_000)
	var v = bvv.Event(1)
	assert.Equal(t, Version(1_000_001), v)
}

func TestMergeAndDelta(t *testing.T) {
	var a, b BitmappedVersion
	a.add(1)
	a.add(2)
	a.add(4)
	b.add(1)
	b.add(3)

	var merged = a.Merge(b)
	for _, v := range []Version{1, 2, 3, 4} {
		assert.True(t, merged.Contains(v), "expected merged to contain %d", v)
	}

	var delta = a.Delta(b)
	assert.ElementsMatch(t, []Version{2, 4}, delta)
}

func TestDominates(t *testing.T) {
	var a, b BitmappedVersion
	a.add(1)
	a.add(2)
	a.add(3)
	b.add(2)
	assert.True(t, a.Dominates(b))
	assert.False(t, b.Dominates(a))
}

func TestDCCSyncCommutative(t *testing.T) {
	var base = NewDCC[string]()
	base.Add(1, 1, "a")

	var x = NewDCC[string]()
	x.Add(1, 2, "b")
	var y = NewDCC[string]()
	y.Add(2, 1, "c")

	var left = base.Sync(x).Sync(y)
	var right = base.Sync(y).Sync(x)

	assert.Equal(t, len(left.Dots), len(right.Dots))
	for dot, val := range left.Dots {
		rv, ok := right.Dots[dot]
		assert.True(t, ok)
		assert.Equal(t, val, rv)
	}
}

func TestStripFillRoundTrip(t *testing.T) {
	var clocks = New()
	clocks.Event(1)
	clocks.Event(1)
	clocks.Event(2)

	var d = NewDCC[string]()
	d.Add(1, 1, "a")
	d.Add(2, 1, "b")
	d.Fill(clocks)

	var before = d.Summary.Clone()
	d.Strip(clocks)
	d.Fill(clocks)

	for _, node := range before.Nodes() {
		assert.True(t, d.Summary.Get(node).Dominates(before.Get(node)))
	}
}

func TestDiscardCollapsesSiblings(t *testing.T) {
	var d = NewDCC[string]()
	d.Add(1, 1, "vA")
	d.Add(1, 2, "vB")
	assert.Equal(t, 2, len(d.Dots))

	var vv = New()
	vv.Insert(1, 1)
	vv.Insert(1, 2)
	d.Discard(vv)
	assert.Equal(t, 0, len(d.Dots))
}

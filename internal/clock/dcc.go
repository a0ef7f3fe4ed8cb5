package clock

// Dot uniquely identifies a single write event.
type Dot struct {
	Node    NodeId
	Version Version
}

// DottedCausalContainer is the sibling set clients observe for a key: a
// set of dots-with-values plus a BitmappedVersionVector summarizing every
// dot this container is known to causally dominate (including ones whose
// value has since been dropped as stale).
type DottedCausalContainer[V any] struct {
	Dots    map[Dot]V
	Summary BitmappedVersionVector
}

// NewDCC returns an empty container.
func NewDCC[V any]() DottedCausalContainer[V] {
	return DottedCausalContainer[V]{Dots: make(map[Dot]V), Summary: New()}
}

// IsEmpty reports whether the container has no live values.
func (d DottedCausalContainer[V]) IsEmpty() bool {
	return len(d.Dots) == 0
}

// Add records a new dot with its value.
func (d *DottedCausalContainer[V]) Add(node NodeId, version Version, value V) {
	d.ensure()
	d.Dots[Dot{node, version}] = value
	d.Summary.Insert(node, version)
}

// Versions returns the dots of the container's live values; versions known
// only through the summary are not included.
func (d DottedCausalContainer[V]) Versions() []Dot {
	out := make([]Dot, 0, len(d.Dots))
	for dot := range d.Dots {
		out = append(out, dot)
	}
	return out
}

// Values returns the live sibling values, order unspecified.
func (d DottedCausalContainer[V]) Values() []V {
	out := make([]V, 0, len(d.Dots))
	for _, v := range d.Dots {
		out = append(out, v)
	}
	return out
}

// Discard drops every dot dominated by vv: this is how a client-supplied
// causal context collapses a sibling set on overwrite.
func (d *DottedCausalContainer[V]) Discard(vv BitmappedVersionVector) {
	for dot := range d.Dots {
		if vv.Get(dot.Node).Contains(dot.Version) {
			delete(d.Dots, dot)
		}
	}
}

// AddToBVV merges every live dot of this container into bvv, used
// during storage recovery and remote-sync acceptance to fold observed
// versions into the vnode's clock.
func (d DottedCausalContainer[V]) AddToBVV(bvv *BitmappedVersionVector) {
	for dot := range d.Dots {
		bvv.Insert(dot.Node, dot.Version)
	}
}

// Sync merges other into d: the union of live dots (deduplicated by dot
// identity), the union of summaries, dropping any dot that is dominated
// by the *other* side's summary (meaning the other side has already
// causally subsumed it). Sync is commutative and idempotent.
func (d DottedCausalContainer[V]) Sync(other DottedCausalContainer[V]) DottedCausalContainer[V] {
	out := NewDCC[V]()
	for dot, val := range d.Dots {
		if _, inOther := other.Dots[dot]; inOther {
			out.Dots[dot] = val
			continue
		}
		if !other.Summary.Get(dot.Node).Contains(dot.Version) {
			out.Dots[dot] = val
		}
	}
	for dot, val := range other.Dots {
		if _, already := out.Dots[dot]; already {
			continue
		}
		if !d.Summary.Get(dot.Node).Contains(dot.Version) {
			out.Dots[dot] = val
		}
	}
	out.Summary = d.Summary.Clone()
	out.Summary.Join(other.Summary)
	return out
}

// Strip removes per-node summary entries that bvv fully covers: these are
// redundant since Fill can reconstruct them by re-joining bvv. This keeps
// the serialized form small; it never touches live dot values.
func (d *DottedCausalContainer[V]) Strip(bvv BitmappedVersionVector) {
	stripped := New()
	for _, node := range d.Summary.Nodes() {
		entry := d.Summary.Get(node)
		if bvv.Get(node).Dominates(entry) {
			continue
		}
		stripped.entries[node] = entry
	}
	d.Summary = stripped
}

// Fill is the inverse of Strip: it re-joins bvv into the summary so that,
// given D ⊑ bvv, Fill(Strip(D, bvv), bvv) == D.
func (d *DottedCausalContainer[V]) Fill(bvv BitmappedVersionVector) {
	d.Summary.Join(bvv)
}

func (d *DottedCausalContainer[V]) ensure() {
	if d.Dots == nil {
		d.Dots = make(map[Dot]V)
	}
}

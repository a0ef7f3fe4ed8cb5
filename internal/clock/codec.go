package clock

import "github.com/ugorji/go/codec"

// CodecEncodeSelf/CodecDecodeSelf implement ugorji/go/codec's Selfer
// interface, letting a BitmappedVersionVector serialize as a plain
// node->BitmappedVersion map even though its backing field is unexported.

func (v BitmappedVersionVector) CodecEncodeSelf(e *codec.Encoder) {
	e.MustEncode(v.CodecEntries())
}

func (v *BitmappedVersionVector) CodecDecodeSelf(d *codec.Decoder) {
	var m map[NodeId]BitmappedVersion
	d.MustDecode(&m)
	*v = FromCodecEntries(m)
}

// dotEntry is the wire shape of a single dot-with-value, used because
// ugorji cannot key a map by a struct (Dot) directly.
type dotEntry[V any] struct {
	Node    NodeId
	Version Version
	Value   V
}

type dccWire[V any] struct {
	Dots    []dotEntry[V]
	Summary BitmappedVersionVector
}

func (d DottedCausalContainer[V]) CodecEncodeSelf(e *codec.Encoder) {
	wire := dccWire[V]{Summary: d.Summary}
	for dot, val := range d.Dots {
		wire.Dots = append(wire.Dots, dotEntry[V]{Node: dot.Node, Version: dot.Version, Value: val})
	}
	e.MustEncode(wire)
}

func (d *DottedCausalContainer[V]) CodecDecodeSelf(dec *codec.Decoder) {
	var wire dccWire[V]
	dec.MustDecode(&wire)
	d.Dots = make(map[Dot]V, len(wire.Dots))
	for _, entry := range wire.Dots {
		d.Dots[Dot{Node: entry.Node, Version: entry.Version}] = entry.Value
	}
	d.Summary = wire.Summary
}

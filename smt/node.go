package smt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// Radix is the maximum number of children of an internal node.
const Radix = 16

// ErrMalformedNode is returned when bytes read from the store do not decode into a node.
var ErrMalformedNode = errors.New("smt: malformed node")

type Kind byte

const (
	KindNull Kind = iota
	KindInternal
	KindLeaf
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Node is a decoded tree node.
type Node interface {
	Kind() Kind
	// Children lists the hashes of stored nodes this node links to. Placeholders are omitted.
	Children() []Hash
}

// InternalNode branches into up to Radix subtrees. Empty slots hold the Placeholder.
type InternalNode struct {
	Slots [Radix]Hash
}

func (n *InternalNode) Kind() Kind {
	return KindInternal
}

func (n *InternalNode) Children() []Hash {
	children := make([]Hash, 0, Radix)
	for _, h := range n.Slots {
		if !h.IsPlaceholder() {
			children = append(children, h)
		}
	}
	return children
}

// LeafNode holds a value. A leaf of a table that embeds another table carries the nested
// table's root in Nested.
type LeafNode struct {
	Key    Hash
	Value  []byte
	Nested Hash
}

func (n *LeafNode) Kind() Kind {
	return KindLeaf
}

func (n *LeafNode) Children() []Hash {
	if n.Nested.IsPlaceholder() {
		return nil
	}
	return []Hash{n.Nested}
}

// NestedRoot reports the embedded table root, if any.
func (n *LeafNode) NestedRoot() (Hash, bool) {
	return n.Nested, !n.Nested.IsPlaceholder()
}

type NullNode struct{}

func (NullNode) Kind() Kind {
	return KindNull
}

func (NullNode) Children() []Hash {
	return nil
}

const leafFlagNested = 1

// Encode serializes a node.
//
//	null:     [0]
//	internal: [1] [bitmap uint16 BE] [hash]*popcount(bitmap)
//	leaf:     [2] [flags] [key] [nested, if flags&1] [uvarint len(value)] [value]
func Encode(n Node) []byte {
	switch n := n.(type) {
	case *InternalNode:
		var bitmap uint16
		for i, h := range n.Slots {
			if !h.IsPlaceholder() {
				bitmap |= 1 << i
			}
		}
		buf := make([]byte, 3, 3+bits.OnesCount16(bitmap)*HashSize)
		buf[0] = byte(KindInternal)
		binary.BigEndian.PutUint16(buf[1:], bitmap)
		for _, h := range n.Slots {
			if !h.IsPlaceholder() {
				buf = append(buf, h[:]...)
			}
		}
		return buf
	case *LeafNode:
		buf := make([]byte, 0, 2+2*HashSize+binary.MaxVarintLen64+len(n.Value))
		var flags byte
		if !n.Nested.IsPlaceholder() {
			flags |= leafFlagNested
		}
		buf = append(buf, byte(KindLeaf), flags)
		buf = append(buf, n.Key[:]...)
		if flags&leafFlagNested != 0 {
			buf = append(buf, n.Nested[:]...)
		}
		buf = binary.AppendUvarint(buf, uint64(len(n.Value)))
		return append(buf, n.Value...)
	default:
		return []byte{byte(KindNull)}
	}
}

// HashNode encodes the node and returns its identity together with the encoding.
func HashNode(n Node) (Hash, []byte) {
	data := Encode(n)
	return Sum(data), data
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Node, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedNode)
	}

	switch Kind(data[0]) {
	case KindNull:
		if len(data) != 1 {
			return nil, fmt.Errorf("%w: trailing bytes after null node", ErrMalformedNode)
		}
		return NullNode{}, nil
	case KindInternal:
		return decodeInternal(data[1:])
	case KindLeaf:
		return decodeLeaf(data[1:])
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedNode, data[0])
	}
}

func decodeInternal(data []byte) (*InternalNode, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: short internal node", ErrMalformedNode)
	}
	bitmap := binary.BigEndian.Uint16(data)
	data = data[2:]
	if len(data) != bits.OnesCount16(bitmap)*HashSize {
		return nil, fmt.Errorf("%w: internal node has %d bytes for %d children",
			ErrMalformedNode, len(data), bits.OnesCount16(bitmap))
	}

	n := &InternalNode{}
	for i := 0; i < Radix; i++ {
		if bitmap&(1<<i) == 0 {
			continue
		}
		copy(n.Slots[i][:], data[:HashSize])
		data = data[HashSize:]
	}
	return n, nil
}

func decodeLeaf(data []byte) (*LeafNode, error) {
	if len(data) < 1+HashSize {
		return nil, fmt.Errorf("%w: short leaf node", ErrMalformedNode)
	}
	flags := data[0]
	if flags&^leafFlagNested != 0 {
		return nil, fmt.Errorf("%w: unknown leaf flags %#x", ErrMalformedNode, flags)
	}
	data = data[1:]

	n := &LeafNode{}
	copy(n.Key[:], data[:HashSize])
	data = data[HashSize:]

	if flags&leafFlagNested != 0 {
		if len(data) < HashSize {
			return nil, fmt.Errorf("%w: short nested root", ErrMalformedNode)
		}
		copy(n.Nested[:], data[:HashSize])
		data = data[HashSize:]
		if n.Nested.IsPlaceholder() {
			return nil, fmt.Errorf("%w: nested flag set with empty root", ErrMalformedNode)
		}
	}

	size, read := binary.Uvarint(data)
	if read <= 0 {
		return nil, fmt.Errorf("%w: bad value length", ErrMalformedNode)
	}
	data = data[read:]
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("%w: value length %d, have %d bytes", ErrMalformedNode, size, len(data))
	}
	n.Value = append([]byte(nil), data...)
	return n, nil
}

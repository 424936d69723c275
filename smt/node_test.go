package smt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternalNode_ChildrenSkipPlaceholders(t *testing.T) {
	a, b := Sum([]byte("a")), Sum([]byte("b"))
	n := &InternalNode{}
	n.Slots[3] = a
	n.Slots[15] = b

	assert.Equal(t, []Hash{a, b}, n.Children())

	decoded, err := Decode(Encode(n))
	require.NoError(t, err)
	assert.Equal(t, n, decoded)
}

func TestLeafNode_NestedRoot(t *testing.T) {
	nested := Sum([]byte("table"))
	leaf := &LeafNode{Key: Sum([]byte("k")), Value: []byte("v"), Nested: nested}

	decoded, err := Decode(Encode(leaf))
	require.NoError(t, err)
	root, ok := decoded.(*LeafNode).NestedRoot()
	require.True(t, ok)
	assert.Equal(t, nested, root)
	assert.Equal(t, []Hash{nested}, decoded.Children())

	plain := &LeafNode{Key: Sum([]byte("k")), Value: []byte("v")}
	decoded, err = Decode(Encode(plain))
	require.NoError(t, err)
	assert.Empty(t, decoded.Children())
}

func TestHashNode_ContentAddressed(t *testing.T) {
	h1, _ := HashNode(&LeafNode{Key: Sum([]byte("k")), Value: []byte("v")})
	h2, _ := HashNode(&LeafNode{Key: Sum([]byte("k")), Value: []byte("v")})
	h3, _ := HashNode(&LeafNode{Key: Sum([]byte("k")), Value: []byte("w")})
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestDecode_Malformed(t *testing.T) {
	leaf := Encode(&LeafNode{Key: Sum([]byte("k")), Value: []byte("value")})

	tests := map[string][]byte{
		"empty":            nil,
		"unknown kind":     {9},
		"null trailing":    {byte(KindNull), 0},
		"short internal":   {byte(KindInternal), 0},
		"missing children": {byte(KindInternal), 0, 3},
		"truncated leaf":   leaf[:len(leaf)-1],
		"bad leaf flags":   append([]byte{byte(KindLeaf), 0x80}, leaf[2:]...),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			require.ErrorIs(t, err, ErrMalformedNode)
		})
	}
}

func TestParseHash(t *testing.T) {
	h := Sum([]byte("x"))
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash("abcd")
	require.Error(t, err)
}

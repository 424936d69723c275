// Package smttest builds versioned state trees for tests.
package smttest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/celestia-state-gc/smt"
)

// Putter stores encoded nodes.
type Putter interface {
	Put(ctx context.Context, h smt.Hash, data []byte) error
}

// Getter reads encoded nodes.
type Getter interface {
	Get(ctx context.Context, h smt.Hash) ([]byte, error)
}

// Builder writes nodes into a store as they are constructed.
type Builder struct {
	t     testing.TB
	store Putter
}

func NewBuilder(t testing.TB, store Putter) *Builder {
	return &Builder{t: t, store: store}
}

func (b *Builder) put(n smt.Node) smt.Hash {
	h, data := smt.HashNode(n)
	require.NoError(b.t, b.store.Put(context.Background(), h, data))
	return h
}

// Leaf stores a leaf holding value under key.
func (b *Builder) Leaf(key, value string) smt.Hash {
	return b.put(&smt.LeafNode{Key: smt.Sum([]byte(key)), Value: []byte(value)})
}

// LeafWithNested stores a leaf that embeds the table rooted at nested.
func (b *Builder) LeafWithNested(key, value string, nested smt.Hash) smt.Hash {
	return b.put(&smt.LeafNode{Key: smt.Sum([]byte(key)), Value: []byte(value), Nested: nested})
}

// Internal stores an internal node with the given children in its first slots.
func (b *Builder) Internal(children ...smt.Hash) smt.Hash {
	require.LessOrEqual(b.t, len(children), smt.Radix)
	n := &smt.InternalNode{}
	copy(n.Slots[:], children)
	return b.put(n)
}

// History builds versions trees over a table of leaves values. Version v rewrites the leaf
// v*7 mod leaves, so consecutive versions share every untouched subtree. Every fifth leaf embeds a
// small nested table. Roots are returned in tx order starting from 0.
func (b *Builder) History(versions, leaves int) []smt.StateRoot {
	require.Positive(b.t, leaves)

	writes := make([]int, leaves)
	roots := make([]smt.StateRoot, 0, versions)
	for v := 0; v < versions; v++ {
		if v > 0 {
			writes[(v*7)%leaves] = v
		}
		roots = append(roots, smt.StateRoot{Root: b.version(writes), TxOrder: uint64(v)})
	}
	return roots
}

func (b *Builder) version(writes []int) smt.Hash {
	level := make([]smt.Hash, len(writes))
	for k, w := range writes {
		key := fmt.Sprintf("key-%d", k)
		value := fmt.Sprintf("value-%d@%d", k, w)
		if k%5 == 0 {
			nested := b.Internal(
				b.Leaf(key+"/a", value),
				b.Leaf(key+"/b", fmt.Sprintf("nested-%d", k)),
			)
			level[k] = b.LeafWithNested(key, value, nested)
			continue
		}
		level[k] = b.Leaf(key, value)
	}

	for len(level) > 1 {
		next := make([]smt.Hash, 0, (len(level)+smt.Radix-1)/smt.Radix)
		for i := 0; i < len(level); i += smt.Radix {
			end := min(i+smt.Radix, len(level))
			next = append(next, b.Internal(level[i:end]...))
		}
		level = next
	}
	return level[0]
}

// Reachable walks the stored tree from root and returns every hash it reaches. Missing nodes
// fail the test.
func Reachable(t testing.TB, store Getter, roots ...smt.Hash) map[smt.Hash]struct{} {
	t.Helper()

	seen := make(map[smt.Hash]struct{})
	stack := append([]smt.Hash(nil), roots...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[h]; ok || h.IsPlaceholder() {
			continue
		}
		seen[h] = struct{}{}

		data, err := store.Get(context.Background(), h)
		require.NoError(t, err, "node %s", h)
		n, err := smt.Decode(data)
		require.NoError(t, err)
		stack = append(stack, n.Children()...)
	}
	return seen
}

// Exclusive returns the nodes reachable from any of expired but not from any of live.
func Exclusive(t testing.TB, store Getter, expired, live []smt.Hash) map[smt.Hash]struct{} {
	t.Helper()

	keep := Reachable(t, store, live...)
	out := make(map[smt.Hash]struct{})
	for h := range Reachable(t, store, expired...) {
		if _, ok := keep[h]; !ok {
			out[h] = struct{}{}
		}
	}
	return out
}

// Missing reports which of the given hashes are absent from the store. Errors other than isNotFound
// fail the test.
func Missing(t testing.TB, store Getter, hashes map[smt.Hash]struct{}, isNotFound error) []smt.Hash {
	t.Helper()

	var missing []smt.Hash
	for h := range hashes {
		_, err := store.Get(context.Background(), h)
		if errors.Is(err, isNotFound) {
			missing = append(missing, h)
			continue
		}
		require.NoError(t, err)
	}
	return missing
}

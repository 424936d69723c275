package pruner

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/celestia-state-gc/smt"
)

func TestStoreCursor(t *testing.T) {
	ctx := context.Background()
	ds := ds_sync.MutexWrap(datastore.NewMapDatastore())

	c, err := getCursor(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, cursor{}, c)

	want := cursor{LastOrder: 42, SweptDownTo: 7, Valid: true}
	require.NoError(t, storeCursor(ctx, ds, want))
	c, err = getCursor(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, want, c)
}

func TestCheckpoint_CorruptEntries(t *testing.T) {
	ctx := context.Background()
	ds := ds_sync.MutexWrap(datastore.NewMapDatastore())

	require.NoError(t, ds.Put(ctx, cursorKey, []byte("{not json")))
	_, err := getCursor(ctx, ds)
	assert.ErrorIs(t, err, ErrConsistency)

	require.NoError(t, ds.Put(ctx, deletedRootsKey, []byte("junk")))
	_, err = loadDeletedRoots(ctx, ds, testParams())
	assert.ErrorIs(t, err, ErrConsistency)
}

func TestDeletedRoots_Persisted(t *testing.T) {
	ctx := context.Background()
	ds := ds_sync.MutexWrap(datastore.NewMapDatastore())
	p := testParams()

	b, err := loadDeletedRoots(ctx, ds, p)
	require.NoError(t, err)
	assert.Equal(t, p.DeletedRootsBloomBits, b.Bits())

	root := smt.Sum([]byte("swept"))
	b.Add(root)
	require.NoError(t, storeBloom(ctx, ds, deletedRootsKey, b))

	loaded, err := loadDeletedRoots(ctx, ds, p)
	require.NoError(t, err)
	assert.True(t, loaded.Contains(root))

	require.NoError(t, deleteKeys(ctx, ds, deletedRootsKey))
	_, err = getBloom(ctx, ds, deletedRootsKey)
	assert.ErrorIs(t, err, errCheckpointNotFound)
}

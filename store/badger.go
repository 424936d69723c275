package store

import (
	"fmt"

	dsbadger "github.com/ipfs/go-ds-badger4"
)

// OpenBadger opens the Badger datastore under path tuned for hash-keyed node storage.
func OpenBadger(path string) (*dsbadger.Datastore, error) {
	opts := dsbadger.DefaultOptions // this should be copied

	// Nodes are small, so keep them in the LSM tree together with their keys. This makes the
	// mark phase reads cheap and lets deletes reclaim space through compaction.
	opts.ValueThreshold = 1 << 10
	// Nodes are content addressed, a key is never written with different values.
	opts.DetectConflicts = false
	// GC drives compaction explicitly after each sweep batch.
	opts.GcInterval = 0
	opts.GcDiscardRatio = 0.2

	ds, err := dsbadger.NewDatastore(path, &opts)
	if err != nil {
		return nil, fmt.Errorf("store: can't open Badger Datastore: %w", err)
	}
	return ds, nil
}

package pruner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/celestiaorg/celestia-state-gc/smt"
)

// PersistentMarker keeps marks in a datastore with bounded memory. A Bloom prefilter answers
// most first-time marks without touching the store, and marks are buffered and written in
// batches. The buffer lock is never held across a datastore call.
type PersistentMarker struct {
	ds        datastore.Batching
	bloom     *Bloom
	batchSize int

	lk       sync.Mutex
	pending  map[smt.Hash]struct{}
	inflight map[smt.Hash]struct{}
	count    atomic.Uint64
	// flushGen counts completed flushes.
	flushGen uint64

	// flushLk serializes flushes so at most one batch is in flight.
	flushLk sync.Mutex
}

func NewPersistentMarker(ds datastore.Batching, batchSize int, bloomBits, bloomHashFns uint64) (*PersistentMarker, error) {
	if batchSize <= 0 || bloomBits == 0 || bloomHashFns == 0 {
		return nil, fmt.Errorf("%w: %w (batch=%d, bits=%d, hashes=%d)",
			ErrConfiguration, errMarkerConfig, batchSize, bloomBits, bloomHashFns)
	}
	bloom, err := NewBloom(bloomBits, bloomHashFns)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	return &PersistentMarker{
		ds:        ds,
		bloom:     bloom,
		batchSize: batchSize,
		pending:   make(map[smt.Hash]struct{}),
	}, nil
}

func (m *PersistentMarker) Mark(ctx context.Context, h smt.Hash) (bool, error) {
	for {
		m.lk.Lock()
		if m.bufferedLocked(h) {
			m.lk.Unlock()
			return false, nil
		}
		if !m.bloom.Contains(h) {
			m.bloom.Add(h)
			full := m.addLocked(h)
			m.lk.Unlock()
			return true, m.flushIf(ctx, full)
		}
		gen := m.flushGen
		m.lk.Unlock()

		has, err := m.ds.Has(ctx, markKey(h))
		if err != nil {
			return false, fmt.Errorf("%w: checking mark %s: %w", ErrStoreIO, h, err)
		}
		if has {
			return false, nil
		}

		m.lk.Lock()
		if m.bufferedLocked(h) {
			m.lk.Unlock()
			return false, nil
		}
		if m.flushGen != gen {
			// a flush completed while the store was read, so the read may be stale
			m.lk.Unlock()
			continue
		}
		full := m.addLocked(h)
		m.lk.Unlock()
		return true, m.flushIf(ctx, full)
	}
}

func (m *PersistentMarker) IsMarked(ctx context.Context, h smt.Hash) (bool, error) {
	m.lk.Lock()
	if m.bufferedLocked(h) {
		m.lk.Unlock()
		return true, nil
	}
	m.lk.Unlock()

	if !m.bloom.Contains(h) {
		return false, nil
	}
	has, err := m.ds.Has(ctx, markKey(h))
	if err != nil {
		return false, fmt.Errorf("%w: checking mark %s: %w", ErrStoreIO, h, err)
	}
	return has, nil
}

// Flush writes the buffered marks. Marks stay visible through the in-flight set until the
// batch is committed.
func (m *PersistentMarker) Flush(ctx context.Context) error {
	m.flushLk.Lock()
	defer m.flushLk.Unlock()

	m.lk.Lock()
	if len(m.pending) == 0 {
		m.lk.Unlock()
		return nil
	}
	m.inflight, m.pending = m.pending, make(map[smt.Hash]struct{}, m.batchSize)
	toWrite := m.inflight
	m.lk.Unlock()

	err := m.write(ctx, toWrite)

	m.lk.Lock()
	if err != nil {
		for h := range toWrite {
			m.pending[h] = struct{}{}
		}
	}
	m.inflight = nil
	m.flushGen++
	m.lk.Unlock()
	return err
}

func (m *PersistentMarker) write(ctx context.Context, hashes map[smt.Hash]struct{}) error {
	batch, err := m.ds.Batch(ctx)
	if err != nil {
		return fmt.Errorf("%w: creating marker batch: %w", ErrStoreIO, err)
	}
	for h := range hashes {
		if err := batch.Put(ctx, markKey(h), []byte{}); err != nil {
			return fmt.Errorf("%w: batching mark: %w", ErrStoreIO, err)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing marks: %w", ErrStoreIO, err)
	}
	return nil
}

// Reset drops buffered and persisted marks.
func (m *PersistentMarker) Reset(ctx context.Context) error {
	m.flushLk.Lock()
	defer m.flushLk.Unlock()

	m.lk.Lock()
	m.pending = make(map[smt.Hash]struct{})
	m.inflight = nil
	m.count.Store(0)
	err := m.bloom.Reset()
	m.lk.Unlock()
	if err != nil {
		return err
	}

	res, err := m.ds.Query(ctx, dsq.Query{KeysOnly: true})
	if err != nil {
		return fmt.Errorf("%w: querying marks: %w", ErrStoreIO, err)
	}
	entries, err := res.Rest()
	if err != nil {
		return fmt.Errorf("%w: iterating marks: %w", ErrStoreIO, err)
	}
	if len(entries) == 0 {
		return nil
	}

	batch, err := m.ds.Batch(ctx)
	if err != nil {
		return fmt.Errorf("%w: creating marker batch: %w", ErrStoreIO, err)
	}
	for _, e := range entries {
		if err := batch.Delete(ctx, datastore.NewKey(e.Key)); err != nil {
			return fmt.Errorf("%w: batching mark removal: %w", ErrStoreIO, err)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("%w: clearing marks: %w", ErrStoreIO, err)
	}
	return nil
}

func (m *PersistentMarker) MarkedCount() uint64 {
	return m.count.Load()
}

func (m *PersistentMarker) MarkerType() string {
	return string(MarkerPersistent)
}

func (m *PersistentMarker) bufferedLocked(h smt.Hash) bool {
	if _, ok := m.pending[h]; ok {
		return true
	}
	_, ok := m.inflight[h]
	return ok
}

// addLocked buffers h and reports whether the buffer reached the batch size.
func (m *PersistentMarker) addLocked(h smt.Hash) bool {
	m.pending[h] = struct{}{}
	m.count.Add(1)
	return len(m.pending) >= m.batchSize
}

func (m *PersistentMarker) flushIf(ctx context.Context, full bool) error {
	if !full {
		return nil
	}
	return m.Flush(ctx)
}

func markKey(h smt.Hash) datastore.Key {
	return datastore.NewKey(h.String())
}

package pruner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-datastore"

	"github.com/celestiaorg/celestia-state-gc/smt"
)

// bytesPerMarkedNode approximates the in-memory cost of one marked hash, including map overhead.
const bytesPerMarkedNode = 64

// NodeMarker is a set of node hashes shared by the mark workers.
type NodeMarker interface {
	// Mark adds the hash, reporting whether it was not marked before.
	Mark(ctx context.Context, h smt.Hash) (bool, error)
	IsMarked(ctx context.Context, h smt.Hash) (bool, error)
	// Flush persists buffered marks, if the marker buffers any.
	Flush(ctx context.Context) error
	// Reset forgets all marks.
	Reset(ctx context.Context) error
	// MarkedCount is the number of distinct hashes marked since the last Reset.
	MarkedCount() uint64
	MarkerType() string
}

// InMemoryMarker is an exact set kept in memory.
type InMemoryMarker struct {
	lk     sync.RWMutex
	marked map[smt.Hash]struct{}
}

func NewInMemoryMarker() *InMemoryMarker {
	return &InMemoryMarker{marked: make(map[smt.Hash]struct{})}
}

func (m *InMemoryMarker) Mark(_ context.Context, h smt.Hash) (bool, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if _, ok := m.marked[h]; ok {
		return false, nil
	}
	m.marked[h] = struct{}{}
	return true, nil
}

func (m *InMemoryMarker) IsMarked(_ context.Context, h smt.Hash) (bool, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	_, ok := m.marked[h]
	return ok, nil
}

func (m *InMemoryMarker) Flush(context.Context) error {
	return nil
}

func (m *InMemoryMarker) Reset(context.Context) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.marked = make(map[smt.Hash]struct{})
	return nil
}

func (m *InMemoryMarker) MarkedCount() uint64 {
	m.lk.RLock()
	defer m.lk.RUnlock()
	return uint64(len(m.marked))
}

func (m *InMemoryMarker) MarkerType() string {
	return string(MarkerInMemory)
}

// AutoMarker is the marker picked by the Auto strategy.
type AutoMarker struct {
	NodeMarker
}

func (m *AutoMarker) MarkerType() string {
	return string(MarkerAuto) + "/" + m.NodeMarker.MarkerType()
}

// NewMarker creates the marker configured by p. ds is the transient namespace used by the
// persistent marker and expectedNodes drives the Auto selection.
func NewMarker(ctx context.Context, p *Params, ds datastore.Batching, expectedNodes uint64) (NodeMarker, error) {
	var (
		marker NodeMarker
		err    error
	)
	switch p.MarkerStrategy {
	case MarkerInMemory:
		marker = NewInMemoryMarker()
	case MarkerPersistent:
		marker, err = NewPersistentMarker(ds, p.MarkerBatchSize, p.MarkerBloomBits, p.MarkerBloomHashFns)
	case MarkerAuto:
		marker = newAutoMarker(p, ds, expectedNodes)
	default:
		return nil, fmt.Errorf("%w: unknown marker strategy %q", ErrConfiguration, p.MarkerStrategy)
	}
	if err != nil {
		return nil, err
	}

	// a persistent marker may hold marks of an interrupted cycle
	if err := marker.Reset(ctx); err != nil {
		return nil, fmt.Errorf("resetting marker: %w", err)
	}
	return marker, nil
}

func newAutoMarker(p *Params, ds datastore.Batching, expectedNodes uint64) *AutoMarker {
	estimated := expectedNodes * bytesPerMarkedNode
	threshold := p.MarkerMemoryThresholdMB << 20
	if estimated < threshold {
		log.Debugw("auto marker selected memory", "expected_nodes", expectedNodes, "estimated_bytes", estimated)
		return &AutoMarker{NewInMemoryMarker()}
	}

	marker, err := NewPersistentMarker(ds, p.MarkerBatchSize, p.MarkerBloomBits, p.MarkerBloomHashFns)
	if err != nil {
		log.Warnw("persistent marker unavailable, falling back to memory", "err", err)
		return &AutoMarker{NewInMemoryMarker()}
	}
	log.Infow("auto marker selected persistent store", "expected_nodes", expectedNodes, "estimated_bytes", estimated)
	return &AutoMarker{marker}
}

var errMarkerConfig = errors.New("persistent marker needs non-zero batch size, bloom bits and hash functions")

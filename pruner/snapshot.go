package pruner

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"

	"github.com/celestiaorg/celestia-state-gc/smt"
	"github.com/celestiaorg/celestia-state-gc/store"
)

type SnapshotConfig struct {
	// LockTimeout is how long a phase lock is honored before it is considered abandoned.
	LockTimeout time.Duration
	// MaxSnapshotAge is the age after which a snapshot no longer validates.
	MaxSnapshotAge time.Duration
}

func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		LockTimeout:    30 * time.Minute,
		MaxSnapshotAge: 2 * time.Hour,
	}
}

func (c *SnapshotConfig) Validate() error {
	if c.LockTimeout <= 0 || c.MaxSnapshotAge <= 0 {
		return fmt.Errorf("%w: snapshot lock timeout and max age must be positive", ErrConfiguration)
	}
	return nil
}

// ChainHead reports the most recent committed state root.
type ChainHead interface {
	Latest(ctx context.Context) (smt.StateRoot, error)
}

// Snapshot pins the chain head a GC phase operates against.
type Snapshot struct {
	ID          uint64     `json:"id"`
	Phase       PrunePhase `json:"phase"`
	CreatedAt   time.Time  `json:"created_at"`
	StateRoot   smt.Hash   `json:"state_root"`
	LatestOrder uint64     `json:"latest_order"`
	Integrity   smt.Hash   `json:"integrity"`
}

func (s *Snapshot) integrity() smt.Hash {
	buf := make([]byte, 0, 8+1+8+smt.HashSize+8)
	buf = binary.BigEndian.AppendUint64(buf, s.ID)
	buf = append(buf, byte(s.Phase))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.CreatedAt.UnixNano()))
	buf = append(buf, s.StateRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, s.LatestOrder)
	return smt.Sum(buf)
}

// SnapshotLock is the exclusive claim of a phase on the current snapshot.
type SnapshotLock struct {
	SnapshotID uint64     `json:"snapshot_id"`
	Phase      PrunePhase `json:"phase"`
	LockedAt   time.Time  `json:"locked_at"`
}

type SnapshotStatus struct {
	Current *Snapshot      `json:"current,omitempty"`
	Lock    *SnapshotLock  `json:"lock,omitempty"`
	Config  SnapshotConfig `json:"config"`
}

// AtomicSnapshotManager serializes GC phases. Every phase runs while holding the lock taken by
// CreateSnapshot, so two cycles can not operate on the store at the same time.
type AtomicSnapshotManager struct {
	head  ChainHead
	meta  datastore.Datastore
	clock clock.Clock
	cfg   SnapshotConfig

	lk      sync.Mutex
	nextID  uint64
	current *Snapshot
	lock    *SnapshotLock
}

func NewAtomicSnapshotManager(head ChainHead, meta datastore.Datastore, clk clock.Clock, cfg SnapshotConfig) *AtomicSnapshotManager {
	return &AtomicSnapshotManager{
		head:  head,
		meta:  meta,
		clock: clk,
		cfg:   cfg,
	}
}

// Initialize restores the persisted snapshot. Locks are never persisted.
func (m *AtomicSnapshotManager) Initialize(ctx context.Context) error {
	var snap Snapshot
	err := getJSON(ctx, m.meta, snapshotKey, &snap)
	if errors.Is(err, errCheckpointNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	m.lk.Lock()
	defer m.lk.Unlock()
	m.current = &snap
	m.nextID = max(m.nextID, snap.ID)
	return nil
}

// CreateSnapshot pins the current chain head for phase and takes the phase lock. It fails with
// ErrLockContention while another valid lock is held.
func (m *AtomicSnapshotManager) CreateSnapshot(ctx context.Context, phase PrunePhase) (*Snapshot, error) {
	head, err := m.latest(ctx)
	if err != nil {
		return nil, err
	}

	m.lk.Lock()
	defer m.lk.Unlock()

	now := m.clock.Now()
	if m.lock != nil {
		if now.Sub(m.lock.LockedAt) < m.cfg.LockTimeout {
			return nil, fmt.Errorf("%w: held by phase %s since %s",
				ErrLockContention, m.lock.Phase, m.lock.LockedAt.Format(time.RFC3339))
		}
		log.Warnw("snapshot lock expired, taking over", "phase", m.lock.Phase, "locked_at", m.lock.LockedAt)
		m.lock = nil
	}

	m.nextID++
	snap := &Snapshot{
		ID:          m.nextID,
		Phase:       phase,
		CreatedAt:   now.UTC(),
		StateRoot:   head.Root,
		LatestOrder: head.TxOrder,
	}
	snap.Integrity = snap.integrity()
	if err := storeJSON(ctx, m.meta, snapshotKey, snap); err != nil {
		return nil, err
	}

	m.current = snap
	m.lock = &SnapshotLock{SnapshotID: snap.ID, Phase: phase, LockedAt: now}
	log.Debugw("snapshot created", "id", snap.ID, "phase", phase, "latest_order", snap.LatestOrder)
	return snap, nil
}

// ReleaseSnapshot releases the lock held by phase. The snapshot itself stays current.
func (m *AtomicSnapshotManager) ReleaseSnapshot(phase PrunePhase) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	if m.lock == nil {
		return nil
	}
	if m.lock.Phase != phase {
		return fmt.Errorf("%w: lock is held by phase %s, not %s", ErrLockContention, m.lock.Phase, phase)
	}
	m.lock = nil
	return nil
}

// releaseAll drops any lock.
func (m *AtomicSnapshotManager) releaseAll() {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.lock = nil
}

// ClearSnapshot forgets the current snapshot and its lock.
func (m *AtomicSnapshotManager) ClearSnapshot(ctx context.Context) error {
	m.lk.Lock()
	m.current = nil
	m.lock = nil
	m.lk.Unlock()
	return deleteKeys(ctx, m.meta, snapshotKey)
}

// ValidatePhaseConsistency reports whether the current snapshot still describes the chain. A
// missing, stale, tampered or outdated snapshot is inconsistent. A chain head older than the
// snapshot is reported as ErrConsistency.
func (m *AtomicSnapshotManager) ValidatePhaseConsistency(ctx context.Context) (bool, error) {
	m.lk.Lock()
	snap := m.current
	m.lk.Unlock()
	return m.validate(ctx, snap)
}

// validate checks snap against the chain head. snap need not be the current snapshot.
func (m *AtomicSnapshotManager) validate(ctx context.Context, snap *Snapshot) (bool, error) {
	if snap == nil {
		return false, nil
	}

	if age := m.clock.Now().Sub(snap.CreatedAt); age > m.cfg.MaxSnapshotAge {
		log.Warnw("snapshot too old", "id", snap.ID, "age", age)
		return false, nil
	}
	if snap.Integrity != snap.integrity() {
		log.Warnw("snapshot integrity mismatch", "id", snap.ID)
		return false, nil
	}

	head, err := m.latest(ctx)
	if err != nil {
		return false, err
	}
	switch {
	case head.TxOrder < snap.LatestOrder:
		return false, fmt.Errorf("%w: chain head %d is below snapshot order %d",
			ErrConsistency, head.TxOrder, snap.LatestOrder)
	case head.TxOrder > snap.LatestOrder:
		log.Infow("chain advanced since snapshot", "id", snap.ID, "snapshot_order", snap.LatestOrder, "head", head.TxOrder)
		return false, nil
	case head.Root != snap.StateRoot:
		log.Warnw("chain head root changed at the same order", "id", snap.ID, "order", head.TxOrder)
		return false, nil
	}
	return true, nil
}

func (m *AtomicSnapshotManager) Current() *Snapshot {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.current
}

func (m *AtomicSnapshotManager) GetSnapshotStatus() SnapshotStatus {
	m.lk.Lock()
	defer m.lk.Unlock()

	status := SnapshotStatus{Config: m.cfg}
	if m.current != nil {
		snap := *m.current
		status.Current = &snap
	}
	if m.lock != nil {
		lock := *m.lock
		status.Lock = &lock
	}
	return status
}

func (m *AtomicSnapshotManager) latest(ctx context.Context) (smt.StateRoot, error) {
	head, err := m.head.Latest(ctx)
	switch {
	case errors.Is(err, store.ErrNoRoots):
		return smt.StateRoot{}, nil
	case err != nil:
		return smt.StateRoot{}, fmt.Errorf("%w: reading chain head: %w", ErrStoreIO, err)
	}
	return head, nil
}

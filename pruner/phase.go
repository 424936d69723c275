package pruner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-datastore"
)

// PrunePhase is the persisted stage of the GC state machine.
type PrunePhase uint8

const (
	// PhaseBuildReach builds the reachable set from the protected roots.
	PhaseBuildReach PrunePhase = iota
	// PhaseSweepExpired deletes nodes of expired roots that are absent from the reachable set.
	PhaseSweepExpired
	// PhaseIncremental re-sweeps roots that expired after the last full sweep.
	PhaseIncremental
)

func (p PrunePhase) String() string {
	switch p {
	case PhaseBuildReach:
		return "BuildReach"
	case PhaseSweepExpired:
		return "SweepExpired"
	case PhaseIncremental:
		return "Incremental"
	default:
		return fmt.Sprintf("PrunePhase(%d)", uint8(p))
	}
}

// ParsePhase parses the string produced by PrunePhase.String.
func ParsePhase(s string) (PrunePhase, error) {
	for _, p := range []PrunePhase{PhaseBuildReach, PhaseSweepExpired, PhaseIncremental} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown prune phase %q", ErrConsistency, s)
}

func (p PrunePhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PrunePhase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// CanTransition reports whether moving from p to next is legal. Phases only move forward, except
// for the rollback to BuildReach which is always allowed.
func (p PrunePhase) CanTransition(next PrunePhase) bool {
	switch next {
	case PhaseBuildReach:
		return true
	case PhaseSweepExpired:
		return p == PhaseBuildReach
	case PhaseIncremental:
		return p == PhaseSweepExpired || p == PhaseIncremental
	default:
		return false
	}
}

// PhaseMachine holds the current phase and persists every transition before applying it.
type PhaseMachine struct {
	ds datastore.Datastore

	lk      sync.Mutex
	current PrunePhase
}

func NewPhaseMachine(ds datastore.Datastore) *PhaseMachine {
	return &PhaseMachine{ds: ds, current: PhaseBuildReach}
}

// Load reads the persisted phase. A store without one starts in BuildReach.
func (m *PhaseMachine) Load(ctx context.Context) (PrunePhase, error) {
	phase, err := getPhase(ctx, m.ds)
	switch {
	case errors.Is(err, errCheckpointNotFound):
		phase = PhaseBuildReach
	case err != nil:
		return 0, err
	}

	m.lk.Lock()
	m.current = phase
	m.lk.Unlock()
	return phase, nil
}

func (m *PhaseMachine) Current() PrunePhase {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.current
}

// Transition persists and applies next. Illegal transitions are rejected with ErrConsistency.
func (m *PhaseMachine) Transition(ctx context.Context, next PrunePhase) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	if !m.current.CanTransition(next) {
		return fmt.Errorf("%w: illegal phase transition %s -> %s", ErrConsistency, m.current, next)
	}
	if err := storePhase(ctx, m.ds, next); err != nil {
		return err
	}

	if m.current != next {
		log.Infow("phase transition", "from", m.current, "to", next)
	}
	m.current = next
	return nil
}

// Rollback returns the machine to BuildReach.
func (m *PhaseMachine) Rollback(ctx context.Context) error {
	return m.Transition(ctx, PhaseBuildReach)
}

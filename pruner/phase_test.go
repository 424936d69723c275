package pruner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrunePhase_CanTransition(t *testing.T) {
	tests := []struct {
		from, to PrunePhase
		legal    bool
	}{
		{PhaseBuildReach, PhaseSweepExpired, true},
		{PhaseSweepExpired, PhaseIncremental, true},
		{PhaseIncremental, PhaseIncremental, true},
		{PhaseIncremental, PhaseBuildReach, true},
		{PhaseSweepExpired, PhaseBuildReach, true},
		{PhaseBuildReach, PhaseBuildReach, true},
		{PhaseBuildReach, PhaseIncremental, false},
		{PhaseSweepExpired, PhaseSweepExpired, false},
		{PhaseIncremental, PhaseSweepExpired, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.legal, tt.from.CanTransition(tt.to))
		})
	}
}

func TestPrunePhase_Text(t *testing.T) {
	bin, err := json.Marshal(PhaseSweepExpired)
	require.NoError(t, err)
	assert.Equal(t, `"SweepExpired"`, string(bin))

	var p PrunePhase
	require.NoError(t, json.Unmarshal([]byte(`"Incremental"`), &p))
	assert.Equal(t, PhaseIncremental, p)

	_, err = ParsePhase("Sweeping")
	assert.ErrorIs(t, err, ErrConsistency)
}

func TestPhaseMachine_PersistsTransitions(t *testing.T) {
	ctx := context.Background()
	ds := ds_sync.MutexWrap(datastore.NewMapDatastore())

	m := NewPhaseMachine(ds)
	phase, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseBuildReach, phase)

	require.NoError(t, m.Transition(ctx, PhaseSweepExpired))
	err = m.Transition(ctx, PhaseSweepExpired)
	require.ErrorIs(t, err, ErrConsistency)

	// a restarted machine resumes from the persisted phase
	restarted := NewPhaseMachine(ds)
	phase, err = restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseSweepExpired, phase)

	require.NoError(t, restarted.Transition(ctx, PhaseIncremental))
	require.NoError(t, restarted.Transition(ctx, PhaseIncremental))
	require.NoError(t, restarted.Rollback(ctx))
	assert.Equal(t, PhaseBuildReach, restarted.Current())

	phase, err = getPhase(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, PhaseBuildReach, phase)
}

package pruner

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestService runs cycles in the background and checks that every tick of the GC cycle
// starts a new one.
func TestService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	env := newTestEnv(t, 10, 16)
	p := testParams()
	p.PruneCycle = time.Minute
	mock := clock.NewMock()
	gc := newTestGC(env, nil, p, WithClock(mock))

	serv, err := NewService(gc)
	require.NoError(t, err)
	require.NoError(t, serv.Start(ctx))

	// the first cycle runs right away
	require.Eventually(t, func() bool {
		report, _ := serv.LastReport()
		return report != nil
	}, 5*time.Second, time.Millisecond*5)
	first, err := serv.LastReport()
	require.NoError(t, err)
	assert.Equal(t, PhaseBuildReach, first.Phase)
	assert.Positive(t, first.Sweep.DeletedCount)

	mock.Add(p.PruneCycle)
	require.Eventually(t, func() bool {
		report, _ := serv.LastReport()
		return report.CycleID != first.CycleID
	}, 5*time.Second, time.Millisecond*5)
	second, err := serv.LastReport()
	require.NoError(t, err)
	assert.Equal(t, PhaseIncremental, second.Phase)
	assert.True(t, second.Skipped)

	require.NoError(t, serv.Stop(ctx))
	// stopping twice is a no-op
	require.NoError(t, serv.Stop(ctx))
}

func TestService_RestartAfterStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	env := newTestEnv(t, 8, 16)
	gc := newTestGC(env, nil, testParams())
	serv, err := NewService(gc)
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, serv.Start(ctx))
		require.Eventually(t, func() bool {
			report, _ := serv.LastReport()
			return report != nil && !report.Sweep.Interrupted
		}, 5*time.Second, time.Millisecond*5)
		require.NoError(t, serv.Stop(ctx))
	}
	assert.Equal(t, PhaseIncremental, gc.Phases().Current())
}

func TestService_FailedCycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	env := newTestEnv(t, 8, 16)
	protected, _ := env.split(2)
	faulty := &faultyStore{NodeStore: env.nodes, failOn: hashSet(protected[0].Root)}
	faulty.failures.Store(-1)

	serv, err := NewService(newTestGC(env, faulty, testParams()))
	require.NoError(t, err)
	require.NoError(t, serv.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, serv.Stop(ctx))
	})

	require.Eventually(t, func() bool {
		_, err := serv.LastReport()
		return err != nil
	}, 5*time.Second, time.Millisecond*5)

	report, err := serv.LastReport()
	assert.Nil(t, report)
	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	assert.Equal(t, PhaseBuildReach, phaseErr.Phase)
	assert.ErrorIs(t, err, ErrStoreIO)
}

func TestNewService_Config(t *testing.T) {
	env := newTestEnv(t, 4, 8)

	_, err := NewService(newTestGC(env, nil, testParams(WithSkipConfirm(false))))
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewService(newTestGC(env, nil, testParams(WithSkipConfirm(false), WithDryRun(true))))
	require.NoError(t, err)

	p := testParams()
	p.ForceExecution, p.SkipConfirm = true, false
	_, err = NewService(newTestGC(env, nil, p))
	require.NoError(t, err)

	_, err = NewService(newTestGC(env, nil, testParams(WithPruneCycle(0))))
	require.ErrorIs(t, err, ErrConfiguration)
}

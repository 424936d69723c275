package gc

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/celestiaorg/celestia-state-gc/pruner"
	"github.com/celestiaorg/celestia-state-gc/smt/smttest"
	"github.com/celestiaorg/celestia-state-gc/store"
)

func storeComponents() fx.Option {
	return fx.Options(
		fx.Provide(func() datastore.Batching {
			return ds_sync.MutexWrap(datastore.NewMapDatastore())
		}),
		fx.Supply(store.DefaultParameters()),
		fx.Provide(store.NewNodeStore),
		fx.Provide(store.NewRootHistory),
	)
}

func TestConstructModule(t *testing.T) {
	cfg := DefaultConfig()

	var (
		gc   *pruner.GarbageCollector
		serv *pruner.Service
	)
	app := fxtest.New(t,
		storeComponents(),
		ConstructModule(&cfg),
		fx.Populate(&gc),
		fx.Invoke(fx.Annotate(func(s *pruner.Service) { serv = s }, fx.ParamTags(`optional:"true"`))),
	)
	app.RequireStart().RequireStop()
	assert.NotNil(t, gc)
	assert.Nil(t, serv)
}

func TestConstructModule_Service(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	cfg := DefaultConfig()
	cfg.EnableService = true
	cfg.SkipConfirm = true
	cfg.ProtectedRootsCount = 1
	cfg.Cycle = time.Hour

	var (
		serv    *pruner.Service
		nodes   *store.NodeStore
		history *store.RootHistory
	)
	app := fxtest.New(t,
		storeComponents(),
		ConstructModule(&cfg),
		fx.Populate(&serv, &nodes, &history),
	)
	for _, root := range smttest.NewBuilder(t, nodes).History(3, 8) {
		require.NoError(t, history.Put(ctx, root))
	}

	app.RequireStart()
	require.Eventually(t, func() bool {
		report, _ := serv.LastReport()
		return report != nil
	}, 5*time.Second, 10*time.Millisecond)
	app.RequireStop()

	report, err := serv.LastReport()
	require.NoError(t, err)
	assert.Equal(t, 2, report.ExpiredRoots)
}

func TestConstructModule_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 0

	app := fx.New(storeComponents(), ConstructModule(&cfg), fx.NopLogger)
	require.ErrorIs(t, app.Err(), pruner.ErrConfiguration)
}

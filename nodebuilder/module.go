package nodebuilder

import (
	"github.com/ipfs/go-datastore"
	"go.uber.org/fx"

	"github.com/celestiaorg/celestia-state-gc/nodebuilder/gc"
	"github.com/celestiaorg/celestia-state-gc/store"
)

func ConstructModule(cfg *Config, st Store) fx.Option {
	baseComponents := fx.Options(
		fx.Supply(cfg),
		fx.Supply(&cfg.Store),
		fx.Provide(st.Datastore),
		fx.Provide(newNodeStore),
		fx.Provide(store.NewRootHistory),
		// modules provided by the node
		gc.ConstructModule(&cfg.GC),
	)

	return fx.Module(
		"node",
		baseComponents,
	)
}

func newNodeStore(ds datastore.Batching, params *store.Parameters) (*store.NodeStore, error) {
	nodes, err := store.NewNodeStore(ds, params)
	if err != nil {
		return nil, err
	}

	if gc.MetricsEnabled {
		err := nodes.WithMetrics()
		if err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

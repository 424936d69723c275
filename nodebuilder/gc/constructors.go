package gc

import (
	"context"

	"go.uber.org/fx"

	"github.com/celestiaorg/celestia-state-gc/pruner"
	"github.com/celestiaorg/celestia-state-gc/store"
)

type collectorParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Nodes     *store.NodeStore
	Resolver  pruner.RootResolver
	Head      pruner.ChainHead
	Params    *pruner.Params
	Options   []pruner.GCOption `optional:"true"`
}

func newGarbageCollector(p collectorParams) (*pruner.GarbageCollector, error) {
	gc := pruner.NewGarbageCollector(p.Nodes, p.Resolver, p.Head, p.Params, p.Options...)

	if MetricsEnabled {
		err := pruner.WithGCMetrics(gc)
		if err != nil {
			return nil, err
		}
		p.Lifecycle.Append(fx.StopHook(gc.Close))
	}

	return gc, nil
}

func newHistoryResolver(history *store.RootHistory) pruner.RootResolver {
	return pruner.NewHistoryResolver(history)
}

func chainHead(history *store.RootHistory) pruner.ChainHead {
	return history
}

func startService(ctx context.Context, s *pruner.Service) error {
	return s.Start(ctx)
}

func stopService(ctx context.Context, s *pruner.Service) error {
	return s.Stop(ctx)
}

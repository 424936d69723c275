package gc

import (
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"

	"github.com/celestiaorg/celestia-state-gc/pruner"
)

var log = logging.Logger("module/gc")

func ConstructModule(cfg *Config) fx.Option {
	// sanitize config values before constructing module
	if err := cfg.Validate(); err != nil {
		return fx.Error(err)
	}

	baseComponents := fx.Options(
		fx.Supply(cfg),
		fx.Provide(cfg.Params),
		fx.Provide(newHistoryResolver),
		fx.Provide(chainHead),
		fx.Provide(newGarbageCollector),
	)

	if !cfg.EnableService {
		return fx.Module("gc", baseComponents)
	}

	log.Infow("background GC enabled", "cycle", cfg.Cycle, "protected_roots", cfg.ProtectedRootsCount)
	return fx.Module("gc",
		baseComponents,
		fx.Provide(fx.Annotate(
			pruner.NewService,
			fx.OnStart(startService),
			fx.OnStop(stopService),
		)),
		// This is necessary to invoke the GC service as independent thanks to a
		// quirk in FX.
		fx.Invoke(func(_ *pruner.Service) {}),
	)
}

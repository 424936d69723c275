package pruner

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("state_gc")
)

type metrics struct {
	markedCounter   metric.Int64Counter
	deletedCounter  metric.Int64Counter
	sweptRoots      metric.Int64Counter
	retryCounter    metric.Int64Counter
	recoveryCounter metric.Int64Counter
	cycleDuration   metric.Float64Histogram

	currentPhase metric.Int64ObservableGauge

	clientReg metric.Registration
}

// WithMetrics turns on GC metrics.
func (gc *GarbageCollector) WithMetrics() error {
	markedCounter, err := meter.Int64Counter("gc_marked_nodes_counter",
		metric.WithDescription("gc nodes marked reachable"))
	if err != nil {
		return err
	}

	deletedCounter, err := meter.Int64Counter("gc_deleted_nodes_counter",
		metric.WithDescription("gc nodes deleted by sweeps"))
	if err != nil {
		return err
	}

	sweptRoots, err := meter.Int64Counter("gc_swept_roots_counter",
		metric.WithDescription("gc expired roots processed by sweeps"))
	if err != nil {
		return err
	}

	retryCounter, err := meter.Int64Counter("gc_phase_retries_counter",
		metric.WithDescription("gc failed phase attempts"))
	if err != nil {
		return err
	}

	recoveryCounter, err := meter.Int64Counter("gc_recoveries_counter",
		metric.WithDescription("gc recovery strategies run"))
	if err != nil {
		return err
	}

	cycleDuration, err := meter.Float64Histogram("gc_cycle_duration_seconds",
		metric.WithDescription("gc cycle duration"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}

	currentPhase, err := meter.Int64ObservableGauge("gc_current_phase",
		metric.WithDescription("gc persisted phase (0 BuildReach, 1 SweepExpired, 2 Incremental)"))
	if err != nil {
		return err
	}

	callback := func(_ context.Context, observer metric.Observer) error {
		observer.ObserveInt64(currentPhase, int64(gc.phases.Current()))
		return nil
	}

	clientReg, err := meter.RegisterCallback(callback, currentPhase)
	if err != nil {
		return err
	}

	gc.metrics = &metrics{
		markedCounter:   markedCounter,
		deletedCounter:  deletedCounter,
		sweptRoots:      sweptRoots,
		retryCounter:    retryCounter,
		recoveryCounter: recoveryCounter,
		cycleDuration:   cycleDuration,
		currentPhase:    currentPhase,
		clientReg:       clientReg,
	}
	gc.recovery.metrics = gc.metrics
	return nil
}

// Close unregisters GC metrics.
func (gc *GarbageCollector) Close() error {
	return gc.metrics.close()
}

func (m *metrics) close() error {
	if m == nil {
		return nil
	}

	return m.clientReg.Unregister()
}

func (m *metrics) observeMark(ctx context.Context, stats MarkStats) {
	if m == nil {
		return
	}
	ctx = detach(ctx)
	m.markedCounter.Add(ctx, int64(stats.MarkedCount), metric.WithAttributes(
		attribute.String("marker", stats.MarkerType)))
}

func (m *metrics) observeSweepBatch(ctx context.Context, results []rootResult) {
	if m == nil {
		return
	}
	ctx = detach(ctx)

	var deleted, failed, swept int64
	for _, res := range results {
		deleted += int64(res.deleted)
		switch {
		case res.err != nil:
			failed++
		case res.completed:
			swept++
		}
	}
	m.deletedCounter.Add(ctx, deleted)
	m.sweptRoots.Add(ctx, swept, metric.WithAttributes(attribute.Bool("failed", false)))
	m.sweptRoots.Add(ctx, failed, metric.WithAttributes(attribute.Bool("failed", true)))
}

func (m *metrics) observeRetry(ctx context.Context, phase PrunePhase) {
	if m == nil {
		return
	}
	m.retryCounter.Add(detach(ctx), 1, metric.WithAttributes(
		attribute.String("phase", phase.String())))
}

func (m *metrics) observeRecovery(ctx context.Context, phase PrunePhase, class errorClass) {
	if m == nil {
		return
	}
	m.recoveryCounter.Add(detach(ctx), 1, metric.WithAttributes(
		attribute.String("phase", phase.String()),
		attribute.String("class", class.String())))
}

func (m *metrics) observeCycle(ctx context.Context, report *GCReport, err error) {
	if m == nil {
		return
	}
	m.cycleDuration.Record(detach(ctx), report.Duration.Seconds(), metric.WithAttributes(
		attribute.Bool("failed", err != nil),
		attribute.Bool("dry_run", report.DryRun),
		attribute.Bool("interrupted", report.Sweep.Interrupted)))
}

// detach keeps metrics recordable after the cycle context is done.
func detach(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}

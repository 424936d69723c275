package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	failedKey     = "failed"
	aggressiveKey = "aggressive"
)

var meter = otel.Meter("state_store")

type metrics struct {
	get       metric.Float64Histogram
	cacheHits metric.Int64Counter
	deleted   metric.Int64Counter
	compact   metric.Float64Histogram
}

func (s *NodeStore) WithMetrics() error {
	get, err := meter.Float64Histogram("state_store_get_time_histogram",
		metric.WithDescription("node store get time histogram(s)"))
	if err != nil {
		return err
	}

	cacheHits, err := meter.Int64Counter("state_store_cache_hit_counter",
		metric.WithDescription("node store read cache hits"))
	if err != nil {
		return err
	}

	deleted, err := meter.Int64Counter("state_store_deleted_counter",
		metric.WithDescription("node store deleted nodes"))
	if err != nil {
		return err
	}

	compact, err := meter.Float64Histogram("state_store_compact_time_histogram",
		metric.WithDescription("node store compaction time histogram(s)"))
	if err != nil {
		return err
	}

	s.metrics = &metrics{
		get:       get,
		cacheHits: cacheHits,
		deleted:   deleted,
		compact:   compact,
	}
	return nil
}

func (m *metrics) observeGet(ctx context.Context, dur time.Duration, cached, failed bool) {
	if m == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	if cached {
		m.cacheHits.Add(ctx, 1)
		return
	}
	m.get.Record(ctx, dur.Seconds(), metric.WithAttributes(
		attribute.Bool(failedKey, failed)))
}

func (m *metrics) observeDelete(ctx context.Context, count int) {
	if m == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	m.deleted.Add(ctx, int64(count))
}

func (m *metrics) observeCompact(ctx context.Context, dur time.Duration, aggressive, failed bool) {
	if m == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	m.compact.Record(ctx, dur.Seconds(), metric.WithAttributes(
		attribute.Bool(aggressiveKey, aggressive),
		attribute.Bool(failedKey, failed)))
}

package pruner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// jitterFraction is the relative spread applied to retry delays.
	jitterFraction = 0.2
	// maxRecentRecoveries is the number of recoveries within recoveryWindow a healthy system stays
	// below.
	maxRecentRecoveries = 10
	recoveryWindow      = time.Hour
)

type RecoveryConfig struct {
	MaxPhaseRetries   int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64

	EnableSnapshotRecovery bool
	// SnapshotRecoveryTimeout bounds the recreation of a snapshot during recovery.
	SnapshotRecoveryTimeout time.Duration
	// EnablePhaseRollback allows recovery to roll the phase machine back to BuildReach.
	EnablePhaseRollback bool

	// Pauses taken by the recovery strategies before the next attempt.
	SnapshotSettlePause time.Duration
	StoragePause        time.Duration
	ConsistencyPause    time.Duration
	TimeoutPause        time.Duration
	DefaultPause        time.Duration
	// HealthPause is the wait between clearing and recreating the snapshot in EnsureSystemHealth.
	HealthPause time.Duration
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxPhaseRetries:         3,
		BaseRetryDelay:          time.Second,
		MaxRetryDelay:           30 * time.Second,
		BackoffMultiplier:       2,
		EnableSnapshotRecovery:  true,
		SnapshotRecoveryTimeout: 5 * time.Minute,
		EnablePhaseRollback:     true,
		SnapshotSettlePause:     5 * time.Second,
		StoragePause:            10 * time.Second,
		ConsistencyPause:        15 * time.Second,
		TimeoutPause:            30 * time.Second,
		DefaultPause:            5 * time.Second,
		HealthPause:             10 * time.Second,
	}
}

func (c *RecoveryConfig) Validate() error {
	switch {
	case c.MaxPhaseRetries < 1:
		return fmt.Errorf("%w: max phase retries must be at least 1", ErrConfiguration)
	case c.BaseRetryDelay < 0 || c.MaxRetryDelay < c.BaseRetryDelay:
		return fmt.Errorf("%w: retry delays must satisfy 0 <= base (%s) <= max (%s)",
			ErrConfiguration, c.BaseRetryDelay, c.MaxRetryDelay)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff multiplier must be at least 1", ErrConfiguration)
	case c.SnapshotRecoveryTimeout <= 0:
		return fmt.Errorf("%w: snapshot recovery timeout must be positive", ErrConfiguration)
	}
	return nil
}

// errorClass selects the recovery strategy for a failed attempt.
type errorClass uint8

const (
	classUnknown errorClass = iota
	classSnapshot
	classStorage
	classConsistency
	classTimeout
)

func (c errorClass) String() string {
	switch c {
	case classSnapshot:
		return "snapshot"
	case classStorage:
		return "storage"
	case classConsistency:
		return "consistency"
	case classTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// classify maps err to a recovery strategy, preferring wrapped sentinels over message matching.
func classify(err error) errorClass {
	switch {
	case errors.Is(err, ErrLockContention):
		return classSnapshot
	case errors.Is(err, ErrStoreIO):
		return classStorage
	case errors.Is(err, ErrConsistency):
		return classConsistency
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return classTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "snapshot", "lock"):
		return classSnapshot
	case containsAny(msg, "database", "storage", "datastore", "badger", "i/o"):
		return classStorage
	case containsAny(msg, "consistency", "validation"):
		return classConsistency
	case containsAny(msg, "timeout", "deadline"):
		return classTimeout
	default:
		return classUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// RecoveryStats are the counters of an ErrorRecoveryManager.
type RecoveryStats struct {
	TotalRecoveries      uint64 `json:"total_recoveries"`
	SnapshotRecoveries   uint64 `json:"snapshot_recoveries"`
	PhaseRollbacks       uint64 `json:"phase_rollbacks"`
	RetryAttempts        uint64 `json:"retry_attempts"`
	SuccessfulRecoveries uint64 `json:"successful_recoveries"`
	FailedRecoveries     uint64 `json:"failed_recoveries"`
}

// HealthStatus is the outcome of CheckSystemHealth.
type HealthStatus struct {
	Healthy          bool   `json:"healthy"`
	SnapshotPresent  bool   `json:"snapshot_present"`
	ConsistencyOK    bool   `json:"consistency_ok"`
	RecentRecoveries int    `json:"recent_recoveries"`
	DecodeFailures   uint64 `json:"decode_failures"`
}

// ErrorRecoveryManager retries GC phases and runs a recovery strategy between attempts.
type ErrorRecoveryManager struct {
	cfg       RecoveryConfig
	snapshots *AtomicSnapshotManager
	phases    *PhaseMachine
	clock     clock.Clock
	// readOnly disables phase rollbacks, used for dry-run cycles.
	readOnly bool
	metrics  *metrics

	totalRecoveries      atomic.Uint64
	snapshotRecoveries   atomic.Uint64
	phaseRollbacks       atomic.Uint64
	retryAttempts        atomic.Uint64
	successfulRecoveries atomic.Uint64
	failedRecoveries     atomic.Uint64
	decodeFailures       atomic.Uint64

	lk     sync.Mutex
	recent []time.Time
}

func NewErrorRecoveryManager(
	cfg RecoveryConfig,
	snapshots *AtomicSnapshotManager,
	phases *PhaseMachine,
	clk clock.Clock,
) *ErrorRecoveryManager {
	return &ErrorRecoveryManager{
		cfg:       cfg,
		snapshots: snapshots,
		phases:    phases,
		clock:     clk,
	}
}

// ExecutePhaseWithRecovery runs op until it succeeds or MaxPhaseRetries attempts failed.
// Fatal errors and context cancellation are returned immediately. Exhaustion yields *PhaseError.
func ExecutePhaseWithRecovery[T any](
	ctx context.Context,
	m *ErrorRecoveryManager,
	phase PrunePhase,
	op func(context.Context) (T, error),
) (T, error) {
	var (
		zero    T
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= m.cfg.MaxPhaseRetries; attempt++ {
		m.retryAttempts.Add(1)
		log.Infow("executing phase", "phase", phase, "attempt", attempt, "max_attempts", m.cfg.MaxPhaseRetries)

		res, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				m.successfulRecoveries.Add(1)
				log.Infow("phase succeeded after retry", "phase", phase, "attempt", attempt)
			}
			return res, nil
		}
		lastErr = err
		if isFatal(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, errors.Join(err, ctx.Err())
		}

		log.Warnw("phase attempt failed", "phase", phase, "attempt", attempt, "err", err)
		m.metrics.observeRetry(ctx, phase)
		if rerr := m.recover(ctx, phase, err); rerr != nil {
			log.Errorw("recovery failed, retrying anyway", "phase", phase, "err", rerr)
		}

		if attempt < m.cfg.MaxPhaseRetries {
			delay := m.retryDelay(attempt)
			log.Infow("waiting before retry", "phase", phase, "delay", delay, "next_attempt", attempt+1)
			if err := m.sleep(ctx, delay); err != nil {
				return zero, errors.Join(lastErr, err)
			}
		}
	}

	m.failedRecoveries.Add(1)
	return zero, &PhaseError{Phase: phase, Attempts: attempt - 1, Err: lastErr}
}

// retryDelay is base*multiplier^(attempt-1) with jitter, clamped to [base, max].
func (m *ErrorRecoveryManager) retryDelay(attempt int) time.Duration {
	exp := float64(m.cfg.BaseRetryDelay) * math.Pow(m.cfg.BackoffMultiplier, float64(attempt-1))
	jittered := exp * (1 - jitterFraction + rand.Float64()*2*jitterFraction) //nolint:gosec
	if jittered > float64(m.cfg.MaxRetryDelay) {
		return m.cfg.MaxRetryDelay
	}
	return max(time.Duration(jittered), m.cfg.BaseRetryDelay)
}

func (m *ErrorRecoveryManager) recover(ctx context.Context, phase PrunePhase, cause error) error {
	m.totalRecoveries.Add(1)
	m.lk.Lock()
	m.recent = append(m.recent, m.clock.Now())
	m.lk.Unlock()

	class := classify(cause)
	m.metrics.observeRecovery(ctx, phase, class)
	log.Infow("attempting recovery", "phase", phase, "class", class, "cause", cause)

	switch class {
	case classSnapshot:
		return m.recoverSnapshot(ctx, phase)
	case classStorage:
		return m.sleep(ctx, m.cfg.StoragePause)
	case classConsistency:
		return m.recoverConsistency(ctx, phase)
	case classTimeout:
		return m.sleep(ctx, m.cfg.TimeoutPause)
	default:
		return m.recoverDefault(ctx, phase)
	}
}

func (m *ErrorRecoveryManager) recoverSnapshot(ctx context.Context, phase PrunePhase) error {
	if !m.cfg.EnableSnapshotRecovery {
		log.Warn("snapshot recovery is disabled")
		return m.recoverDefault(ctx, phase)
	}
	m.snapshotRecoveries.Add(1)

	if err := m.snapshots.ReleaseSnapshot(phase); err != nil {
		log.Warnw("releasing snapshot during recovery", "phase", phase, "err", err)
	}
	if err := m.snapshots.ClearSnapshot(ctx); err != nil {
		log.Warnw("clearing snapshot during recovery", "phase", phase, "err", err)
	}
	if err := m.sleep(ctx, m.cfg.SnapshotSettlePause); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SnapshotRecoveryTimeout)
	defer cancel()
	if _, err := m.snapshots.CreateSnapshot(ctx, phase); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: recreating snapshot: %w", ErrTimeout, err)
		}
		return fmt.Errorf("recreating snapshot: %w", err)
	}
	// the retried attempt takes its own lock
	return m.snapshots.ReleaseSnapshot(phase)
}

func (m *ErrorRecoveryManager) recoverConsistency(ctx context.Context, phase PrunePhase) error {
	if m.cfg.EnablePhaseRollback {
		if err := m.rollback(ctx, phase); err != nil {
			return err
		}
	}
	if err := m.sleep(ctx, m.cfg.ConsistencyPause); err != nil {
		return err
	}

	ok, err := m.snapshots.ValidatePhaseConsistency(ctx)
	if err != nil {
		return err
	}
	log.Infow("consistency re-validated", "phase", phase, "consistent", ok)
	return nil
}

func (m *ErrorRecoveryManager) recoverDefault(ctx context.Context, phase PrunePhase) error {
	if err := m.sleep(ctx, m.cfg.DefaultPause); err != nil {
		return err
	}
	if !m.cfg.EnablePhaseRollback {
		return nil
	}
	return m.rollback(ctx, phase)
}

func (m *ErrorRecoveryManager) rollback(ctx context.Context, phase PrunePhase) error {
	if err := m.snapshots.ReleaseSnapshot(phase); err != nil {
		log.Debugw("releasing snapshot before rollback", "phase", phase, "err", err)
	}
	if m.readOnly {
		log.Infow("skipping phase rollback in dry-run", "phase", phase)
		return nil
	}
	if phase == PhaseBuildReach && m.phases.Current() == PhaseBuildReach {
		return nil
	}

	m.phaseRollbacks.Add(1)
	log.Infow("rolling back phase", "from", phase, "to", PhaseBuildReach)
	return m.phases.Rollback(ctx)
}

func (m *ErrorRecoveryManager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := m.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reportDecodeFailures records undecodable nodes seen by a cycle so that health reports them.
func (m *ErrorRecoveryManager) reportDecodeFailures(n uint64) {
	m.decodeFailures.Add(n)
}

func (m *ErrorRecoveryManager) recentRecoveries() int {
	m.lk.Lock()
	defer m.lk.Unlock()

	cutoff := m.clock.Now().Add(-recoveryWindow)
	i := 0
	for i < len(m.recent) && m.recent[i].Before(cutoff) {
		i++
	}
	m.recent = m.recent[i:]
	return len(m.recent)
}

func (m *ErrorRecoveryManager) Stats() RecoveryStats {
	return RecoveryStats{
		TotalRecoveries:      m.totalRecoveries.Load(),
		SnapshotRecoveries:   m.snapshotRecoveries.Load(),
		PhaseRollbacks:       m.phaseRollbacks.Load(),
		RetryAttempts:        m.retryAttempts.Load(),
		SuccessfulRecoveries: m.successfulRecoveries.Load(),
		FailedRecoveries:     m.failedRecoveries.Load(),
	}
}

// CheckSystemHealth is healthy with a current consistent snapshot and few recent recoveries.
// Decode failures are reported without affecting health.
func (m *ErrorRecoveryManager) CheckSystemHealth(ctx context.Context) HealthStatus {
	status := HealthStatus{
		SnapshotPresent:  m.snapshots.Current() != nil,
		RecentRecoveries: m.recentRecoveries(),
		DecodeFailures:   m.decodeFailures.Load(),
	}
	ok, err := m.snapshots.ValidatePhaseConsistency(ctx)
	if err != nil {
		log.Warnw("validating consistency for health check", "err", err)
	}
	status.ConsistencyOK = ok && err == nil
	status.Healthy = status.SnapshotPresent && status.ConsistencyOK &&
		status.RecentRecoveries < maxRecentRecoveries

	if !status.Healthy {
		log.Warnw("system health check failed",
			"snapshot_present", status.SnapshotPresent,
			"consistency_ok", status.ConsistencyOK,
			"recent_recoveries", status.RecentRecoveries,
		)
	}
	if status.DecodeFailures > 0 {
		log.Warnw("undecodable nodes seen", "count", status.DecodeFailures)
	}
	return status
}

// EnsureSystemHealth recreates the snapshot when the system is unhealthy.
func (m *ErrorRecoveryManager) EnsureSystemHealth(ctx context.Context) error {
	if m.CheckSystemHealth(ctx).Healthy {
		return nil
	}
	log.Info("attempting to restore system health")

	if err := m.snapshots.ClearSnapshot(ctx); err != nil {
		log.Warnw("clearing snapshot for health recovery", "err", err)
	}
	if err := m.sleep(ctx, m.cfg.HealthPause); err != nil {
		return err
	}
	if _, err := m.snapshots.CreateSnapshot(ctx, PhaseBuildReach); err != nil {
		return fmt.Errorf("restoring system health: %w", err)
	}
	return m.snapshots.ReleaseSnapshot(PhaseBuildReach)
}

// Shutdown releases every lock and clears the snapshot.
func (m *ErrorRecoveryManager) Shutdown(ctx context.Context) error {
	m.snapshots.releaseAll()
	if err := m.snapshots.ClearSnapshot(ctx); err != nil {
		return fmt.Errorf("clearing snapshot on shutdown: %w", err)
	}
	log.Info("error recovery manager shut down")
	return nil
}

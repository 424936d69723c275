package pruner

import (
	"context"
	"errors"
	"fmt"

	"github.com/celestiaorg/celestia-state-gc/smt"
	"github.com/celestiaorg/celestia-state-gc/store"
)

// RootResolver selects the state roots a cycle protects and the ones it sweeps.
type RootResolver interface {
	// ProtectedRoots returns up to count of the most recent roots, newest first.
	ProtectedRoots(ctx context.Context, count int) ([]smt.StateRoot, error)
	// ExpiredRoots returns the roots older than the protected ones.
	ExpiredRoots(ctx context.Context, protected []smt.StateRoot) ([]smt.StateRoot, error)
}

// History is the root history the HistoryResolver reads from.
type History interface {
	Recent(ctx context.Context, n int) ([]smt.StateRoot, error)
	Range(ctx context.Context, from, to uint64) ([]smt.StateRoot, error)
}

// HistoryResolver protects the most recent roots of the history and expires every older one.
type HistoryResolver struct {
	history History
}

func NewHistoryResolver(history History) *HistoryResolver {
	return &HistoryResolver{history: history}
}

func (r *HistoryResolver) ProtectedRoots(ctx context.Context, count int) ([]smt.StateRoot, error) {
	roots, err := r.history.Recent(ctx, count)
	if err != nil && !errors.Is(err, store.ErrNoRoots) {
		return nil, fmt.Errorf("%w: reading recent roots: %w", ErrStoreIO, err)
	}
	return roots, nil
}

func (r *HistoryResolver) ExpiredRoots(ctx context.Context, protected []smt.StateRoot) ([]smt.StateRoot, error) {
	if len(protected) == 0 {
		return nil, nil
	}
	oldest := protected[0].TxOrder
	for _, root := range protected[1:] {
		oldest = min(oldest, root.TxOrder)
	}

	roots, err := r.history.Range(ctx, 0, oldest)
	if err != nil {
		return nil, fmt.Errorf("%w: reading roots below %d: %w", ErrStoreIO, oldest, err)
	}
	return roots, nil
}

// StaticResolver serves fixed root lists.
type StaticResolver struct {
	Protected []smt.StateRoot
	Expired   []smt.StateRoot
}

func (r *StaticResolver) ProtectedRoots(_ context.Context, count int) ([]smt.StateRoot, error) {
	return r.Protected[:min(count, len(r.Protected))], nil
}

func (r *StaticResolver) ExpiredRoots(context.Context, []smt.StateRoot) ([]smt.StateRoot, error) {
	return r.Expired, nil
}

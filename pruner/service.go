package pruner

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Service runs GC cycles in the background every PruneCycle.
type Service struct {
	gc     *GarbageCollector
	params *Params

	cancel   context.CancelFunc
	stopping chan struct{}
	done     chan struct{}

	lk   sync.Mutex
	last *GCReport
	// lastErr is the error of the last failed cycle, cleared by a successful one.
	lastErr error
}

// NewService creates the background GC service. A background cycle can not be confirmed
// interactively, so it needs SkipConfirm, ForceExecution or DryRun.
func NewService(gc *GarbageCollector) (*Service, error) {
	if gc.params.confirmationRequired() {
		return nil, fmt.Errorf("%w: background GC needs SkipConfirm or DryRun", ErrConfiguration)
	}
	if gc.params.PruneCycle <= 0 {
		return nil, fmt.Errorf("%w: invalid GC cycle %s", ErrConfiguration, gc.params.PruneCycle)
	}
	return &Service{
		gc:     gc,
		params: gc.params,
	}, nil
}

func (s *Service) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopping = make(chan struct{})
	s.done = make(chan struct{})
	s.gc.resume()

	go s.run(ctx)
	return nil
}

// Stop interrupts the running cycle and waits for it to checkpoint.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.gc.Stop()
	close(s.stopping)

	select {
	case <-s.done:
	case <-ctx.Done():
		s.cancel()
		<-s.done
		s.cancel = nil
		return ctx.Err()
	}
	s.cancel()
	s.cancel = nil
	return nil
}

// LastReport returns the report of the last successful cycle and the error of the last cycle
// if it failed.
func (s *Service) LastReport() (*GCReport, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.last, s.lastErr
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := s.gc.clock.Ticker(s.params.PruneCycle)
	defer ticker.Stop()

	for {
		s.cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.stopping:
			return
		case <-ticker.C:
			if s.gc.stop.Load() {
				return
			}
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	report, err := s.gc.ExecuteGC(ctx)

	s.lk.Lock()
	defer s.lk.Unlock()
	switch {
	case err == nil:
		s.last, s.lastErr = report, nil
	case errors.Is(err, context.Canceled):
		log.Debugw("GC cycle cancelled", "err", err)
	default:
		s.lastErr = err
		log.Errorw("GC cycle failed", "err", err)
	}
}

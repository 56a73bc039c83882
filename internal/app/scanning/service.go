package scanning

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domain "github.com/sentinelsec/sentinel/internal/domain/scanning"
)

// Service is the facade the transport layer talks to. It owns the lifetime of
// every scan run: registration, the background execution goroutine, the stop
// path, and the terminal transition once all workers have exited.
type Service struct {
	registry *Registry
	orch     *Orchestrator
	mirror   domain.Mirror
	logger   *zap.Logger
	metrics  *Metrics

	stateOpts []domain.Option

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService assembles the scan service. stateOpts are applied to every scan
// state the service creates.
func NewService(
	registry *Registry,
	orch *Orchestrator,
	mirror domain.Mirror,
	logger *zap.Logger,
	metrics *Metrics,
	stateOpts ...domain.Option,
) *Service {
	return &Service{
		registry:  registry,
		orch:      orch,
		mirror:    mirror,
		logger:    logger.Named("scan_service"),
		metrics:   metrics,
		stateOpts: stateOpts,
		cancels:   make(map[uuid.UUID]context.CancelFunc),
	}
}

// StartScan creates a scan for the target with the given roles (the full
// default roster when empty), registers it, and starts execution in the
// background. The returned snapshot reflects the freshly started scan.
func (s *Service) StartScan(ctx context.Context, target string, roles []domain.WorkerRole) (domain.ScanSnapshot, error) {
	if len(roles) == 0 {
		roles = domain.DefaultRoster()
	}
	specs := make([]domain.WorkerSpec, len(roles))
	for i, role := range roles {
		specs[i] = domain.WorkerSpec{ID: i + 1, Role: role}
	}

	state, err := domain.NewScanState(uuid.New(), target, specs, s.stateOpts...)
	if err != nil {
		return domain.ScanSnapshot{}, fmt.Errorf("creating scan state: %w", err)
	}
	if err := s.registry.Register(state); err != nil {
		return domain.ScanSnapshot{}, fmt.Errorf("registering scan: %w", err)
	}

	s.mirror.RecordStatus(ctx, state.ID().String(), target, domain.ScanStatusRunning)
	s.metrics.ScansStarted.Inc()
	s.metrics.ActiveScans.Inc()
	s.logger.Info("scan started",
		zap.String("scan_id", state.ID().String()),
		zap.String("target", target),
		zap.Int("workers", len(specs)),
	)

	// The run outlives the start request; it is cancelled by StopScan or
	// service shutdown, never by the caller's context.
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[state.ID()] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.orch.Execute(runCtx, state)
		s.finish(state)
	}()

	return state.Snapshot(), nil
}

// finish completes the scan if it is still running once every worker has been
// dealt with, then releases the run's cancel handle.
func (s *Service) finish(state *domain.ScanState) {
	ctx := context.Background()
	if rec, ok := state.Complete(); ok {
		s.metrics.EventsIngested.WithLabelValues(rec.Type.String()).Inc()
		s.metrics.ScansFinished.WithLabelValues(string(domain.ScanStatusCompleted)).Inc()
		s.mirror.RecordEvent(ctx, rec)
		s.mirror.RecordStatus(ctx, state.ID().String(), state.Target(), domain.ScanStatusCompleted)

		completed, total := state.CompletedWorkers()
		s.logger.Info("scan completed",
			zap.String("scan_id", state.ID().String()),
			zap.Int("completed_workers", completed),
			zap.Int("total_workers", total),
			zap.Int("findings", len(state.Findings())),
		)
	}
	s.metrics.ActiveScans.Dec()
	s.releaseCancel(state.ID())
}

// StopScan cancels a running scan: the terminal scan.stopped event is
// broadcast first, then every worker process is killed. Stopping a scan that
// already reached a terminal status is a no-op.
func (s *Service) StopScan(ctx context.Context, id uuid.UUID) (domain.ScanSnapshot, error) {
	state, err := s.registry.Get(id)
	if err != nil {
		return domain.ScanSnapshot{}, err
	}

	if rec, ok := state.Stop(); ok {
		s.metrics.EventsIngested.WithLabelValues(rec.Type.String()).Inc()
		s.metrics.ScansFinished.WithLabelValues(string(domain.ScanStatusStopped)).Inc()
		s.mirror.RecordEvent(ctx, rec)
		s.mirror.RecordStatus(ctx, id.String(), state.Target(), domain.ScanStatusStopped)
		s.cancelRun(id)
		s.logger.Info("scan stopped", zap.String("scan_id", id.String()))
	}
	return state.Snapshot(), nil
}

// GetScan returns a point-in-time snapshot of the scan.
func (s *Service) GetScan(id uuid.UUID) (domain.ScanSnapshot, error) {
	state, err := s.registry.Get(id)
	if err != nil {
		return domain.ScanSnapshot{}, err
	}
	return state.Snapshot(), nil
}

// ListScans returns a snapshot of every registered scan.
func (s *Service) ListScans() []domain.ScanSnapshot {
	states := s.registry.List()
	out := make([]domain.ScanSnapshot, 0, len(states))
	for _, state := range states {
		out = append(out, state.Snapshot())
	}
	return out
}

// Subscribe attaches to a scan's event stream: the replay slice covers
// everything up to the join, the channel everything after. The returned
// cancel must be called when the subscriber goes away.
func (s *Service) Subscribe(id uuid.UUID) ([]domain.EventRecord, <-chan domain.EventRecord, func(), error) {
	state, err := s.registry.Get(id)
	if err != nil {
		return nil, nil, nil, err
	}
	replay, live, cancel := state.Subscribe()
	s.metrics.Subscribers.Inc()

	var once sync.Once
	wrapped := func() {
		once.Do(func() {
			cancel()
			s.metrics.Subscribers.Dec()
		})
	}
	return replay, live, wrapped, nil
}

// EvictScan removes a terminal scan from the registry. Running scans are
// refused.
func (s *Service) EvictScan(id uuid.UUID) error {
	state, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if !state.Status().IsTerminal() {
		return fmt.Errorf("scan %s is still running", id)
	}
	s.registry.Evict(id)
	return nil
}

// Shutdown stops every running scan and waits for their run goroutines, up to
// ctx's deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, state := range s.registry.List() {
		if !state.Status().IsTerminal() {
			if _, err := s.StopScan(ctx, state.ID()); err != nil {
				s.logger.Warn("stopping scan during shutdown",
					zap.String("scan_id", state.ID().String()), zap.Error(err))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scan runs to finish: %w", ctx.Err())
	}
}

func (s *Service) cancelRun(id uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Service) releaseCancel(id uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

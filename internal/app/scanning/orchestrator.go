package scanning

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	domain "github.com/sentinelsec/sentinel/internal/domain/scanning"
	"github.com/sentinelsec/sentinel/internal/infra/protocol"
	"github.com/sentinelsec/sentinel/pkg/common"
)

// CommandSet resolves the command line used to launch a worker of a given
// role. The zero Default is invalid; per-role overrides win over it.
type CommandSet struct {
	Default []string
	PerRole map[domain.WorkerRole][]string
}

// Argv returns the launch command for a role, with the role appended as the
// final argument so a shared harness binary knows what to run.
func (c CommandSet) Argv(role domain.WorkerRole) []string {
	base := c.Default
	if override, ok := c.PerRole[role]; ok {
		base = override
	}
	argv := make([]string, 0, len(base)+1)
	argv = append(argv, base...)
	argv = append(argv, string(role))
	return argv
}

// Orchestrator executes one scan's worker plan in three linear phases:
// mapping first (the spider builds the surface every other worker probes),
// then the non-LLM workers in parallel, then the LLM-bound workers strictly
// sequentially behind a shared rate limiter. A worker failing at any point
// never fails the scan; the failure becomes an event and the phase moves on.
type Orchestrator struct {
	launcher  domain.WorkerLauncher
	mirror    domain.Mirror
	commands  CommandSet
	limiter   *common.RateLimiter
	lineLimit int

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
}

// NewOrchestrator assembles an orchestrator. The limiter gates the
// rate-limited phase across every concurrent scan.
func NewOrchestrator(
	launcher domain.WorkerLauncher,
	mirror domain.Mirror,
	commands CommandSet,
	limiter *common.RateLimiter,
	lineLimit int,
	logger *zap.Logger,
	tracer trace.Tracer,
	metrics *Metrics,
) *Orchestrator {
	return &Orchestrator{
		launcher:  launcher,
		mirror:    mirror,
		commands:  commands,
		limiter:   limiter,
		lineLimit: lineLimit,
		logger:    logger.Named("orchestrator"),
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Execute runs all three phases for the scan and returns when every worker
// has been dealt with or ctx is cancelled. It does not finalize the scan;
// the service owns the terminal transition.
func (o *Orchestrator) Execute(ctx context.Context, state *domain.ScanState) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute_scan",
		trace.WithAttributes(attribute.String("scan_id", state.ID().String())))
	defer span.End()

	logger := o.logger.With(zap.String("scan_id", state.ID().String()))
	phases := domain.PartitionPhases(state.Roster())

	for _, spec := range phases[domain.PhaseMapping] {
		o.runWorker(ctx, state, spec)
	}
	if ctx.Err() != nil {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range phases[domain.PhaseParallel] {
		spec := spec
		g.Go(func() error {
			o.runWorker(gctx, state, spec)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return
	}

	for _, spec := range phases[domain.PhaseRateLimited] {
		if err := o.limiter.Wait(ctx); err != nil {
			logger.Debug("rate-limited phase interrupted", zap.Error(err))
			return
		}
		o.runWorker(ctx, state, spec)
		if ctx.Err() != nil {
			return
		}
	}
}

// runWorker spawns one worker, drains its protocol stream into the scan
// state, and records its exit. Spawn failures and crashes degrade to events;
// the worker is always marked exited so completion can be decided.
func (o *Orchestrator) runWorker(ctx context.Context, state *domain.ScanState, spec domain.WorkerSpec) {
	scanID := state.ID().String()
	ctx, span := o.tracer.Start(ctx, "orchestrator.run_worker", trace.WithAttributes(
		attribute.String("scan_id", scanID),
		attribute.Int("worker_id", spec.ID),
		attribute.String("role", string(spec.Role)),
	))
	defer span.End()

	logger := o.logger.With(
		zap.String("scan_id", scanID),
		zap.Int("worker_id", spec.ID),
		zap.String("role", string(spec.Role)),
	)
	decoder := protocol.NewDecoder(scanID, spec.ID, spec.Role)

	proc, err := o.launcher.Launch(ctx, domain.WorkerLaunch{
		ScanID: scanID,
		Spec:   spec,
		Target: state.Target(),
		Argv:   o.commands.Argv(spec.Role),
	})
	if err != nil {
		logger.Error("worker spawn failed", zap.Error(err))
		o.metrics.WorkerFailures.WithLabelValues("spawn_error").Inc()
		o.apply(ctx, state, domain.NewEventRecord(
			domain.EventKindSpawnError, spec.ID, string(spec.Role), scanID,
			map[string]any{"error": err.Error()},
		))
		state.MarkWorkerExited(spec.ID)
		return
	}
	o.metrics.WorkersSpawned.Inc()

	for {
		line, err := proc.NextLine()
		if err == nil {
			o.apply(ctx, state, decoder.Decode(line))
			continue
		}
		if errors.Is(err, protocol.ErrOversizedLine) {
			logger.Warn("oversized protocol line discarded", zap.Int("limit", o.lineLimit))
			o.apply(ctx, state, decoder.Oversized(o.lineLimit))
			continue
		}
		if !errors.Is(err, io.EOF) {
			logger.Error("reading worker output", zap.Error(err))
		}
		break
	}

	code, err := proc.Wait()
	if err != nil {
		logger.Error("waiting for worker", zap.Error(err))
	}
	if code != 0 {
		logger.Warn("worker exited abnormally", zap.Int("exit_code", code))
		o.metrics.WorkerFailures.WithLabelValues("crashed").Inc()
		o.apply(ctx, state, domain.NewEventRecord(
			domain.EventKindWorkerCrashed, spec.ID, string(spec.Role), scanID,
			map[string]any{"exitCode": code},
		))
	}
	state.MarkWorkerExited(spec.ID)
}

// apply feeds one record through the scan state and mirrors whatever the
// state accepted.
func (o *Orchestrator) apply(ctx context.Context, state *domain.ScanState, rec domain.EventRecord) {
	out := state.Append(rec)
	if !out.Accepted {
		return
	}
	rec.Seq = out.Seq

	o.metrics.EventsIngested.WithLabelValues(rec.Type.String()).Inc()
	o.mirror.RecordEvent(ctx, rec)
	if out.Finding != nil {
		o.metrics.Findings.WithLabelValues(string(out.Finding.Severity)).Inc()
		o.mirror.RecordFinding(ctx, rec.ScanID, rec.Seq, *out.Finding)
	}
}

// Package postgres persists the durable mirror of in-memory scan state. The
// mirror is strictly best-effort: writes are queued to a background writer and
// dropped under sustained backlog, so a slow or absent database can never
// stall a running scan.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sentinelsec/sentinel/internal/domain/scanning"
	"github.com/sentinelsec/sentinel/internal/infra/storage"
)

var _ scanning.Mirror = (*Mirror)(nil)

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const (
	writeQueueSize = 4096
	writeTimeout   = 5 * time.Second
)

// ConnectWithRetry establishes the postgres pool with exponential backoff.
// It retries failed connection attempts for up to 2 minutes, which covers the
// database coming up after the orchestrator in containerized deployments.
func ConnectWithRetry(ctx context.Context, dsn string, logger *zap.Logger) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error {
		var err error
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			logger.Warn("postgres not ready, retrying", zap.Error(err))
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres after retries: %w", err)
	}
	return pool, nil
}

// Mirror shadows scan state into postgres. Every write is keyed by
// (scan_id, seq) with ON CONFLICT DO NOTHING, so at-least-once delivery from
// the orchestrator collapses to exactly-once rows.
type Mirror struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger

	ops       chan func(ctx context.Context)
	writerWG  sync.WaitGroup
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewMirror creates the postgres mirror and starts its background writer.
func NewMirror(pool *pgxpool.Pool, tracer trace.Tracer, logger *zap.Logger) *Mirror {
	m := &Mirror{
		pool:   pool,
		tracer: tracer,
		logger: logger,
		ops:    make(chan func(ctx context.Context), writeQueueSize),
	}
	m.writerWG.Add(1)
	go m.writeLoop()
	return m
}

func (m *Mirror) writeLoop() {
	defer m.writerWG.Done()
	for op := range m.ops {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		op(ctx)
		cancel()
	}
}

// enqueue hands a write to the background writer, dropping it when the queue
// is full. The caller is on the scan's hot path and must never block here.
func (m *Mirror) enqueue(op func(ctx context.Context)) {
	select {
	case m.ops <- op:
	default:
		if n := m.dropped.Add(1); n%1000 == 1 {
			m.logger.Warn("mirror write queue full, dropping records", zap.Int64("dropped_total", n))
		}
	}
}

// Dropped returns the number of records discarded due to writer backlog.
func (m *Mirror) Dropped() int64 { return m.dropped.Load() }

// RecordEvent mirrors one event record.
func (m *Mirror) RecordEvent(_ context.Context, rec scanning.EventRecord) {
	m.enqueue(func(ctx context.Context) {
		data, err := json.Marshal(rec.Data)
		if err != nil {
			m.logger.Warn("marshaling event payload for mirror", zap.Error(err))
			data = []byte("{}")
		}

		dbAttrs := append(
			defaultDBAttributes,
			attribute.String("scan_id", rec.ScanID),
			attribute.Int64("seq", rec.Seq),
			attribute.String("kind", rec.Type.String()),
		)

		err = storage.ExecuteAndTrace(ctx, m.tracer, "postgres.record_event", dbAttrs, func(ctx context.Context) error {
			_, err := m.pool.Exec(ctx, `
				INSERT INTO scan_events (scan_id, seq, kind, worker_id, role, data, emitted_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (scan_id, seq) DO NOTHING
			`, rec.ScanID, rec.Seq, rec.Type.String(), rec.WorkerID, rec.Role, data, rec.Time())
			if err != nil {
				return fmt.Errorf("insert scan event error: %w", err)
			}
			return nil
		})
		if err != nil {
			m.logger.Warn("mirroring event", zap.String("scan_id", rec.ScanID), zap.Error(err))
		}
	})
}

// RecordFinding mirrors one extracted finding.
func (m *Mirror) RecordFinding(_ context.Context, scanID string, seq int64, f scanning.Finding) {
	m.enqueue(func(ctx context.Context) {
		dbAttrs := append(
			defaultDBAttributes,
			attribute.String("scan_id", scanID),
			attribute.String("severity", string(f.Severity)),
		)

		err := storage.ExecuteAndTrace(ctx, m.tracer, "postgres.record_finding", dbAttrs, func(ctx context.Context) error {
			_, err := m.pool.Exec(ctx, `
				INSERT INTO findings (scan_id, seq, category, severity, location, evidence, remediation)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (scan_id, seq) DO NOTHING
			`, scanID, seq, f.Category, string(f.Severity), f.Location, f.Evidence, f.Remediation)
			if err != nil {
				return fmt.Errorf("insert finding error: %w", err)
			}
			return nil
		})
		if err != nil {
			m.logger.Warn("mirroring finding", zap.String("scan_id", scanID), zap.Error(err))
		}
	})
}

// RecordStatus mirrors the scan row and its current status.
func (m *Mirror) RecordStatus(_ context.Context, scanID, target string, status scanning.ScanStatus) {
	m.enqueue(func(ctx context.Context) {
		dbAttrs := append(
			defaultDBAttributes,
			attribute.String("scan_id", scanID),
			attribute.String("status", string(status)),
		)

		err := storage.ExecuteAndTrace(ctx, m.tracer, "postgres.record_status", dbAttrs, func(ctx context.Context) error {
			_, err := m.pool.Exec(ctx, `
				INSERT INTO scans (id, target, status, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
			`, scanID, target, string(status))
			if err != nil {
				return fmt.Errorf("upsert scan status error: %w", err)
			}
			return nil
		})
		if err != nil {
			m.logger.Warn("mirroring scan status", zap.String("scan_id", scanID), zap.Error(err))
		}
	})
}

// Close stops accepting writes, drains the queue, and waits for the writer.
// Callers must stop producing records before closing.
func (m *Mirror) Close() error {
	m.closeOnce.Do(func() { close(m.ops) })
	m.writerWG.Wait()
	return nil
}

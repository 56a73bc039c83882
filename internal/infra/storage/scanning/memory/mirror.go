// Package memory provides an in-memory mirror used in tests and when no
// database is configured.
package memory

import (
	"context"
	"sync"

	"github.com/sentinelsec/sentinel/internal/domain/scanning"
)

var _ scanning.Mirror = (*Mirror)(nil)

// Mirror keeps mirrored records in process memory. Duplicate (scanID, seq)
// pairs are ignored, matching the idempotent upsert semantics of the postgres
// implementation.
type Mirror struct {
	mu       sync.Mutex
	events   map[string]map[int64]scanning.EventRecord
	findings map[string]map[int64]scanning.Finding
	statuses map[string]scanning.ScanStatus
}

// NewMirror creates an empty in-memory mirror.
func NewMirror() *Mirror {
	return &Mirror{
		events:   make(map[string]map[int64]scanning.EventRecord),
		findings: make(map[string]map[int64]scanning.Finding),
		statuses: make(map[string]scanning.ScanStatus),
	}
}

// RecordEvent mirrors one event record.
func (m *Mirror) RecordEvent(_ context.Context, rec scanning.EventRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byScan, ok := m.events[rec.ScanID]
	if !ok {
		byScan = make(map[int64]scanning.EventRecord)
		m.events[rec.ScanID] = byScan
	}
	if _, exists := byScan[rec.Seq]; !exists {
		byScan[rec.Seq] = rec
	}
}

// RecordFinding mirrors one extracted finding.
func (m *Mirror) RecordFinding(_ context.Context, scanID string, seq int64, f scanning.Finding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byScan, ok := m.findings[scanID]
	if !ok {
		byScan = make(map[int64]scanning.Finding)
		m.findings[scanID] = byScan
	}
	if _, exists := byScan[seq]; !exists {
		byScan[seq] = f
	}
}

// RecordStatus mirrors the scan row and its current status.
func (m *Mirror) RecordStatus(_ context.Context, scanID, _ string, status scanning.ScanStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[scanID] = status
}

// Close is a no-op for the in-memory mirror.
func (m *Mirror) Close() error { return nil }

// Events returns the mirrored events for a scan keyed by sequence.
func (m *Mirror) Events(scanID string) map[int64]scanning.EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]scanning.EventRecord, len(m.events[scanID]))
	for seq, rec := range m.events[scanID] {
		out[seq] = rec
	}
	return out
}

// Findings returns the mirrored findings for a scan keyed by sequence.
func (m *Mirror) Findings(scanID string) map[int64]scanning.Finding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]scanning.Finding, len(m.findings[scanID]))
	for seq, f := range m.findings[scanID] {
		out[seq] = f
	}
	return out
}

// Status returns the mirrored status for a scan.
func (m *Mirror) Status(scanID string) scanning.ScanStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[scanID]
}

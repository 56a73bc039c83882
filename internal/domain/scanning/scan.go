// Package scanning contains the domain model for scan orchestration: the
// scan lifecycle state machine, the worker roster and its phase
// classification, the event log, and finding extraction. All mutations to one
// scan's state are linearized through the aggregate's single mutex so that
// readers never observe a finding without its event, or a completion count
// out of order with the event that advanced it.
package scanning

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultPayloadCap bounds the total bytes of raw worker payload
	// retained in memory for replay before old payloads are truncated.
	defaultPayloadCap = 256 << 20

	// defaultSubscriberBuffer is the per-subscriber channel capacity.
	// A subscriber that falls this far behind is dropped.
	defaultSubscriberBuffer = 256

	// largePayloadBytes is the threshold above which an event's payload is
	// considered low-value bulk data (screenshots, dumps) and eligible for
	// truncation under memory pressure.
	largePayloadBytes = 64 << 10
)

// ScanState is the mutable, concurrency-safe aggregate for one scan run. It
// owns the worker roster, the append-only event log, the accumulated
// findings, the completion counters, and the live subscriber set.
//
// The orchestrator that created a ScanState is its only writer; every other
// component reads through synchronized accessors.
type ScanState struct {
	mu sync.Mutex

	id     uuid.UUID
	target string

	workers   map[int]*workerInfo
	events    []EventRecord
	findings  []Finding
	status    ScanStatus
	completed int

	startedAt time.Time
	endedAt   time.Time

	nextSeq      int64
	payloadBytes int64
	payloadCap   int64
	truncateFrom int

	subs      map[uint64]chan EventRecord
	nextSub   uint64
	subBuffer int
}

// Option configures a ScanState at creation time.
type Option func(*ScanState)

// WithPayloadCap overrides the retained-payload byte ceiling.
func WithPayloadCap(bytes int64) Option {
	return func(s *ScanState) { s.payloadCap = bytes }
}

// WithSubscriberBuffer overrides the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(s *ScanState) { s.subBuffer = n }
}

// NewScanState creates the aggregate for one scan run with its full worker
// roster. The roster is fixed at creation and never shrinks. Worker
// identifiers must be positive and unique within the scan.
func NewScanState(id uuid.UUID, target string, specs []WorkerSpec, opts ...Option) (*ScanState, error) {
	workers := make(map[int]*workerInfo, len(specs))
	for _, spec := range specs {
		if spec.ID <= 0 {
			return nil, fmt.Errorf("worker identifier must be positive, got %d", spec.ID)
		}
		if _, exists := workers[spec.ID]; exists {
			return nil, fmt.Errorf("duplicate worker identifier %d", spec.ID)
		}
		workers[spec.ID] = &workerInfo{role: spec.Role}
	}

	s := &ScanState{
		id:         id,
		target:     target,
		workers:    workers,
		status:     ScanStatusRunning,
		startedAt:  time.Now(),
		payloadCap: defaultPayloadCap,
		subs:       make(map[uint64]chan EventRecord),
		subBuffer:  defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID returns the scan's unique identifier.
func (s *ScanState) ID() uuid.UUID { return s.id }

// Target returns the opaque descriptor of what is being scanned.
func (s *ScanState) Target() string { return s.target }

// Status returns the scan's current lifecycle state.
func (s *ScanState) Status() ScanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AppendOutcome reports what a single Append mutated, so the caller can
// mirror findings and update metrics without re-deriving the event's meaning.
type AppendOutcome struct {
	// Accepted is false when the scan had already reached a terminal
	// status and the record was discarded.
	Accepted bool

	// Finding is non-nil when the record carried a finding that was
	// appended to the scan's findings.
	Finding *Finding

	// WorkerCompleted is true when the record advanced the completed
	// worker count.
	WorkerCompleted bool

	// Seq is the record's position in the global append order.
	Seq int64
}

// Append records one decoded event: it is appended to the event log,
// recognized kinds update findings and completion counters, and the record is
// fanned out to every live subscriber. All of this happens inside one
// critical section. Records arriving after the scan reached a terminal status
// are discarded.
func (s *ScanState) Append(rec EventRecord) AppendOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.IsTerminal() {
		return AppendOutcome{}
	}

	out := AppendOutcome{Accepted: true}
	out.Seq = s.appendLocked(&rec)

	switch rec.Type {
	case EventKindWorkerCompleted:
		out.WorkerCompleted = s.markCompletedLocked(rec.WorkerID)
	case EventKindFinding:
		if f, err := FindingFromEvent(rec); err == nil {
			s.findings = append(s.findings, f)
			out.Finding = &f
		}
	}

	s.broadcastLocked(rec)
	return out
}

// MarkWorkerExited records that a worker's process terminated and its output
// was fully drained. A worker that exits without having signaled completion
// still counts toward the completed worker count. Returns true when the call
// advanced the count. No-op once the scan is terminal.
func (s *ScanState) MarkWorkerExited(workerID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.IsTerminal() {
		return false
	}
	w, ok := s.workers[workerID]
	if !ok || w.exited {
		return false
	}
	w.exited = true
	return s.markCompletedLocked(workerID)
}

// AllWorkersExited reports whether every planned worker has terminated.
func (s *ScanState) AllWorkersExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if !w.exited {
			return false
		}
	}
	return true
}

// CompletedWorkers returns the number of workers that signaled completion or
// exited, and the total planned worker count.
func (s *ScanState) CompletedWorkers() (completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, len(s.workers)
}

// Complete transitions the scan to COMPLETED, appends and broadcasts the
// terminal scan.completed event, and closes every subscriber channel. The
// transition is a no-op if a STOPPED transition won the race; the returned
// bool reports whether this call performed the transition.
func (s *ScanState) Complete() (EventRecord, bool) {
	return s.finalize(ScanStatusCompleted, EventKindScanCompleted)
}

// Stop transitions the scan to STOPPED, appends and broadcasts the terminal
// scan.stopped event, and closes every subscriber channel. The first terminal
// transition wins; later calls are no-ops.
func (s *ScanState) Stop() (EventRecord, bool) {
	return s.finalize(ScanStatusStopped, EventKindScanStopped)
}

func (s *ScanState) finalize(target ScanStatus, kind EventKind) (EventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.status.ValidateTransition(target); err != nil {
		// First transition wins; the loser is a silent no-op.
		return EventRecord{}, false
	}
	s.status = target
	s.endedAt = time.Now()

	rec := NewEventRecord(kind, 0, "", s.id.String(), map[string]any{
		"findings":         len(s.findings),
		"completedWorkers": s.completed,
		"totalWorkers":     len(s.workers),
	})
	rec.Seq = s.appendLocked(&rec)
	s.broadcastLocked(rec)

	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	return rec, true
}

// Subscribe atomically snapshots the event log for replay and registers a
// live delivery channel, guaranteeing a joiner sees every event exactly once:
// the replay slice covers everything recorded before the join and the channel
// everything after, with no gap and no duplicate.
//
// The channel is closed when the scan reaches a terminal status or when the
// subscriber falls too far behind and is dropped. If the scan is already
// terminal the returned channel is closed immediately.
func (s *ScanState) Subscribe() (replay []EventRecord, live <-chan EventRecord, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replay = make([]EventRecord, len(s.events))
	copy(replay, s.events)

	ch := make(chan EventRecord, s.subBuffer)
	if s.status.IsTerminal() {
		close(ch)
		return replay, ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return replay, ch, cancel
}

// Roster returns the planned worker specs ordered by worker id.
func (s *ScanState) Roster() []WorkerSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	specs := make([]WorkerSpec, 0, len(s.workers))
	for id, w := range s.workers {
		specs = append(specs, WorkerSpec{ID: id, Role: w.role})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// SubscriberCount returns the number of live subscribers.
func (s *ScanState) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Events returns a copy of the full event log.
func (s *ScanState) Events() []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventRecord, len(s.events))
	copy(out, s.events)
	return out
}

// Findings returns a copy of the accumulated findings.
func (s *ScanState) Findings() []Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Finding, len(s.findings))
	copy(out, s.findings)
	return out
}

// appendLocked assigns the record's sequence number, appends it, and enforces
// the retained-payload cap. Caller must hold s.mu.
func (s *ScanState) appendLocked(rec *EventRecord) int64 {
	rec.Seq = s.nextSeq
	s.nextSeq++
	s.events = append(s.events, *rec)
	s.payloadBytes += int64(rec.RawSize)
	s.enforcePayloadCapLocked()
	return rec.Seq
}

// enforcePayloadCapLocked truncates the oldest large payloads until retained
// bytes fit under the cap. Only bulk payload data is dropped; the records
// themselves and all lifecycle bookkeeping stay intact.
func (s *ScanState) enforcePayloadCapLocked() {
	for s.payloadBytes > s.payloadCap && s.truncateFrom < len(s.events)-1 {
		ev := &s.events[s.truncateFrom]
		if ev.RawSize >= largePayloadBytes {
			s.payloadBytes -= int64(ev.RawSize)
			ev.Data = map[string]any{"truncated": true, "bytes": ev.RawSize}
			ev.RawSize = 0
		}
		s.truncateFrom++
	}
}

// markCompletedLocked advances the completed worker count for the given
// worker, at most once per worker. Caller must hold s.mu.
func (s *ScanState) markCompletedLocked(workerID int) bool {
	w, ok := s.workers[workerID]
	if !ok || w.completed {
		return false
	}
	w.completed = true
	s.completed++
	return true
}

// broadcastLocked delivers the record to every live subscriber without
// blocking. A subscriber whose buffer is full is dropped and its channel
// closed; it is never retried. Caller must hold s.mu.
func (s *ScanState) broadcastLocked(rec EventRecord) {
	for id, ch := range s.subs {
		select {
		case ch <- rec:
		default:
			delete(s.subs, id)
			close(ch)
		}
	}
}

// WorkerSnapshot is a point-in-time view of one planned worker.
type WorkerSnapshot struct {
	ID        int        `json:"id"`
	Role      WorkerRole `json:"role"`
	Completed bool       `json:"completed"`
	Exited    bool       `json:"exited"`
}

// ScanSnapshot is a point-in-time, read-only view of a scan for the status
// query path.
type ScanSnapshot struct {
	ID               string           `json:"id"`
	Target           string           `json:"target"`
	Status           ScanStatus       `json:"status"`
	StartedAt        time.Time        `json:"startedAt"`
	EndedAt          *time.Time       `json:"endedAt,omitempty"`
	TotalWorkers     int              `json:"totalWorkers"`
	CompletedWorkers int              `json:"completedWorkers"`
	EventCount       int              `json:"eventCount"`
	Workers          []WorkerSnapshot `json:"workers"`
	Findings         []Finding        `json:"findings"`
	Summary          FindingSummary   `json:"summary"`
	Risk             RiskReport       `json:"risk"`
}

// Snapshot captures a consistent view of the scan for status queries.
func (s *ScanState) Snapshot() ScanSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := make([]WorkerSnapshot, 0, len(s.workers))
	for id, w := range s.workers {
		workers = append(workers, WorkerSnapshot{
			ID:        id,
			Role:      w.role,
			Completed: w.completed,
			Exited:    w.exited,
		})
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	findings := make([]Finding, len(s.findings))
	copy(findings, s.findings)

	snap := ScanSnapshot{
		ID:               s.id.String(),
		Target:           s.target,
		Status:           s.status,
		StartedAt:        s.startedAt,
		TotalWorkers:     len(s.workers),
		CompletedWorkers: s.completed,
		EventCount:       len(s.events),
		Workers:          workers,
		Findings:         findings,
		Summary:          SummarizeFindings(findings),
		Risk:             AssessRisk(findings),
	}
	if s.status.IsTerminal() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

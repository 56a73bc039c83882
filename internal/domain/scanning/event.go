package scanning

import "time"

// EventKind identifies the category of a protocol event for routing and
// handling. Workers may emit arbitrary kinds; only a small set is recognized
// specially by the orchestration core.
type EventKind string

const (
	// EventKindWorkerStarted announces a worker beginning execution.
	EventKindWorkerStarted EventKind = "worker.started"

	// EventKindWorkerCompleted signals that a worker finished its work.
	// It advances the scan's completed worker count.
	EventKindWorkerCompleted EventKind = "worker.completed"

	// EventKindFinding carries a confirmed vulnerability finding.
	// It appends to the scan's findings in addition to the event log.
	EventKindFinding EventKind = "finding.reported"

	// EventKindLog wraps free-form worker output, including raw lines that
	// failed protocol decoding. No worker output is ever silently dropped.
	EventKindLog EventKind = "worker.log"

	// EventKindSpawnError records a worker that could not be started at all
	// (missing executable, invalid environment).
	EventKindSpawnError EventKind = "worker.spawn_error"

	// EventKindWorkerCrashed records a worker that exited abnormally after
	// starting. The scan proceeds as if the worker had completed.
	EventKindWorkerCrashed EventKind = "worker.crashed"

	// EventKindOversizedLine records a protocol line that exceeded the
	// configured size ceiling and was discarded.
	EventKindOversizedLine EventKind = "worker.oversized_line"

	// EventKindScanCompleted is the terminal event broadcast when every
	// planned worker has exited and the scan was not stopped.
	EventKindScanCompleted EventKind = "scan.completed"

	// EventKindScanStopped is the terminal event broadcast when a scan is
	// cancelled externally.
	EventKindScanStopped EventKind = "scan.stopped"
)

func (k EventKind) String() string { return string(k) }

// IsTerminal reports whether the event marks the end of a scan's stream.
func (k EventKind) IsTerminal() bool {
	return k == EventKindScanCompleted || k == EventKindScanStopped
}

// EventRecord is one decoded protocol message. The JSON shape is the stable
// wire contract shared with every worker implementation and with stream
// subscribers; records are immutable once decoded.
type EventRecord struct {
	Type      EventKind      `json:"type"`
	WorkerID  int            `json:"workerId"`
	Role      string         `json:"role"`
	ScanID    string         `json:"scanId"`
	Data      map[string]any `json:"data"`
	Timestamp float64        `json:"timestamp"`

	// Seq is the record's position in the scan's global append order,
	// assigned by ScanState. It never travels on the wire; the mirror uses
	// it for idempotent upserts.
	Seq int64 `json:"-"`

	// RawSize is the byte length of the protocol line this record was
	// decoded from, used for retained-payload accounting.
	RawSize int `json:"-"`
}

// Time converts the wire timestamp (fractional unix seconds) to a time.Time.
func (e EventRecord) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// NewEventRecord builds a record originating from the orchestration core
// itself (terminal events, synthetic failure events) rather than from a
// decoded worker line.
func NewEventRecord(kind EventKind, workerID int, role string, scanID string, data map[string]any) EventRecord {
	if data == nil {
		data = map[string]any{}
	}
	return EventRecord{
		Type:      kind,
		WorkerID:  workerID,
		Role:      role,
		ScanID:    scanID,
		Data:      data,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

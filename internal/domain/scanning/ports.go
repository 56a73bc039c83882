package scanning

import "context"

// Mirror is the outbound port to the durable store that shadows the in-memory
// scan state. Delivery is best-effort and at-least-once: implementations must
// never block the caller, must tolerate duplicate records (idempotent
// upserts), and a mirror failure must never abort or stall a scan.
type Mirror interface {
	// RecordEvent mirrors one event record.
	RecordEvent(ctx context.Context, rec EventRecord)

	// RecordFinding mirrors one extracted finding.
	RecordFinding(ctx context.Context, scanID string, seq int64, f Finding)

	// RecordStatus mirrors the scan row and its current status.
	RecordStatus(ctx context.Context, scanID, target string, status ScanStatus)

	// Close flushes buffered records and releases resources.
	Close() error
}

// WorkerLaunch describes one worker process to start for a scan.
type WorkerLaunch struct {
	ScanID string
	Spec   WorkerSpec
	Target string
	Argv   []string
}

// WorkerProcess is a handle on one running worker. NextLine returns stdout
// lines until io.EOF; Kill is idempotent best-effort; Wait returns the exit
// code after stdout has been drained.
type WorkerProcess interface {
	NextLine() ([]byte, error)
	Kill()
	Wait() (int, error)
}

// WorkerLauncher starts worker processes with the scan identity environment
// injected.
type WorkerLauncher interface {
	Launch(ctx context.Context, launch WorkerLaunch) (WorkerProcess, error)
}

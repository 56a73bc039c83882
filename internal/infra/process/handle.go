// Package process spawns scan worker processes and supervises their
// lifecycle: stdout is exposed as a bounded line stream for the protocol
// decoder, stderr is drained and logged with worker attribution, and kill is
// idempotent best-effort.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/sentinelsec/sentinel/internal/domain/scanning"
)

// DefaultLineLimit bounds a single protocol line. Lines beyond this are
// discarded and surfaced as oversized, keeping one misbehaving worker from
// exhausting orchestrator memory.
const DefaultLineLimit = 16 << 20

// SpawnError reports a worker that could not be started at all. The scan
// treats the worker as completed-with-error and proceeds.
type SpawnError struct {
	WorkerID int
	Argv     []string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning worker %d (%v): %v", e.WorkerID, e.Argv, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Launcher starts worker processes. One Launcher serves every scan in the
// orchestrator; handles are per worker.
type Launcher struct {
	logger    *zap.Logger
	lineLimit int
}

var _ scanning.WorkerLauncher = (*Launcher)(nil)

// NewLauncher creates a Launcher. A lineLimit of zero uses DefaultLineLimit.
func NewLauncher(logger *zap.Logger, lineLimit int) *Launcher {
	if lineLimit <= 0 {
		lineLimit = DefaultLineLimit
	}
	return &Launcher{logger: logger, lineLimit: lineLimit}
}

func identityVars(launch scanning.WorkerLaunch) []string {
	return []string{
		fmt.Sprintf("WORKER_ID=%d", launch.Spec.ID),
		fmt.Sprintf("WORKER_ROLE=%s", launch.Spec.Role),
		fmt.Sprintf("TARGET_URL=%s", launch.Target),
		fmt.Sprintf("SCAN_ID=%s", launch.ScanID),
	}
}

// Launch starts one worker process with the identity environment injected.
// The process inherits the parent environment and is killed when ctx is
// cancelled. A failure to start is returned as a *SpawnError.
func (l *Launcher) Launch(ctx context.Context, launch scanning.WorkerLaunch) (scanning.WorkerProcess, error) {
	argv := launch.Argv
	if len(argv) == 0 {
		return nil, &SpawnError{WorkerID: launch.Spec.ID, Err: fmt.Errorf("empty command")}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), identityVars(launch)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{WorkerID: launch.Spec.ID, Argv: argv, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{WorkerID: launch.Spec.ID, Argv: argv, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{WorkerID: launch.Spec.ID, Argv: argv, Err: err}
	}

	logger := l.logger.With(
		zap.Int("worker_id", launch.Spec.ID),
		zap.String("role", string(launch.Spec.Role)),
		zap.String("scan_id", launch.ScanID),
	)
	logger.Debug("worker spawned", zap.Int("pid", cmd.Process.Pid), zap.Strings("argv", argv))

	h := &Handle{
		cmd:        cmd,
		lines:      newLineStream(stdout, l.lineLimit),
		stderrDone: make(chan struct{}),
	}
	go h.drainStderr(stderr, logger)
	return h, nil
}

// Handle supervises one running worker process.
type Handle struct {
	cmd        *exec.Cmd
	lines      *lineStream
	stderrDone chan struct{}
	killOnce   sync.Once
}

// NextLine returns the next stdout line without its trailing newline, blank
// lines skipped. It returns ErrOversizedLine when a line exceeded the limit
// (the line is discarded and the stream stays usable) and io.EOF once stdout
// is exhausted.
func (h *Handle) NextLine() ([]byte, error) { return h.lines.next() }

// Kill terminates the process, best-effort and idempotent. Output already
// buffered in the pipe remains readable until EOF.
func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	})
}

// Wait blocks until the process exits and its stderr is fully drained, then
// releases all process resources. It returns the exit code; -1 when the
// process was killed by a signal. The caller must have consumed stdout to EOF
// first.
func (h *Handle) Wait() (int, error) {
	<-h.stderrDone
	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("waiting for worker: %w", err)
}

func (h *Handle) drainStderr(r io.Reader, logger *zap.Logger) {
	defer close(h.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		logger.Info("worker stderr", zap.String("line", scanner.Text()))
	}
}

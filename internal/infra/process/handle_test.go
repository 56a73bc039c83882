package process

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sentinelsec/sentinel/internal/domain/scanning"
)

func testLaunch(argv ...string) scanning.WorkerLaunch {
	return scanning.WorkerLaunch{
		ScanID: "scan-1",
		Spec:   scanning.WorkerSpec{ID: 1, Role: scanning.RoleSQLi},
		Target: "https://target.example",
		Argv:   argv,
	}
}

func drain(t *testing.T, p scanning.WorkerProcess) []string {
	t.Helper()
	var lines []string
	for {
		line, err := p.NextLine()
		if errors.Is(err, io.EOF) {
			return lines
		}
		require.NoError(t, err)
		lines = append(lines, string(line))
	}
}

func TestLauncher_LaunchAndDrain(t *testing.T) {
	t.Parallel()

	l := NewLauncher(zap.NewNop(), 0)
	p, err := l.Launch(context.Background(), testLaunch(
		"/bin/sh", "-c", `echo '{"type":"worker.started"}'; echo '{"type":"worker.completed"}'`,
	))
	require.NoError(t, err)

	lines := drain(t, p)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "worker.started")

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Zero(t, code)
}

func TestLauncher_InjectsWorkerEnvironment(t *testing.T) {
	t.Parallel()

	l := NewLauncher(zap.NewNop(), 0)
	p, err := l.Launch(context.Background(), testLaunch(
		"/bin/sh", "-c", `echo "$WORKER_ID|$WORKER_ROLE|$TARGET_URL|$SCAN_ID"`,
	))
	require.NoError(t, err)

	lines := drain(t, p)
	require.Len(t, lines, 1)
	assert.Equal(t, "1|sqli|https://target.example|scan-1", lines[0])

	_, err = p.Wait()
	require.NoError(t, err)
}

func TestLauncher_SpawnFailure(t *testing.T) {
	t.Parallel()

	l := NewLauncher(zap.NewNop(), 0)
	_, err := l.Launch(context.Background(), testLaunch("/nonexistent/scan-agent"))

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, 1, spawnErr.WorkerID)

	_, err = l.Launch(context.Background(), testLaunch())
	assert.ErrorAs(t, err, &spawnErr)
}

func TestHandle_NonZeroExit(t *testing.T) {
	t.Parallel()

	l := NewLauncher(zap.NewNop(), 0)
	p, err := l.Launch(context.Background(), testLaunch("/bin/sh", "-c", "exit 3"))
	require.NoError(t, err)

	drain(t, p)
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestHandle_KillIsIdempotent(t *testing.T) {
	t.Parallel()

	l := NewLauncher(zap.NewNop(), 0)
	p, err := l.Launch(context.Background(), testLaunch("/bin/sh", "-c", "sleep 60"))
	require.NoError(t, err)

	p.Kill()
	p.Kill()

	drain(t, p)
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, -1, code, "killed by signal")
}

func TestHandle_ContextCancelKillsProcess(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	l := NewLauncher(zap.NewNop(), 0)
	p, err := l.Launch(ctx, testLaunch("/bin/sh", "-c", "sleep 60"))
	require.NoError(t, err)

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		drain(t, p)
		_, _ = p.Wait()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not die on context cancellation")
	}
}

func TestHandle_StderrDoesNotBlockStdout(t *testing.T) {
	t.Parallel()

	l := NewLauncher(zap.NewNop(), 0)
	p, err := l.Launch(context.Background(), testLaunch(
		"/bin/sh", "-c", `echo "noise" >&2; echo "line"`,
	))
	require.NoError(t, err)

	lines := drain(t, p)
	require.Len(t, lines, 1)
	assert.Equal(t, "line", lines[0])

	_, err = p.Wait()
	require.NoError(t, err)
}

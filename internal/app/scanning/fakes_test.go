package scanning

import (
	"context"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	domain "github.com/sentinelsec/sentinel/internal/domain/scanning"
	"github.com/sentinelsec/sentinel/internal/infra/storage"
	"github.com/sentinelsec/sentinel/pkg/common"
)

// fakeProc scripts one worker's stdout. With blocking set, NextLine hangs
// after the scripted lines until the process is killed, modeling a worker
// mid-execution.
type fakeProc struct {
	mu       sync.Mutex
	lines    [][]byte
	exitCode int
	blocking bool

	killOnce sync.Once
	killed   chan struct{}
}

func newFakeProc(exitCode int, blocking bool, lines ...string) *fakeProc {
	p := &fakeProc{exitCode: exitCode, blocking: blocking, killed: make(chan struct{})}
	for _, l := range lines {
		p.lines = append(p.lines, []byte(l))
	}
	return p
}

func (p *fakeProc) NextLine() ([]byte, error) {
	p.mu.Lock()
	if len(p.lines) > 0 {
		line := p.lines[0]
		p.lines = p.lines[1:]
		p.mu.Unlock()
		return line, nil
	}
	p.mu.Unlock()

	if p.blocking {
		<-p.killed
	}
	return nil, io.EOF
}

func (p *fakeProc) Kill() {
	p.killOnce.Do(func() { close(p.killed) })
}

func (p *fakeProc) Wait() (int, error) {
	select {
	case <-p.killed:
		return -1, nil
	default:
		return p.exitCode, nil
	}
}

// fakeLauncher hands out scripted processes by role and records launch order.
type fakeLauncher struct {
	mu        sync.Mutex
	procs     map[domain.WorkerRole]*fakeProc
	spawnErrs map[domain.WorkerRole]error
	launches  []domain.WorkerLaunch
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		procs:     make(map[domain.WorkerRole]*fakeProc),
		spawnErrs: make(map[domain.WorkerRole]error),
	}
}

func (l *fakeLauncher) script(role domain.WorkerRole, p *fakeProc) { l.procs[role] = p }

func (l *fakeLauncher) Launch(ctx context.Context, launch domain.WorkerLaunch) (domain.WorkerProcess, error) {
	l.mu.Lock()
	l.launches = append(l.launches, launch)
	err := l.spawnErrs[launch.Spec.Role]
	p := l.procs[launch.Spec.Role]
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if p == nil {
		p = newFakeProc(0, false, `{"type":"worker.completed"}`)
	}

	// Mirror the kill-on-cancel behavior of a real process handle.
	go func() {
		<-ctx.Done()
		p.Kill()
	}()
	return p, nil
}

func (l *fakeLauncher) launchedRoles() []domain.WorkerRole {
	l.mu.Lock()
	defer l.mu.Unlock()
	roles := make([]domain.WorkerRole, len(l.launches))
	for i, launch := range l.launches {
		roles[i] = launch.Spec.Role
	}
	return roles
}

func newTestOrchestrator(launcher domain.WorkerLauncher, mirror domain.Mirror) *Orchestrator {
	return NewOrchestrator(
		launcher,
		mirror,
		CommandSet{Default: []string{"python3", "agents/agent_harness.py"}},
		common.NewRateLimiter(1000, 1000),
		1<<20,
		zap.NewNop(),
		storage.NoOpTracer(),
		NewMetrics(prometheus.NewRegistry()),
	)
}

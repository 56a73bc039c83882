package scanning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/sentinelsec/sentinel/internal/domain/scanning"
	"github.com/sentinelsec/sentinel/internal/infra/storage/scanning/memory"
)

func newScan(t *testing.T, roles ...domain.WorkerRole) *domain.ScanState {
	t.Helper()
	specs := make([]domain.WorkerSpec, len(roles))
	for i, role := range roles {
		specs[i] = domain.WorkerSpec{ID: i + 1, Role: role}
	}
	state, err := domain.NewScanState(uuid.New(), "https://target.example", specs)
	require.NoError(t, err)
	return state
}

func eventKinds(events []domain.EventRecord) []domain.EventKind {
	kinds := make([]domain.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Type
	}
	return kinds
}

func TestOrchestrator_PhasesRunInOrder(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	o := newTestOrchestrator(launcher, memory.NewMirror())
	state := newScan(t,
		domain.RoleSQLi,
		domain.RoleSpider,
		domain.RoleLLMAnalyst,
		domain.RoleXSS,
		domain.RoleRedTeam,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Execute(ctx, state)

	roles := launcher.launchedRoles()
	require.Len(t, roles, 5)

	// The spider maps the surface before anything else runs, and the
	// LLM-bound workers go last, one at a time, in roster order.
	assert.Equal(t, domain.RoleSpider, roles[0])
	assert.ElementsMatch(t, []domain.WorkerRole{domain.RoleSQLi, domain.RoleXSS}, roles[1:3])
	assert.Equal(t, []domain.WorkerRole{domain.RoleLLMAnalyst, domain.RoleRedTeam}, roles[3:])

	completed, total := state.CompletedWorkers()
	assert.Equal(t, total, completed)
	assert.True(t, state.AllWorkersExited())
}

func TestOrchestrator_SpawnFailureDoesNotFailScan(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	launcher.spawnErrs[domain.RolePortScan] = errors.New("executable not found")
	mirror := memory.NewMirror()
	o := newTestOrchestrator(launcher, mirror)
	state := newScan(t, domain.RolePortScan, domain.RoleSQLi)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Execute(ctx, state)

	kinds := eventKinds(state.Events())
	assert.Contains(t, kinds, domain.EventKindSpawnError)

	// The failed worker still counts so the scan can complete.
	completed, total := state.CompletedWorkers()
	assert.Equal(t, total, completed)
	assert.True(t, state.AllWorkersExited())

	assert.NotEmpty(t, mirror.Events(state.ID().String()))
}

func TestOrchestrator_CrashBecomesEvent(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	launcher.script(domain.RoleXSS, newFakeProc(2, false, `{"type":"worker.started"}`))
	o := newTestOrchestrator(launcher, memory.NewMirror())
	state := newScan(t, domain.RoleXSS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Execute(ctx, state)

	events := state.Events()
	kinds := eventKinds(events)
	assert.Contains(t, kinds, domain.EventKindWorkerCrashed)

	var crashed domain.EventRecord
	for _, ev := range events {
		if ev.Type == domain.EventKindWorkerCrashed {
			crashed = ev
		}
	}
	assert.Equal(t, 2, crashed.Data["exitCode"])

	completed, total := state.CompletedWorkers()
	assert.Equal(t, total, completed)
}

func TestOrchestrator_MalformedOutputBecomesLogEvents(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	launcher.script(domain.RoleSQLi, newFakeProc(0, false,
		`Traceback (most recent call last):`,
		`{"type":"worker.completed"}`,
	))
	o := newTestOrchestrator(launcher, memory.NewMirror())
	state := newScan(t, domain.RoleSQLi)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Execute(ctx, state)

	events := state.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventKindLog, events[0].Type)
	assert.Equal(t, "Traceback (most recent call last):", events[0].Data["raw"])
	assert.Equal(t, domain.EventKindWorkerCompleted, events[1].Type)
}

func TestOrchestrator_FindingsFlowToMirror(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	launcher.script(domain.RoleSQLi, newFakeProc(0, false,
		`{"type":"finding.reported","data":{"category":"SQL Injection","severity":"CRITICAL","location":"/login"}}`,
		`{"type":"worker.completed"}`,
	))
	mirror := memory.NewMirror()
	o := newTestOrchestrator(launcher, mirror)
	state := newScan(t, domain.RoleSQLi)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Execute(ctx, state)

	findings := state.Findings()
	require.Len(t, findings, 1)
	assert.Equal(t, "SQL Injection", findings[0].Category)

	mirrored := mirror.Findings(state.ID().String())
	require.Len(t, mirrored, 1)
	for seq, f := range mirrored {
		assert.Equal(t, "SQL Injection", f.Category)
		assert.Equal(t, state.Events()[seq].Type, domain.EventKindFinding)
	}
}

func TestOrchestrator_CancellationSkipsRemainingPhases(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	launcher.script(domain.RoleSpider, newFakeProc(0, true, `{"type":"worker.started"}`))
	o := newTestOrchestrator(launcher, memory.NewMirror())
	state := newScan(t, domain.RoleSpider, domain.RoleSQLi, domain.RoleLLMAnalyst)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Stop while the spider is still streaming.
		for len(launcher.launchedRoles()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	o.Execute(ctx, state)

	// Only the mapping worker ever launched.
	assert.Equal(t, []domain.WorkerRole{domain.RoleSpider}, launcher.launchedRoles())
}

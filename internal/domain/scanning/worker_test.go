package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role WorkerRole
		want Phase
	}{
		{RoleSpider, PhaseMapping},
		{RoleExposure, PhaseParallel},
		{RoleHeaders, PhaseParallel},
		{RoleCORS, PhaseParallel},
		{RolePortScan, PhaseParallel},
		{RoleAuthAbuse, PhaseParallel},
		{RoleSQLi, PhaseParallel},
		{RoleXSS, PhaseParallel},
		{RoleLLMAnalyst, PhaseRateLimited},
		{RoleRedTeam, PhaseRateLimited},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PhaseOf(tt.role), "role %s", tt.role)
	}
}

func TestPartitionPhases(t *testing.T) {
	t.Parallel()

	specs := []WorkerSpec{
		{ID: 1, Role: RoleSQLi},
		{ID: 2, Role: RoleSpider},
		{ID: 3, Role: RoleRedTeam},
		{ID: 4, Role: RoleXSS},
		{ID: 5, Role: RoleLLMAnalyst},
	}

	phases := PartitionPhases(specs)

	require.Len(t, phases[PhaseMapping], 1)
	assert.Equal(t, 2, phases[PhaseMapping][0].ID)

	require.Len(t, phases[PhaseParallel], 2)
	assert.Equal(t, []WorkerSpec{{ID: 1, Role: RoleSQLi}, {ID: 4, Role: RoleXSS}}, phases[PhaseParallel])

	// Relative order within a phase is preserved; the rate-limited phase
	// runs strictly in this order.
	require.Len(t, phases[PhaseRateLimited], 2)
	assert.Equal(t, []WorkerSpec{{ID: 3, Role: RoleRedTeam}, {ID: 5, Role: RoleLLMAnalyst}}, phases[PhaseRateLimited])
}

func TestParseWorkerRole(t *testing.T) {
	t.Parallel()

	role, err := ParseWorkerRole("sqli")
	require.NoError(t, err)
	assert.Equal(t, RoleSQLi, role)

	_, err = ParseWorkerRole("quantum_probe")
	assert.Error(t, err)
}

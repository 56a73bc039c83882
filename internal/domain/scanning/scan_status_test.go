package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanStatus_ValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		currentStatus ScanStatus
		targetStatus  ScanStatus
		wantErr       bool
	}{
		{
			name:          "running to completed",
			currentStatus: ScanStatusRunning,
			targetStatus:  ScanStatusCompleted,
			wantErr:       false,
		},
		{
			name:          "running to stopped",
			currentStatus: ScanStatusRunning,
			targetStatus:  ScanStatusStopped,
			wantErr:       false,
		},
		{
			name:          "completed is terminal",
			currentStatus: ScanStatusCompleted,
			targetStatus:  ScanStatusStopped,
			wantErr:       true,
		},
		{
			name:          "stopped is terminal",
			currentStatus: ScanStatusStopped,
			targetStatus:  ScanStatusCompleted,
			wantErr:       true,
		},
		{
			name:          "no re-entry into running",
			currentStatus: ScanStatusCompleted,
			targetStatus:  ScanStatusRunning,
			wantErr:       true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.currentStatus.ValidateTransition(tt.targetStatus)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestScanStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, ScanStatusRunning.IsTerminal())
	assert.True(t, ScanStatusCompleted.IsTerminal())
	assert.True(t, ScanStatusStopped.IsTerminal())
}

func TestParseScanStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ScanStatusRunning, ParseScanStatus("RUNNING"))
	assert.Equal(t, ScanStatusCompleted, ParseScanStatus("COMPLETED"))
	assert.Equal(t, ScanStatusStopped, ParseScanStatus("STOPPED"))
	assert.Equal(t, ScanStatus(""), ParseScanStatus("bogus"))
}

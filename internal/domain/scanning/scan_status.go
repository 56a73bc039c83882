package scanning

import "fmt"

// ScanStatus represents the lifecycle state of a scan. Transitions are
// monotonic: a scan starts RUNNING and ends in exactly one terminal state.
type ScanStatus string

const (
	// ScanStatusRunning indicates the scan's workers are still executing.
	ScanStatusRunning ScanStatus = "RUNNING"

	// ScanStatusCompleted indicates every planned worker terminated and the
	// scan finished without being stopped.
	ScanStatusCompleted ScanStatus = "COMPLETED"

	// ScanStatusStopped indicates the scan was cancelled externally before
	// normal completion.
	ScanStatusStopped ScanStatus = "STOPPED"
)

func (s ScanStatus) String() string { return string(s) }

// IsTerminal reports whether no further status transitions are possible.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusStopped
}

// ParseScanStatus converts a string to a ScanStatus.
// An unrecognized value yields the empty status.
func ParseScanStatus(s string) ScanStatus {
	switch s {
	case "RUNNING":
		return ScanStatusRunning
	case "COMPLETED":
		return ScanStatusCompleted
	case "STOPPED":
		return ScanStatusStopped
	default:
		return ""
	}
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s ScanStatus) ValidateTransition(target ScanStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid scan status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the scan lifecycle rules. Terminal states accept
// no further transitions; whichever terminal transition lands first wins.
func (s ScanStatus) isValidTransition(target ScanStatus) bool {
	switch s {
	case ScanStatusRunning:
		return target == ScanStatusCompleted || target == ScanStatusStopped
	case ScanStatusCompleted, ScanStatusStopped:
		return false
	default:
		return false
	}
}

package scanning

// Severity classifies how serious a finding is. The set is fixed and ordered;
// CRITICAL ranks highest and INFO lowest.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

func (s Severity) String() string { return string(s) }

// Rank returns the ordinal position of the severity, highest first.
// Unknown severities rank below INFO.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// ParseSeverity converts a string to a Severity.
// Unrecognized values map to INFO so a misbehaving worker cannot inflate
// (or crash) the severity accounting.
func ParseSeverity(s string) Severity {
	switch s {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MEDIUM":
		return SeverityMedium
	case "LOW":
		return SeverityLow
	case "INFO":
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

// riskWeight is the score penalty a single finding of this severity carries.
func (s Severity) riskWeight() int {
	switch s {
	case SeverityCritical:
		return 25
	case SeverityHigh:
		return 10
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

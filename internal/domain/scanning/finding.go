package scanning

import "errors"

// Finding is a confirmed, severity-tagged result extracted from a worker's
// finding.reported event. Findings are immutable once recorded.
type Finding struct {
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Location    string   `json:"location"`
	Evidence    string   `json:"evidence"`
	Remediation string   `json:"remediation"`
}

// ErrNotFinding is returned when an event does not carry finding data.
var ErrNotFinding = errors.New("event does not carry a finding payload")

// FindingFromEvent extracts a Finding from a finding.reported event payload.
// The payload comes from an external worker, so only the category is
// required. Legacy key aliases emitted by older harnesses ("type",
// "recommendation") are accepted.
func FindingFromEvent(rec EventRecord) (Finding, error) {
	if rec.Type != EventKindFinding {
		return Finding{}, ErrNotFinding
	}

	category := stringField(rec.Data, "category", "type", "vuln_type")
	if category == "" {
		return Finding{}, ErrNotFinding
	}

	return Finding{
		Category:    category,
		Severity:    ParseSeverity(stringField(rec.Data, "severity")),
		Location:    stringField(rec.Data, "location"),
		Evidence:    stringField(rec.Data, "evidence"),
		Remediation: stringField(rec.Data, "remediation", "recommendation"),
	}, nil
}

// stringField returns the first non-empty string value among the given keys.
func stringField(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// FindingSummary aggregates finding counts by severity for status snapshots.
type FindingSummary struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// RiskReport carries the weighted risk score and letter grade derived from a
// scan's findings. A clean scan scores 100 and grades A.
type RiskReport struct {
	Score int    `json:"score"`
	Grade string `json:"grade"`
}

// SummarizeFindings tallies findings by severity.
func SummarizeFindings(findings []Finding) FindingSummary {
	sum := FindingSummary{Total: len(findings)}
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			sum.Critical++
		case SeverityHigh:
			sum.High++
		case SeverityMedium:
			sum.Medium++
		case SeverityLow:
			sum.Low++
		default:
			sum.Info++
		}
	}
	return sum
}

// AssessRisk computes the weighted risk score and grade for a set of findings.
// Each finding subtracts its severity weight from a perfect score of 100.
func AssessRisk(findings []Finding) RiskReport {
	score := 100
	for _, f := range findings {
		score -= f.Severity.riskWeight()
	}
	if score < 0 {
		score = 0
	}

	var grade string
	switch {
	case score >= 90:
		grade = "A"
	case score >= 75:
		grade = "B"
	case score >= 50:
		grade = "C"
	case score >= 25:
		grade = "D"
	default:
		grade = "F"
	}
	return RiskReport{Score: score, Grade: grade}
}

package scanning

import "fmt"

// WorkerRole identifies the kind of probe a worker performs against the
// target. Roles are a closed set: the orchestrator never needs a role's
// internals, only its phase classification and command template.
type WorkerRole string

const (
	RoleSpider     WorkerRole = "spider"
	RoleExposure   WorkerRole = "exposure"
	RoleHeaders    WorkerRole = "headers_tls"
	RoleCORS       WorkerRole = "cors"
	RolePortScan   WorkerRole = "portscan"
	RoleAuthAbuse  WorkerRole = "auth_abuse"
	RoleSQLi       WorkerRole = "sqli"
	RoleXSS        WorkerRole = "xss"
	RoleLLMAnalyst WorkerRole = "llm_analysis"
	RoleRedTeam    WorkerRole = "red_team"
)

func (r WorkerRole) String() string { return string(r) }

// ParseWorkerRole converts a string to a WorkerRole, returning an error for
// roles outside the closed set.
func ParseWorkerRole(s string) (WorkerRole, error) {
	switch WorkerRole(s) {
	case RoleSpider, RoleExposure, RoleHeaders, RoleCORS, RolePortScan,
		RoleAuthAbuse, RoleSQLi, RoleXSS, RoleLLMAnalyst, RoleRedTeam:
		return WorkerRole(s), nil
	default:
		return "", fmt.Errorf("unknown worker role %q", s)
	}
}

// Phase is an ordered group of workers sharing a concurrency policy.
// Phases run as a linear pipeline: a phase does not start until every worker
// in the previous phase has exited.
type Phase int

const (
	// PhaseMapping holds at most one worker. It discovers the attack
	// surface the later phases consume, so it runs alone and first.
	PhaseMapping Phase = iota

	// PhaseParallel holds the fast workers with no external quota. They
	// all start together and the phase ends when the last one exits.
	PhaseParallel

	// PhaseRateLimited holds workers whose external dependency imposes a
	// shared quota (LLM-backed probes). They run strictly sequentially.
	PhaseRateLimited
)

func (p Phase) String() string {
	switch p {
	case PhaseMapping:
		return "mapping"
	case PhaseParallel:
		return "parallel"
	case PhaseRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// PhaseOf classifies a role into its execution phase.
func PhaseOf(role WorkerRole) Phase {
	switch role {
	case RoleSpider:
		return PhaseMapping
	case RoleLLMAnalyst, RoleRedTeam:
		return PhaseRateLimited
	default:
		return PhaseParallel
	}
}

// DefaultRoster is the full agent lineup used when a scan request does not
// name specific roles.
func DefaultRoster() []WorkerRole {
	return []WorkerRole{
		RoleSpider,
		RoleExposure,
		RoleHeaders,
		RoleCORS,
		RolePortScan,
		RoleAuthAbuse,
		RoleSQLi,
		RoleXSS,
		RoleLLMAnalyst,
		RoleRedTeam,
	}
}

// WorkerSpec describes one planned worker of a scan: its identifier, unique
// within the scan, and its role.
type WorkerSpec struct {
	ID   int
	Role WorkerRole
}

// PartitionPhases splits worker specs into the three execution phases,
// preserving the callers' relative order within each phase. The returned
// slices index by Phase.
func PartitionPhases(specs []WorkerSpec) [3][]WorkerSpec {
	var phases [3][]WorkerSpec
	for _, spec := range specs {
		p := PhaseOf(spec.Role)
		phases[p] = append(phases[p], spec)
	}
	return phases
}

// workerInfo tracks one planned worker's progress inside a ScanState.
// The roster never shrinks; flags only move from false to true.
type workerInfo struct {
	role      WorkerRole
	completed bool
	exited    bool
}

// Package scanning contains the application services that drive scans: the
// process-wide scan registry, the phased orchestrator that supervises worker
// processes, and the service facade used by the transport layer.
package scanning

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	domain "github.com/sentinelsec/sentinel/internal/domain/scanning"
)

var (
	// ErrScanNotFound indicates a lookup for a scan id the registry does not hold.
	ErrScanNotFound = errors.New("scan not found")

	// ErrScanExists indicates an attempt to register a duplicate scan id.
	ErrScanExists = errors.New("scan already registered")
)

// Registry is the process-wide index of scans by id. Terminal scans stay
// registered so late subscribers still get a full replay; eviction is left to
// the operator-facing surface.
type Registry struct {
	mu    sync.RWMutex
	scans map[uuid.UUID]*domain.ScanState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scans: make(map[uuid.UUID]*domain.ScanState)}
}

// Register adds a scan to the registry.
func (r *Registry) Register(state *domain.ScanState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scans[state.ID()]; exists {
		return ErrScanExists
	}
	r.scans[state.ID()] = state
	return nil
}

// Get returns the scan with the given id.
func (r *Registry) Get(id uuid.UUID) (*domain.ScanState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.scans[id]
	if !ok {
		return nil, ErrScanNotFound
	}
	return state, nil
}

// List returns every registered scan.
func (r *Registry) List() []*domain.ScanState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.ScanState, 0, len(r.scans))
	for _, state := range r.scans {
		out = append(out, state)
	}
	return out
}

// Evict removes a scan from the registry, reporting whether it was present.
func (r *Registry) Evict(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scans[id]; !ok {
		return false
	}
	delete(r.scans, id)
	return true
}

// Len returns the number of registered scans.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scans)
}

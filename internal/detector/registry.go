package detector

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry manages the set of detectors known to the engine, keeping them
// sorted by (wave, priority) for orchestrator consumption. Modelled on the
// teacher's plugin registry (pkg/plugins/registry.go), generalised from
// "parse a payload" to "contribute evidence for a request".
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Detector
	detectors []Detector
}

// NewRegistry returns an empty detector registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Detector)}
}

// Register adds a detector. It is an error to register the same name twice.
func (r *Registry) Register(d Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[d.Name()]; exists {
		return fmt.Errorf("detector %q already registered", d.Name())
	}
	r.byName[d.Name()] = d
	r.detectors = append(r.detectors, d)
	sort.SliceStable(r.detectors, func(i, j int) bool {
		if r.detectors[i].Wave() != r.detectors[j].Wave() {
			return r.detectors[i].Wave() < r.detectors[j].Wave()
		}
		return r.detectors[i].Priority() < r.detectors[j].Priority()
	})

	slog.Info("detector registered", "name", d.Name(), "category", d.Category(), "wave", d.Wave())
	return nil
}

// Unregister removes a detector by name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byName, name)
	filtered := r.detectors[:0:0]
	for _, d := range r.detectors {
		if d.Name() != name {
			filtered = append(filtered, d)
		}
	}
	r.detectors = filtered
}

// Get returns a detector by name.
func (r *Registry) Get(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Waves returns the registered detectors grouped by wave number, in
// ascending wave order. Within a wave, detectors are ordered by priority.
func (r *Registry) Waves() [][]Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var waves [][]Detector
	var current []Detector
	currentWave := 0
	first := true
	for _, d := range r.detectors {
		if first || d.Wave() != currentWave {
			if !first {
				waves = append(waves, current)
			}
			current = nil
			currentWave = d.Wave()
			first = false
		}
		current = append(current, d)
	}
	if len(current) > 0 {
		waves = append(waves, current)
	}
	return waves
}

// All returns every registered detector, in wave/priority order.
func (r *Registry) All() []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Detector, len(r.detectors))
	copy(out, r.detectors)
	return out
}

// Count returns the number of registered detectors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.detectors)
}

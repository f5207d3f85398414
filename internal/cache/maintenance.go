package cache

import (
	"log/slog"
	"time"
)

// MaintenanceConfig configures the background sweep (spec §4.5: "a
// background process periodically halves all accessCount values").
type MaintenanceConfig struct {
	Interval          time.Duration
	VisitorIdleExpiry time.Duration
	VisitorSweepBatch int
}

// DefaultMaintenanceConfig returns sane production defaults.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Interval:          5 * time.Minute,
		VisitorIdleExpiry: 30 * time.Minute,
		VisitorSweepBatch: 500,
	}
}

// Maintenance runs the periodic access-count halving for an AggregateCache
// and the idle-visitor eviction sweep for a VisitorListCache. Modelled on
// the ticker/stopCh background-loop idiom used elsewhere in this codebase
// for scheduled maintenance work.
type Maintenance struct {
	aggregates *AggregateCache
	visitors   *VisitorListCache
	config     MaintenanceConfig
	stopCh     chan struct{}
}

// NewMaintenance constructs a scheduler for the given caches. Either cache
// may be nil to disable that half of the sweep.
func NewMaintenance(aggregates *AggregateCache, visitors *VisitorListCache, config MaintenanceConfig) *Maintenance {
	return &Maintenance{
		aggregates: aggregates,
		visitors:   visitors,
		config:     config,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine. Call Stop to shut it down.
func (m *Maintenance) Start() {
	go m.run()
}

// Stop halts the background sweep.
func (m *Maintenance) Stop() {
	close(m.stopCh)
}

func (m *Maintenance) run() {
	interval := m.config.Interval
	if interval <= 0 {
		interval = DefaultMaintenanceConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Maintenance) sweep() {
	if m.aggregates != nil {
		before := m.aggregates.Len()
		m.aggregates.HalveAccessCounts()
		slog.Debug("signature aggregate cache access-count halving complete", "entries", before)
	}

	if m.visitors != nil {
		cutoff := time.Now().Add(-m.config.VisitorIdleExpiry)
		stale := m.visitors.OldestIdleSignatures(cutoff, m.config.VisitorSweepBatch)
		for _, sig := range stale {
			m.visitors.Evict(sig)
		}
		if len(stale) > 0 {
			slog.Debug("visitor cache idle sweep complete", "evicted", len(stale))
		}
	}
}

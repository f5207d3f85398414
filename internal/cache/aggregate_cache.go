// Package cache implements the write-through LFU SignatureAggregateCache
// and the VisitorListCache (spec §4.5), plus an optional Redis mirror for
// cross-instance sharing of the signature cache and cluster feed (spec §2
// step 6, SPEC_FULL.md domain stack).
package cache

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ScoreHistorySize is the default ring-buffer size for per-signature
// probability/confidence/processing-time history (spec §3 "SignatureAggregate").
const ScoreHistorySize = 20

// hotThreshold is the hitCount above which an entry is considered "hot" and
// skipped by eviction unless no cooler candidate remains (spec §4.5
// "Eviction skips hot entries").
const hotThreshold = 50

// SignatureAggregate is the per-signature state the write-through cache
// maintains (spec §3 "SignatureAggregate").
type SignatureAggregate struct {
	mu sync.Mutex

	Signature   string
	HitCount    int64
	AccessCount int64

	ProbabilityRing []float64
	ConfidenceRing  []float64
	ProcessingRing  []float64

	RiskBand       string
	Probability    float64
	Confidence     float64
	Action         string
	CountryCode    string
	ProcessingTime float64

	BotType     string
	BotName     string
	Narrative   string
	Description string

	FirstSeen time.Time
	LastSeen  time.Time
}

// Snapshot returns a consistent copy of the aggregate's fields, safe to
// hand to a reader without holding the per-entry lock (spec §3
// "guarded by a per-entry lock; reads may return a consistent snapshot copy").
func (a *SignatureAggregate) Snapshot() SignatureAggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *a
	cp.ProbabilityRing = append([]float64(nil), a.ProbabilityRing...)
	cp.ConfidenceRing = append([]float64(nil), a.ConfidenceRing...)
	cp.ProcessingRing = append([]float64(nil), a.ProcessingRing...)
	return cp
}

// DetectionEvent is the write-through input for updateFromDetection (spec
// §4.5 "SignatureAggregateCache" operations table).
type DetectionEvent struct {
	Signature      string
	Probability    float64
	Confidence     float64
	RiskBand       string
	Action         string
	CountryCode    string
	ProcessingTime float64
	BotType        string
	BotName        string
	IsBot          bool
}

// Mirror is an optional cross-instance backing for the cache (spec §2 step
// 6, "country/cluster feeds are notified"). RedisMirror in this package
// implements it by writing to Redis; internal/events.CacheMirror implements
// it by emitting an event on any EventEmitter (SPEC_FULL.md domain stack).
type Mirror interface {
	PublishUpdate(sig string, ev DetectionEvent)
}

// AggregateCache is the write-through LFU SignatureAggregateCache (spec
// §4.5). Capacity is enforced in batches: eviction runs once size exceeds
// MaxEntries + MaxEntries/10, trimming back down to MaxEntries.
type AggregateCache struct {
	mu          sync.RWMutex
	entries     map[string]*SignatureAggregate
	maxEntries  int
	historySize int
	mirror      Mirror

	sortedDirty bool
	sortedView  []string // signatures sorted by hitCount desc
}

// NewAggregateCache returns an empty cache with the given capacity. A
// historySize of 0 uses ScoreHistorySize.
func NewAggregateCache(maxEntries, historySize int) *AggregateCache {
	if historySize <= 0 {
		historySize = ScoreHistorySize
	}
	return &AggregateCache{
		entries:     make(map[string]*SignatureAggregate),
		maxEntries:  maxEntries,
		historySize: historySize,
		sortedDirty: true,
	}
}

// SetMirror wires an optional cross-instance mirror. Call before serving
// traffic; not safe to change concurrently with writes.
func (c *AggregateCache) SetMirror(m Mirror) { c.mirror = m }

// UpdateFromDetection upserts the aggregate for ev.Signature (spec §4.5
// "updateFromDetection").
func (c *AggregateCache) UpdateFromDetection(ev DetectionEvent) {
	c.mu.Lock()
	agg, exists := c.entries[ev.Signature]
	if !exists {
		agg = &SignatureAggregate{Signature: ev.Signature, FirstSeen: time.Now()}
		c.entries[ev.Signature] = agg
	}
	c.mu.Unlock()

	agg.mu.Lock()
	agg.HitCount++
	agg.AccessCount++
	agg.ProbabilityRing = pushRing(agg.ProbabilityRing, ev.Probability, c.historySize)
	agg.ConfidenceRing = pushRing(agg.ConfidenceRing, ev.Confidence, c.historySize)
	agg.ProcessingRing = pushRing(agg.ProcessingRing, ev.ProcessingTime, c.historySize)
	agg.RiskBand = ev.RiskBand
	agg.Probability = ev.Probability
	agg.Confidence = ev.Confidence
	agg.Action = ev.Action
	agg.CountryCode = ev.CountryCode
	agg.ProcessingTime = ev.ProcessingTime
	if ev.BotType != "" {
		agg.BotType = ev.BotType
	}
	if ev.BotName != "" {
		agg.BotName = ev.BotName
	}
	agg.LastSeen = time.Now()
	if agg.FirstSeen.After(agg.LastSeen) {
		agg.FirstSeen = agg.LastSeen // repair invariant violation (spec §7 "Cache integrity check")
	}
	agg.mu.Unlock()

	c.mu.Lock()
	c.sortedDirty = true
	size := len(c.entries)
	c.mu.Unlock()

	if c.maxEntries > 0 && size > c.maxEntries+c.maxEntries/10 {
		c.evict()
	}

	if c.mirror != nil {
		c.mirror.PublishUpdate(ev.Signature, ev)
	}
}

// pushRing appends v to ring, trimming from the front once it exceeds cap.
func pushRing(ring []float64, v float64, capSize int) []float64 {
	ring = append(ring, v)
	if len(ring) > capSize {
		ring = ring[len(ring)-capSize:]
	}
	return ring
}

// evict trims the cache back to MaxEntries, least-frequently-used first
// (lowest AccessCount, oldest LastSeen breaking ties), skipping hot entries
// (hitCount > hotThreshold) unless no cooler candidate remains (spec §4.5
// "Eviction skips hot entries").
func (c *AggregateCache) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) <= c.maxEntries {
		return
	}

	type candidate struct {
		sig         string
		hitCount    int64
		accessCount int64
		lastSeen    time.Time
	}
	all := make([]candidate, 0, len(c.entries))
	for sig, agg := range c.entries {
		agg.mu.Lock()
		all = append(all, candidate{sig: sig, hitCount: agg.HitCount, accessCount: agg.AccessCount, lastSeen: agg.LastSeen})
		agg.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].accessCount != all[j].accessCount {
			return all[i].accessCount < all[j].accessCount
		}
		return all[i].lastSeen.Before(all[j].lastSeen)
	})

	toEvict := len(c.entries) - c.maxEntries
	evicted := 0
	for _, cand := range all {
		if evicted >= toEvict {
			break
		}
		if cand.hitCount > hotThreshold {
			continue // skip hot entries on the first pass
		}
		delete(c.entries, cand.sig)
		evicted++
	}
	// If cooler candidates weren't enough, evict the least-used hot entries too.
	for _, cand := range all {
		if evicted >= toEvict {
			break
		}
		if _, ok := c.entries[cand.sig]; ok {
			delete(c.entries, cand.sig)
			evicted++
		}
	}
	c.sortedDirty = true
	slog.Debug("aggregate cache eviction", "evicted", evicted, "remaining", len(c.entries))
}

// HalveAccessCounts halves every entry's AccessCount, the periodic LFU
// anti-starvation sweep (spec §4.5, §3 "periodically halve all accessCount").
// Intended to be called from a ticker-driven maintenance loop.
func (c *AggregateCache) HalveAccessCounts() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, agg := range c.entries {
		agg.mu.Lock()
		agg.AccessCount /= 2
		agg.mu.Unlock()
	}
}

// Get returns a snapshot of the aggregate for sig, if present, bumping its
// access count (LFU read accounting).
func (c *AggregateCache) Get(sig string) (SignatureAggregate, bool) {
	c.mu.RLock()
	agg, ok := c.entries[sig]
	c.mu.RUnlock()
	if !ok {
		return SignatureAggregate{}, false
	}
	agg.mu.Lock()
	agg.AccessCount++
	agg.mu.Unlock()
	return agg.Snapshot(), true
}

// ApplyBotName performs a latest-wins writeback of enrichment data (spec
// §4.5 "applyBotName").
func (c *AggregateCache) ApplyBotName(sig, name, description string) bool {
	c.mu.RLock()
	agg, ok := c.entries[sig]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	agg.mu.Lock()
	agg.BotName = name
	if description != "" {
		agg.Description = description
	}
	agg.mu.Unlock()

	c.mu.Lock()
	c.sortedDirty = true
	c.mu.Unlock()
	return true
}

// Seed idempotently populates the cache from a pre-existing list of bot
// aggregates (spec §4.5 "seed"), e.g. loaded from an external store at
// startup. Existing entries are not overwritten.
func (c *AggregateCache) Seed(entries []SignatureAggregate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if _, exists := c.entries[e.Signature]; exists {
			continue
		}
		cp := e
		c.entries[e.Signature] = &cp
	}
	c.sortedDirty = true
}

// SortField selects TopBots' ordering.
type SortField string

const (
	SortByHits        SortField = "hits"
	SortByName        SortField = "name"
	SortByLastSeen    SortField = "lastSeen"
	SortByCountry     SortField = "country"
	SortByProbability SortField = "probability"
)

// TopBots returns a paginated, sorted snapshot of bot entries (entries with
// a non-empty BotType), optionally filtered by country (spec §4.5
// "topBots"). Uses double-checked locking over a dirty flag so readers
// never block the eviction loop (spec §4.5 "Sorted-view uses
// double-checked locking").
func (c *AggregateCache) TopBots(page, pageSize int, sort_ SortField, filterCountry string) []SignatureAggregate {
	c.rebuildSortedViewIfDirty()

	c.mu.RLock()
	sigs := append([]string(nil), c.sortedView...)
	c.mu.RUnlock()

	var bots []SignatureAggregate
	for _, sig := range sigs {
		c.mu.RLock()
		agg, ok := c.entries[sig]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		snap := agg.Snapshot()
		if snap.BotType == "" {
			continue
		}
		if filterCountry != "" && snap.CountryCode != filterCountry {
			continue
		}
		bots = append(bots, snap)
	}

	sortBots(bots, sort_)

	if pageSize <= 0 {
		pageSize = len(bots)
	}
	start := page * pageSize
	if start >= len(bots) || start < 0 {
		return nil
	}
	end := start + pageSize
	if end > len(bots) {
		end = len(bots)
	}
	return bots[start:end]
}

func sortBots(bots []SignatureAggregate, field SortField) {
	switch field {
	case SortByName:
		sort.Slice(bots, func(i, j int) bool { return bots[i].BotName < bots[j].BotName })
	case SortByLastSeen:
		sort.Slice(bots, func(i, j int) bool { return bots[i].LastSeen.After(bots[j].LastSeen) })
	case SortByCountry:
		sort.Slice(bots, func(i, j int) bool { return bots[i].CountryCode < bots[j].CountryCode })
	case SortByProbability:
		sort.Slice(bots, func(i, j int) bool { return bots[i].Probability > bots[j].Probability })
	default: // SortByHits
		sort.Slice(bots, func(i, j int) bool { return bots[i].HitCount > bots[j].HitCount })
	}
}

func (c *AggregateCache) rebuildSortedViewIfDirty() {
	c.mu.RLock()
	dirty := c.sortedDirty
	c.mu.RUnlock()
	if !dirty {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sortedDirty {
		return // another goroutine rebuilt it first
	}
	sigs := make([]string, 0, len(c.entries))
	for sig := range c.entries {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool {
		return c.entries[sigs[i]].HitCount > c.entries[sigs[j]].HitCount
	})
	c.sortedView = sigs
	c.sortedDirty = false
}

// Sparkline returns a copy of sig's probability ring (spec §4.5 "sparkline").
func (c *AggregateCache) Sparkline(sig string) []float64 {
	c.mu.RLock()
	agg, ok := c.entries[sig]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return agg.Snapshot().ProbabilityRing
}

// Len returns the current number of cached signatures.
func (c *AggregateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

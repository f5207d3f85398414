package cache

import (
	"sync"
	"time"
)

// RecentPathsLimit caps the ring of recent request paths kept per visitor
// (spec §3 "VisitorAggregate", "recent paths, bounded ring ≤ 20").
const RecentPathsLimit = 20

// VisitorAggregate is per-visitor state tracked across requests that share
// a signature, independent of whether the visitor is classified as a bot
// (spec §3 "VisitorAggregate").
type VisitorAggregate struct {
	mu sync.Mutex

	Signature string

	RecentPaths []string

	MinProcessingTime float64
	MaxProcessingTime float64
	LastProcessingTime float64

	LastRequestID string

	RequestCount int64
	FirstSeen    time.Time
	LastSeen     time.Time

	InferredBotName string
	InferredBotType string

	categoryCounts map[string]int64 // filter counts by detector category
}

// Snapshot returns a consistent copy safe to hand to a reader.
func (v *VisitorAggregate) Snapshot() VisitorAggregate {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := *v
	cp.RecentPaths = append([]string(nil), v.RecentPaths...)
	cp.categoryCounts = make(map[string]int64, len(v.categoryCounts))
	for k, val := range v.categoryCounts {
		cp.categoryCounts[k] = val
	}
	return cp
}

// CategoryCount returns how many requests from this visitor were flagged
// by the given detector category.
func (v *VisitorAggregate) CategoryCount(category string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.categoryCounts[category]
}

// VisitorEvent is the write-through input for VisitorListCache.Observe.
type VisitorEvent struct {
	Signature      string
	Path           string
	ProcessingTime float64
	RequestID      string
	Categories     []string // detector categories that fired on this request
	BotName        string
	BotType        string
}

// VisitorListCache tracks recent per-visitor behaviour used by detectors
// for session-level heuristics (spec §4.5 "VisitorListCache"). It does not
// evict on its own: entries are removed only through Evict, which the
// Maintenance idle sweep calls for visitors idle longer than its
// configured expiry. There is no capacity bound.
type VisitorListCache struct {
	mu       sync.RWMutex
	visitors map[string]*VisitorAggregate
}

// NewVisitorListCache returns an empty cache.
func NewVisitorListCache() *VisitorListCache {
	return &VisitorListCache{visitors: make(map[string]*VisitorAggregate)}
}

// Observe records one request against its visitor aggregate, creating it
// if absent.
func (c *VisitorListCache) Observe(ev VisitorEvent) {
	c.mu.Lock()
	v, ok := c.visitors[ev.Signature]
	if !ok {
		v = &VisitorAggregate{
			Signature:         ev.Signature,
			FirstSeen:         time.Now(),
			MinProcessingTime: ev.ProcessingTime,
			MaxProcessingTime: ev.ProcessingTime,
			categoryCounts:    make(map[string]int64),
		}
		c.visitors[ev.Signature] = v
	}
	c.mu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	v.RecentPaths = append(v.RecentPaths, ev.Path)
	if len(v.RecentPaths) > RecentPathsLimit {
		v.RecentPaths = v.RecentPaths[len(v.RecentPaths)-RecentPathsLimit:]
	}

	if ev.ProcessingTime < v.MinProcessingTime || v.RequestCount == 0 {
		v.MinProcessingTime = ev.ProcessingTime
	}
	if ev.ProcessingTime > v.MaxProcessingTime {
		v.MaxProcessingTime = ev.ProcessingTime
	}
	v.LastProcessingTime = ev.ProcessingTime

	if ev.RequestID != "" {
		v.LastRequestID = ev.RequestID
	}
	v.RequestCount++
	v.LastSeen = time.Now()
	if v.FirstSeen.IsZero() {
		v.FirstSeen = v.LastSeen
	}

	if ev.BotName != "" {
		v.InferredBotName = ev.BotName
	}
	if ev.BotType != "" {
		v.InferredBotType = ev.BotType
	}

	if v.categoryCounts == nil {
		v.categoryCounts = make(map[string]int64)
	}
	for _, cat := range ev.Categories {
		v.categoryCounts[cat]++
	}
}

// Get returns a snapshot of the visitor aggregate for sig, if present.
func (c *VisitorListCache) Get(sig string) (VisitorAggregate, bool) {
	c.mu.RLock()
	v, ok := c.visitors[sig]
	c.mu.RUnlock()
	if !ok {
		return VisitorAggregate{}, false
	}
	return v.Snapshot(), true
}

// InferBotIdentity is a lightweight heuristic used when a detector hasn't
// produced a named bot identity but the visitor's path pattern strongly
// suggests one (spec §4.5 "bot-identity inference heuristics"): a visitor
// whose recent paths include /robots.txt and at least RecentPathsLimit/2
// distinct paths is treated as a crawler absent a better signal. Referers
// are not considered. This never overrides a detector-supplied identity.
func (v *VisitorAggregate) InferBotIdentity() (botType string, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.InferredBotType != "" {
		return v.InferredBotType, true
	}
	seenRobots := false
	distinct := make(map[string]struct{}, len(v.RecentPaths))
	for _, p := range v.RecentPaths {
		distinct[p] = struct{}{}
		if p == "/robots.txt" {
			seenRobots = true
		}
	}
	if seenRobots && len(distinct) >= RecentPathsLimit/2 {
		return "crawler", true
	}
	return "", false
}

// Len returns the current number of tracked visitors.
func (c *VisitorListCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.visitors)
}

// Evict removes sig's aggregate, used by an external eviction sweep
// (e.g. driven by the same maintenance ticker as AggregateCache).
func (c *VisitorListCache) Evict(sig string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.visitors, sig)
}

// OldestIdleSignatures returns up to limit signatures whose LastSeen is
// older than olderThan, oldest first — used by a maintenance sweep to pick
// eviction candidates without holding the cache lock while ranging.
func (c *VisitorListCache) OldestIdleSignatures(olderThan time.Time, limit int) []string {
	c.mu.RLock()
	type cand struct {
		sig      string
		lastSeen time.Time
	}
	cands := make([]cand, 0, len(c.visitors))
	for sig, v := range c.visitors {
		v.mu.Lock()
		last := v.LastSeen
		v.mu.Unlock()
		if last.Before(olderThan) {
			cands = append(cands, cand{sig: sig, lastSeen: last})
		}
	}
	c.mu.RUnlock()

	// Simple insertion sort is fine here: this runs on a background
	// maintenance interval, not the request path.
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].lastSeen.Before(cands[j-1].lastSeen); j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}

	if limit <= 0 || limit > len(cands) {
		limit = len(cands)
	}
	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = cands[i].sig
	}
	return out
}

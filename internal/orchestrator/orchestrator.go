// Package orchestrator implements the Blackboard Orchestrator (spec §4.1):
// it schedules a detection policy's detectors in parallel waves over a
// shared per-request blackboard, honouring per-wave and global timeouts,
// per-detector circuit breaking, and quorum-based early exit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/botdetect/internal/blackboard"
	"github.com/ocx/botdetect/internal/circuitbreaker"
	"github.com/ocx/botdetect/internal/detector"
	"github.com/ocx/botdetect/internal/envelope"
)

// Errors for Detect's failure modes. Detect returns ErrInternal and
// ErrCancelled; an expired overall deadline is reported through the
// ledger's Timeout verdict rather than as ErrTimeoutExceeded.
var (
	ErrTimeoutExceeded = errors.New("orchestrator: overall deadline exceeded")
	ErrCancelled       = errors.New("orchestrator: cancelled")
	ErrInternal        = errors.New("orchestrator: internal precondition violation")
)

// EarlyExitVerdict names why the orchestrator stopped before running every
// wave (spec §3 "AggregatedEvidence.earlyExitVerdict").
type EarlyExitVerdict string

const (
	NoEarlyExit          EarlyExitVerdict = ""
	VerifiedGoodBot      EarlyExitVerdict = "VerifiedGoodBot"
	VerifiedBadBot       EarlyExitVerdict = "VerifiedBadBot"
	Whitelisted          EarlyExitVerdict = "Whitelisted"
	QuorumReached        EarlyExitVerdict = "QuorumReached"
	TimeoutVerdict       EarlyExitVerdict = "Timeout"
)

// Policy is the subset of a resolved detection policy the orchestrator
// needs to run a request. internal/middleware builds one from an
// internal/policy.DetectionPolicy for each request.
type Policy struct {
	// Name identifies the policy, echoed into the ledger for audit.
	Name string
	// Excluded is the set of detector names this policy disables.
	Excluded map[string]bool
	// Included, when non-empty, restricts every wave to only the named
	// detectors — the orchestrator-side counterpart of a detection
	// policy's ordered detector list (spec §4.4). An empty or nil map
	// means no restriction: all registered, non-Excluded detectors run.
	Included map[string]bool
	// MaxParallelDetectors caps concurrency within a single wave. 0 means
	// unbounded (limited only by the number of detectors in the wave).
	MaxParallelDetectors int
	// WaveTimeout bounds a single wave's execution.
	WaveTimeout time.Duration
	// ContinueOnWaveFailure, if false, aborts remaining waves when a wave
	// times out instead of proceeding to the next wave.
	ContinueOnWaveFailure bool
	// GlobalTimeout bounds the entire Detect call.
	GlobalTimeout time.Duration
	// EnableQuorumExit turns on the running-probability early exit.
	EnableQuorumExit bool
	// QuorumConfidenceThreshold is the running probability at which the
	// orchestrator may stop early (spec §4.1).
	QuorumConfidenceThreshold float64
	// RunningProbability computes an interim probability from the ledger
	// collected so far, using the same weighting the Evidence Aggregator
	// will eventually use. Supplied by the caller (internal/middleware wraps
	// evidence.Aggregate) to avoid an import cycle between orchestrator and
	// evidence.
	RunningProbability func(ledger []detector.Contribution) float64
}

// Ledger is the append-only list of contributions collected for one
// request, plus bookkeeping the Evidence Aggregator needs (spec §3
// "DetectionLedger").
type Ledger struct {
	RequestID             string
	Contributions         []detector.Contribution
	EarlyExit             bool
	EarlyExitVerdict       EarlyExitVerdict
	TotalProcessingTimeMs  float64
	WavesRun               int
	AIRan                  bool
}

// Orchestrator runs detectors in waves over a blackboard.
type Orchestrator struct {
	registry *detector.Registry
	breakers *circuitbreaker.Manager
}

// New builds an Orchestrator backed by reg for detector discovery and a
// freshly constructed circuit breaker manager.
func New(reg *detector.Registry) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		breakers: circuitbreaker.NewManager(circuitbreaker.DefaultConfig("")),
	}
}

// Breakers exposes the circuit breaker manager for metrics/introspection.
func (o *Orchestrator) Breakers() *circuitbreaker.Manager { return o.breakers }

// Detect runs policy's detector set in waves and returns the populated
// ledger. It never panics or lets a detector's error propagate past this
// call (spec §4.1, §7): detector failures become ledger reasons.
func (o *Orchestrator) Detect(ctx context.Context, env *envelope.Request, pol Policy) (*Ledger, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil request envelope", ErrInternal)
	}

	ledger := &Ledger{RequestID: env.ID}

	globalCtx := ctx
	var cancelGlobal context.CancelFunc
	if pol.GlobalTimeout > 0 {
		globalCtx, cancelGlobal = context.WithTimeout(ctx, pol.GlobalTimeout)
		defer cancelGlobal()
	}

	bb := blackboard.New()
	waves := o.registry.Waves()

	start := time.Now()
	for _, wave := range waves {
		select {
		case <-globalCtx.Done():
			ledger.EarlyExit = true
			ledger.EarlyExitVerdict = timeoutOrCancelled(ctx, globalCtx)
			ledger.TotalProcessingTimeMs = msSince(start)
			if ledger.EarlyExitVerdict == NoEarlyExit {
				return ledger, ErrCancelled
			}
			return ledger, nil
		default:
		}

		contributions := o.runWave(globalCtx, env, bb, pol, wave)
		ledger.Contributions = append(ledger.Contributions, contributions...)
		ledger.WavesRun++
		if waveHasAIDetector(wave) {
			ledger.AIRan = true
		}

		if v, stop := shortCircuitVerdict(contributions); stop {
			ledger.EarlyExit = true
			ledger.EarlyExitVerdict = v
			ledger.TotalProcessingTimeMs = msSince(start)
			return ledger, nil
		}

		if pol.EnableQuorumExit && pol.RunningProbability != nil {
			p := pol.RunningProbability(ledger.Contributions)
			if p >= pol.QuorumConfidenceThreshold {
				ledger.EarlyExit = true
				ledger.EarlyExitVerdict = QuorumReached
				ledger.TotalProcessingTimeMs = msSince(start)
				return ledger, nil
			}
		}

		if !pol.ContinueOnWaveFailure {
			for _, c := range contributions {
				if c.Detector == "orchestrator" { // runWave's wave-timeout marker
					ledger.EarlyExit = true
					ledger.EarlyExitVerdict = TimeoutVerdict
					ledger.TotalProcessingTimeMs = msSince(start)
					return ledger, nil
				}
			}
		}
	}

	ledger.TotalProcessingTimeMs = msSince(start)
	return ledger, nil
}

// runWave executes every detector in wave concurrently (bounded by
// pol.MaxParallelDetectors), honouring the wave timeout and each
// detector's circuit breaker.
func (o *Orchestrator) runWave(ctx context.Context, env *envelope.Request, bb *blackboard.Blackboard, pol Policy, wave []detector.Detector) []detector.Contribution {
	waveCtx := ctx
	var cancelWave context.CancelFunc
	if pol.WaveTimeout > 0 {
		waveCtx, cancelWave = context.WithTimeout(ctx, pol.WaveTimeout)
		defer cancelWave()
	}

	limit := pol.MaxParallelDetectors
	if limit <= 0 {
		limit = len(wave)
	}
	sem := make(chan struct{}, max(limit, 1))

	var mu sync.Mutex
	var out []detector.Contribution
	var wg sync.WaitGroup

	for _, d := range wave {
		if pol.Excluded[d.Name()] {
			continue
		}
		if len(pol.Included) > 0 && !pol.Included[d.Name()] {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(d detector.Detector) {
			defer wg.Done()
			defer func() { <-sem }()

			c := o.runDetector(waveCtx, env, bb, d)
			if c != nil {
				mu.Lock()
				out = append(out, *c)
				mu.Unlock()
			}
		}(d)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-waveCtx.Done():
		mu.Lock()
		out = append(out, detector.Contribution{
			Detector: "orchestrator",
			Category: "System",
			Reason:   "wave timeout exceeded, outstanding detectors cancelled",
		})
		mu.Unlock()
		if !pol.ContinueOnWaveFailure {
			// Still wait for in-flight detectors to observe cancellation and
			// release their semaphore slots before Detect stops the run.
			<-done
		}
	}

	return out
}

// runDetector invokes a single detector through its circuit breaker,
// absorbing panics and errors into reason-bearing contributions rather than
// letting them propagate (spec §4.1, §7).
func (o *Orchestrator) runDetector(ctx context.Context, env *envelope.Request, bb *blackboard.Blackboard, d detector.Detector) *detector.Contribution {
	breaker := o.breakers.GetForCategory(d.Name(), d.Category())
	if err := breaker.Allow(); err != nil {
		return &detector.Contribution{
			Detector: d.Name(),
			Category: d.Category(),
			Reason:   fmt.Sprintf("circuit-open: %s", err),
		}
	}

	detectorCtx := ctx
	var cancel context.CancelFunc
	if t, ok := d.(detector.Timeout); ok {
		if enabled, ms := t.Timeout(); enabled && ms > 0 {
			detectorCtx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
			defer cancel()
		}
	}

	started := time.Now()
	result, err := breaker.ExecuteContext(detectorCtx, func(dctx context.Context) (any, error) {
		return safeContribute(dctx, env, bb, d)
	})
	elapsed := float64(time.Since(started).Microseconds()) / 1000.0

	if err != nil {
		slog.Debug("detector failed", "detector", d.Name(), "error", err)
		return &detector.Contribution{
			Detector:       d.Name(),
			Category:       d.Category(),
			ProcessingTime: elapsed,
			Reason:         fmt.Sprintf("detector %s failed: %s", d.Name(), err),
		}
	}

	contrib, _ := result.(*detector.Contribution)
	if contrib == nil {
		return nil // "no opinion" — absence is neutral, not evidence (spec §4.2)
	}
	c := contrib.Clamp()
	c.Detector = d.Name()
	c.Category = d.Category()
	if c.ProcessingTime == 0 {
		c.ProcessingTime = elapsed
	}
	return &c
}

// safeContribute recovers a panicking detector into an error so it never
// crashes the middleware (spec §7 "Detector failure").
func safeContribute(ctx context.Context, env *envelope.Request, bb *blackboard.Blackboard, d detector.Detector) (result *detector.Contribution, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Contribute(ctx, env, bb)
}

func shortCircuitVerdict(contributions []detector.Contribution) (EarlyExitVerdict, bool) {
	for _, c := range contributions {
		switch c.Verdict {
		case detector.VerifiedGoodBot:
			return VerifiedGoodBot, true
		case detector.VerifiedBadBot:
			return VerifiedBadBot, true
		case detector.Whitelisted:
			return Whitelisted, true
		}
	}
	return NoEarlyExit, false
}

func waveHasAIDetector(wave []detector.Detector) bool {
	for _, d := range wave {
		if d.Category() == "AI" {
			return true
		}
	}
	return false
}

func timeoutOrCancelled(parent, child context.Context) EarlyExitVerdict {
	if parent.Err() == context.Canceled {
		return NoEarlyExit // caller cancellation is reported via the returned error, not a verdict
	}
	_ = child
	return TimeoutVerdict
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

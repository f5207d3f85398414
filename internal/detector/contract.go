// Package detector defines the contract every bot detector must satisfy
// (spec §4.2) plus the contribution and verdict types that flow from a
// detector into the DetectionLedger. The core ships no detector
// implementations: UA matching, IP reputation, TLS fingerprinting, and LLM
// classification are external collaborators (spec §1).
package detector

import (
	"context"

	"github.com/ocx/botdetect/internal/blackboard"
	"github.com/ocx/botdetect/internal/envelope"
)

// Verdict is a short-circuit signal a detector may attach to a Contribution.
// A non-empty Verdict ends the pipeline immediately at the next wave
// boundary check (spec §4.1 "Short-circuit verdicts").
type Verdict string

const (
	VerdictNone          Verdict = ""
	VerifiedGoodBot      Verdict = "VerifiedGoodBot"
	VerifiedBadBot       Verdict = "VerifiedBadBot"
	Whitelisted          Verdict = "Whitelisted"
)

// Contribution is one detector's signed, weighted, reasoned opinion about
// one request (spec §3 "DetectorContribution").
type Contribution struct {
	Detector        string
	Category        string
	ConfidenceDelta float64 // clamped to [-1, 1] by the aggregator
	Weight          float64 // >= 0
	Reason          string
	ProcessingTime  float64 // milliseconds
	Priority        int
	Verdict         Verdict
	BotType         string
	BotName         string
}

// Clamp returns a copy of c with ConfidenceDelta clamped to [-1, 1] and a
// negative Weight floored at 0.
func (c Contribution) Clamp() Contribution {
	if c.ConfidenceDelta > 1 {
		c.ConfidenceDelta = 1
	}
	if c.ConfidenceDelta < -1 {
		c.ConfidenceDelta = -1
	}
	if c.Weight < 0 {
		c.Weight = 0
	}
	return c
}

// Detector is the contract every bot detector must satisfy (spec §4.2).
//
// Implementations MUST be cancellation-cooperative, MUST NOT mutate env, and
// SHOULD return (nil, nil) to mean "no opinion" — absence is treated as
// neutral, never as evidence of human-like behaviour.
type Detector interface {
	// Name is a stable, unique identifier for this detector.
	Name() string
	// Category groups this detector for policy weighting and the evidence
	// category breakdown (e.g. "UserAgent", "Behavioral", "Fingerprint").
	Category() string
	// Wave is the integer wave (1..N) this detector belongs to.
	Wave() int
	// DefaultWeight is the weight applied absent a policy override.
	DefaultWeight() float64
	// Priority orders detectors within a wave for diagnostic purposes and
	// for the within-wave explicit-wait rule (spec §4.1).
	Priority() int
	// Contribute evaluates one request. A nil, nil return means "no
	// opinion". Implementations must respect cancel and return promptly
	// after it fires.
	Contribute(ctx context.Context, env *envelope.Request, bb *blackboard.Blackboard) (*Contribution, error)
}

// Timeout is an optional interface a Detector may additionally implement to
// declare a per-detector timeout narrower than the wave timeout.
type Timeout interface {
	Timeout() (enabled bool, timeout int64)
}

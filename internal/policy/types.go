// Package policy implements the Policy Engine (spec §4.4): detection-policy
// resolution (request -> detector set, weights, thresholds) and
// action-policy resolution (aggregated evidence -> allow/block/throttle/
// challenge/log-only decision).
package policy

import (
	"time"

	"github.com/ocx/botdetect/internal/evidence"
)

// DetectionPolicy is a named bundle of detectors, weights, and thresholds
// (spec §3 "DetectionPolicy").
type DetectionPolicy struct {
	PolicyName string

	// OrderedDetectors names the detectors this policy wants to run.
	// When non-empty, detectors not in this list are excluded for this
	// policy even if registered globally; an empty list runs them all.
	OrderedDetectors []string
	ExcludedDetectors map[string]bool

	GlobalWeights   map[string]float64 // detector name -> multiplier, default 1.0
	CategoryWeights map[string]float64 // category -> multiplier, default 1.0

	ImmediateBlockThreshold float64
	MinConfidence           float64
	ActionPolicyOverridable bool

	TransitionList []evidence.Transition

	// Calibration is W* (spec §4.3 step 4): sum of weights of a "typical
	// complete" policy run, used to normalise confidence.
	Calibration float64

	// Orchestrator knobs (spec §4.1).
	MaxParallelDetectors      int
	WaveTimeout               time.Duration
	ContinueOnWaveFailure     bool
	GlobalTimeout             time.Duration
	EnableQuorumExit          bool
	QuorumConfidenceThreshold float64
}

// Name implements evidence.WeightPolicy.
func (p *DetectionPolicy) Name() string { return p.PolicyName }

// GlobalWeight implements evidence.WeightPolicy.
func (p *DetectionPolicy) GlobalWeight(detectorName string) float64 {
	if w, ok := p.GlobalWeights[detectorName]; ok {
		return w
	}
	return 1.0
}

// CategoryWeight implements evidence.WeightPolicy.
func (p *DetectionPolicy) CategoryWeight(category string) float64 {
	if w, ok := p.CategoryWeights[category]; ok {
		return w
	}
	return 1.0
}

// IsExcluded implements evidence.WeightPolicy.
func (p *DetectionPolicy) IsExcluded(detectorName string) bool {
	return p.ExcludedDetectors[detectorName]
}

// Transitions implements evidence.WeightPolicy.
func (p *DetectionPolicy) Transitions() []evidence.Transition { return p.TransitionList }

// CalibrationWeight implements evidence.WeightPolicy.
func (p *DetectionPolicy) CalibrationWeight() float64 { return p.Calibration }

// ActionKind tags an ActionPolicy's strategy (spec §3 "ActionPolicy").
type ActionKind string

const (
	ActionBlock     ActionKind = "Block"
	ActionThrottle  ActionKind = "Throttle"
	ActionChallenge ActionKind = "Challenge"
	ActionRedirect  ActionKind = "Redirect"
	ActionLogOnly   ActionKind = "LogOnly"
	ActionDebug     ActionKind = "Debug"
)

// ActionPolicy is a named response strategy (spec §3 "ActionPolicy").
type ActionPolicy struct {
	PolicyName string
	Kind       ActionKind

	StatusCode     int
	Message        string
	Delay          time.Duration
	JitterPercent  float64
	ScaleByRisk    bool
	ResponseDelay  time.Duration
	RedirectURL    string
	ChallengeKind  string
}

// Outcome is what executing an ActionPolicy decided for the request (spec
// §3 "An action-policy execution returns {Continue: bool}").
type Outcome struct {
	Continue      bool
	StatusCode    int
	Body          map[string]any
	RetryAfterSec int
	Headers       map[string]string
}

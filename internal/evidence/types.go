// Package evidence implements the Evidence Aggregator (spec §4.3): it fuses
// a DetectionLedger into an immutable AggregatedEvidence snapshot —
// probability, confidence, risk band, primary bot identity, category
// breakdown, and the action-policy trigger.
package evidence

import (
	"github.com/ocx/botdetect/internal/detector"
	"github.com/ocx/botdetect/internal/orchestrator"
)

// RiskBand buckets botProbability for policy and display (spec §4.3 step 5).
type RiskBand string

const (
	RiskUnknown  RiskBand = "Unknown"
	RiskVeryLow  RiskBand = "VeryLow"
	RiskLow      RiskBand = "Low"
	RiskElevated RiskBand = "Elevated"
	RiskMedium   RiskBand = "Medium"
	RiskHigh     RiskBand = "High"
	RiskVeryHigh RiskBand = "VeryHigh"
)

// BandForProbability implements the spec §4.3/§8 threshold table. Ties at a
// threshold round up into the higher band ("0.70 -> High").
func BandForProbability(p float64) RiskBand {
	switch {
	case p >= 0.85:
		return RiskVeryHigh
	case p >= 0.70:
		return RiskHigh
	case p >= 0.50:
		return RiskMedium
	case p >= 0.30:
		return RiskElevated
	case p >= 0.15:
		return RiskLow
	default:
		return RiskVeryLow
	}
}

// CategoryScore summarises one category's contributions (spec §4.3 step 7).
type CategoryScore struct {
	Score        float64
	Contributors []string
}

// AggregatedEvidence is the immutable per-request summary produced by
// Aggregate (spec §3 "AggregatedEvidence").
type AggregatedEvidence struct {
	BotProbability float64
	Confidence     float64
	RiskBand       RiskBand

	PrimaryBotType string
	PrimaryBotName string

	CategoryBreakdown     map[string]CategoryScore
	ContributingDetectors map[string]struct{}
	Signals               map[string]any

	PolicyName              string
	TriggeredActionPolicy   string
	PolicyAction             string

	EarlyExit        bool
	EarlyExitVerdict orchestrator.EarlyExitVerdict

	TotalProcessingTimeMs float64
	AIRan                 bool

	// ledger retains the full contribution list (including zero-weight
	// entries dropped from the exported snapshot) for internal audit only
	// (spec §4.3 step 9).
	ledger []detector.Contribution
}

// Ledger returns the full internal contribution list, including entries
// excluded from the exported CategoryBreakdown/ContributingDetectors by
// zero effective weight. Intended for audit tooling, not for policy logic.
func (e *AggregatedEvidence) Ledger() []detector.Contribution {
	out := make([]detector.Contribution, len(e.ledger))
	copy(out, e.ledger)
	return out
}

package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/botdetect/internal/detector"
	"github.com/ocx/botdetect/internal/orchestrator"
)

type stubPolicy struct {
	name        string
	weights     map[string]float64
	categories  map[string]float64
	excluded    map[string]bool
	transitions []Transition
	calibration float64
}

func (p stubPolicy) Name() string { return p.name }
func (p stubPolicy) GlobalWeight(name string) float64 {
	if w, ok := p.weights[name]; ok {
		return w
	}
	return 1.0
}
func (p stubPolicy) CategoryWeight(category string) float64 {
	if w, ok := p.categories[category]; ok {
		return w
	}
	return 1.0
}
func (p stubPolicy) IsExcluded(name string) bool          { return p.excluded[name] }
func (p stubPolicy) Transitions() []Transition            { return p.transitions }
func (p stubPolicy) CalibrationWeight() float64           { return p.calibration }

func ledgerOf(contribs ...detector.Contribution) *orchestrator.Ledger {
	return &orchestrator.Ledger{Contributions: contribs}
}

func TestAggregate_EmptyLedgerYieldsZeroProbability(t *testing.T) {
	pol := stubPolicy{name: "default", calibration: 1}
	ev := Aggregate(ledgerOf(), pol, nil)

	assert.Equal(t, 0.0, ev.BotProbability)
	assert.Equal(t, 0.0, ev.Confidence)
	assert.Equal(t, RiskVeryLow, ev.RiskBand, "zero probability falls into the lowest band, not Unknown")
}

func TestAggregate_ProbabilityAndConfidenceStayInUnitRange(t *testing.T) {
	pol := stubPolicy{name: "default", calibration: 2}
	ev := Aggregate(ledgerOf(
		detector.Contribution{Detector: "a", Category: "UserAgent", ConfidenceDelta: 1, Weight: 5},
		detector.Contribution{Detector: "b", Category: "UserAgent", ConfidenceDelta: -1, Weight: 0.5},
	), pol, nil)

	assert.GreaterOrEqual(t, ev.BotProbability, 0.0)
	assert.LessOrEqual(t, ev.BotProbability, 1.0)
	assert.GreaterOrEqual(t, ev.Confidence, 0.0)
	assert.LessOrEqual(t, ev.Confidence, 1.0)
}

func TestAggregate_VerifiedGoodBotForcesZeroProbabilityAndOverridesBand(t *testing.T) {
	pol := stubPolicy{name: "default", calibration: 1}
	ev := Aggregate(ledgerOf(
		detector.Contribution{Detector: "ua", Category: "UserAgent", ConfidenceDelta: 1, Weight: 1, Verdict: detector.VerifiedGoodBot},
	), pol, nil)

	assert.Equal(t, 0.0, ev.BotProbability)
	assert.Equal(t, RiskVeryLow, ev.RiskBand)
	assert.Equal(t, orchestrator.VerifiedGoodBot, ev.EarlyExitVerdict)
}

func TestAggregate_VerifiedGoodBotNeverTriggersActionPolicy(t *testing.T) {
	pol := stubPolicy{
		name:        "default",
		calibration: 1,
		transitions: []Transition{
			{Name: "any", MinProbability: 0, ActionPolicyName: "block"},
		},
	}
	ev := Aggregate(ledgerOf(
		detector.Contribution{Detector: "ua", Category: "UserAgent", ConfidenceDelta: 1, Weight: 1, Verdict: detector.VerifiedGoodBot},
	), pol, nil)

	assert.Equal(t, 0.0, ev.BotProbability)
	assert.Empty(t, ev.TriggeredActionPolicy, "a MinProbability:0 transition must not fire for a verified-good-bot verdict")
}

func TestAggregate_VerifiedBadBotForcesMaxProbabilityAndBand(t *testing.T) {
	pol := stubPolicy{name: "default", calibration: 1}
	ev := Aggregate(ledgerOf(
		detector.Contribution{Detector: "ua", Category: "UserAgent", ConfidenceDelta: -1, Weight: 1, Verdict: detector.VerifiedBadBot},
	), pol, nil)

	assert.Equal(t, 1.0, ev.BotProbability)
	assert.Equal(t, RiskVeryHigh, ev.RiskBand)
}

func TestAggregate_ExcludedDetectorDoesNotContribute(t *testing.T) {
	pol := stubPolicy{name: "default", calibration: 1, excluded: map[string]bool{"ua": true}}
	ev := Aggregate(ledgerOf(
		detector.Contribution{Detector: "ua", Category: "UserAgent", ConfidenceDelta: 1, Weight: 1},
	), pol, nil)

	assert.Equal(t, 0.0, ev.BotProbability)
	assert.Empty(t, ev.ContributingDetectors)
}

func TestAggregate_CategoryBreakdownOnlyIncludesNonZeroWeight(t *testing.T) {
	pol := stubPolicy{name: "default", calibration: 1}
	ev := Aggregate(ledgerOf(
		detector.Contribution{Detector: "a", Category: "UserAgent", ConfidenceDelta: 1, Weight: 1},
		detector.Contribution{Detector: "b", Category: "Behavioral", ConfidenceDelta: 1, Weight: 0},
	), pol, nil)

	_, hasA := ev.ContributingDetectors["a"]
	_, hasB := ev.ContributingDetectors["b"]
	assert.True(t, hasA)
	assert.False(t, hasB, "zero-weight contributions must not appear as contributing detectors")
	_, hasBehavioral := ev.CategoryBreakdown["Behavioral"]
	assert.False(t, hasBehavioral, "zero-weight contributions must not appear in the category breakdown")

	require.Len(t, ev.Ledger(), 2, "the internal ledger retains zero-weight contributions for audit")
}

func TestAggregate_TransitionFiresInDeclaredOrder(t *testing.T) {
	pol := stubPolicy{
		name:        "default",
		calibration: 1,
		transitions: []Transition{
			{Name: "high-risk", MinProbability: 0.8, ActionPolicyName: "block"},
			{Name: "any", MinProbability: 0, ActionPolicyName: "log-only"},
		},
	}
	ev := Aggregate(ledgerOf(
		detector.Contribution{Detector: "a", Category: "UserAgent", ConfidenceDelta: 1, Weight: 10},
	), pol, nil)

	assert.Equal(t, "block", ev.TriggeredActionPolicy)
}

func TestAggregate_PrimaryBotIdentityIsHighestScoringNamedContribution(t *testing.T) {
	pol := stubPolicy{name: "default", calibration: 1}
	ev := Aggregate(ledgerOf(
		detector.Contribution{Detector: "weak", Category: "UserAgent", ConfidenceDelta: 0.2, Weight: 1, BotType: "Scraper", BotName: "weakbot"},
		detector.Contribution{Detector: "strong", Category: "UserAgent", ConfidenceDelta: 0.9, Weight: 1, BotType: "Crawler", BotName: "strongbot"},
	), pol, nil)

	assert.Equal(t, "Crawler", ev.PrimaryBotType)
	assert.Equal(t, "strongbot", ev.PrimaryBotName)
}

func TestApplyAdjustment_RecomputesBandAfterDelta(t *testing.T) {
	ev := &AggregatedEvidence{BotProbability: 0.6, RiskBand: RiskMedium}
	ev.ApplyAdjustment("ResponseStatusBoost", "404 not found", 0.2)

	assert.InDelta(t, 0.8, ev.BotProbability, 1e-9)
	assert.Equal(t, RiskHigh, ev.RiskBand)
	require.Len(t, ev.Ledger(), 1)
}

func TestApplyAdjustment_ClampsAtUnitBounds(t *testing.T) {
	ev := &AggregatedEvidence{BotProbability: 0.95}
	ev.ApplyAdjustment("ResponseStatusBoost", "5xx server error", 0.5)
	assert.Equal(t, 1.0, ev.BotProbability)

	ev2 := &AggregatedEvidence{BotProbability: 0.05}
	ev2.ApplyAdjustment("ResponseStatusBoost", "2xx authenticated clear", -0.5)
	assert.Equal(t, 0.0, ev2.BotProbability)
}

func TestBandForProbability_BoundariesRoundUp(t *testing.T) {
	cases := []struct {
		p    float64
		band RiskBand
	}{
		{0.0, RiskVeryLow},
		{0.149, RiskVeryLow},
		{0.15, RiskLow},
		{0.30, RiskElevated},
		{0.50, RiskMedium},
		{0.70, RiskHigh},
		{0.85, RiskVeryHigh},
		{1.0, RiskVeryHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.band, BandForProbability(tc.p), "p=%v", tc.p)
	}
}

package evidence

import (
	"math"

	"github.com/ocx/botdetect/internal/detector"
	"github.com/ocx/botdetect/internal/orchestrator"
)

// squashK is chosen so a single maximal-delta (1.0), unit-weight
// contribution saturates the probability near 0.9, per spec §4.3 step 2:
// 0.5 + 0.5*tanh(k*1) = 0.9  =>  k = atanh(0.8).
var squashK = math.Atanh(0.8)

// Transition maps an evidence pattern to an action-policy name (spec §3
// "DetectionPolicy.transitions", §4.3 step 8). Transitions are evaluated in
// declared order; the first match wins. A zero-value bound (Min==Max==0)
// means "unbounded" on that side.
type Transition struct {
	Name             string
	MinProbability   float64
	MaxProbability   float64 // 0 means "no upper bound"
	RiskBand         RiskBand // "" means "any"
	BotType          string   // "" means "any"
	ActionPolicyName string
}

func (t Transition) matches(e *AggregatedEvidence) bool {
	if e.BotProbability < t.MinProbability {
		return false
	}
	if t.MaxProbability > 0 && e.BotProbability > t.MaxProbability {
		return false
	}
	if t.RiskBand != "" && t.RiskBand != e.RiskBand {
		return false
	}
	if t.BotType != "" && t.BotType != e.PrimaryBotType {
		return false
	}
	return true
}

// WeightPolicy supplies the per-request weight overrides and calibration
// constant the aggregator needs. internal/policy.DetectionPolicy implements
// this; it is expressed as an interface here to avoid an import cycle
// between evidence and policy (policy consumes AggregatedEvidence for
// action resolution, evidence consumes policy weights for aggregation).
type WeightPolicy interface {
	Name() string
	GlobalWeight(detectorName string) float64
	CategoryWeight(category string) float64
	IsExcluded(detectorName string) bool
	Transitions() []Transition
	// CalibrationWeight is W* in spec §4.3 step 4: the sum of weights of a
	// "typical complete" policy run, used to normalise confidence into [0,1].
	CalibrationWeight() float64
}

// Aggregate turns a ledger into an AggregatedEvidence snapshot (spec §4.3).
func Aggregate(ledger *orchestrator.Ledger, pol WeightPolicy, signals map[string]any) *AggregatedEvidence {
	ev := &AggregatedEvidence{
		PolicyName:             pol.Name(),
		CategoryBreakdown:      make(map[string]CategoryScore),
		ContributingDetectors:  make(map[string]struct{}),
		Signals:                signals,
		EarlyExit:              ledger.EarlyExit,
		EarlyExitVerdict:       ledger.EarlyExitVerdict,
		TotalProcessingTimeMs:  ledger.TotalProcessingTimeMs,
		AIRan:                  ledger.AIRan,
		ledger:                 ledger.Contributions,
	}

	type weighted struct {
		c          detector.Contribution
		effWeight  float64
	}
	weightedContribs := make([]weighted, 0, len(ledger.Contributions))

	var weightedSum, totalWeight float64
	forcedGood, forcedBad := false, false

	for _, c := range ledger.Contributions {
		if c.Detector == "" || pol.IsExcluded(c.Detector) {
			continue
		}
		switch c.Verdict {
		case detector.VerifiedGoodBot:
			forcedGood = true
		case detector.VerifiedBadBot:
			forcedBad = true
		}

		effWeight := c.Weight * pol.GlobalWeight(c.Detector) * pol.CategoryWeight(c.Category)
		if effWeight < 0 {
			effWeight = 0
		}

		weightedContribs = append(weightedContribs, weighted{c: c, effWeight: effWeight})
		weightedSum += effWeight * c.ConfidenceDelta
		totalWeight += effWeight
	}

	// Step 2: weighted-sum probability via bounded logistic squash.
	var p float64
	if totalWeight > 0 {
		s := weightedSum / totalWeight
		p = 0.5 + 0.5*math.Tanh(squashK*s)
	}

	// Step 3: short-circuits.
	switch {
	case forcedGood:
		p = 0
		ev.EarlyExitVerdict = orchestrator.VerifiedGoodBot
	case forcedBad:
		p = 1
	}
	ev.BotProbability = clamp01(p)

	// Step 4: confidence is the amount of evidence, independent of direction.
	calibration := pol.CalibrationWeight()
	if calibration <= 0 {
		calibration = 1
	}
	ev.Confidence = clamp01(totalWeight / calibration)

	// Step 5: risk band.
	ev.RiskBand = BandForProbability(ev.BotProbability)
	if forcedGood {
		ev.RiskBand = RiskVeryLow
	}
	if forcedBad {
		ev.RiskBand = RiskVeryHigh
	}

	// Step 6: primary bot identity — largest positive effWeight*delta.
	var best float64
	for _, wc := range weightedContribs {
		score := wc.effWeight * wc.c.ConfidenceDelta
		if score > best && (wc.c.BotType != "" || wc.c.BotName != "") {
			best = score
			ev.PrimaryBotType = wc.c.BotType
			ev.PrimaryBotName = wc.c.BotName
		}
	}

	// Step 7: category breakdown (score not normalised). Zero-weight
	// contributions are left out of the exported view (step 9).
	for _, wc := range weightedContribs {
		if wc.effWeight <= 0 {
			continue
		}
		cs := ev.CategoryBreakdown[wc.c.Category]
		cs.Score += wc.effWeight * wc.c.ConfidenceDelta
		cs.Contributors = append(cs.Contributors, wc.c.Detector)
		ev.CategoryBreakdown[wc.c.Category] = cs
		ev.ContributingDetectors[wc.c.Detector] = struct{}{}
	}

	// Step 8: action-policy trigger — first matching transition wins, in
	// the order the policy declared them. Skipped entirely when forcedGood:
	// a verified-good-bot verdict must never resolve to a blocking action
	// policy, even via a transition with MinProbability 0 (spec §8
	// invariant 3).
	if !forcedGood {
		for _, t := range pol.Transitions() {
			if t.matches(ev) {
				ev.TriggeredActionPolicy = t.ActionPolicyName
				break
			}
		}
	}

	// Step 9: ev.ledger (set above from ledger.Contributions) retains every
	// contribution for internal audit; CategoryBreakdown/ContributingDetectors
	// above already excluded zero-weight entries from the exported view.
	return ev
}

// ApplyAdjustment appends a synthetic contribution to the ledger and
// recomputes BotProbability/RiskBand, used by the response feedback path
// to fold a per-status delta into already-aggregated evidence (spec §4.7
// "append a synthetic contribution ... recompute risk band"). delta is
// added directly to BotProbability (not weighted/squashed again, since the
// signal here is ground truth about the response, not a detector opinion).
func (e *AggregatedEvidence) ApplyAdjustment(detectorName, reason string, delta float64) {
	e.ledger = append(e.ledger, detector.Contribution{
		Detector:        detectorName,
		Category:        "feedback",
		ConfidenceDelta: delta,
		Weight:          1,
		Reason:          reason,
	})
	e.BotProbability = clamp01(e.BotProbability + delta)
	e.RiskBand = BandForProbability(e.BotProbability)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

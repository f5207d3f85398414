package policy

import (
	"fmt"
	"math/rand/v2"

	"github.com/ocx/botdetect/internal/evidence"
)

// Decide implements the full action-decision chain for one request: resolve
// an ActionPolicy (spec §4.4), apply the confidence gate (spec §4.4
// "Confidence gate", §8 boundary behaviour), and fall back to the built-in
// probability-threshold decision (step 4) when no named policy applies.
//
// The open question in spec §9 ("whether the confidence gate applies to
// throttle/challenge or block only") is resolved here per the spec's stated
// default: the gate guards Block only. Throttle and Challenge proceed
// regardless of confidence, since they are reversible/non-terminal actions.
func (e *Engine) Decide(det *DetectionPolicy, ev *evidence.AggregatedEvidence) Outcome {
	minConfidence := det.MinConfidence

	if ap, ok := e.ResolveActionPolicy(ev); ok {
		// A verified-good-bot verdict never blocks, even through a Block
		// default action policy.
		if ap.Kind == ActionBlock && (ev.Confidence < minConfidence || ev.EarlyExitVerdict == "VerifiedGoodBot") {
			return Outcome{Continue: true}
		}
		return e.execute(ap, ev)
	}

	// Built-in fallback (spec §4.4 step 4).
	if ev.BotProbability >= det.ImmediateBlockThreshold {
		if ev.Confidence < minConfidence {
			return Outcome{Continue: true}
		}
		return Outcome{
			Continue:   false,
			StatusCode: 403,
			Body: map[string]any{
				"error":     "Access denied",
				"riskScore": ev.BotProbability,
				"policy":    det.PolicyName,
			},
		}
	}

	return Outcome{Continue: true}
}

// execute runs a named ActionPolicy, producing its user-visible outcome
// (spec §6 "response bodies", §7 "User-visible failure").
func (e *Engine) execute(ap *ActionPolicy, ev *evidence.AggregatedEvidence) Outcome {
	switch ap.Kind {
	case ActionBlock:
		status := ap.StatusCode
		if status == 0 {
			status = 403
		}
		return Outcome{
			Continue:   false,
			StatusCode: status,
			Body: map[string]any{
				"error":     ap.Message,
				"reason":    "policy",
				"riskScore": ev.BotProbability,
				"policy":    ev.PolicyName,
			},
		}

	case ActionThrottle:
		retryAfter := int(ap.Delay.Seconds())
		if ap.ScaleByRisk {
			retryAfter = int(ap.Delay.Seconds() * (0.5 + ev.BotProbability))
		}
		if ap.JitterPercent > 0 {
			jitter := float64(retryAfter) * ap.JitterPercent / 100 * rand.Float64()
			retryAfter += int(jitter)
		}
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Outcome{
			Continue:      false,
			StatusCode:    429,
			RetryAfterSec: retryAfter,
			Headers:       map[string]string{"Retry-After": fmt.Sprintf("%d", retryAfter)},
			Body: map[string]any{
				"error":         "rate limited",
				"retryAfter":    retryAfter,
				"message":       ap.Message,
			},
		}

	case ActionChallenge:
		kind := ap.ChallengeKind
		if kind == "" {
			kind = "required"
		}
		return Outcome{
			Continue:   false,
			StatusCode: 403,
			Headers:    map[string]string{"X-Bot-Challenge": kind},
			Body: map[string]any{
				"error":         "challenge required",
				"challengeType": kind,
				"riskScore":     ev.BotProbability,
			},
		}

	case ActionRedirect:
		return Outcome{
			Continue:   false,
			StatusCode: 302,
			Headers:    map[string]string{"Location": ap.RedirectURL},
		}

	case ActionLogOnly, ActionDebug:
		return Outcome{Continue: true}

	default:
		// spec §7 "Action-policy execution failure": fall back to safe
		// default (allow; log reason) — unknown kinds are a configuration
		// bug, never a reason to block.
		return Outcome{Continue: true}
	}
}

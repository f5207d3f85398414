// Package feedback implements the response feedback path (spec §4.7): a
// post-handler callback that reads the response status code and the
// request's stored evidence, applies configured per-status probability
// deltas, and republishes the adjusted evidence.
package feedback

import (
	"github.com/ocx/botdetect/internal/evidence"
)

// Deltas configures the per-status probability adjustments (spec §4.7
// table).
type Deltas struct {
	NotFound             float64 // 404
	Unauthorized         float64 // 401, unauthenticated
	Forbidden            float64 // 403, unauthenticated
	ServerError          float64 // 5xx
	Gone                 float64 // 410
	MethodNotAllowed     float64 // 405
	AuthenticatedClear    float64 // 2xx authenticated AND p in (clearThreshold, clearMaxProbability]; negative
	ClearThreshold       float64
	ClearMaxProbability  float64
}

// DefaultDeltas returns the spec's suggested starting values.
func DefaultDeltas() Deltas {
	return Deltas{
		NotFound:            0.05,
		Unauthorized:        0.05,
		Forbidden:           0.05,
		ServerError:         0.02,
		Gone:                0.03,
		MethodNotAllowed:    0.03,
		AuthenticatedClear:  -0.1,
		ClearThreshold:      0.3,
		ClearMaxProbability: 0.7,
	}
}

// ResponseSignal is handed to the response coordinator for any further
// downstream propagation (e.g. visitor cache update, cluster feed event).
type ResponseSignal struct {
	StatusCode      int
	Authenticated   bool
	Delta           float64
	NewProbability  float64
	NewRiskBand     evidence.RiskBand
}

// Apply evaluates the status/auth rule table against ev and, if a rule
// fires, mutates ev in place and returns the resulting signal. ok is false
// if no rule applied (no-op).
func Apply(d Deltas, ev *evidence.AggregatedEvidence, statusCode int, authenticated bool) (ResponseSignal, bool) {
	delta, reason, fired := selectDelta(d, ev, statusCode, authenticated)
	if !fired {
		return ResponseSignal{}, false
	}

	ev.ApplyAdjustment("ResponseStatusBoost", reason, delta)

	return ResponseSignal{
		StatusCode:     statusCode,
		Authenticated:  authenticated,
		Delta:          delta,
		NewProbability: ev.BotProbability,
		NewRiskBand:    ev.RiskBand,
	}, true
}

func selectDelta(d Deltas, ev *evidence.AggregatedEvidence, status int, authenticated bool) (delta float64, reason string, ok bool) {
	switch {
	case status == 404:
		return d.NotFound, "404 not found", true
	case status == 401 && !authenticated:
		return d.Unauthorized, "401 unauthorized", true
	case status == 403 && !authenticated:
		return d.Forbidden, "403 forbidden", true
	case status >= 500 && status < 600:
		return d.ServerError, "5xx server error", true
	case status == 410:
		return d.Gone, "410 gone", true
	case status == 405:
		return d.MethodNotAllowed, "405 method not allowed", true
	case status >= 200 && status < 300 && authenticated &&
		ev.BotProbability > d.ClearThreshold && ev.BotProbability <= d.ClearMaxProbability:
		// The clear rule MUST NOT fire above ClearMaxProbability — this
		// bounds the ability of an authenticated bot account to launder
		// suspicion (spec §4.7).
		return d.AuthenticatedClear, "2xx authenticated clear", true
	default:
		return 0, "", false
	}
}

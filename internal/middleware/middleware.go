// Package middleware wires the detection pipeline into an ordinary
// net/http handler chain: request reduction, bypass checks, upstream-trust
// hydration, orchestrated detection, evidence aggregation, policy decision,
// response-header emission, and the post-handler response feedback hook.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/botdetect/internal/cache"
	"github.com/ocx/botdetect/internal/config"
	"github.com/ocx/botdetect/internal/detector"
	"github.com/ocx/botdetect/internal/envelope"
	"github.com/ocx/botdetect/internal/evidence"
	"github.com/ocx/botdetect/internal/events"
	"github.com/ocx/botdetect/internal/feedback"
	"github.com/ocx/botdetect/internal/metrics"
	"github.com/ocx/botdetect/internal/orchestrator"
	"github.com/ocx/botdetect/internal/policy"
	"github.com/ocx/botdetect/internal/signature"
	"github.com/ocx/botdetect/internal/trust"
)

// Scratch keys published onto envelope.Request.Scratch() for downstream
// handlers that want to read the verdict without re-deriving it.
const (
	ScratchSignature = "botdetect.signature"
	ScratchEvidence   = "botdetect.evidence"
	ScratchOutcome    = "botdetect.outcome"
)

// Middleware holds every collaborator the request path needs. Build one per
// process and call Wrap once per route group.
type Middleware struct {
	Config     *config.Manager
	Engine     *policy.Engine
	Orch       *orchestrator.Orchestrator
	Keys       *signature.KeyHolder
	Aggregates *cache.AggregateCache
	Visitors   *cache.VisitorListCache
	Trust      *trust.Verifier
	Feedback   *feedback.Coordinator
	Metrics    *metrics.Metrics
	Events     events.EventEmitter
	Source     string

	// RouteAttributePolicy, if set, is consulted for each request to find
	// the detection-policy name attached to the matched route (spec §4.4.2
	// "route attribute"), e.g. a gorilla/mux route name or a value stashed
	// on the request context by the router. Returning "" means the route
	// carries no explicit policy attribute.
	RouteAttributePolicy func(*http.Request) string
}

// New returns a Middleware. Aggregates, Visitors, Trust, Feedback, Metrics
// and Events are all optional (nil-safe); omit whichever collaborator a
// deployment doesn't need.
func New(cfgMgr *config.Manager, eng *policy.Engine, orch *orchestrator.Orchestrator, keys *signature.KeyHolder) *Middleware {
	return &Middleware{
		Config: cfgMgr,
		Engine: eng,
		Orch:   orch,
		Keys:   keys,
		Source: "botdetect",
	}
}

// Wrap returns next guarded by the detection pipeline.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := m.Config.Global()

		if !cfg.Core.Enabled || isListedPath(r.URL.Path, cfg.Bypass.ExcludedPaths) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		id := uuid.New().String()
		env := envelope.New(r.Context(), r, id, remoteIP(r))
		env.AuthUser, env.Authenticated = authFromRequest(r)

		sig := signature.Derive(m.Keys, env.RemoteIP, r.Header.Get("User-Agent"), nil)
		env.Scratch().Set(ScratchSignature, sig)

		var ev *evidence.AggregatedEvidence
		var detPol *policy.DetectionPolicy

		hydrated, hydratedOK := (*trust.Hydrated)(nil), false
		if m.Trust != nil {
			hydrated, hydratedOK = m.tryUpstreamTrust(cfg, r)
		}

		switch {
		case hydratedOK:
			ev = evidenceFromHydrated(hydrated)

		case isListedPath(r.URL.Path, cfg.Bypass.SignatureOnlyPaths):
			ev = &evidence.AggregatedEvidence{RiskBand: evidence.RiskUnknown, PolicyName: "signature-only"}

		default:
			var err error
			detPol, err = m.Engine.ResolveDetectionPolicy(m.resolutionContext(cfg, r))
			if err != nil {
				slog.Error("middleware: resolve detection policy", "error", err, "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}

			ledger, err := m.Orch.Detect(env.Context(), env, m.toOrchestratorPolicy(detPol))
			if err != nil {
				slog.Error("middleware: orchestrator detect failed", "error", err, "request_id", id)
				next.ServeHTTP(w, r)
				return
			}

			signals := map[string]any{
				"path":      env.Path,
				"userAgent": r.Header.Get("User-Agent"),
			}
			ev = evidence.Aggregate(ledger, detPol, signals)
		}

		outcome := policy.Outcome{Continue: true}
		switch {
		case detPol != nil:
			outcome = m.Engine.Decide(detPol, ev)
		case ev.PolicyName == "upstream-trust":
			// Hydrated evidence still runs through action resolution even
			// without a local detection policy, using the engine's global
			// bot threshold as the built-in fallback gate.
			outcome = m.Engine.Decide(&policy.DetectionPolicy{
				PolicyName:              ev.PolicyName,
				ImmediateBlockThreshold: m.Engine.BotThreshold(),
			}, ev)
		}
		ev.PolicyAction = actionLabel(outcome)

		env.Scratch().Set(ScratchEvidence, ev)
		env.Scratch().Set(ScratchOutcome, outcome)

		elapsed := time.Since(start)
		m.recordCaches(env, sig, ev, elapsed)
		m.recordMetrics(ev, outcome, elapsed)
		m.emitVerdict(sig, ev)

		m.writeHeaders(w, cfg.Headers, ev, elapsed)
		for k, v := range outcome.Headers {
			w.Header().Set(k, v)
		}

		if !outcome.Continue {
			writeOutcomeBody(w, outcome)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if m.Feedback != nil {
			m.Feedback.Handle(ev, rec.status, env.Authenticated)
		}
	})
}

func (m *Middleware) resolutionContext(cfg *config.Config, r *http.Request) policy.ResolutionContext {
	rc := policy.ResolutionContext{
		Path:                   r.URL.Path,
		TestModeEnabled:        cfg.Core.EnableTestMode,
		TestModeOverridePolicy: r.Header.Get("X-Bot-Test-Policy"),
	}
	if m.RouteAttributePolicy != nil {
		rc.RouteAttributePolicy = m.RouteAttributePolicy(r)
	}
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		return rc
	}
	overlay, ok := m.Config.Overlay(apiKey)
	if !ok {
		return rc
	}
	rc.APIKeyOverlayPolicy = overlay.PolicyName
	rc.APIKeyOverlayExcluded = toSet(overlay.ExcludedDetectors)
	rc.APIKeyOverlayWeights = overlay.Weights
	return rc
}

func (m *Middleware) toOrchestratorPolicy(p *policy.DetectionPolicy) orchestrator.Policy {
	return orchestrator.Policy{
		Name:                      p.PolicyName,
		Excluded:                  p.ExcludedDetectors,
		Included:                  toSet(p.OrderedDetectors),
		MaxParallelDetectors:      p.MaxParallelDetectors,
		WaveTimeout:               p.WaveTimeout,
		ContinueOnWaveFailure:     true,
		GlobalTimeout:             p.GlobalTimeout,
		EnableQuorumExit:          p.EnableQuorumExit,
		QuorumConfidenceThreshold: p.QuorumConfidenceThreshold,
		RunningProbability: func(contribs []detector.Contribution) float64 {
			interim := &orchestrator.Ledger{Contributions: contribs}
			return evidence.Aggregate(interim, p, nil).BotProbability
		},
	}
}

// tryUpstreamTrust attempts to hydrate evidence from a trusted proxy's
// signed headers instead of running local detection. Any parse or
// signature failure falls through to local detection (fail closed on
// trust, not on availability).
func (m *Middleware) tryUpstreamTrust(cfg *config.Config, r *http.Request) (*trust.Hydrated, bool) {
	headerName := cfg.Trust.UpstreamSignatureHeader
	if headerName == "" {
		return nil, false
	}
	sigVal := r.Header.Get(headerName)
	if sigVal == "" {
		return nil, false
	}

	h := trust.Headers{
		Detected:       r.Header.Get("X-Bot-Detected"),
		Probability:    r.Header.Get("X-Bot-Probability"),
		Confidence:     r.Header.Get("X-Bot-Confidence"),
		BotType:        r.Header.Get("X-Bot-Type"),
		BotName:        r.Header.Get("X-Bot-Name"),
		Category:       r.Header.Get("X-Bot-Category"),
		RiskBand:       r.Header.Get("X-Bot-Risk-Band"),
		ProcessingMs:   r.Header.Get("X-Bot-Processing-Ms"),
		Action:         r.Header.Get("X-Bot-Action"),
		Contributions:  r.Header.Get("X-Bot-Contributions"),
		Reasons:        r.Header.Get("X-Bot-Reasons"),
		Signals:        r.Header.Get("X-Bot-Signals"),
		Signature:      sigVal,
		SignatureEpoch: r.Header.Get("X-Bot-Signature-Timestamp"),
	}

	hydrated, err := m.Trust.Verify(h, time.Now())
	if err != nil {
		slog.Debug("middleware: upstream trust hydration failed, falling back to local detection", "error", err)
		return nil, false
	}
	return hydrated, true
}

func evidenceFromHydrated(h *trust.Hydrated) *evidence.AggregatedEvidence {
	ev := &evidence.AggregatedEvidence{
		BotProbability:        h.Probability,
		Confidence:            h.Confidence,
		RiskBand:              evidence.RiskBand(h.RiskBand),
		PrimaryBotType:        h.BotType,
		PrimaryBotName:        h.BotName,
		Signals:               h.Signals,
		PolicyName:            "upstream-trust",
		TotalProcessingTimeMs: h.ProcessingMs,
		ContributingDetectors: map[string]struct{}{"upstream-trust": {}},
	}
	if ev.RiskBand == "" {
		ev.RiskBand = evidence.BandForProbability(ev.BotProbability)
	}
	ev.ApplyAdjustment("upstream-trust", strings.Join(h.Reasons, "; "), 0)
	return ev
}

func (m *Middleware) recordCaches(env *envelope.Request, sig signature.Set, ev *evidence.AggregatedEvidence, elapsed time.Duration) {
	elapsedMs := elapsed.Seconds() * 1000

	if m.Aggregates != nil {
		isBot := ev.BotProbability >= 0.7
		if m.Engine != nil {
			isBot = ev.BotProbability >= m.Engine.BotThreshold()
		}
		m.Aggregates.UpdateFromDetection(cache.DetectionEvent{
			Signature:      sig.Primary,
			Probability:    ev.BotProbability,
			Confidence:     ev.Confidence,
			RiskBand:       string(ev.RiskBand),
			Action:         ev.PolicyAction,
			CountryCode:    stringSignal(ev.Signals, "countryCode"),
			ProcessingTime: elapsedMs,
			BotType:        ev.PrimaryBotType,
			BotName:        ev.PrimaryBotName,
			IsBot:          isBot,
		})
	}

	if m.Visitors != nil {
		m.Visitors.Observe(cache.VisitorEvent{
			Signature:      sig.Primary,
			Path:           env.Path,
			ProcessingTime: elapsedMs,
			RequestID:      env.ID,
			Categories:     activeCategories(ev.CategoryBreakdown),
			BotName:        ev.PrimaryBotName,
			BotType:        ev.PrimaryBotType,
		})
	}
}

func (m *Middleware) recordMetrics(ev *evidence.AggregatedEvidence, outcome policy.Outcome, elapsed time.Duration) {
	if m.Metrics == nil {
		return
	}
	m.Metrics.RecordVerdict(ev.PolicyName, string(ev.RiskBand), ev.BotProbability)
	m.Metrics.RecordDetection(elapsed.Seconds(), ev.EarlyExit)
	m.Metrics.RecordAction(actionLabel(outcome))
}

func (m *Middleware) emitVerdict(sig signature.Set, ev *evidence.AggregatedEvidence) {
	if m.Events == nil {
		return
	}
	m.Events.Emit(events.TypeVerdictIssued, m.Source, sig.Primary, map[string]interface{}{
		"probability": ev.BotProbability,
		"riskBand":    string(ev.RiskBand),
		"policy":      ev.PolicyName,
		"botType":     ev.PrimaryBotType,
		"botName":     ev.PrimaryBotName,
	})
}

func (m *Middleware) writeHeaders(w http.ResponseWriter, hc config.HeaderConfig, ev *evidence.AggregatedEvidence, elapsed time.Duration) {
	prefix := hc.Prefix
	if prefix == "" {
		prefix = "X-Bot-"
	}
	set := func(name, val string) { w.Header().Set(prefix+name, val) }

	if hc.EmitRiskScore {
		set("Score", strconv.FormatFloat(ev.BotProbability, 'f', 4, 64))
	}
	if hc.EmitRiskBand {
		set("Risk-Band", string(ev.RiskBand))
	}
	if hc.EmitConfidence {
		set("Confidence", strconv.FormatFloat(ev.Confidence, 'f', 4, 64))
	}
	if hc.EmitDetectors {
		set("Detectors", strings.Join(detectorNames(ev.ContributingDetectors), ","))
	}
	if hc.EmitProcessingMs {
		set("Processing-Ms", strconv.FormatFloat(elapsed.Seconds()*1000, 'f', 2, 64))
	}
	if hc.EmitPolicyName {
		set("Policy", ev.PolicyName)
	}
	if hc.EmitAction {
		set("Action", ev.PolicyAction)
	}
	if hc.EmitVerdict {
		verdict := "human"
		if ev.BotProbability >= 0.5 {
			verdict = "bot"
		}
		set("Verdict", verdict)
	}
	if hc.EmitAIRan {
		set("Ai-Ran", strconv.FormatBool(ev.AIRan))
	}
	if hc.EmitTrustMarker && ev.PolicyName == "upstream-trust" {
		set("Trust-Source", "upstream")
	}
	if hc.EmitFullResult {
		if data, err := json.Marshal(ev); err == nil {
			set("Result", string(data))
		}
	}
}

func writeOutcomeBody(w http.ResponseWriter, outcome policy.Outcome) {
	status := outcome.StatusCode
	if status == 0 {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if outcome.Body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(outcome.Body); err != nil {
		slog.Warn("middleware: encode outcome body failed", "error", err)
	}
}

// statusRecorder captures the status code a downstream handler writes so
// the response feedback path can read it after ServeHTTP returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func actionLabel(o policy.Outcome) string {
	if o.Continue {
		return "continue"
	}
	if _, ok := o.Headers["X-Bot-Challenge"]; ok {
		return "challenge"
	}
	switch o.StatusCode {
	case http.StatusTooManyRequests:
		return "throttle"
	case http.StatusFound:
		return "redirect"
	default:
		return "block"
	}
}

func isListedPath(path string, patterns []string) bool {
	for _, p := range patterns {
		if p == path {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func authFromRequest(r *http.Request) (user string, authenticated bool) {
	if v := r.Header.Get("X-Authenticated-User"); v != "" {
		return v, true
	}
	if r.Header.Get("Authorization") != "" {
		return "", true
	}
	return "", false
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func stringSignal(signals map[string]any, key string) string {
	if signals == nil {
		return ""
	}
	if v, ok := signals[key].(string); ok {
		return v
	}
	return ""
}

func activeCategories(breakdown map[string]evidence.CategoryScore) []string {
	out := make([]string, 0, len(breakdown))
	for cat, cs := range breakdown {
		if cs.Score > 0 {
			out = append(out, cat)
		}
	}
	sort.Strings(out)
	return out
}

func detectorNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

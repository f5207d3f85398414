// Package botdetect is the library composition root: it owns the process-wide
// singletons the spec calls for (signature MAC key, response-signal sink,
// signature aggregate cache, visitor list cache) and assembles them, the
// detector registry, the policy engine, and the orchestrator into a single
// Engine a host process can wrap its handlers with. This package is a
// library, not a binary — cmd/boterdemo exists only to exercise it.
package botdetect

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/botdetect/internal/cache"
	"github.com/ocx/botdetect/internal/circuitbreaker"
	"github.com/ocx/botdetect/internal/config"
	"github.com/ocx/botdetect/internal/detector"
	"github.com/ocx/botdetect/internal/evidence"
	"github.com/ocx/botdetect/internal/events"
	"github.com/ocx/botdetect/internal/feedback"
	"github.com/ocx/botdetect/internal/metrics"
	"github.com/ocx/botdetect/internal/middleware"
	"github.com/ocx/botdetect/internal/orchestrator"
	"github.com/ocx/botdetect/internal/policy"
	"github.com/ocx/botdetect/internal/signature"
	"github.com/ocx/botdetect/internal/trust"
)

// LlmProvider is the explicit composition-root interface that replaces any
// reflection-based LLM dispatch (spec §9 "Reflection-based LLM dispatch in
// the source must go"). The Engine only stores the provider and returns it
// from LlmProvider(); the core registers no AI detector that calls it, and
// AggregatedEvidence.AIRan reflects only whether a wave contained a
// detector of category "AI", whether or not a provider is set. nil is the
// default, since LLM providers are out of scope per spec §1.
type LlmProvider interface {
	Complete(ctx context.Context, prompt string, params map[string]any) (string, error)
}

// Engine bundles every collaborator a host process needs to wrap its
// net/http handlers with bot detection.
type Engine struct {
	Config     *config.Manager
	Policy     *policy.Engine
	Orch       *orchestrator.Orchestrator
	Registry   *detector.Registry
	Keys       *signature.KeyHolder
	Aggregates *cache.AggregateCache
	Visitors   *cache.VisitorListCache
	Trust      *trust.Verifier
	Feedback   *feedback.Coordinator
	Metrics    *metrics.Metrics
	Events     events.EventEmitter
	Maint      *cache.Maintenance

	llmProvider LlmProvider
	redis       *redis.Client
}

// Options controls Init, leaving every field's zero value as a sane
// default for tests that want the smallest possible engine.
type Options struct {
	ConfigPath   string // defaults to "botdetect.yaml"
	OverlaysPath string // defaults to "botdetect-overlays.yaml"
	DevMode      bool
	LlmProvider  LlmProvider
}

// Init constructs an Engine from configuration, the way spec §9 calls for
// ("constructor-injected singletons with explicit init(config)") instead of
// package-level globals — every test gets its own Engine instance.
func Init(opts Options) (*Engine, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = "botdetect.yaml"
	}
	if opts.OverlaysPath == "" {
		opts.OverlaysPath = "botdetect-overlays.yaml"
	}

	mgr, err := config.NewManager(opts.ConfigPath, opts.OverlaysPath)
	if err != nil {
		return nil, fmt.Errorf("botdetect: loading config: %w", err)
	}
	cfg := mgr.Global()

	keyBytes, err := decodeKey(cfg.Signature.HashKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("botdetect: signatureHashKey: %w", err)
	}
	keys, err := signature.NewKeyHolder(keyBytes, opts.DevMode || cfg.IsDevelopment())
	if err != nil {
		return nil, fmt.Errorf("botdetect: %w", err)
	}

	aggregates := cache.NewAggregateCache(cfg.Cache.MaxEntries, cfg.Cache.HistorySize)
	visitors := cache.NewVisitorListCache()

	var rdb *redis.Client
	var emitter events.EventEmitter = events.NewBus()
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		aggregates.SetMirror(cache.NewRedisMirror(rdb, "botdetect:agg:", 24*time.Hour))
		emitter = events.NewRedisBus(rdb, cfg.Redis.ChannelPrefix)
		slog.Info("botdetect: redis mirror and cluster event bus enabled", "addr", cfg.Redis.Addr)
	}

	var trustSecret []byte
	if cfg.Trust.UpstreamSignatureSecretBase64 != "" {
		trustSecret, err = decodeKey(cfg.Trust.UpstreamSignatureSecretBase64)
		if err != nil {
			return nil, fmt.Errorf("botdetect: upstreamSignatureSecret: %w", err)
		}
	}
	maxAge := time.Duration(cfg.Trust.UpstreamSignatureMaxAgeSeconds) * time.Second
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	trustVerifier := trust.NewVerifier(trustSecret, maxAge, len(trustSecret) > 0)

	registry := detector.NewRegistry()
	orch := orchestrator.New(registry)

	builtinDefault := &policy.DetectionPolicy{
		PolicyName:              "default",
		ImmediateBlockThreshold: cfg.Core.BotThreshold,
		Calibration:             1.0,
		GlobalTimeout:           time.Duration(cfg.Orch.GlobalTimeoutMs) * time.Millisecond,
		WaveTimeout:             time.Duration(cfg.Orch.WaveTimeoutMs) * time.Millisecond,
		EnableQuorumExit:        cfg.Orch.EarlyExitEnabled,
		QuorumConfidenceThreshold: cfg.FastPath.QuorumThreshold,
	}
	eng := policy.NewEngine(builtinDefault)
	registerRoutingConfig(eng, cfg.Routing)

	fbDeltas := feedback.Deltas{
		NotFound:            cfg.Feedback.NotFoundDelta,
		Unauthorized:        cfg.Feedback.UnauthorizedDelta,
		Forbidden:           cfg.Feedback.ForbiddenDelta,
		ServerError:         cfg.Feedback.ServerErrorDelta,
		Gone:                cfg.Feedback.GoneDelta,
		MethodNotAllowed:    cfg.Feedback.MethodNotAllowedDelta,
		AuthenticatedClear:  cfg.Feedback.AuthenticatedClearDelta,
		ClearThreshold:      cfg.Feedback.ClearThreshold,
		ClearMaxProbability: cfg.Feedback.ClearMaxProbability,
	}
	if fbDeltas == (feedback.Deltas{}) {
		fbDeltas = feedback.DefaultDeltas()
	}
	coordinator := feedback.NewCoordinator(fbDeltas, 64)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	orch.Breakers().SetObserver(newBreakerObserver(m, emitter))

	maint := cache.NewMaintenance(aggregates, visitors, cache.MaintenanceConfig{
		Interval:          time.Duration(cfg.Cache.MaintenanceIntervalSec) * time.Second,
		VisitorIdleExpiry: time.Duration(cfg.Cache.VisitorIdleExpirySec) * time.Second,
		VisitorSweepBatch: 500,
	})
	maint.Start()

	return &Engine{
		Config:      mgr,
		Policy:      eng,
		Orch:        orch,
		Registry:    registry,
		Keys:        keys,
		Aggregates:  aggregates,
		Visitors:    visitors,
		Trust:       trustVerifier,
		Feedback:    coordinator,
		Metrics:     m,
		Events:      emitter,
		Maint:       maint,
		llmProvider: opts.LlmProvider,
		redis:       rdb,
	}, nil
}

// LlmProvider returns the registered AI completion backend, or nil if none
// was configured (spec §9).
func (e *Engine) LlmProvider() LlmProvider { return e.llmProvider }

// Middleware builds a net/http middleware wrapper over e. Call Wrap on the
// result once per route group that needs bot-detection coverage.
func (e *Engine) Middleware() *middleware.Middleware {
	mw := middleware.New(e.Config, e.Policy, e.Orch, e.Keys)
	mw.Aggregates = e.Aggregates
	mw.Visitors = e.Visitors
	mw.Trust = e.Trust
	mw.Feedback = e.Feedback
	mw.Metrics = e.Metrics
	mw.Events = e.Events
	return mw
}

// Shutdown stops background goroutines and scrubs in-memory secrets. Safe
// to call once per Engine returned by Init.
func (e *Engine) Shutdown() {
	if e.Maint != nil {
		e.Maint.Stop()
	}
	if e.Keys != nil {
		e.Keys.Shutdown()
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			slog.Warn("botdetect: closing redis client", "error", err)
		}
	}
}

// registerRoutingConfig wires spec §6's full config-driven policy surface
// into eng: named detection policies, named action policies, path rules,
// the default detection policy, bot-type action-policy overrides, the
// default action policy, and the static-asset short-circuit. A host that
// wants more than the single built-in default policy declares it all in
// YAML instead of Go.
func registerRoutingConfig(eng *policy.Engine, rc config.RoutingConfig) {
	for name, pc := range rc.Policies {
		eng.RegisterDetectionPolicy(toDetectionPolicy(name, pc))
	}
	for name, ac := range rc.ActionPolicies {
		eng.RegisterActionPolicy(toActionPolicy(name, ac))
	}
	for pattern, name := range rc.PathPolicies {
		eng.SetPathPolicy(pattern, name)
	}
	if rc.DefaultPolicyName != "" {
		eng.SetDefaultPolicy(rc.DefaultPolicyName)
	}
	for botType, name := range rc.BotTypeActionPolicies {
		eng.SetBotTypeActionPolicy(botType, name)
	}
	if rc.DefaultActionPolicyName != "" {
		eng.SetDefaultActionPolicy(rc.DefaultActionPolicyName)
	}
	if len(rc.StaticAssetExtensions) > 0 {
		eng.SetStaticAssetPolicy(rc.StaticAssetExtensions, rc.StaticAssetPolicyName)
	}
}

func toDetectionPolicy(name string, pc config.PolicyConfig) *policy.DetectionPolicy {
	transitions := make([]evidence.Transition, 0, len(pc.Transitions))
	for _, tc := range pc.Transitions {
		transitions = append(transitions, evidence.Transition{
			Name:             tc.Name,
			MinProbability:   tc.MinProbability,
			MaxProbability:   tc.MaxProbability,
			RiskBand:         evidence.RiskBand(tc.RiskBand),
			BotType:          tc.BotType,
			ActionPolicyName: tc.ActionPolicyName,
		})
	}
	return &policy.DetectionPolicy{
		PolicyName:                name,
		OrderedDetectors:          pc.OrderedDetectors,
		ExcludedDetectors:         toBoolSet(pc.ExcludedDetectors),
		GlobalWeights:             pc.GlobalWeights,
		CategoryWeights:           pc.CategoryWeights,
		ImmediateBlockThreshold:   pc.ImmediateBlockThreshold,
		MinConfidence:             pc.MinConfidence,
		ActionPolicyOverridable:   pc.ActionPolicyOverridable,
		TransitionList:            transitions,
		Calibration:               pc.Calibration,
		MaxParallelDetectors:      pc.MaxParallelDetectors,
		WaveTimeout:               time.Duration(pc.WaveTimeoutMs) * time.Millisecond,
		ContinueOnWaveFailure:     pc.ContinueOnWaveFailure,
		GlobalTimeout:             time.Duration(pc.GlobalTimeoutMs) * time.Millisecond,
		EnableQuorumExit:          pc.EnableQuorumExit,
		QuorumConfidenceThreshold: pc.QuorumConfidenceThreshold,
	}
}

func toActionPolicy(name string, ac config.ActionPolicyConfig) *policy.ActionPolicy {
	return &policy.ActionPolicy{
		PolicyName:    name,
		Kind:          policy.ActionKind(ac.Kind),
		StatusCode:    ac.StatusCode,
		Message:       ac.Message,
		Delay:         time.Duration(ac.DelayMs) * time.Millisecond,
		JitterPercent: ac.JitterPercent,
		ScaleByRisk:   ac.ScaleByRisk,
		ResponseDelay: time.Duration(ac.ResponseDelayMs) * time.Millisecond,
		RedirectURL:   ac.RedirectURL,
		ChallengeKind: ac.ChallengeKind,
	}
}

func toBoolSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

// breakerObserver feeds circuit-breaker trips and recoveries into the
// Prometheus counter and the cluster event bus (spec §2 step 6), the
// domain-specific use of the breaker's Observer hook beyond the generic
// open/half-open/closed state machine itself.
type breakerObserver struct {
	metrics *metrics.Metrics
	emitter events.EventEmitter
}

func newBreakerObserver(m *metrics.Metrics, emitter events.EventEmitter) circuitbreaker.Observer {
	return &breakerObserver{metrics: m, emitter: emitter}
}

func (o *breakerObserver) OnTrip(detectorName string) {
	if o.metrics != nil {
		o.metrics.RecordCircuitBreakerTrip(detectorName)
	}
	if o.emitter != nil {
		o.emitter.Emit(events.TypeCircuitBreakerTrip, "botdetect", detectorName, map[string]interface{}{
			"detector": detectorName,
		})
	}
}

func (o *breakerObserver) OnRecover(detectorName string) {
	if o.emitter != nil {
		o.emitter.Emit(events.TypeCircuitBreakerTrip, "botdetect", detectorName, map[string]interface{}{
			"detector": detectorName,
			"recovered": true,
		})
	}
}

func decodeKey(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(b64)
}

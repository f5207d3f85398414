package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ocx/botdetect/internal/evidence"
)

// ResolutionContext carries every input the detection-policy precedence
// chain needs (spec §4.4 "Detection-policy resolution").
type ResolutionContext struct {
	Path string

	TestModeEnabled       bool
	TestModeOverridePolicy string // from query/header, only honoured if TestModeEnabled

	RouteAttributePolicy string // route metadata on the matched endpoint
	SandboxPolicy        string // probation override set by a prior action
	APIKeyOverlayPolicy  string // explicit policy name from an API-key overlay

	APIKeyOverlayExcluded map[string]bool
	APIKeyOverlayWeights  map[string]float64
}

// pathRule is one entry of the configured path->policy map.
type pathRule struct {
	pattern string
	policy  string
}

// Engine resolves both detection policies (pre-detection) and action
// policies (post-aggregation), per spec §4.4.
type Engine struct {
	mu sync.RWMutex

	detectionPolicies map[string]*DetectionPolicy
	actionPolicies    map[string]*ActionPolicy

	pathRules          []pathRule
	defaultPolicyName  string
	builtinDefault     *DetectionPolicy

	botTypeActionPolicies  map[string]string
	defaultActionPolicyName string

	staticAssetExtensions map[string]bool
	staticPolicyName      string

	botThreshold           float64
	immediateBlockFallback float64
}

// NewEngine returns a policy engine seeded with builtinDefault as the final
// fallback detection policy (spec §4.4 step 6, "else built-in default").
func NewEngine(builtinDefault *DetectionPolicy) *Engine {
	return &Engine{
		detectionPolicies:     make(map[string]*DetectionPolicy),
		actionPolicies:        make(map[string]*ActionPolicy),
		botTypeActionPolicies: make(map[string]string),
		staticAssetExtensions: make(map[string]bool),
		builtinDefault:        builtinDefault,
		botThreshold:          0.7,
	}
}

// RegisterDetectionPolicy adds or replaces a named detection policy.
func (e *Engine) RegisterDetectionPolicy(p *DetectionPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detectionPolicies[p.PolicyName] = p
}

// RegisterActionPolicy adds or replaces a named action policy.
func (e *Engine) RegisterActionPolicy(p *ActionPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actionPolicies[p.PolicyName] = p
}

// SetPathPolicy appends a path->policy rule, evaluated in registration
// order ahead of the default policy.
func (e *Engine) SetPathPolicy(pattern, policyName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pathRules = append(e.pathRules, pathRule{pattern: pattern, policy: policyName})
}

// SetDefaultPolicy names the configured fallback detection policy (spec
// §4.4 step 6, "Default policy from configuration").
func (e *Engine) SetDefaultPolicy(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultPolicyName = name
}

// SetBotTypeActionPolicy maps a primary bot type to an action policy name
// (spec §4.4 "Action-policy resolution" step 2).
func (e *Engine) SetBotTypeActionPolicy(botType, actionPolicyName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.botTypeActionPolicies[botType] = actionPolicyName
}

// SetDefaultActionPolicy names the fallback action policy (step 3).
func (e *Engine) SetDefaultActionPolicy(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultActionPolicyName = name
}

// SetBotThreshold sets the probability threshold used both for the
// "isBot" derived flag and for action-policy step 2's gate.
func (e *Engine) SetBotThreshold(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.botThreshold = t
}

// SetStaticAssetPolicy registers the extensions (e.g. ".js", ".png") that
// trigger the static-asset short-circuit (spec §4.4 "Static-asset
// short-circuit") and the minimal-detector policy name to use for them.
func (e *Engine) SetStaticAssetPolicy(extensions []string, policyName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ext := range extensions {
		e.staticAssetExtensions[strings.ToLower(ext)] = true
	}
	e.staticPolicyName = policyName
}

// ResolveDetectionPolicy implements spec §4.4's precedence chain, highest
// priority first: test-mode override, route attribute, sandbox/probation,
// API-key overlay explicit policy name, path->policy map, default policy,
// built-in default. The static-asset short-circuit is applied as an
// override on top of whatever the chain picked (it still runs detection,
// it only narrows the detector set and raises thresholds).
func (e *Engine) ResolveDetectionPolicy(ctx ResolutionContext) (*DetectionPolicy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	name := e.selectPolicyName(ctx)
	pol, ok := e.detectionPolicies[name]
	if !ok {
		if e.builtinDefault == nil {
			return nil, fmt.Errorf("policy: no policy named %q and no built-in default configured", name)
		}
		pol = e.builtinDefault
	}

	if ext := pathExtension(ctx.Path); ext != "" && e.staticAssetExtensions[ext] {
		if staticPol, ok := e.detectionPolicies[e.staticPolicyName]; ok {
			pol = staticPol
		}
	}

	if len(ctx.APIKeyOverlayExcluded) > 0 || len(ctx.APIKeyOverlayWeights) > 0 {
		pol = applyOverlay(pol, ctx)
	}

	return pol, nil
}

func (e *Engine) selectPolicyName(ctx ResolutionContext) string {
	if ctx.TestModeEnabled && ctx.TestModeOverridePolicy != "" {
		return ctx.TestModeOverridePolicy
	}
	if ctx.RouteAttributePolicy != "" {
		return ctx.RouteAttributePolicy
	}
	if ctx.SandboxPolicy != "" {
		return ctx.SandboxPolicy
	}
	if ctx.APIKeyOverlayPolicy != "" {
		return ctx.APIKeyOverlayPolicy
	}
	if name := e.matchPathRule(ctx.Path); name != "" {
		return name
	}
	if e.defaultPolicyName != "" {
		return e.defaultPolicyName
	}
	if e.builtinDefault != nil {
		return e.builtinDefault.PolicyName
	}
	return ""
}

// matchPathRule applies spec §4.4 step 5's glob precedence: exact match,
// then "/prefix/*" single-segment glob, then "/prefix/**" recursive glob,
// then plain prefix. Matching is case-insensitive.
func (e *Engine) matchPathRule(path string) string {
	lowerPath := strings.ToLower(path)

	for _, r := range e.pathRules {
		if strings.ToLower(r.pattern) == lowerPath {
			return r.policy
		}
	}
	for _, r := range e.pathRules {
		if name, ok := matchSingleSegmentGlob(r.pattern, lowerPath); ok {
			_ = name
			return r.policy
		}
	}
	for _, r := range e.pathRules {
		if matchRecursiveGlob(r.pattern, lowerPath) {
			return r.policy
		}
	}
	for _, r := range e.pathRules {
		if strings.HasPrefix(lowerPath, strings.ToLower(strings.TrimSuffix(r.pattern, "*"))) {
			return r.policy
		}
	}
	return ""
}

func matchSingleSegmentGlob(pattern, path string) (string, bool) {
	if !strings.HasSuffix(pattern, "/*") || strings.HasSuffix(pattern, "/**") {
		return "", false
	}
	prefix := strings.ToLower(strings.TrimSuffix(pattern, "/*"))
	rest := strings.TrimPrefix(path, prefix+"/")
	if rest == path || !strings.HasPrefix(path, prefix+"/") {
		return "", false
	}
	return pattern, !strings.Contains(rest, "/")
}

func matchRecursiveGlob(pattern, path string) bool {
	if !strings.HasSuffix(pattern, "/**") {
		return false
	}
	prefix := strings.ToLower(strings.TrimSuffix(pattern, "/**"))
	return strings.HasPrefix(path, prefix+"/") || path == prefix
}

func pathExtension(path string) string {
	seg := path
	if idx := strings.LastIndexByte(seg, '/'); idx >= 0 {
		seg = seg[idx+1:]
	}
	dot := strings.LastIndexByte(seg, '.')
	if dot < 0 {
		return ""
	}
	return strings.ToLower(seg[dot:])
}

// applyOverlay unions the API-key overlay's excluded-detector set and
// weight overrides onto a copy of base (spec §4.4: "only if the policy is
// actionPolicyOverridable or the overlay targets detection only").
func applyOverlay(base *DetectionPolicy, ctx ResolutionContext) *DetectionPolicy {
	if !base.ActionPolicyOverridable && len(ctx.APIKeyOverlayWeights) == 0 {
		return base
	}
	merged := *base
	merged.ExcludedDetectors = mergeBoolSets(base.ExcludedDetectors, ctx.APIKeyOverlayExcluded)
	merged.GlobalWeights = mergeFloatMaps(base.GlobalWeights, ctx.APIKeyOverlayWeights)
	return &merged
}

func mergeBoolSets(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func mergeFloatMaps(a, b map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// ResolveActionPolicy implements spec §4.4's "Action-policy resolution"
// (post-aggregation): evidence trigger, then bot-type map, then default.
// When none applies it returns false, and Decide falls back to its
// built-in threshold decision.
func (e *Engine) ResolveActionPolicy(ev *evidence.AggregatedEvidence) (*ActionPolicy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if ev.TriggeredActionPolicy != "" {
		if ap, ok := e.actionPolicies[ev.TriggeredActionPolicy]; ok {
			return ap, true
		}
	}

	if ev.BotProbability >= e.botThreshold &&
		ev.EarlyExitVerdict != "VerifiedGoodBot" && ev.EarlyExitVerdict != "Whitelisted" {
		if name, ok := e.botTypeActionPolicies[ev.PrimaryBotType]; ok {
			if ap, ok := e.actionPolicies[name]; ok {
				return ap, true
			}
		}
	}

	if e.defaultActionPolicyName != "" {
		if ap, ok := e.actionPolicies[e.defaultActionPolicyName]; ok {
			return ap, true
		}
	}

	return nil, false
}

// BotThreshold returns the configured isBot classification threshold.
func (e *Engine) BotThreshold() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.botThreshold
}

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/botdetect/internal/evidence"
)

func builtinDefault() *DetectionPolicy {
	return &DetectionPolicy{PolicyName: "builtin-default", ImmediateBlockThreshold: 0.7, Calibration: 1}
}

func TestResolveDetectionPolicy_FallsBackToBuiltinDefaultWhenNothingElseApplies(t *testing.T) {
	e := NewEngine(builtinDefault())
	pol, err := e.ResolveDetectionPolicy(ResolutionContext{Path: "/anything"})
	require.NoError(t, err)
	assert.Equal(t, "builtin-default", pol.PolicyName)
}

func TestResolveDetectionPolicy_ConfiguredDefaultBeatsBuiltin(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "configured-default"})
	e.SetDefaultPolicy("configured-default")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{Path: "/anything"})
	require.NoError(t, err)
	assert.Equal(t, "configured-default", pol.PolicyName)
}

func TestResolveDetectionPolicy_PathRuleBeatsConfiguredDefault(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "configured-default"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "checkout-policy"})
	e.SetDefaultPolicy("configured-default")
	e.SetPathPolicy("/checkout", "checkout-policy")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{Path: "/checkout"})
	require.NoError(t, err)
	assert.Equal(t, "checkout-policy", pol.PolicyName)
}

func TestResolveDetectionPolicy_APIKeyOverlayBeatsPathRule(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "checkout-policy"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "overlay-policy"})
	e.SetPathPolicy("/checkout", "checkout-policy")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{
		Path:                "/checkout",
		APIKeyOverlayPolicy: "overlay-policy",
	})
	require.NoError(t, err)
	assert.Equal(t, "overlay-policy", pol.PolicyName)
}

func TestResolveDetectionPolicy_SandboxBeatsAPIKeyOverlay(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "overlay-policy"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "sandbox-policy"})

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{
		Path:                "/checkout",
		APIKeyOverlayPolicy: "overlay-policy",
		SandboxPolicy:       "sandbox-policy",
	})
	require.NoError(t, err)
	assert.Equal(t, "sandbox-policy", pol.PolicyName)
}

func TestResolveDetectionPolicy_RouteAttributeBeatsSandbox(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "sandbox-policy"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "route-policy"})

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{
		Path:                 "/checkout",
		SandboxPolicy:        "sandbox-policy",
		RouteAttributePolicy: "route-policy",
	})
	require.NoError(t, err)
	assert.Equal(t, "route-policy", pol.PolicyName)
}

func TestResolveDetectionPolicy_TestModeOverrideBeatsEverything(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "route-policy"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "test-policy"})

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{
		Path:                   "/checkout",
		RouteAttributePolicy:   "route-policy",
		TestModeEnabled:        true,
		TestModeOverridePolicy: "test-policy",
	})
	require.NoError(t, err)
	assert.Equal(t, "test-policy", pol.PolicyName)
}

func TestResolveDetectionPolicy_TestModeOverrideIgnoredWhenTestModeDisabled(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "route-policy"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "test-policy"})

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{
		Path:                   "/checkout",
		RouteAttributePolicy:   "route-policy",
		TestModeEnabled:        false,
		TestModeOverridePolicy: "test-policy",
	})
	require.NoError(t, err)
	assert.Equal(t, "route-policy", pol.PolicyName)
}

func TestMatchPathRule_ExactMatchBeatsGlob(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "exact"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "glob"})
	e.SetPathPolicy("/api/*", "glob")
	e.SetPathPolicy("/api/checkout", "exact")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{Path: "/api/checkout"})
	require.NoError(t, err)
	assert.Equal(t, "exact", pol.PolicyName)
}

func TestMatchPathRule_SingleSegmentGlobBeatsRecursiveGlob(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "single"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "recursive"})
	e.SetPathPolicy("/api/**", "recursive")
	e.SetPathPolicy("/api/*", "single")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{Path: "/api/checkout"})
	require.NoError(t, err)
	assert.Equal(t, "single", pol.PolicyName)
}

func TestMatchPathRule_SingleSegmentGlobDoesNotMatchNestedPath(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "single"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "recursive"})
	e.SetPathPolicy("/api/**", "recursive")
	e.SetPathPolicy("/api/*", "single")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{Path: "/api/users/123"})
	require.NoError(t, err)
	assert.Equal(t, "recursive", pol.PolicyName, "a nested path must fall through the single-segment glob to the recursive one")
}

func TestMatchPathRule_RecursiveGlobBeatsPlainPrefix(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "prefix"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "recursive"})
	e.SetPathPolicy("/api*", "prefix")
	e.SetPathPolicy("/api/**", "recursive")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{Path: "/api/users/123"})
	require.NoError(t, err)
	assert.Equal(t, "recursive", pol.PolicyName)
}

func TestMatchPathRule_IsCaseInsensitive(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "checkout"})
	e.SetPathPolicy("/API/Checkout", "checkout")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{Path: "/api/checkout"})
	require.NoError(t, err)
	assert.Equal(t, "checkout", pol.PolicyName)
}

func TestResolveDetectionPolicy_StaticAssetShortCircuitOverridesChosenPolicy(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "configured-default"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "static-assets"})
	e.SetDefaultPolicy("configured-default")
	e.SetStaticAssetPolicy([]string{".js", ".png"}, "static-assets")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{Path: "/static/app.js"})
	require.NoError(t, err)
	assert.Equal(t, "static-assets", pol.PolicyName)
}

func TestResolveDetectionPolicy_StaticAssetShortCircuitIgnoresUnlistedExtensions(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "configured-default"})
	e.RegisterDetectionPolicy(&DetectionPolicy{PolicyName: "static-assets"})
	e.SetDefaultPolicy("configured-default")
	e.SetStaticAssetPolicy([]string{".js"}, "static-assets")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{Path: "/api/report.csv"})
	require.NoError(t, err)
	assert.Equal(t, "configured-default", pol.PolicyName)
}

func TestResolveDetectionPolicy_APIKeyOverlayMergesExclusionsWhenOverridable(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{
		PolicyName:              "configured-default",
		ActionPolicyOverridable: true,
		ExcludedDetectors:       map[string]bool{"base-detector": true},
	})
	e.SetDefaultPolicy("configured-default")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{
		Path:                  "/anything",
		APIKeyOverlayExcluded: map[string]bool{"extra-detector": true},
	})
	require.NoError(t, err)
	assert.True(t, pol.IsExcluded("base-detector"))
	assert.True(t, pol.IsExcluded("extra-detector"))
}

func TestResolveDetectionPolicy_APIKeyOverlayIgnoredWhenNotOverridableAndNoWeights(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterDetectionPolicy(&DetectionPolicy{
		PolicyName:              "configured-default",
		ActionPolicyOverridable: false,
		ExcludedDetectors:       map[string]bool{"base-detector": true},
	})
	e.SetDefaultPolicy("configured-default")

	pol, err := e.ResolveDetectionPolicy(ResolutionContext{
		Path:                  "/anything",
		APIKeyOverlayExcluded: map[string]bool{"extra-detector": true},
	})
	require.NoError(t, err)
	assert.False(t, pol.IsExcluded("extra-detector"), "a non-overridable policy with no weight override must reject overlay exclusions")
}

func TestDecide_BuiltinFallbackBlocksAboveThreshold(t *testing.T) {
	e := NewEngine(builtinDefault())
	det := &DetectionPolicy{PolicyName: "p", ImmediateBlockThreshold: 0.5}
	ev := &evidence.AggregatedEvidence{BotProbability: 0.9, Confidence: 1, PolicyName: "p"}

	outcome := e.Decide(det, ev)
	assert.False(t, outcome.Continue)
	assert.Equal(t, 403, outcome.StatusCode)
}

func TestDecide_BuiltinFallbackAllowsBelowThreshold(t *testing.T) {
	e := NewEngine(builtinDefault())
	det := &DetectionPolicy{PolicyName: "p", ImmediateBlockThreshold: 0.5}
	ev := &evidence.AggregatedEvidence{BotProbability: 0.1, Confidence: 1, PolicyName: "p"}

	outcome := e.Decide(det, ev)
	assert.True(t, outcome.Continue)
}

func TestDecide_ConfidenceGateSuppressesBlockWhenConfidenceLow(t *testing.T) {
	e := NewEngine(builtinDefault())
	det := &DetectionPolicy{PolicyName: "p", ImmediateBlockThreshold: 0.5, MinConfidence: 0.8}
	ev := &evidence.AggregatedEvidence{BotProbability: 0.9, Confidence: 0.2, PolicyName: "p"}

	outcome := e.Decide(det, ev)
	assert.True(t, outcome.Continue, "a high-probability verdict with low confidence must not block")
}

func TestDecide_NamedBlockActionPolicyGatedByConfidenceToo(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterActionPolicy(&ActionPolicy{PolicyName: "block", Kind: ActionBlock, StatusCode: 403})
	det := &DetectionPolicy{PolicyName: "p", MinConfidence: 0.8}
	ev := &evidence.AggregatedEvidence{
		BotProbability:        0.95,
		Confidence:            0.1,
		PolicyName:            "p",
		TriggeredActionPolicy: "block",
	}

	outcome := e.Decide(det, ev)
	assert.True(t, outcome.Continue)
}

func TestDecide_ThrottleActionIgnoresConfidenceGate(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterActionPolicy(&ActionPolicy{PolicyName: "throttle", Kind: ActionThrottle, Delay: 0})
	det := &DetectionPolicy{PolicyName: "p", MinConfidence: 0.9}
	ev := &evidence.AggregatedEvidence{
		BotProbability:        0.95,
		Confidence:            0.05,
		PolicyName:            "p",
		TriggeredActionPolicy: "throttle",
	}

	outcome := e.Decide(det, ev)
	assert.False(t, outcome.Continue, "throttle is not gated by confidence")
	assert.Equal(t, 429, outcome.StatusCode)
}

func TestExecute_ThrottleFloorsRetryAfterAndSetsRetryAfterHeader(t *testing.T) {
	e := NewEngine(builtinDefault())
	ap := &ActionPolicy{PolicyName: "throttle", Kind: ActionThrottle, Delay: 0, ScaleByRisk: false}
	ev := &evidence.AggregatedEvidence{BotProbability: 0.5}

	outcome := e.execute(ap, ev)
	assert.Equal(t, 429, outcome.StatusCode)
	assert.Equal(t, 1, outcome.RetryAfterSec, "a zero delay still floors to a 1-second retry")
	assert.Equal(t, "1", outcome.Headers["Retry-After"])
}

func TestExecute_ChallengeDefaultsKindWhenUnset(t *testing.T) {
	e := NewEngine(builtinDefault())
	ap := &ActionPolicy{PolicyName: "challenge", Kind: ActionChallenge}
	ev := &evidence.AggregatedEvidence{BotProbability: 0.6}

	outcome := e.execute(ap, ev)
	assert.Equal(t, "required", outcome.Headers["X-Bot-Challenge"])
}

func TestExecute_RedirectSetsLocationHeader(t *testing.T) {
	e := NewEngine(builtinDefault())
	ap := &ActionPolicy{PolicyName: "redirect", Kind: ActionRedirect, RedirectURL: "https://example.com/verify"}
	ev := &evidence.AggregatedEvidence{}

	outcome := e.execute(ap, ev)
	assert.Equal(t, 302, outcome.StatusCode)
	assert.Equal(t, "https://example.com/verify", outcome.Headers["Location"])
}

func TestExecute_LogOnlyAndDebugAlwaysContinue(t *testing.T) {
	e := NewEngine(builtinDefault())
	ev := &evidence.AggregatedEvidence{}

	assert.True(t, e.execute(&ActionPolicy{Kind: ActionLogOnly}, ev).Continue)
	assert.True(t, e.execute(&ActionPolicy{Kind: ActionDebug}, ev).Continue)
}

func TestExecute_UnknownActionKindFailsOpen(t *testing.T) {
	e := NewEngine(builtinDefault())
	ev := &evidence.AggregatedEvidence{}

	outcome := e.execute(&ActionPolicy{Kind: ActionKind("mystery")}, ev)
	assert.True(t, outcome.Continue, "an unrecognised action kind is a configuration bug, not a reason to block")
}

func TestResolveActionPolicy_BotTypeMapOnlyAppliesAboveThreshold(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterActionPolicy(&ActionPolicy{PolicyName: "scraper-block", Kind: ActionBlock})
	e.SetBotTypeActionPolicy("Scraper", "scraper-block")
	e.SetBotThreshold(0.7)

	belowThreshold := &evidence.AggregatedEvidence{BotProbability: 0.5, PrimaryBotType: "Scraper"}
	_, ok := e.ResolveActionPolicy(belowThreshold)
	assert.False(t, ok, "bot-type action policy must not apply below the bot threshold")

	aboveThreshold := &evidence.AggregatedEvidence{BotProbability: 0.9, PrimaryBotType: "Scraper"}
	ap, ok := e.ResolveActionPolicy(aboveThreshold)
	require.True(t, ok)
	assert.Equal(t, "scraper-block", ap.PolicyName)
}

func TestResolveActionPolicy_VerifiedGoodBotNeverMatchesBotTypeMap(t *testing.T) {
	e := NewEngine(builtinDefault())
	e.RegisterActionPolicy(&ActionPolicy{PolicyName: "scraper-block", Kind: ActionBlock})
	e.SetBotTypeActionPolicy("Scraper", "scraper-block")
	e.SetBotThreshold(0.1)

	ev := &evidence.AggregatedEvidence{BotProbability: 0.9, PrimaryBotType: "Scraper", EarlyExitVerdict: "VerifiedGoodBot"}
	_, ok := e.ResolveActionPolicy(ev)
	assert.False(t, ok)
}

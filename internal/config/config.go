// Package config loads the engine's hierarchical configuration surface
// (spec §6 "Configuration surface"): YAML source, environment-variable
// overrides, and a process-wide singleton accessor, exactly as the rest of
// this codebase's config layer does it.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the full configuration surface (spec §6 table).
type Config struct {
	Core       CoreConfig         `yaml:"core"`
	Signature  SignatureConfig    `yaml:"signature"`
	Trust      TrustConfig        `yaml:"trust"`
	Bypass     BypassConfig       `yaml:"bypass"`
	Routing    RoutingConfig      `yaml:"routing"`
	Feedback   FeedbackConfig     `yaml:"responseStatusBoost"`
	Headers    HeaderConfig       `yaml:"responseHeaders"`
	Throttling ThrottlingConfig   `yaml:"throttling"`
	AllowLists AllowListConfig    `yaml:"allowLists"`
	FastPath   FastPathConfig     `yaml:"fastPath"`
	Orch       OrchestratorConfig `yaml:"orchestrator"`
	Cache      CacheConfig        `yaml:"cache"`
	Redis      RedisConfig        `yaml:"redis"`
	Metrics    MetricsConfig      `yaml:"metrics"`
}

// CoreConfig holds the master on/off switch and the bot-classification
// threshold (spec §6 "botThreshold", "enabled", "enableTestMode").
type CoreConfig struct {
	Enabled        bool    `yaml:"enabled"`
	BotThreshold   float64 `yaml:"botThreshold"`
	EnableTestMode bool    `yaml:"enableTestMode"`
	Env            string  `yaml:"env"`
}

// SignatureConfig configures fingerprint MAC key sourcing (spec §6
// "signatureHashKey").
type SignatureConfig struct {
	HashKeyBase64 string `yaml:"signatureHashKey"`
}

// TrustConfig configures upstream-trust hydration (spec §4.6, §6).
type TrustConfig struct {
	UpstreamSignatureHeader        string `yaml:"upstreamSignatureHeader"`
	UpstreamSignatureSecretBase64  string `yaml:"upstreamSignatureSecret"`
	UpstreamSignatureMaxAgeSeconds int    `yaml:"upstreamSignatureMaxAgeSeconds"`
}

// BypassConfig configures the admit/fast-bypass step (spec §4.1 step 1).
type BypassConfig struct {
	ExcludedPaths      []string `yaml:"excludedPaths"`
	SignatureOnlyPaths []string `yaml:"signatureOnlyPaths"`
}

// RoutingConfig configures detection and action policy resolution (spec
// §4.4, §6 "pathPolicies", "policies", "actionPolicies").
type RoutingConfig struct {
	Policies                map[string]PolicyConfig       `yaml:"policies"`
	ActionPolicies          map[string]ActionPolicyConfig `yaml:"actionPolicies"`
	PathPolicies            map[string]string              `yaml:"pathPolicies"`
	DefaultPolicyName       string                         `yaml:"defaultPolicyName"`
	DefaultActionPolicyName string                         `yaml:"defaultActionPolicyName"`
	BotTypeActionPolicies   map[string]string              `yaml:"botTypeActionPolicies"`
	StaticAssetExtensions   []string                       `yaml:"staticAssetExtensions"`
	StaticAssetPolicyName   string                         `yaml:"staticAssetPolicyName"`
}

// PolicyConfig is the YAML shape of one named detection policy (spec §3
// "DetectionPolicy", §6 "policies.<name>"). Converting this into
// internal/policy.DetectionPolicy happens in the composition root
// (pkg/botdetect), keeping this package's structs pure data.
type PolicyConfig struct {
	OrderedDetectors          []string          `yaml:"orderedDetectors"`
	ExcludedDetectors         []string          `yaml:"excludedDetectors"`
	GlobalWeights             map[string]float64 `yaml:"globalWeights"`
	CategoryWeights           map[string]float64 `yaml:"categoryWeights"`
	ImmediateBlockThreshold   float64           `yaml:"immediateBlockThreshold"`
	MinConfidence             float64           `yaml:"minConfidence"`
	ActionPolicyOverridable   bool              `yaml:"actionPolicyOverridable"`
	Transitions               []TransitionConfig `yaml:"transitions"`
	Calibration               float64           `yaml:"calibration"`
	MaxParallelDetectors      int               `yaml:"maxParallelDetectors"`
	WaveTimeoutMs             int64             `yaml:"waveTimeoutMs"`
	ContinueOnWaveFailure     bool              `yaml:"continueOnWaveFailure"`
	GlobalTimeoutMs           int64             `yaml:"globalTimeoutMs"`
	EnableQuorumExit          bool              `yaml:"enableQuorumExit"`
	QuorumConfidenceThreshold float64           `yaml:"quorumConfidenceThreshold"`
}

// TransitionConfig is the YAML shape of one evidence.Transition entry
// (spec §3 "DetectionPolicy.transitions").
type TransitionConfig struct {
	Name             string  `yaml:"name"`
	MinProbability   float64 `yaml:"minProbability"`
	MaxProbability   float64 `yaml:"maxProbability"`
	RiskBand         string  `yaml:"riskBand"`
	BotType          string  `yaml:"botType"`
	ActionPolicyName string  `yaml:"actionPolicyName"`
}

// ActionPolicyConfig is the YAML shape of one named action policy (spec §3
// "ActionPolicy", §6 "actionPolicies.<name>").
type ActionPolicyConfig struct {
	Kind            string  `yaml:"kind"`
	StatusCode      int     `yaml:"statusCode"`
	Message         string  `yaml:"message"`
	DelayMs         int64   `yaml:"delayMs"`
	JitterPercent   float64 `yaml:"jitterPercent"`
	ScaleByRisk     bool    `yaml:"scaleByRisk"`
	ResponseDelayMs int64   `yaml:"responseDelayMs"`
	RedirectURL     string  `yaml:"redirectUrl"`
	ChallengeKind   string  `yaml:"challengeKind"`
}

// FeedbackConfig mirrors the response feedback delta table (spec §4.7).
type FeedbackConfig struct {
	NotFoundDelta           float64 `yaml:"notFoundDelta"`
	UnauthorizedDelta       float64 `yaml:"unauthorizedDelta"`
	ForbiddenDelta          float64 `yaml:"forbiddenDelta"`
	ServerErrorDelta        float64 `yaml:"serverErrorDelta"`
	GoneDelta               float64 `yaml:"goneDelta"`
	MethodNotAllowedDelta   float64 `yaml:"methodNotAllowedDelta"`
	AuthenticatedClearDelta float64 `yaml:"authenticatedClearDelta"`
	ClearThreshold          float64 `yaml:"clearThreshold"`
	ClearMaxProbability     float64 `yaml:"clearMaxProbability"`
}

// HeaderConfig controls which response headers are emitted (spec §6
// "responseHeaders.*").
type HeaderConfig struct {
	Prefix           string `yaml:"prefix"`
	EmitRiskScore    bool   `yaml:"emitRiskScore"`
	EmitRiskBand     bool   `yaml:"emitRiskBand"`
	EmitConfidence   bool   `yaml:"emitConfidence"`
	EmitDetectors    bool   `yaml:"emitDetectors"`
	EmitProcessingMs bool   `yaml:"emitProcessingMs"`
	EmitPolicyName   bool   `yaml:"emitPolicyName"`
	EmitAction       bool   `yaml:"emitAction"`
	EmitVerdict      bool   `yaml:"emitVerdict"`
	EmitAIRan        bool   `yaml:"emitAIRan"`
	EmitFullResult   bool   `yaml:"emitFullResult"`
	EmitTrustMarker  bool   `yaml:"emitTrustMarker"`
}

// ThrottlingConfig configures the Throttle action strategy (spec §6
// "throttling.*").
type ThrottlingConfig struct {
	BaseDelaySeconds int     `yaml:"baseDelaySeconds"`
	JitterPercent    float64 `yaml:"jitterPercent"`
	ScaleByRisk      bool    `yaml:"scaleByRisk"`
	ChallengeKind    string  `yaml:"challengeKind"`
}

// AllowListConfig configures bot-type allow-through (spec §6).
type AllowListConfig struct {
	AllowVerifiedSearchEngines bool `yaml:"allowVerifiedSearchEngines"`
	AllowSocialMediaBots       bool `yaml:"allowSocialMediaBots"`
	AllowMonitoringBots        bool `yaml:"allowMonitoringBots"`
	AllowTools                 bool `yaml:"allowTools"`
}

// FastPathConfig configures wave composition and the fast-path drift
// sample rate (spec §6 "fastPath.*").
type FastPathConfig struct {
	Waves           [][]string `yaml:"waves"`
	MaxParallelism  int        `yaml:"maxParallelism"`
	QuorumThreshold float64    `yaml:"quorumThreshold"`
	DriftSampleRate float64    `yaml:"driftSampleRate"`
}

// OrchestratorConfig configures global timeout and parallelism behaviour
// (spec §6 "orchestrator.*").
type OrchestratorConfig struct {
	GlobalTimeoutMs   int64 `yaml:"globalTimeoutMs"`
	WaveTimeoutMs     int64 `yaml:"waveTimeoutMs"`
	ParallelDetection bool  `yaml:"parallelDetection"`
	EarlyExitEnabled  bool  `yaml:"earlyExitEnabled"`
}

// CacheConfig configures the signature/visitor aggregate caches (spec §4.5).
type CacheConfig struct {
	MaxEntries             int `yaml:"maxEntries"`
	HistorySize            int `yaml:"historySize"`
	MaintenanceIntervalSec int `yaml:"maintenanceIntervalSec"`
	VisitorIdleExpirySec   int `yaml:"visitorIdleExpirySec"`
}

// RedisConfig configures the optional cross-instance cache mirror and
// cluster feed (SPEC_FULL domain stack).
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channelPrefix"`
}

// MetricsConfig toggles Prometheus metrics registration.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading it on first call from
// CONFIG_PATH (default "botdetect.yaml") plus environment overrides.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "botdetect.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Core.Env = getEnv("BOTDETECT_ENV", c.Core.Env)
	c.Core.Enabled = getEnvBool("BOTDETECT_ENABLED", c.Core.Enabled)
	if v := getEnvFloat("BOTDETECT_BOT_THRESHOLD", 0); v > 0 {
		c.Core.BotThreshold = v
	}
	c.Core.EnableTestMode = getEnvBool("BOTDETECT_ENABLE_TEST_MODE", c.Core.EnableTestMode)

	c.Signature.HashKeyBase64 = getEnv("BOTDETECT_SIGNATURE_HASH_KEY", c.Signature.HashKeyBase64)

	c.Trust.UpstreamSignatureHeader = getEnv("BOTDETECT_UPSTREAM_SIGNATURE_HEADER", c.Trust.UpstreamSignatureHeader)
	c.Trust.UpstreamSignatureSecretBase64 = getEnv("BOTDETECT_UPSTREAM_SIGNATURE_SECRET", c.Trust.UpstreamSignatureSecretBase64)
	if v := getEnvInt("BOTDETECT_UPSTREAM_SIGNATURE_MAX_AGE_SEC", 0); v > 0 {
		c.Trust.UpstreamSignatureMaxAgeSeconds = v
	}

	if paths := getEnv("BOTDETECT_EXCLUDED_PATHS", ""); paths != "" {
		c.Bypass.ExcludedPaths = splitCSV(paths)
	}

	c.Redis.Addr = getEnv("BOTDETECT_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("BOTDETECT_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Enabled = getEnvBool("BOTDETECT_REDIS_ENABLED", c.Redis.Enabled)

	c.Metrics.Enabled = getEnvBool("BOTDETECT_METRICS_ENABLED", c.Metrics.Enabled)
}

func (c *Config) applyDefaults() {
	if c.Core.BotThreshold == 0 {
		c.Core.BotThreshold = 0.7
	}
	if c.Orch.GlobalTimeoutMs == 0 {
		c.Orch.GlobalTimeoutMs = 2000
	}
	if c.Orch.WaveTimeoutMs == 0 {
		c.Orch.WaveTimeoutMs = 500
	}
	if c.FastPath.MaxParallelism == 0 {
		c.FastPath.MaxParallelism = 8
	}
	if c.FastPath.QuorumThreshold == 0 {
		c.FastPath.QuorumThreshold = 0.9
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 50000
	}
	if c.Cache.HistorySize == 0 {
		c.Cache.HistorySize = 20
	}
	if c.Cache.MaintenanceIntervalSec == 0 {
		c.Cache.MaintenanceIntervalSec = 300
	}
	if c.Cache.VisitorIdleExpirySec == 0 {
		c.Cache.VisitorIdleExpirySec = 1800
	}
	if c.Headers.Prefix == "" {
		c.Headers.Prefix = "X-Bot-"
	}
	if c.Throttling.BaseDelaySeconds == 0 {
		c.Throttling.BaseDelaySeconds = 2
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "botdetect:events:"
	}
	if c.Feedback.ClearMaxProbability == 0 {
		c.Feedback.ClearMaxProbability = 0.7
	}
}

func (c *Config) IsProduction() bool  { return c.Core.Env == "production" }
func (c *Config) IsDevelopment() bool { return c.Core.Env == "" || c.Core.Env == "development" }

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v2"
)

// OverlayConfig is an API-key's overlay onto the global config: excluded
// detectors, per-detector weight overrides, and an optional explicit
// detection-policy name (spec §4.4 "API-key overlay").
//
// SecretHash stores bcrypt(secret), never the secret itself. Keys are
// presented to Overlay as "bd_<keyID>.<secret>"; only keyID is used to look
// this entry up, and the secret is checked against SecretHash.
type OverlayConfig struct {
	PolicyName        string             `yaml:"policyName"`
	ExcludedDetectors []string           `yaml:"excludedDetectors"`
	Weights           map[string]float64 `yaml:"weights"`
	SecretHash        string             `yaml:"secretHash"`
}

// OverlaysConfig is the top-level keyID -> OverlayConfig map, loaded from
// its own file so overlay rotation doesn't require reloading the whole
// config.
type OverlaysConfig struct {
	Overlays map[string]OverlayConfig `yaml:"apiKeyOverlays"`
}

// Manager resolves the effective config for a given API key, merging its
// overlay on top of the global config.
type Manager struct {
	mu       sync.RWMutex
	global   *Config
	overlays map[string]OverlayConfig
}

// NewManager loads the global config plus an optional overlays file.
// A missing overlays file is not an error — it just means no API key has
// an overlay configured.
func NewManager(globalPath, overlaysPath string) (*Manager, error) {
	global, err := LoadConfig(globalPath)
	if err != nil {
		return nil, err
	}
	global.applyEnvOverrides()
	global.applyDefaults()

	f, err := os.Open(overlaysPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{global: global, overlays: make(map[string]OverlayConfig)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var oc OverlaysConfig
	if err := yaml.NewDecoder(f).Decode(&oc); err != nil {
		return nil, err
	}
	return &Manager{global: global, overlays: oc.Overlays}, nil
}

// Global returns the process-wide config (no overlay applied).
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// ErrInvalidAPIKey covers any malformed key, unknown key ID, or secret
// mismatch. The reason is deliberately not distinguished further so a probe
// can't use error text to enumerate valid key IDs.
var ErrInvalidAPIKey = errors.New("config: invalid api key")

// Overlay parses an API key of the form "bd_<keyID>.<secret>", looks up the
// overlay registered for keyID, and verifies secret against its bcrypt hash
// (spec §4.4 "API-key overlay"). Hashing only the secret — never the full
// key — means the stored overlays file leaks nothing if it's read directly.
func (m *Manager) Overlay(apiKey string) (OverlayConfig, bool) {
	keyID, secret, ok := splitAPIKey(apiKey)
	if !ok {
		return OverlayConfig{}, false
	}

	m.mu.RLock()
	ov, found := m.overlays[keyID]
	m.mu.RUnlock()
	if !found {
		return OverlayConfig{}, false
	}
	if bcrypt.CompareHashAndPassword([]byte(ov.SecretHash), []byte(secret)) != nil {
		return OverlayConfig{}, false
	}
	return ov, true
}

func splitAPIKey(apiKey string) (keyID, secret string, ok bool) {
	const prefix = "bd_"
	if !strings.HasPrefix(apiKey, prefix) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(apiKey, prefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// IssueAPIKey mints a new "bd_<keyID>.<secret>" pair and registers ov under
// its generated keyID, with SecretHash set to bcrypt(secret). The returned
// string is shown to the caller exactly once; only its hash is retained.
func (m *Manager) IssueAPIKey(ov OverlayConfig) (fullKey string, keyID string, err error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", err
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", err
	}

	keyID = hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	ov.SecretHash = string(hash)

	m.mu.Lock()
	if m.overlays == nil {
		m.overlays = make(map[string]OverlayConfig)
	}
	m.overlays[keyID] = ov
	m.mu.Unlock()

	return "bd_" + keyID + "." + secret, keyID, nil
}

// SetOverlay registers or replaces the overlay for an existing keyID at
// runtime, preserving whatever SecretHash is already on file (e.g. an admin
// endpoint adjusting ExcludedDetectors/Weights without rotating the secret).
func (m *Manager) SetOverlay(keyID string, ov OverlayConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overlays == nil {
		m.overlays = make(map[string]OverlayConfig)
	}
	if ov.SecretHash == "" {
		if existing, ok := m.overlays[keyID]; ok {
			ov.SecretHash = existing.SecretHash
		}
	}
	m.overlays[keyID] = ov
}

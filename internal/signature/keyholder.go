// Package signature implements the multi-factor fingerprint hashing
// described in spec §4.5: a keyed MAC over request attributes, producing
// opaque signatures that are the only identity keys allowed to leave the
// request boundary.
package signature

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
)

// KeyHolder owns the process-wide MAC secret (spec §5 "PII hash key:
// immutable after startup"). Modelled as a constructor-injected singleton
// with explicit Init/Shutdown (spec §9 "Global mutable state"), so every
// test can instantiate its own instance instead of reaching for package
// globals.
type KeyHolder struct {
	mu  sync.RWMutex
	key []byte
}

// NewKeyHolder loads key (already decoded from the configured base64
// secret). If key is empty, it refuses to start in production mode and
// falls back to a random dev-only key otherwise (spec §6
// "signatureHashKey ... required in prod").
func NewKeyHolder(key []byte, devMode bool) (*KeyHolder, error) {
	if len(key) == 0 {
		if !devMode {
			return nil, fmt.Errorf("signature: signatureHashKey is required outside dev mode")
		}
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("signature: generating dev-only random key: %w", err)
		}
		slog.Warn("signature: no signatureHashKey configured, using a random dev-only key — signatures will not be stable across restarts")
	}
	if len(key) > 64 {
		return nil, fmt.Errorf("signature: signatureHashKey is %d bytes, at most 64 are allowed", len(key))
	}
	return &KeyHolder{key: key}, nil
}

// Key returns a copy of the current MAC key.
func (k *KeyHolder) Key() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]byte, len(k.key))
	copy(out, k.key)
	return out
}

// Shutdown zeroes the in-memory key. The HMAC secret and the signature key
// are immutable after startup (spec §5); Shutdown exists for symmetry with
// the other process-wide singletons and to scrub memory on process exit.
func (k *KeyHolder) Shutdown() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.key {
		k.key[i] = 0
	}
}

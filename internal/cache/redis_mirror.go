package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror is an optional write-behind mirror of signature updates into
// Redis, so a multi-instance deployment shares signature aggregates
// without a request ever blocking on the remote write (spec §2 step 6,
// SPEC_FULL domain stack). It implements the Mirror interface.
type RedisMirror struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror wraps an existing go-redis client. keyPrefix defaults to
// "botdetect:sig:" when empty.
func NewRedisMirror(rdb *redis.Client, keyPrefix string, ttl time.Duration) *RedisMirror {
	if keyPrefix == "" {
		keyPrefix = "botdetect:sig:"
	}
	return &RedisMirror{rdb: rdb, prefix: keyPrefix, ttl: ttl}
}

// PublishUpdate writes the detection event to Redis asynchronously; a
// failure is logged, never propagated, since the mirror is a best-effort
// cross-instance convenience, not the source of truth.
func (m *RedisMirror) PublishUpdate(sig string, ev DetectionEvent) {
	go func() {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("redis cache mirror: marshal failed", "signature", sig, "error", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := m.rdb.Set(ctx, m.prefix+sig, data, m.ttl).Err(); err != nil {
			slog.Warn("redis cache mirror: set failed", "signature", sig, "error", err)
		}
	}()
}

// Fetch reads a mirrored detection event back from Redis, used to seed a
// newly-started instance's local cache for a signature it hasn't seen yet.
func (m *RedisMirror) Fetch(ctx context.Context, sig string) (DetectionEvent, bool, error) {
	val, err := m.rdb.Get(ctx, m.prefix+sig).Bytes()
	if err == redis.Nil {
		return DetectionEvent{}, false, nil
	}
	if err != nil {
		return DetectionEvent{}, false, fmt.Errorf("redis cache mirror: get %s: %w", sig, err)
	}
	var ev DetectionEvent
	if err := json.Unmarshal(val, &ev); err != nil {
		return DetectionEvent{}, false, fmt.Errorf("redis cache mirror: unmarshal %s: %w", sig, err)
	}
	return ev, true, nil
}

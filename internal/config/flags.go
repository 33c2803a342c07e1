package config

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Flags is one immutable snapshot of the runtime-tunable parameters. A call
// scope keeps the snapshot it was started with; live updates only affect
// subsequent calls and turns.
type Flags struct {
	// AnswerHardTimeoutSec aborts a turn that produced no full response.
	AnswerHardTimeoutSec int

	// AnswerSoftTimeoutSec triggers the "still working" cue.
	AnswerSoftTimeoutSec int

	// CallbackTimeoutHour is the retention window before a Call is stale.
	CallbackTimeoutHour int

	// PhoneSilenceTimeoutSec triggers the idle re-engagement utterance.
	PhoneSilenceTimeoutSec int

	// RecognitionRetryMax caps STT stream reconnect attempts.
	RecognitionRetryMax int

	// RecordingEnabled records call media to the object store.
	RecordingEnabled bool

	// SlowLLMForChat forces the slow tier for conversational turns.
	SlowLLMForChat bool

	// VADCutoffTimeoutMs is the barge-in detection window.
	VADCutoffTimeoutMs int

	// VADSilenceTimeoutMs is the end-of-turn silence window.
	VADSilenceTimeoutMs int

	// VADThreshold is the voice-activity sensitivity in [0.1, 1.0].
	VADThreshold float64
}

// DefaultFlags returns the documented defaults.
func DefaultFlags() Flags {
	return Flags{
		AnswerHardTimeoutSec:   15,
		AnswerSoftTimeoutSec:   4,
		CallbackTimeoutHour:    3,
		PhoneSilenceTimeoutSec: 20,
		RecognitionRetryMax:    3,
		RecordingEnabled:       false,
		SlowLLMForChat:         false,
		VADCutoffTimeoutMs:     250,
		VADSilenceTimeoutMs:    500,
		VADThreshold:           0.5,
	}
}

// parseFlags overlays raw key-value pairs onto the defaults. Unknown keys
// are ignored; unparsable values keep the default and log a warning.
func parseFlags(raw map[string]string) Flags {
	f := DefaultFlags()
	setInt := func(key string, dst *int) {
		if v, ok := raw[key]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				slog.Warn("unparsable flag value", "key", key, "value", v)
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := raw[key]; ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			} else {
				slog.Warn("unparsable flag value", "key", key, "value", v)
			}
		}
	}
	setInt("answer_hard_timeout_sec", &f.AnswerHardTimeoutSec)
	setInt("answer_soft_timeout_sec", &f.AnswerSoftTimeoutSec)
	setInt("callback_timeout_hour", &f.CallbackTimeoutHour)
	setInt("phone_silence_timeout_sec", &f.PhoneSilenceTimeoutSec)
	setInt("recognition_retry_max", &f.RecognitionRetryMax)
	setBool("recording_enabled", &f.RecordingEnabled)
	setBool("slow_llm_for_chat", &f.SlowLLMForChat)
	setInt("vad_cutoff_timeout_ms", &f.VADCutoffTimeoutMs)
	setInt("vad_silence_timeout_ms", &f.VADSilenceTimeoutMs)
	if v, ok := raw["vad_threshold"]; ok {
		if x, err := strconv.ParseFloat(v, 64); err == nil && x >= 0.1 && x <= 1.0 {
			f.VADThreshold = x
		} else {
			slog.Warn("unparsable or out-of-range flag value", "key", "vad_threshold", "value", v)
		}
	}
	return f
}

// FlagStore loads the raw runtime flag table.
type FlagStore interface {
	Load(ctx context.Context) (map[string]string, error)
}

// RedisFlagStore reads flags from a Redis hash.
type RedisFlagStore struct {
	rdb redis.UniversalClient
	key string
}

var _ FlagStore = (*RedisFlagStore)(nil)

// NewRedisFlagStore creates a store reading the given hash key (default
// "config:flags" when empty).
func NewRedisFlagStore(rdb redis.UniversalClient, key string) *RedisFlagStore {
	if key == "" {
		key = "config:flags"
	}
	return &RedisFlagStore{rdb: rdb, key: key}
}

// Load implements [FlagStore].
func (s *RedisFlagStore) Load(ctx context.Context) (map[string]string, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("config: load flags: %w", err)
	}
	return raw, nil
}

// StaticFlagStore serves a fixed flag table. Used by tests and environments
// without a shared flag store.
type StaticFlagStore map[string]string

// Load implements [FlagStore].
func (s StaticFlagStore) Load(context.Context) (map[string]string, error) {
	return s, nil
}

// FlagCache serves [Flags] snapshots refreshed from a [FlagStore] at most
// every TTL. Snapshots are immutable; Current never blocks on the store.
type FlagCache struct {
	store FlagStore
	ttl   time.Duration

	mu      sync.RWMutex
	current Flags
	loaded  time.Time
}

// NewFlagCache creates a cache with the given refresh TTL (default 60s) and
// an initial snapshot of the defaults.
func NewFlagCache(store FlagStore, ttl time.Duration) *FlagCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &FlagCache{store: store, ttl: ttl, current: DefaultFlags()}
}

// Current returns the latest snapshot.
func (c *FlagCache) Current() Flags {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Refresh loads the store if the snapshot is older than the TTL. A store
// failure keeps the previous snapshot; staleness is bounded only while the
// store is reachable.
func (c *FlagCache) Refresh(ctx context.Context) {
	c.mu.RLock()
	fresh := time.Since(c.loaded) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return
	}

	raw, err := c.store.Load(ctx)
	if err != nil {
		slog.Warn("flag refresh failed; keeping previous snapshot", "error", err)
		return
	}
	f := parseFlags(raw)

	c.mu.Lock()
	c.current = f
	c.loaded = time.Now()
	c.mu.Unlock()
}

// Run refreshes the cache on a ticker until ctx is cancelled. Run it as a
// process-wide background task.
func (c *FlagCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	c.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

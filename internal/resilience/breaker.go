// Package resilience provides the retry and failure-isolation primitives the
// voice loop leans on: a three-state circuit breaker for remote providers and
// jittered exponential backoff for transient-error retries.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] when the breaker is open and the probe
// window has not yet arrived.
var ErrOpen = errors.New("resilience: circuit open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards all calls.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls until the probe interval elapses.
	BreakerOpen

	// BreakerProbing lets calls through to test recovery; ProbeMax
	// successes close the breaker and one failure re-opens it.
	BreakerProbing
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the breaker in log lines.
	Name string

	// Trip is the consecutive-failure count that opens the breaker. Default 5.
	Trip int

	// Probe is how long the breaker stays open before letting probes through.
	// Default 30s.
	Probe time.Duration

	// ProbeMax is how many successful probes close the breaker again. A probe
	// failure re-opens immediately. Default 2.
	ProbeMax int
}

// Breaker is a three-state circuit breaker guarding one remote dependency
// (an LLM tier, the STT stream, the TTS endpoint, the store).
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probeWins int
}

// NewBreaker creates a breaker with defaults applied.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Trip <= 0 {
		cfg.Trip = 5
	}
	if cfg.Probe <= 0 {
		cfg.Probe = 30 * time.Second
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 2
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker rejects the call. The returned error is
// either [ErrOpen] or whatever fn returned.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

// State returns the current state, accounting for an elapsed probe interval.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.Probe {
		return BreakerProbing
	}
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed, BreakerProbing:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.Probe {
			return ErrOpen
		}
		b.state = BreakerProbing
		b.probeWins = 0
		slog.Debug("circuit probing", "breaker", b.cfg.Name)
		return nil
	}
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !ok {
		if b.state == BreakerProbing {
			// A failed probe re-opens immediately.
			b.state = BreakerOpen
			b.openedAt = time.Now()
			slog.Warn("circuit re-opened", "breaker", b.cfg.Name)
			return
		}
		b.failures++
		if b.failures >= b.cfg.Trip && b.state == BreakerClosed {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			slog.Warn("circuit opened", "breaker", b.cfg.Name, "failures", b.failures)
		}
		return
	}

	switch b.state {
	case BreakerProbing:
		b.probeWins++
		if b.probeWins >= b.cfg.ProbeMax {
			b.state = BreakerClosed
			b.failures = 0
			slog.Info("circuit closed", "breaker", b.cfg.Name)
		}
	case BreakerClosed:
		b.failures = 0
	}
}

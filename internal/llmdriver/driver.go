// Package llmdriver layers the per-turn completion policy on top of the raw
// llm providers: tier selection (fast/slow), retry with jittered backoff,
// one cross-tier fallback, and tool-call assembly with JSON repair.
//
// The driver's output is a lazy event stream. Text deltas pass through as
// they arrive; tool-call deltas are accumulated by the provider layer and
// surface here only when fully assembled (name plus complete argument
// JSON), repaired if slightly malformed.
package llmdriver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/parley/internal/callerr"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// Tier selects a completion quality/latency point.
type Tier string

const (
	// TierFast is the low-latency tier used for conversational turns.
	TierFast Tier = "fast"

	// TierSlow is the higher-quality tier used for post-call synthesis and,
	// when the slow_llm_for_chat flag is set, conversational turns.
	TierSlow Tier = "slow"
)

// Event is one element of the driver's output stream.
type Event struct {
	// Text is an incremental text delta. Empty on tool-call and terminal
	// events.
	Text string

	// ToolCalls carries fully assembled, repair-validated tool calls.
	// Emitted together with the finish event.
	ToolCalls []types.ToolCall

	// InvalidToolCalls lists tool calls whose argument JSON stayed invalid
	// after repair. The orchestrator reports them to the model as tool
	// errors and retries the turn once.
	InvalidToolCalls []types.ToolCall

	// Done marks the final event of the stream.
	Done bool

	// Err is set on the final event when the turn failed after all retries
	// and the tier fallback.
	Err error
}

// Driver owns the two tier providers and the retry policy.
type Driver struct {
	fast llm.Provider
	slow llm.Provider

	retryMax int
	backoff  resilience.Backoff
	breakers map[Tier]*resilience.Breaker
}

// Option configures a Driver.
type Option func(*Driver)

// WithRetryMax sets the per-tier attempt cap. Default 3.
func WithRetryMax(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.retryMax = n
		}
	}
}

// WithBackoff overrides the retry backoff policy.
func WithBackoff(b resilience.Backoff) Option {
	return func(d *Driver) { d.backoff = b }
}

// New creates a Driver over the two tier providers.
func New(fast, slow llm.Provider, opts ...Option) *Driver {
	d := &Driver{
		fast:     fast,
		slow:     slow,
		retryMax: 3,
		breakers: map[Tier]*resilience.Breaker{
			TierFast: resilience.NewBreaker(resilience.BreakerConfig{Name: "llm-fast"}),
			TierSlow: resilience.NewBreaker(resilience.BreakerConfig{Name: "llm-slow"}),
		},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Provider returns the raw provider behind a tier.
func (d *Driver) Provider(t Tier) llm.Provider {
	if t == TierSlow {
		return d.slow
	}
	return d.fast
}

func other(t Tier) Tier {
	if t == TierSlow {
		return TierFast
	}
	return TierSlow
}

// Stream runs one completion on the chosen tier, retrying transient
// failures with jittered backoff and falling back once to the other tier
// when the chosen one stays unavailable. The returned channel is closed
// after the Done event. Cancellation of ctx stops the stream within one
// network round-trip.
func (d *Driver) Stream(ctx context.Context, tier Tier, req llm.CompletionRequest) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)

		err := d.streamTier(ctx, tier, req, out)
		if err == nil || ctx.Err() != nil {
			return
		}

		slog.Warn("tier exhausted, falling back", "tier", tier, "error", err)
		if fbErr := d.streamTier(ctx, other(tier), req, out); fbErr != nil {
			emit(ctx, out, Event{Done: true, Err: callerr.Transient("llm", errors.Join(err, fbErr))})
		}
	}()
	return out
}

// streamTier attempts one tier up to retryMax times. A nil return means the
// Done event was emitted; a non-nil return means nothing terminal was
// emitted and the caller may fall back.
func (d *Driver) streamTier(ctx context.Context, tier Tier, req llm.CompletionRequest, out chan<- Event) error {
	var last error
	for attempt := 0; attempt < d.retryMax; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 0 {
			if err := d.backoff.Sleep(ctx, attempt-1); err != nil {
				return err
			}
		}

		done, err := d.attempt(ctx, tier, req, out)
		if done {
			return nil
		}
		last = err
		slog.Debug("completion attempt failed", "tier", tier, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("llmdriver: tier %s exhausted after %d attempts: %w", tier, d.retryMax, last)
}

// attempt opens one provider stream and forwards it. It reports done=true
// once anything user-visible (text or the terminal event) was emitted —
// after that point the turn can no longer be retried transparently.
func (d *Driver) attempt(ctx context.Context, tier Tier, req llm.CompletionRequest, out chan<- Event) (done bool, err error) {
	breaker := d.breakers[tier]

	var ch <-chan llm.Chunk
	err = breaker.Do(func() error {
		var startErr error
		ch, startErr = d.Provider(tier).StreamCompletion(ctx, req)
		return startErr
	})
	if err != nil {
		return false, err
	}

	emittedText := false
	var toolCalls []types.ToolCall

	for chunk := range ch {
		if chunk.FinishReason == "error" {
			streamErr := fmt.Errorf("llmdriver: stream error: %s", chunk.Text)
			if !emittedText {
				// Nothing reached the caller yet — safe to retry.
				go drain(ch)
				return false, streamErr
			}
			emit(ctx, out, Event{Done: true, Err: callerr.Transient("llm", streamErr)})
			go drain(ch)
			return true, nil
		}

		if chunk.Text != "" {
			emittedText = true
			if !emit(ctx, out, Event{Text: chunk.Text}) {
				go drain(ch)
				return true, nil
			}
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}

		if chunk.FinishReason != "" {
			valid, invalid := repairToolCalls(toolCalls)
			if !emittedText && len(valid) == 0 && len(invalid) == 0 {
				// An empty response is a transient provider failure.
				go drain(ch)
				return false, errors.New("llmdriver: empty response")
			}
			emit(ctx, out, Event{Done: true, ToolCalls: valid, InvalidToolCalls: invalid})
			go drain(ch)
			return true, nil
		}
	}

	// Channel closed without a finish reason: treat accumulated output as
	// the full response.
	if !emittedText && len(toolCalls) == 0 {
		return false, errors.New("llmdriver: empty response")
	}
	valid, invalid := repairToolCalls(toolCalls)
	emit(ctx, out, Event{Done: true, ToolCalls: valid, InvalidToolCalls: invalid})
	return true, nil
}

// repairToolCalls splits assembled calls into valid (possibly repaired) and
// still-invalid sets.
func repairToolCalls(calls []types.ToolCall) (valid, invalid []types.ToolCall) {
	for _, tc := range calls {
		if strings.TrimSpace(tc.Name) == "" {
			invalid = append(invalid, tc)
			continue
		}
		repaired, ok := RepairJSON(tc.Arguments)
		if !ok && strings.TrimSpace(tc.Arguments) == "" {
			// Tools with no parameters legitimately stream empty arguments.
			repaired, ok = "{}", true
		}
		if !ok {
			invalid = append(invalid, tc)
			continue
		}
		tc.Arguments = repaired
		valid = append(valid, tc)
	}
	return valid, invalid
}

func emit(ctx context.Context, out chan<- Event, e Event) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

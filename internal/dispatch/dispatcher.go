// Package dispatch enqueues the asynchronous follow-up work produced when a
// call closes: the post-call job (synthesis + SMS report) and, when the
// conversation produced new knowledge, a training job that extracts Q/A
// pairs for retrieval. Jobs are deduplicated by (call_id, kind) with a
// short-TTL marker in the key store, because the queue is at-least-once and
// a redelivered close event must not fan out twice.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/internal/queue"
)

// Marker is the dedup key store. The redis implementation is the production
// backend; tests use [MemoryMarker].
type Marker interface {
	// SetOnce records key with ttl and reports whether this caller was the
	// first to set it.
	SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// markerTTL bounds how long a close event is considered a duplicate. Long
// enough to cover queue redelivery, short enough that a legitimate manual
// re-dispatch works the next day.
const markerTTL = 6 * time.Hour

// Dispatcher fans a closed call out into background jobs.
type Dispatcher struct {
	queue  queue.Queue
	marker Marker
}

// New creates a dispatcher.
func New(q queue.Queue, m Marker) *Dispatcher {
	return &Dispatcher{queue: q, marker: m}
}

// CallClosed enqueues the post-call job and, when warranted, a training
// job. Duplicate closes of the same call are ignored.
func (d *Dispatcher) CallClosed(ctx context.Context, c *call.Call) error {
	if err := d.enqueueOnce(ctx, c, queue.JobPostCall, queue.PostCall); err != nil {
		return err
	}
	if producedKnowledge(c) {
		if err := d.enqueueOnce(ctx, c, queue.JobTraining, queue.Training); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) enqueueOnce(ctx context.Context, c *call.Call, kind queue.JobKind, q queue.Name) error {
	key := fmt.Sprintf("dispatch:%s:%s", c.ID, kind)
	first, err := d.marker.SetOnce(ctx, key, markerTTL)
	if err != nil {
		return fmt.Errorf("dispatch: marker %s: %w", key, err)
	}
	if !first {
		slog.Debug("duplicate close, job suppressed", "call_id", c.ID, "kind", kind)
		return nil
	}

	body, err := queue.Encode(queue.Job{
		CallID:      c.ID,
		PhoneNumber: c.Initiate.CallerPhoneNumber,
		Kind:        kind,
	})
	if err != nil {
		return err
	}
	if err := d.queue.Enqueue(ctx, q, body); err != nil {
		return fmt.Errorf("dispatch: enqueue %s for %s: %w", kind, c.ID, err)
	}
	slog.Info("background job enqueued", "call_id", c.ID, "kind", kind)
	return nil
}

// producedKnowledge reports whether the conversation is worth a training
// extraction: a populated claim or a substantive exchange beyond the
// greeting.
func producedKnowledge(c *call.Call) bool {
	if len(c.Claim) > 0 {
		return true
	}
	humanTurns := 0
	for _, m := range c.Messages {
		if m.Persona == call.PersonaHuman && m.Action == call.ActionTalk {
			humanTurns++
		}
	}
	return humanTurns >= 2
}

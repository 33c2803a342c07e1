// Package worker pulls events off the typed queues and turns them into
// running calls: it acquires the call lease, loads or creates the Call,
// hands it to a per-call runner (the orchestrator), keeps the queue
// delivery's visibility extended while handling runs, and routes media and
// SMS events to the owning call.
//
// Each worker process runs one Worker with a bounded pool of concurrent
// calls. Graceful shutdown drains in-flight calls up to the configured
// deadline; leases release and another worker resumes from the last save.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/internal/callstore"
	"github.com/MrWong99/parley/internal/lease"
	"github.com/MrWong99/parley/internal/queue"
)

// Runner drives one call to completion. The orchestrator is the production
// implementation.
type Runner interface {
	Run(ctx context.Context, c *call.Call, l *lease.Lease) error
	HandleMediaEvent(evt queue.MediaEvent)
	HandleInboundSMS(msg queue.InboundSMS)
}

// RunnerFactory builds a runner (and its per-call media plumbing) for one
// call. The returned close function tears the plumbing down after Run ends.
type RunnerFactory func() (Runner, func() error, error)

// SMSResponder answers an SMS-only record: it produces the reply text for
// an inbound message outside any live call. Nil disables SMS-only replies.
type SMSResponder func(ctx context.Context, c *call.Call, inbound string) (string, error)

// SMSSender delivers the reply.
type SMSSender func(ctx context.Context, to, body string) error

// Config tunes the worker.
type Config struct {
	// MaxConcurrentCalls caps simultaneous calls in this process. Default 8.
	MaxConcurrentCalls int

	// DrainDeadline is how long shutdown waits for live calls. Default 60s.
	DrainDeadline time.Duration

	// VisibilityExtend is the cadence of delivery-visibility extension while
	// a call runs. Default 30s.
	VisibilityExtend time.Duration

	// CallbackTimeout is how long an open record stays resumable; older
	// records are considered stale and a fresh call is created instead.
	// Default 3h.
	CallbackTimeout time.Duration

	// Defaults seed the Initiate block for inbound calls with no prior
	// record.
	Defaults call.Initiate
}

func (c *Config) defaults() {
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = 8
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 60 * time.Second
	}
	if c.VisibilityExtend <= 0 {
		c.VisibilityExtend = 30 * time.Second
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = 3 * time.Hour
	}
}

// Deps are the worker's collaborators.
type Deps struct {
	Queue      queue.Queue
	Store      callstore.Store
	Leases     lease.Manager
	NewRunner  RunnerFactory
	RespondSMS SMSResponder
	SendSMS    SMSSender
}

// Worker is one process's queue consumer.
type Worker struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	active map[string]Runner // call ID → running call

	sem chan struct{}

	// callsCtx outlives the consume loops so in-flight calls can drain
	// gracefully; it is cancelled only once the drain deadline passes.
	callsCtx    context.Context
	cancelCalls context.CancelFunc
}

// New creates a worker.
func New(cfg Config, deps Deps) *Worker {
	cfg.defaults()
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		active: make(map[string]Runner),
		sem:    make(chan struct{}, cfg.MaxConcurrentCalls),
	}
}

// Run consumes the call and SMS queues until ctx is cancelled, then drains:
// in-flight calls get up to DrainDeadline to reach Closed before their
// scopes are cancelled and their leases released for another worker.
func (w *Worker) Run(ctx context.Context) error {
	w.callsCtx, w.cancelCalls = context.WithCancel(context.WithoutCancel(ctx))
	defer w.cancelCalls()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.consume(gctx, queue.CallEvents) })
	g.Go(func() error { return w.consume(gctx, queue.SMSEvents) })
	err := g.Wait()

	w.drain()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) consume(ctx context.Context, q queue.Name) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deliveries, err := w.deps.Queue.Receive(ctx, q, 8)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("queue receive failed", "queue", q, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, d := range deliveries {
			w.route(ctx, d)
		}
	}
}

// route dispatches one delivery. Ack/nack policy: events we handled (or that
// are malformed beyond retry) are acked; events owned by another worker's
// live call are nacked for redelivery.
func (w *Worker) route(ctx context.Context, d queue.Delivery) {
	switch d.Queue {
	case queue.CallEvents:
		// A call-events delivery is either an incoming_call or a media_event;
		// the two payloads are distinguished by their fields.
		var probe struct {
			CallID      string `json:"call_id"`
			Kind        string `json:"kind"`
			CallerPhone string `json:"caller_phone"`
		}
		if err := queue.Decode(d, &probe); err != nil {
			slog.Warn("malformed call event dropped", "id", d.ID, "error", err)
			_ = w.deps.Queue.Ack(ctx, d)
			return
		}
		if probe.Kind != "" {
			w.routeMediaEvent(ctx, d)
			return
		}
		w.startCall(ctx, d)

	case queue.SMSEvents:
		w.routeSMS(ctx, d)

	default:
		slog.Warn("delivery on unexpected queue", "queue", d.Queue)
		_ = w.deps.Queue.Nack(ctx, d)
	}
}

func (w *Worker) routeMediaEvent(ctx context.Context, d queue.Delivery) {
	var evt queue.MediaEvent
	if err := queue.Decode(d, &evt); err != nil {
		slog.Warn("malformed media event dropped", "id", d.ID, "error", err)
		_ = w.deps.Queue.Ack(ctx, d)
		return
	}
	w.mu.Lock()
	runner, ok := w.active[evt.CallID]
	w.mu.Unlock()
	if !ok {
		// Another worker owns the call (or it already closed). Give the
		// delivery back; the owner reclaims it after the visibility window.
		_ = w.deps.Queue.Nack(ctx, d)
		return
	}
	runner.HandleMediaEvent(evt)
	_ = w.deps.Queue.Ack(ctx, d)
}

// startCall handles an incoming_call event end to end in its own goroutine.
func (w *Worker) startCall(ctx context.Context, d queue.Delivery) {
	var evt queue.IncomingCall
	if err := queue.Decode(d, &evt); err != nil {
		slog.Warn("malformed incoming call dropped", "id", d.ID, "error", err)
		_ = w.deps.Queue.Ack(ctx, d)
		return
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		_ = w.deps.Queue.Nack(ctx, d)
		return
	}

	go func() {
		defer func() { <-w.sem }()
		w.handleCall(w.callsCtx, d, evt)
	}()
}

func (w *Worker) handleCall(ctx context.Context, d queue.Delivery, evt queue.IncomingCall) {
	c, err := w.loadOrCreate(ctx, evt)
	if err != nil {
		slog.Error("call setup failed", "caller", evt.CallerPhone, "error", err)
		_ = w.deps.Queue.Nack(ctx, d)
		return
	}

	l, err := w.deps.Leases.Acquire(ctx, lease.CallKey(c.ID), lease.CallTTL)
	if err != nil {
		if errors.Is(err, lease.ErrBusy) {
			// Another worker is live on this call; the event is theirs.
			_ = w.deps.Queue.Nack(ctx, d)
			return
		}
		slog.Error("lease acquire failed", "call_id", c.ID, "error", err)
		_ = w.deps.Queue.Nack(ctx, d)
		return
	}

	runner, closeRunner, err := w.deps.NewRunner()
	if err != nil {
		slog.Error("runner construction failed", "call_id", c.ID, "error", err)
		_ = w.deps.Leases.Release(ctx, l)
		_ = w.deps.Queue.Nack(ctx, d)
		return
	}

	w.mu.Lock()
	w.active[c.ID] = runner
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, c.ID)
		w.mu.Unlock()
		if closeRunner != nil {
			_ = closeRunner()
		}
	}()

	// Visibility extender: keep the delivery ours while the call runs.
	extCtx, stopExt := context.WithCancel(ctx)
	defer stopExt()
	go w.extendLoop(extCtx, d)

	if err := runner.Run(ctx, c, l); err != nil {
		slog.Error("call run failed", "call_id", c.ID, "error", err)
		// The call resumes elsewhere from its last save; the event is done.
	}
	_ = w.deps.Queue.Ack(context.WithoutCancel(ctx), d)
}

func (w *Worker) extendLoop(ctx context.Context, d queue.Delivery) {
	ticker := time.NewTicker(w.cfg.VisibilityExtend)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.deps.Queue.Extend(ctx, d, w.cfg.VisibilityExtend*2); err != nil {
				slog.Warn("visibility extension failed", "id", d.ID, "error", err)
			}
		}
	}
}

// loadOrCreate resolves the Call for an incoming event: an explicit call ID
// (API-created outbound call), the caller's open record, or a fresh call
// from the configured defaults.
func (w *Worker) loadOrCreate(ctx context.Context, evt queue.IncomingCall) (*call.Call, error) {
	if evt.CallID != "" {
		c, err := w.deps.Store.GetByID(ctx, evt.CallerPhone, evt.CallID)
		if err != nil {
			return nil, fmt.Errorf("worker: load call %s: %w", evt.CallID, err)
		}
		return c, nil
	}

	last, err := w.deps.Store.GetLast(ctx, evt.CallerPhone)
	if err == nil && last.Next == nil && time.Since(last.UpdatedAt) < w.cfg.CallbackTimeout {
		// A fresh open record continues the existing conversation.
		return last, nil
	}
	if err != nil && !errors.Is(err, callstore.ErrNotFound) {
		return nil, fmt.Errorf("worker: load last for %s: %w", evt.CallerPhone, err)
	}

	init := w.cfg.Defaults
	init.CallerPhoneNumber = evt.CallerPhone
	c, err := call.New(init, time.Now())
	if err != nil {
		return nil, fmt.Errorf("worker: create call for %s: %w", evt.CallerPhone, err)
	}
	if err := w.deps.Store.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("worker: save new call: %w", err)
	}
	return c, nil
}

// routeSMS appends an inbound text to the caller's live call, or spawns an
// SMS-only record answered over SMS.
func (w *Worker) routeSMS(ctx context.Context, d queue.Delivery) {
	var msg queue.InboundSMS
	if err := queue.Decode(d, &msg); err != nil {
		slog.Warn("malformed sms event dropped", "id", d.ID, "error", err)
		_ = w.deps.Queue.Ack(ctx, d)
		return
	}

	// Live call on this worker?
	if runner := w.activeForPhone(ctx, msg.From); runner != nil {
		runner.HandleInboundSMS(msg)
		_ = w.deps.Queue.Ack(ctx, d)
		return
	}

	if err := w.handleSMSOnly(ctx, msg); err != nil {
		slog.Error("sms-only handling failed", "from", msg.From, "error", err)
		_ = w.deps.Queue.Nack(ctx, d)
		return
	}
	_ = w.deps.Queue.Ack(ctx, d)
}

func (w *Worker) activeForPhone(ctx context.Context, phone string) Runner {
	last, err := w.deps.Store.GetLast(ctx, phone)
	if err != nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.active[last.ID]; ok && last.InProgress {
		return r
	}
	return nil
}

// handleSMSOnly creates (or extends) an SMS-only record under its lease and
// answers with one completion.
func (w *Worker) handleSMSOnly(ctx context.Context, msg queue.InboundSMS) error {
	c, err := w.smsRecord(ctx, msg)
	if err != nil {
		return err
	}

	l, err := w.deps.Leases.Acquire(ctx, lease.CallKey(c.ID), lease.CallTTL)
	if err != nil {
		return fmt.Errorf("worker: sms lease: %w", err)
	}
	defer func() { _ = w.deps.Leases.Release(ctx, l) }()

	c.AppendMessage(call.Message{
		CreatedAt: msg.ReceivedAt,
		Action:    call.ActionSMS,
		Persona:   call.PersonaHuman,
		Content:   msg.Body,
	})

	if w.deps.RespondSMS != nil && w.deps.SendSMS != nil {
		reply, err := w.deps.RespondSMS(ctx, c, msg.Body)
		if err != nil {
			slog.Warn("sms reply generation failed", "call_id", c.ID, "error", err)
		} else if reply != "" {
			if err := w.deps.SendSMS(ctx, msg.From, reply); err != nil {
				slog.Warn("sms reply send failed", "call_id", c.ID, "error", err)
			} else {
				c.AppendMessage(call.Message{
					CreatedAt: time.Now(),
					Action:    call.ActionSMS,
					Persona:   call.PersonaAssistant,
					Content:   reply,
				})
			}
		}
	}

	if err := w.deps.Store.Save(ctx, c); err != nil {
		return fmt.Errorf("worker: save sms record: %w", err)
	}
	return nil
}

func (w *Worker) smsRecord(ctx context.Context, msg queue.InboundSMS) (*call.Call, error) {
	last, err := w.deps.Store.GetLast(ctx, msg.From)
	if err == nil && last.Next == nil && time.Since(last.UpdatedAt) < w.cfg.CallbackTimeout {
		return last, nil
	}
	if err != nil && !errors.Is(err, callstore.ErrNotFound) {
		return nil, err
	}

	init := w.cfg.Defaults
	init.CallerPhoneNumber = msg.From
	c, err := call.New(init, time.Now())
	if err != nil {
		return nil, err
	}
	if err := w.deps.Store.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// drain waits for live calls to finish, up to the drain deadline; calls
// still live afterwards have their scopes cancelled and are given a short
// grace period to unwind.
func (w *Worker) drain() {
	deadline := time.Now().Add(w.cfg.DrainDeadline)
	for time.Now().Before(deadline) && w.ActiveCalls() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	if n := w.ActiveCalls(); n > 0 {
		slog.Warn("drain deadline reached, cancelling live calls", "count", n)
	}
	w.cancelCalls()
	grace := time.Now().Add(5 * time.Second)
	for time.Now().Before(grace) && w.ActiveCalls() > 0 {
		time.Sleep(20 * time.Millisecond)
	}
}

// ActiveCalls reports how many calls this worker currently owns.
func (w *Worker) ActiveCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

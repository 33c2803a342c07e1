package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/internal/callstore"
	"github.com/MrWong99/parley/internal/lease"
	"github.com/MrWong99/parley/internal/queue"
)

// fakeRunner records what it was given and finishes when released.
type fakeRunner struct {
	mu      sync.Mutex
	call    *call.Call
	media   []queue.MediaEvent
	sms     []queue.InboundSMS
	block   chan struct{} // closed to let Run return
	started chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{block: make(chan struct{}), started: make(chan struct{})}
}

func (r *fakeRunner) Run(ctx context.Context, c *call.Call, l *lease.Lease) error {
	r.mu.Lock()
	r.call = c
	r.mu.Unlock()
	close(r.started)
	select {
	case <-r.block:
	case <-ctx.Done():
	}
	return nil
}

func (r *fakeRunner) HandleMediaEvent(evt queue.MediaEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.media = append(r.media, evt)
}

func (r *fakeRunner) HandleInboundSMS(msg queue.InboundSMS) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sms = append(r.sms, msg)
}

func defaults() call.Initiate {
	return call.Initiate{
		BotName:            "Eva",
		BotCompany:         "Contoso",
		LanguageDefault:    "fr-FR",
		LanguagesAvailable: []string{"fr-FR"},
		ClaimSchema:        []call.ClaimField{{Name: "policy_number", Type: call.FieldText}},
	}
}

type env struct {
	w      *Worker
	q      *queue.MemoryQueue
	store  *callstore.MemoryStore
	leases *lease.MemoryManager
	runner *fakeRunner
	cancel context.CancelFunc
	done   chan error

	mu      sync.Mutex
	replies []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		q:      queue.NewMemoryQueue(time.Minute),
		store:  callstore.NewMemoryStore(),
		leases: lease.NewMemoryManager(),
		runner: newFakeRunner(),
	}
	e.w = New(Config{
		MaxConcurrentCalls: 2,
		DrainDeadline:      2 * time.Second,
		Defaults:           defaults(),
	}, Deps{
		Queue:     e.q,
		Store:     e.store,
		Leases:    e.leases,
		NewRunner: func() (Runner, func() error, error) { return e.runner, nil, nil },
		RespondSMS: func(_ context.Context, _ *call.Call, inbound string) (string, error) {
			return "Re: " + inbound, nil
		},
		SendSMS: func(_ context.Context, _, body string) error {
			e.mu.Lock()
			e.replies = append(e.replies, body)
			e.mu.Unlock()
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan error, 1)
	go func() { e.done <- e.w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-e.done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return e
}

func enqueue(t *testing.T, q *queue.MemoryQueue, name queue.Name, v any) {
	t.Helper()
	body, err := queue.Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(context.Background(), name, body); err != nil {
		t.Fatal(err)
	}
}

func TestWorker_IncomingCallCreatesAndRuns(t *testing.T) {
	e := newEnv(t)
	enqueue(t, e.q, queue.CallEvents, queue.IncomingCall{CallerPhone: "+33612345678", CorrelationID: "c1"})

	select {
	case <-e.runner.started:
	case <-time.After(3 * time.Second):
		t.Fatal("runner never started")
	}

	e.runner.mu.Lock()
	c := e.runner.call
	e.runner.mu.Unlock()
	if c.Initiate.CallerPhoneNumber != "+33612345678" {
		t.Errorf("caller = %q", c.Initiate.CallerPhoneNumber)
	}
	if c.Initiate.BotName != "Eva" {
		t.Errorf("defaults not applied: %+v", c.Initiate)
	}

	// The call lease is held while the runner runs.
	if _, err := e.leases.Acquire(context.Background(), lease.CallKey(c.ID), lease.CallTTL); err == nil {
		t.Error("call lease acquirable while runner active")
	}

	close(e.runner.block)

	// The delivery is acked once the call finishes.
	deadline := time.After(3 * time.Second)
	for e.q.Len(queue.CallEvents) != 0 {
		select {
		case <-deadline:
			t.Fatal("call event never acked")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorker_ReusesOpenRecord(t *testing.T) {
	e := newEnv(t)

	existing, err := call.New(func() call.Initiate {
		i := defaults()
		i.CallerPhoneNumber = "+33612345678"
		return i
	}(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.store.Save(context.Background(), existing); err != nil {
		t.Fatal(err)
	}

	enqueue(t, e.q, queue.CallEvents, queue.IncomingCall{CallerPhone: "+33612345678"})

	select {
	case <-e.runner.started:
	case <-time.After(3 * time.Second):
		t.Fatal("runner never started")
	}
	e.runner.mu.Lock()
	got := e.runner.call.ID
	e.runner.mu.Unlock()
	if got != existing.ID {
		t.Errorf("runner got call %s, want existing open record %s", got, existing.ID)
	}
	close(e.runner.block)
}

func TestWorker_MediaEventRoutedToActiveCall(t *testing.T) {
	e := newEnv(t)
	enqueue(t, e.q, queue.CallEvents, queue.IncomingCall{CallerPhone: "+33612345678"})
	<-e.runner.started

	e.runner.mu.Lock()
	callID := e.runner.call.ID
	e.runner.mu.Unlock()

	enqueue(t, e.q, queue.CallEvents, queue.MediaEvent{CallID: callID, EventID: "e1", Kind: queue.MediaHangup})

	deadline := time.After(3 * time.Second)
	for {
		e.runner.mu.Lock()
		n := len(e.runner.media)
		e.runner.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("media event never routed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(e.runner.block)
}

func TestWorker_SMSOnlyRecordWithReply(t *testing.T) {
	e := newEnv(t)

	enqueue(t, e.q, queue.SMSEvents, queue.InboundSMS{
		From: "+33687654321", To: "+33699999999", Body: "hello", ReceivedAt: time.Now(),
	})

	deadline := time.After(3 * time.Second)
	for {
		c, err := e.store.GetLast(context.Background(), "+33687654321")
		if err == nil && len(c.Messages) == 2 {
			if c.Messages[0].Action != call.ActionSMS || c.Messages[0].Persona != call.PersonaHuman {
				t.Errorf("messages[0] = %+v", c.Messages[0])
			}
			if c.Messages[1].Persona != call.PersonaAssistant || c.Messages[1].Content != "Re: hello" {
				t.Errorf("messages[1] = %+v", c.Messages[1])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("sms-only record never created")
		case <-time.After(10 * time.Millisecond):
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.replies) != 1 || e.replies[0] != "Re: hello" {
		t.Errorf("replies = %v", e.replies)
	}
}

func TestWorker_DrainWaitsForCalls(t *testing.T) {
	e := newEnv(t)
	enqueue(t, e.q, queue.CallEvents, queue.IncomingCall{CallerPhone: "+33612345678"})
	<-e.runner.started

	// Shut down while the call is live; Run should block in drain until the
	// runner finishes.
	e.cancel()
	select {
	case <-e.done:
		t.Fatal("worker exited before the live call finished draining")
	case <-time.After(150 * time.Millisecond):
	}

	close(e.runner.block)
	select {
	case err := <-e.done:
		e.done <- err // leave the result for the cleanup's check
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit after drain")
	}
}

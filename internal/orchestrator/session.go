package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/internal/callerr"
	"github.com/MrWong99/parley/internal/callstore"
	"github.com/MrWong99/parley/internal/queue"
	"github.com/MrWong99/parley/pkg/provider/search"
)

// saveRetryMax is how many conflict reload-reapply rounds a save gets before
// the call aborts with an operator-visible incident.
const saveRetryMax = 3

// The orchestrator itself is the tools.Session: handlers reach the call,
// persistence, and the telephony control surface only through it.

// Call implements tools.Session.
func (o *Orchestrator) Call() *call.Call { return o.call }

// SaveCall implements tools.Session with the persistence discipline:
// conflicts are resolved by reloading the stored document, adopting its
// version, and re-asserting the working copy. The lease guarantees no
// concurrent semantic writer, so the working copy is authoritative; the
// retry loop absorbs version skew left behind by a previous worker whose
// lease expired mid-save.
func (o *Orchestrator) SaveCall(ctx context.Context) error {
	start := time.Now()
	defer func() {
		o.deps.Metrics.SaveDuration.Record(ctx, time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt <= saveRetryMax; attempt++ {
		err := o.deps.Store.Save(ctx, o.call)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, callstore.ErrConflict) {
			if errors.Is(err, callstore.ErrTransient) && attempt < saveRetryMax {
				if serr := o.backoff.Sleep(ctx, attempt); serr != nil {
					return serr
				}
				continue
			}
			return fmt.Errorf("orchestrator: save: %w", err)
		}

		o.deps.Metrics.SaveConflicts.Add(ctx, 1)
		stored, loadErr := o.deps.Store.GetByID(ctx, o.call.Initiate.CallerPhoneNumber, o.call.ID)
		if loadErr != nil {
			return fmt.Errorf("orchestrator: reload after conflict: %w", loadErr)
		}
		slog.Warn("save conflict, re-applying working copy",
			"call_id", o.call.ID, "working_version", o.call.Version, "stored_version", stored.Version)
		o.call.Version = stored.Version
		// Post-call enrichment is the only legitimate concurrent writer;
		// carry its fields forward rather than clobbering them.
		if o.call.Synthesis == nil {
			o.call.Synthesis = stored.Synthesis
		}
	}

	o.deps.Metrics.Incident(ctx, "save_conflict_exhausted")
	return callerr.Fatal("orchestrator: save", lastErr)
}

// FinishCall implements tools.Session. The working copy must not change
// hands mid-dispatch — other tools of the same round still append their
// results to it — so the handler only records the request; the orchestrator
// performs the switchover in [Orchestrator.startNewClaim] once the round
// completes.
func (o *Orchestrator) FinishCall(context.Context) error {
	o.newClaimRequested.Store(true)
	return nil
}

// startNewClaim terminates the working copy as case_closed and makes a
// fresh Call for the same caller the new working copy. The claim-schema
// lease for the phone number guards the switchover. Must be called from the
// orchestrator goroutine, outside any tool dispatch.
func (o *Orchestrator) startNewClaim(ctx context.Context) error {
	schemaLease, err := o.deps.Leases.Acquire(ctx, leaseSchemaKey(o.call.Initiate.CallerPhoneNumber), leaseSchemaTTL)
	if err != nil {
		return callerr.Transient("orchestrator: claim_schema lease", err)
	}
	defer func() { _ = o.deps.Leases.Release(ctx, schemaLease) }()

	if err := o.call.Terminate(call.Next{
		Action:        call.NextCaseClosed,
		Justification: "caller opened a new claim",
	}); err != nil {
		return err
	}
	if err := o.SaveCall(ctx); err != nil {
		return err
	}
	o.dispatchPostCall(ctx, o.call)

	fresh, err := call.New(o.call.Initiate, time.Now())
	if err != nil {
		return err
	}
	fresh.InProgress = true
	fresh.LangCurrent = o.call.LangCurrent
	o.call = fresh
	return o.SaveCall(ctx)
}

// RequestHangup implements tools.Session.
func (o *Orchestrator) RequestHangup() { o.hangupRequested.Store(true) }

// RequestTransfer implements tools.Session.
func (o *Orchestrator) RequestTransfer() { o.transferRequested.Store(true) }

// SendSMS implements tools.Session by handing the message to the SMS
// gateway provider.
func (o *Orchestrator) SendSMS(ctx context.Context, body string) error {
	if o.deps.SMS == nil {
		return callerr.Invalid("sms is not configured")
	}
	if err := o.deps.SMS.Send(ctx, o.call.Initiate.CallerPhoneNumber, body); err != nil {
		return err
	}
	o.call.AppendMessage(call.Message{
		CreatedAt: time.Now(),
		Action:    call.ActionSMS,
		Persona:   call.PersonaAssistant,
		Content:   body,
	})
	return o.SaveCall(ctx)
}

// QueueCue implements tools.Session. Cues are spoken after the current
// dispatch round, before the follow-up completion's reply.
func (o *Orchestrator) QueueCue(text string) {
	o.cueMu.Lock()
	defer o.cueMu.Unlock()
	o.pendingCues = append(o.pendingCues, text)
}

// AddSearchResults implements tools.Session. Snippets feed the next prompt
// assembly and are cleared once consumed.
func (o *Orchestrator) AddSearchResults(snippets []search.Snippet) {
	o.cueMu.Lock()
	defer o.cueMu.Unlock()
	o.searchResults = append(o.searchResults, snippets...)
}

func (o *Orchestrator) takeCues() []string {
	o.cueMu.Lock()
	defer o.cueMu.Unlock()
	cues := o.pendingCues
	o.pendingCues = nil
	return cues
}

func (o *Orchestrator) takeSearchResults() []search.Snippet {
	o.cueMu.Lock()
	defer o.cueMu.Unlock()
	res := o.searchResults
	o.searchResults = nil
	return res
}

// dispatchPostCall hands a closed call to the background dispatcher.
func (o *Orchestrator) dispatchPostCall(ctx context.Context, c *call.Call) {
	if o.deps.Dispatcher == nil {
		return
	}
	if err := o.deps.Dispatcher.CallClosed(ctx, c); err != nil {
		slog.Warn("post-call dispatch failed", "call_id", c.ID, "error", err)
	}
}

// appendMediaNote records a telephony lifecycle event on the call log.
func (o *Orchestrator) appendMediaNote(kind queue.MediaKind, payload string) {
	o.call.AppendMessage(call.Message{
		CreatedAt: time.Now(),
		Action:    call.ActionNote,
		Persona:   call.PersonaSystem,
		Content:   fmt.Sprintf("media: %s %s", kind, payload),
	})
}

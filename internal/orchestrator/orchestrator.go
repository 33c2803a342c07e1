// Package orchestrator runs the per-call state machine: it composes the
// media bridge, turn detector, LLM driver, response pipeline, and tool
// registry under the call's lease, owns the Call working copy, and enforces
// the persistence and idempotency discipline.
//
// Shared Call state is owned by the orchestrator goroutine. Sub-tasks (LLM
// stream, pipeline, lease keeper, speech queue) communicate through channels
// and cancellation scopes; none holds a pointer back into the Call.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/internal/callstore"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/dispatch"
	"github.com/MrWong99/parley/internal/lease"
	"github.com/MrWong99/parley/internal/llmdriver"
	"github.com/MrWong99/parley/internal/media"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/prompt"
	"github.com/MrWong99/parley/internal/queue"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/scope"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/safety"
	"github.com/MrWong99/parley/pkg/provider/search"
	"github.com/MrWong99/parley/pkg/provider/sms"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/translate"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	leaseSchemaTTL = lease.ClaimSchemaTTL

	// maxToolRounds bounds chained completions within one caller turn.
	maxToolRounds = 8

	// maxIdleWarns ends the call as silent after this many unanswered
	// re-engagements.
	maxIdleWarns = 3

	// disconnectWait is how long Ending waits for the gateway's disconnect
	// notification before closing anyway.
	disconnectWait = 10 * time.Second
)

func leaseSchemaKey(phone string) string { return lease.ClaimSchemaKey(phone) }

// State is the orchestrator's position in the call lifecycle.
type State int

const (
	StateIdle State = iota
	StateGreeting
	StateListening
	StateThinking
	StateSpeaking
	StateEnding
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Telephony is the thin control surface toward the gateway adapter.
type Telephony interface {
	// Hangup asks the gateway to disconnect the call.
	Hangup(ctx context.Context, callID string) error

	// Transfer asks the gateway to connect the caller to the agent number.
	Transfer(ctx context.Context, callID, agentNumber string) error
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store      callstore.Store
	Leases     lease.Manager
	Registry   *tools.Registry
	Driver     *llmdriver.Driver
	Bridge     *media.Bridge
	Translate  translate.Provider
	Safety     safety.Provider
	SMS        sms.Provider
	Telephony  Telephony
	Dispatcher *dispatch.Dispatcher
	Metrics    *observe.Metrics
}

// Params are the per-call tunables snapshot.
type Params struct {
	// Flags is the runtime-flag snapshot taken at call start. Live flag
	// updates only affect subsequent calls.
	Flags config.Flags

	// PivotLanguage is the language prompts are authored in.
	PivotLanguage string

	// BotPhoneNumber is the number the bot speaks from.
	BotPhoneNumber string

	// Voice is the TTS voice for this call.
	Voice types.VoiceProfile

	// STTSampleRate is the gateway's audio sample rate.
	STTSampleRate int
}

var _ tools.Session = (*Orchestrator)(nil)

// Orchestrator drives one call from Greeting to Closed.
type Orchestrator struct {
	deps   Deps
	params Params

	call      *call.Call
	callLease *lease.Lease
	callScope *scope.Scope
	detector  *turn.Detector
	backoff   resilience.Backoff
	state     State

	hangupRequested   atomic.Bool
	transferRequested atomic.Bool
	newClaimRequested atomic.Bool

	cueMu         sync.Mutex
	pendingCues   []string
	searchResults []search.Snippet

	idleWarns    int
	disconnected bool

	speakingCh chan bool
	mediaCh    chan queue.MediaEvent
	smsCh      chan queue.InboundSMS
}

// New creates an orchestrator for one call.
func New(deps Deps, params Params) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = observe.Default()
	}
	return &Orchestrator{
		deps:       deps,
		params:     params,
		backoff:    resilience.Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second},
		speakingCh: make(chan bool, 8),
		mediaCh:    make(chan queue.MediaEvent, 16),
		smsCh:      make(chan queue.InboundSMS, 4),
	}
}

// HandleMediaEvent posts a telephony event into the running call. Safe for
// concurrent use; duplicates are filtered by fingerprint inside the loop.
func (o *Orchestrator) HandleMediaEvent(evt queue.MediaEvent) {
	select {
	case o.mediaCh <- evt:
	default:
		slog.Warn("media event dropped, channel full", "call_id", evt.CallID, "kind", evt.Kind)
	}
}

// HandleInboundSMS posts a caller text into the running call.
func (o *Orchestrator) HandleInboundSMS(msg queue.InboundSMS) {
	select {
	case o.smsCh <- msg:
	default:
		slog.Warn("inbound sms dropped, channel full", "from", msg.From)
	}
}

// State returns the current lifecycle state. Informational only.
func (o *Orchestrator) State() State { return o.state }

// Run drives the call until Closed. c is the loaded working copy; l is the
// already-acquired call lease, which Run releases on exit.
func (o *Orchestrator) Run(ctx context.Context, c *call.Call, l *lease.Lease) error {
	o.call = c
	o.callLease = l
	o.callScope = scope.New(ctx)
	defer o.callScope.Cancel(scope.ReasonShutdown)

	o.deps.Metrics.ActiveCalls.Add(ctx, 1)
	defer o.deps.Metrics.ActiveCalls.Add(ctx, -1)

	// Lease keeper: renewal failure aborts all further mutations.
	go func() {
		if err := lease.KeepAlive(o.callScope.Context(), o.deps.Leases, l); err != nil {
			slog.Error("call lease lost", "call_id", c.ID, "error", err)
			o.deps.Metrics.LeaseLosses.Add(ctx, 1)
			o.callScope.Cancel(scope.ReasonLeaseLost)
		}
	}()

	o.deps.Bridge.OnSpeakingChange(func(speaking bool) {
		select {
		case o.speakingCh <- speaking:
		default:
		}
	})

	err := o.run(ctx)
	o.release(ctx)
	return err
}

func (o *Orchestrator) run(ctx context.Context) error {
	sctx := o.callScope.Context()

	// ── Greeting ──────────────────────────────────────────────────────────
	o.state = StateGreeting
	o.call.InProgress = true
	if err := o.SaveCall(sctx); err != nil {
		return err
	}

	if err := o.deps.Bridge.StartRecognition(sctx, stt.StreamConfig{
		SampleRate:     o.params.STTSampleRate,
		Channels:       1,
		Language:       o.call.LangCurrent,
		DetectLanguage: len(o.call.Initiate.LanguagesAvailable) > 1,
	}); err != nil {
		o.deps.Metrics.Incident(sctx, "stt_unreachable")
		return o.endWith(sctx, call.NextCaseEscalated, "speech recognition unavailable")
	}

	o.detector = turn.New(turn.Config{
		SilenceTimeout: time.Duration(o.params.Flags.VADSilenceTimeoutMs) * time.Millisecond,
		CutoffTimeout:  time.Duration(o.params.Flags.VADCutoffTimeoutMs) * time.Millisecond,
		IdleTimeout:    time.Duration(o.params.Flags.PhoneSilenceTimeoutSec) * time.Second,
	}, time.Now())

	u := o.utterances()
	o.speak(sctx, u.Hello, types.StyleCheerful)
	o.flushSpeech(sctx)
	o.appendAssistantTalk(u.Hello, false, nil)
	if err := o.SaveCall(sctx); err != nil {
		return err
	}

	// ── Listening loop ────────────────────────────────────────────────────
	o.state = StateListening
	for o.state != StateEnding {
		select {
		case <-o.callScope.Done():
			return o.abort(ctx)

		case speaking := <-o.speakingCh:
			o.detector.SetSpeaking(speaking, time.Now())

		case evt := <-o.mediaCh:
			if o.applyMediaEvent(sctx, evt) {
				o.state = StateEnding
			}

		case msg := <-o.smsCh:
			o.applyInboundSMS(sctx, msg)

		case evt, ok := <-o.deps.Bridge.Events():
			if !ok {
				o.deps.Metrics.Incident(sctx, "stt_stream_lost")
				return o.endWith(sctx, call.NextCallBack, "speech recognition lost")
			}
			switch det := o.detector.Observe(evt, time.Now()); det.Signal {
			case turn.SignalTurnEnded:
				o.idleWarns = 0
				o.state = o.runTurn(ctx, det.Text, det.Language)
			case turn.SignalIdleWarn:
				o.idleWarns++
				if o.idleWarns > maxIdleWarns {
					return o.endWith(sctx, call.NextSilence, "caller remained silent")
				}
				o.speak(sctx, o.utterances().ReEngage, types.StyleCalm)
			case turn.SignalBargeIn:
				// Outside a turn there is nothing to interrupt; the partial
				// simply feeds the next turn.
			}
		}
	}

	// ── Ending ────────────────────────────────────────────────────────────
	if o.callScope.Err() != nil {
		return o.abort(ctx)
	}
	return o.ending(ctx)
}

// runTurn handles one caller turn: completion, pipeline, tools, follow-up
// completions, and the commit/save of the assistant reply. It returns the
// next state.
func (o *Orchestrator) runTurn(ctx context.Context, text, lang string) State {
	sctx := o.callScope.Context()
	o.state = StateThinking
	turnStart := time.Now()

	if lang != "" && lang != o.call.LangCurrent {
		if err := o.call.SetLanguage(lang); err == nil {
			slog.Info("caller switched language", "call_id", o.call.ID, "lang", lang)
		}
	}

	o.call.AppendMessage(call.Message{
		CreatedAt: time.Now(),
		Action:    call.ActionTalk,
		Persona:   call.PersonaHuman,
		Content:   text,
	})
	if err := o.SaveCall(sctx); err != nil {
		return o.fatalTurn(sctx, err)
	}
	o.deps.Metrics.STTDuration.Record(sctx, time.Since(turnStart).Seconds())

	apologeticRetryUsed := false
	for round := 0; round < maxToolRounds; round++ {
		out, next, final := o.completeOnce(ctx)
		if final {
			return next
		}

		// Commit this round's assistant message with its tool calls.
		asst := call.Message{
			CreatedAt: time.Now(),
			Action:    call.ActionTalk,
			Persona:   call.PersonaAssistant,
			Content:   out.Text,
			Filtered:  out.Filtered,
		}
		for _, tc := range out.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, call.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		for _, tc := range out.InvalidToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, call.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		o.call.AppendMessage(asst)

		if len(out.ToolCalls) == 0 && len(out.InvalidToolCalls) == 0 {
			// A plain spoken reply ends the turn.
			if err := o.SaveCall(sctx); err != nil {
				return o.fatalTurn(sctx, err)
			}
			o.deps.Metrics.Turn(sctx, "spoken")
			o.deps.Metrics.LLMDuration.Record(sctx, time.Since(turnStart).Seconds())
			return StateListening
		}

		// ── Tool dispatch ─────────────────────────────────────────────────
		o.dispatchTools(sctx, out.ToolCalls, out.InvalidToolCalls)

		for _, cue := range o.takeCues() {
			o.speak(sctx, cue, types.StyleNone)
		}
		if o.hangupRequested.Load() || o.transferRequested.Load() {
			if err := o.SaveCall(sctx); err != nil {
				return o.fatalTurn(sctx, err)
			}
			o.deps.Metrics.Turn(sctx, "spoken")
			return StateEnding
		}
		if o.newClaimRequested.CompareAndSwap(true, false) {
			// The round's results are committed on the old call before it
			// closes; the caller's next turn starts on the fresh one.
			if err := o.startNewClaim(sctx); err != nil {
				return o.fatalTurn(sctx, err)
			}
			o.deps.Metrics.Turn(sctx, "spoken")
			return StateListening
		}
		if len(out.InvalidToolCalls) > 0 {
			if apologeticRetryUsed {
				// Second malformed round: give the floor back to the caller.
				if err := o.SaveCall(sctx); err != nil {
					return o.fatalTurn(sctx, err)
				}
				o.deps.Metrics.Incident(sctx, "tool_call_malformed")
				return StateListening
			}
			apologeticRetryUsed = true
			o.speak(sctx, o.utterances().Apology, types.StyleSad)
		}
		// Loop: next completion sees the tool results.
	}

	slog.Warn("tool round cap reached", "call_id", o.call.ID)
	if err := o.SaveCall(sctx); err != nil {
		return o.fatalTurn(sctx, err)
	}
	return StateListening
}

// completeOnce runs one completion + pipeline pass under a turn scope while
// continuing to watch for barge-in, hangup, and lease loss. final=true means
// the returned state ends the turn immediately.
func (o *Orchestrator) completeOnce(ctx context.Context) (out pipeline.Outcome, next State, final bool) {
	sctx := o.callScope.Context()

	tier := llmdriver.TierFast
	if o.params.Flags.SlowLLMForChat {
		tier = llmdriver.TierSlow
	}

	sys, history := prompt.Assemble(o.call, prompt.Context{
		Date:           time.Now().Format("2006-01-02"),
		BotPhoneNumber: o.params.BotPhoneNumber,
		SearchResults:  o.takeSearchResults(),
		HistoryBudget:  o.historyBudget(tier),
		CountTokens:    o.deps.Driver.Provider(tier).CountTokens,
	})

	turnScope := o.callScope.Child()
	defer turnScope.Cancel(scope.ReasonNone)

	events := o.deps.Driver.Stream(turnScope.Context(), tier, completionRequest(sys, history, o.deps.Registry.Definitions()))

	u := o.utterances()
	outcomeCh := make(chan pipeline.Outcome, 1)
	go func() {
		outcomeCh <- pipeline.Run(turnScope.Context(), events, pipeline.Config{
			PivotLanguage:   o.params.PivotLanguage,
			TargetLanguage:  o.call.LangCurrent,
			Voice:           o.params.Voice,
			Style:           types.StyleNone,
			SoftTimeout:     time.Duration(o.params.Flags.AnswerSoftTimeoutSec) * time.Second,
			HardTimeout:     time.Duration(o.params.Flags.AnswerHardTimeoutSec) * time.Second,
			StillWorkingCue: u.StillWorking,
			ApologyCue:      u.Apology,
		}, pipeline.Deps{
			Speaker:   o.deps.Bridge,
			Translate: o.deps.Translate,
			Safety:    o.deps.Safety,
			Metrics:   o.deps.Metrics,
		})
	}()

	// Supervise: keep the media loop alive while the turn runs.
	for {
		select {
		case out = <-outcomeCh:
			o.state = StateListening
			switch {
			case out.Interrupted && turnScope.Reason() == scope.ReasonBargeIn:
				o.commitPartial(sctx, out.Text)
				o.deps.Metrics.Turn(sctx, "barged_in")
				return out, StateListening, true
			case out.Interrupted:
				// Call-level cancellation (lease lost, hangup, shutdown).
				if o.callScope.Reason() != scope.ReasonLeaseLost {
					o.commitPartial(sctx, out.Text)
				}
				return out, StateEnding, true
			case out.TimedOut:
				o.commitPartial(sctx, out.Text)
				o.deps.Metrics.Turn(sctx, "timed_out")
				return out, StateListening, true
			case out.Err != nil:
				o.speak(sctx, u.Apology, types.StyleSad)
				o.commitPartial(sctx, out.Text)
				o.deps.Metrics.Incident(sctx, "llm_failed")
				return out, StateListening, true
			}
			return out, StateListening, false

		case speaking := <-o.speakingCh:
			o.state = StateSpeaking
			if !speaking {
				o.state = StateThinking
			}
			o.detector.SetSpeaking(speaking, time.Now())

		case evt := <-o.mediaCh:
			if o.applyMediaEvent(sctx, evt) {
				turnScope.Cancel(scope.ReasonHangup)
				out = <-outcomeCh
				o.commitPartial(sctx, out.Text)
				return out, StateEnding, true
			}

		case msg := <-o.smsCh:
			o.applyInboundSMS(sctx, msg)

		case evt, ok := <-o.deps.Bridge.Events():
			if !ok {
				turnScope.Cancel(scope.ReasonHangup)
				out = <-outcomeCh
				o.commitPartial(sctx, out.Text)
				return out, StateEnding, true
			}
			if det := o.detector.Observe(evt, time.Now()); det.Signal == turn.SignalBargeIn {
				o.deps.Metrics.BargeIns.Add(sctx, 1)
				turnScope.Cancel(scope.ReasonBargeIn)
			}

		case <-o.callScope.Done():
			turnScope.Cancel(o.callScope.Reason())
			out = <-outcomeCh
			if o.callScope.Reason() != scope.ReasonLeaseLost {
				o.commitPartial(sctx, out.Text)
			}
			return out, StateEnding, true
		}
	}
}

// dispatchTools runs the turn's tool calls and appends their results as
// tool messages, in dispatch order.
func (o *Orchestrator) dispatchTools(ctx context.Context, valid, invalid []types.ToolCall) {
	start := time.Now()
	results := o.deps.Registry.DispatchAll(ctx, o, valid)
	o.deps.Metrics.ToolDuration.Record(ctx, time.Since(start).Seconds())

	for _, res := range results {
		tc := call.ToolCall{ID: res.ID, Name: res.Name, Result: res.Content}
		status := "ok"
		if res.Err != nil {
			tc.Error = res.Err.Error()
			status = "error"
		}
		o.deps.Metrics.Tool(ctx, res.Name, status)
		o.call.AppendMessage(call.Message{
			CreatedAt: time.Now(),
			Action:    call.ActionNote,
			Persona:   call.PersonaTool,
			ToolCalls: []call.ToolCall{tc},
		})
	}
	for _, tc := range invalid {
		o.deps.Metrics.Tool(ctx, tc.Name, "malformed")
		o.call.AppendMessage(call.Message{
			CreatedAt: time.Now(),
			Action:    call.ActionNote,
			Persona:   call.PersonaTool,
			ToolCalls: []call.ToolCall{{
				ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
				Error: "malformed tool-call arguments",
			}},
		})
	}
}

// applyMediaEvent folds a telephony event into the call. Returns true when
// the call should move to Ending.
func (o *Orchestrator) applyMediaEvent(ctx context.Context, evt queue.MediaEvent) bool {
	if evt.EventID != "" && o.call.SeenFingerprint(call.Fingerprint(o.call.ID, evt.EventID)) {
		return false
	}
	switch evt.Kind {
	case queue.MediaHangup:
		o.disconnected = true
		o.appendMediaNote(evt.Kind, "caller disconnected")
		return true
	case queue.MediaRecordingStarted:
		if o.params.Flags.RecordingEnabled && evt.Payload != "" {
			o.call.RecordingURI = evt.Payload
		}
		o.appendMediaNote(evt.Kind, "")
	case queue.MediaRecordingStopped, queue.MediaConnected, queue.MediaTransferred:
		o.appendMediaNote(evt.Kind, "")
	}
	if err := o.SaveCall(ctx); err != nil {
		slog.Warn("save after media event failed", "error", err)
	}
	return false
}

// applyInboundSMS appends the text silently and schedules a brief cue.
func (o *Orchestrator) applyInboundSMS(ctx context.Context, msg queue.InboundSMS) {
	o.call.AppendMessage(call.Message{
		CreatedAt: msg.ReceivedAt,
		Action:    call.ActionSMS,
		Persona:   call.PersonaHuman,
		Content:   msg.Body,
	})
	if err := o.SaveCall(ctx); err != nil {
		slog.Warn("save after inbound sms failed", "error", err)
	}
	o.QueueCue(o.utterances().SMSNoted)
}

// ending speaks the closing line, issues the telephony command, and waits
// for the gateway's disconnect before closing.
func (o *Orchestrator) ending(ctx context.Context) error {
	sctx := o.callScope.Context()
	o.state = StateEnding
	u := o.utterances()

	if o.disconnected {
		// The caller is already gone; nothing to say, nobody to wait for.
		return o.close(ctx, call.Next{Action: call.NextCaseClosed, Justification: "caller hung up"})
	}

	var next call.Next
	switch {
	case o.transferRequested.Load():
		o.speak(sctx, u.TransferComes, types.StyleCalm)
		o.flushSpeech(sctx)
		next = call.Next{Action: call.NextCaseEscalated, Justification: "caller asked for a human agent"}
		if o.deps.Telephony != nil {
			if err := o.deps.Telephony.Transfer(sctx, o.call.ID, o.call.Initiate.AgentPhoneNumber); err != nil {
				slog.Error("transfer failed", "call_id", o.call.ID, "error", err)
				o.deps.Metrics.Incident(sctx, "transfer_failed")
			}
		}
	default:
		o.speak(sctx, u.Goodbye, types.StyleCheerful)
		o.flushSpeech(sctx)
		next = call.Next{Action: call.NextCaseClosed, Justification: "conversation completed"}
		if o.deps.Telephony != nil {
			if err := o.deps.Telephony.Hangup(sctx, o.call.ID); err != nil {
				slog.Warn("hangup request failed", "call_id", o.call.ID, "error", err)
			}
		}
	}

	// Wait for telephony_disconnected (or give up after disconnectWait).
	timer := time.NewTimer(disconnectWait)
	defer timer.Stop()
wait:
	for {
		select {
		case evt := <-o.mediaCh:
			if evt.Kind == queue.MediaHangup {
				break wait
			}
		case <-timer.C:
			break wait
		case <-o.callScope.Done():
			break wait
		}
	}

	return o.close(ctx, next)
}

// endWith terminates the call with the given disposition without the normal
// goodbye exchange (silence timeout, fatal failures).
func (o *Orchestrator) endWith(ctx context.Context, action call.NextAction, justification string) error {
	if action == call.NextSilence {
		o.speak(ctx, o.utterances().Goodbye, types.StyleCalm)
		o.flushSpeech(ctx)
	}
	if o.deps.Telephony != nil {
		_ = o.deps.Telephony.Hangup(ctx, o.call.ID)
	}
	return o.close(ctx, call.Next{Action: action, Justification: justification})
}

// close persists the terminal state and hands the call to the dispatcher.
func (o *Orchestrator) close(ctx context.Context, next call.Next) error {
	o.state = StateClosed
	if o.call.Next == nil {
		if err := o.call.Terminate(next); err != nil {
			slog.Warn("terminate failed", "call_id", o.call.ID, "error", err)
		}
	}
	// The scope may already be cancelled; closing mutations use the parent
	// context so the final save still lands.
	if err := o.SaveCall(context.WithoutCancel(ctx)); err != nil {
		o.deps.Metrics.Incident(ctx, "final_save_failed")
		return err
	}
	o.dispatchPostCall(context.WithoutCancel(ctx), o.call)
	slog.Info("call closed", "call_id", o.call.ID, "next", o.call.Next.Action, "messages", len(o.call.Messages))
	return nil
}

// abort handles call-scope cancellation: lease loss and worker shutdown.
// The call stays resumable; another worker picks it up from the last save.
func (o *Orchestrator) abort(ctx context.Context) error {
	reason := o.callScope.Reason()
	slog.Warn("call aborted", "call_id", o.call.ID, "reason", reason)
	if reason == scope.ReasonLeaseLost {
		// No further mutations allowed; in-flight speech may finish.
		return fmt.Errorf("orchestrator: %s: lease lost", o.call.ID)
	}
	// Shutdown drain: clear in_progress, since no worker holds the call once
	// the lease is released, and save so the resuming worker starts from the
	// latest state.
	o.call.InProgress = false
	if err := o.SaveCall(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("save on abort failed", "call_id", o.call.ID, "error", err)
	}
	return nil
}

func (o *Orchestrator) release(ctx context.Context) {
	if o.callLease != nil {
		if err := o.deps.Leases.Release(context.WithoutCancel(ctx), o.callLease); err != nil {
			slog.Warn("lease release failed", "call_id", o.call.ID, "error", err)
		}
	}
}

// ── Small helpers ─────────────────────────────────────────────────────────────

func (o *Orchestrator) utterances() Utterances {
	return UtterancesFor(o.call.LangCurrent, o.call.Initiate.BotName, o.call.Initiate.BotCompany)
}

func (o *Orchestrator) speak(ctx context.Context, text string, style types.Style) {
	if err := o.deps.Bridge.Speak(ctx, tts.Request{
		Text:     text,
		Voice:    o.params.Voice,
		Style:    style,
		Language: o.call.LangCurrent,
	}); err != nil {
		slog.Warn("speak failed", "call_id", o.call.ID, "error", err)
	}
}

func (o *Orchestrator) flushSpeech(ctx context.Context) {
	if err := o.deps.Bridge.Flush(ctx); err != nil {
		slog.Debug("speech flush interrupted", "call_id", o.call.ID, "error", err)
	}
}

func (o *Orchestrator) appendAssistantTalk(text string, filtered bool, toolCalls []call.ToolCall) {
	o.call.AppendMessage(call.Message{
		CreatedAt: time.Now(),
		Action:    call.ActionTalk,
		Persona:   call.PersonaAssistant,
		Content:   text,
		Filtered:  filtered,
		ToolCalls: toolCalls,
	})
}

// commitPartial records whatever assistant text survived an interrupted or
// failed turn and saves.
func (o *Orchestrator) commitPartial(ctx context.Context, text string) {
	if text != "" {
		o.call.AmendAssistant(call.Message{
			CreatedAt: time.Now(),
			Action:    call.ActionTalk,
			Content:   text,
		})
	}
	if err := o.SaveCall(ctx); err != nil {
		slog.Warn("partial commit save failed", "call_id", o.call.ID, "error", err)
	}
}

func (o *Orchestrator) fatalTurn(ctx context.Context, err error) State {
	slog.Error("turn fatal", "call_id", o.call.ID, "error", err)
	o.deps.Metrics.Incident(ctx, "turn_fatal")
	o.hangupRequested.Store(true)
	return StateEnding
}

// historyBudget derives the history token budget from the tier's context
// window with a safety margin for tools and output.
func (o *Orchestrator) historyBudget(tier llmdriver.Tier) int {
	caps := o.deps.Driver.Provider(tier).Capabilities()
	budget := caps.ContextWindow - caps.MaxOutputTokens - 2048
	if budget < 1024 {
		budget = 1024
	}
	return budget
}

func completionRequest(system string, history []types.Message, defs []types.ToolDefinition) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     history,
		Tools:        defs,
	}
}

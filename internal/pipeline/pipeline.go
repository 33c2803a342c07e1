// Package pipeline turns one LLM completion stream into ordered speech: it
// segments tokens into speakable sentences, translates them into the
// caller's language, runs content safety, and hands them to the media
// bridge — stopping cleanly on barge-in and enforcing the soft and hard
// answer timeouts.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/llmdriver"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/safety"
	"github.com/MrWong99/parley/pkg/provider/translate"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// Speaker is the slice of the media bridge the pipeline drives.
type Speaker interface {
	Speak(ctx context.Context, req tts.Request) error
	Flush(ctx context.Context) error
	CancelSpeech()
	StartThinking()
}

// Config tunes one pipeline run.
type Config struct {
	// PivotLanguage is the language the LLM writes in.
	PivotLanguage string

	// TargetLanguage is the caller's active language; sentences are
	// translated when it differs from the pivot.
	TargetLanguage string

	// Voice is the TTS voice for this call.
	Voice types.VoiceProfile

	// Style is the emotional delivery for this turn.
	Style types.Style

	// SoftTimeout triggers the "still working" cue when no sentence has
	// been produced yet. Default 4s.
	SoftTimeout time.Duration

	// HardTimeout aborts the turn. Default 15s.
	HardTimeout time.Duration

	// MaxSentenceLen forces extraction of oversized buffers. Default 120.
	MaxSentenceLen int

	// StillWorkingCue and ApologyCue are pre-authored utterances in the
	// caller's language; they bypass translation and safety.
	StillWorkingCue string
	ApologyCue      string
}

func (c *Config) defaults() {
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = 4 * time.Second
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = 15 * time.Second
	}
	if c.StillWorkingCue == "" {
		c.StillWorkingCue = "One moment, please."
	}
	if c.ApologyCue == "" {
		c.ApologyCue = "I am sorry, something went wrong on my side. Could you repeat that?"
	}
}

// Deps carries the pipeline's collaborators.
type Deps struct {
	Speaker   Speaker
	Translate translate.Provider
	Safety    safety.Provider
	Metrics   *observe.Metrics
}

// Outcome summarizes one pipeline run for the orchestrator.
type Outcome struct {
	// Text is the assistant text extracted from the stream, in extraction
	// order, including sentences dropped by the safety filter. On barge-in
	// it holds only what was extracted before the interruption.
	Text string

	// Spoken lists the sentences actually submitted to TTS, in order.
	Spoken []string

	// ToolCalls are the turn's fully assembled tool invocations.
	ToolCalls []types.ToolCall

	// InvalidToolCalls are calls whose arguments stayed malformed after
	// repair; the orchestrator surfaces them as tool errors.
	InvalidToolCalls []types.ToolCall

	// Filtered is true when at least one sentence was blocked.
	Filtered bool

	// TimedOut is true when the hard answer timeout fired.
	TimedOut bool

	// Interrupted is true when the run was cancelled (barge-in or call
	// teardown) before the stream finished.
	Interrupted bool

	// Err is the terminal stream error, if any.
	Err error
}

// Run consumes events until the stream finishes, ctx is cancelled, or the
// hard timeout fires. It always leaves the speaker queue flushed or
// cancelled before returning.
func Run(ctx context.Context, events <-chan llmdriver.Event, cfg Config, deps Deps) Outcome {
	cfg.defaults()
	seg := newSegmenter(cfg.MaxSentenceLen)
	var out Outcome
	var spokenText []string

	hard := time.NewTimer(cfg.HardTimeout)
	defer hard.Stop()
	soft := time.NewTimer(cfg.SoftTimeout)
	defer soft.Stop()

	deps.Speaker.StartThinking()
	firstSentence := true
	start := time.Now()

	speakSentence := func(sentence string) {
		spokenText = append(spokenText, sentence)
		if firstSentence {
			firstSentence = false
			soft.Stop()
			if deps.Metrics != nil {
				deps.Metrics.LLMFirstToken.Record(ctx, time.Since(start).Seconds())
			}
		}
		ok := sentence
		if cfg.TargetLanguage != "" && cfg.TargetLanguage != cfg.PivotLanguage && deps.Translate != nil {
			translated, err := deps.Translate.Translate(ctx, sentence, cfg.PivotLanguage, cfg.TargetLanguage)
			if err != nil {
				// The caller understands the pivot badly translated worse
				// than not at all; speak the original on translator failure.
				slog.Warn("translation failed, speaking pivot text", "error", err)
			} else {
				ok = translated
			}
		}
		if deps.Safety != nil {
			verdict, err := deps.Safety.Check(ctx, ok, nil)
			if err != nil {
				slog.Warn("safety check failed, speaking unchecked", "error", err)
			} else if !verdict.Allowed {
				out.Filtered = true
				if deps.Metrics != nil {
					deps.Metrics.FilteredSentences.Add(ctx, 1)
				}
				slog.Info("sentence blocked by content safety", "categories", verdict.CategoriesMatched)
				return
			}
		}
		if err := deps.Speaker.Speak(ctx, tts.Request{
			Text:     ok,
			Voice:    cfg.Voice,
			Style:    cfg.Style,
			Language: cfg.TargetLanguage,
		}); err != nil {
			slog.Warn("speak failed", "error", err)
			return
		}
		out.Spoken = append(out.Spoken, ok)
	}

	speakCue := func(text string) {
		if err := deps.Speaker.Speak(ctx, tts.Request{
			Text:     text,
			Voice:    cfg.Voice,
			Style:    types.StyleCalm,
			Language: cfg.TargetLanguage,
		}); err != nil {
			slog.Warn("cue speak failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			deps.Speaker.CancelSpeech()
			out.Interrupted = true
			out.Text = strings.TrimSpace(strings.Join(spokenText, " "))
			return out

		case <-soft.C:
			speakCue(cfg.StillWorkingCue)

		case <-hard.C:
			deps.Speaker.CancelSpeech()
			speakCue(cfg.ApologyCue)
			_ = deps.Speaker.Flush(ctx)
			out.TimedOut = true
			out.Text = strings.TrimSpace(strings.Join(spokenText, " "))
			if deps.Metrics != nil {
				deps.Metrics.Incident(ctx, "hard_timeout")
			}
			return out

		case evt, ok := <-events:
			if !ok {
				// Stream closed without a Done event (cancelled upstream).
				out.Interrupted = out.Interrupted || ctx.Err() != nil
				out.Text = strings.TrimSpace(strings.Join(spokenText, " "))
				_ = deps.Speaker.Flush(ctx)
				return out
			}

			for _, sentence := range seg.Push(evt.Text) {
				speakSentence(sentence)
			}

			if evt.Done {
				if evt.Err != nil {
					out.Err = evt.Err
					deps.Speaker.CancelSpeech()
					out.Text = strings.TrimSpace(strings.Join(spokenText, " "))
					return out
				}
				if rest := seg.Flush(); rest != "" {
					speakSentence(rest)
				}
				out.ToolCalls = evt.ToolCalls
				out.InvalidToolCalls = evt.InvalidToolCalls
				out.Text = strings.TrimSpace(strings.Join(spokenText, " "))
				_ = deps.Speaker.Flush(ctx)
				return out
			}
		}
	}
}

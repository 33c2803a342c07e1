// Package turn decides when the caller has finished speaking.
//
// The detector is a small synchronous state machine fed recognition events
// and clock ticks by the media bridge loop. It emits three signals: the
// caller finished a turn, the caller barged in over the bot, or the line has
// been idle long enough to warrant a re-engagement utterance.
//
// The detector is owned by a single goroutine (the orchestrator's media
// loop) and is not safe for concurrent use.
package turn

import (
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

// Signal classifies a detector emission.
type Signal int

const (
	// SignalNone means nothing actionable happened.
	SignalNone Signal = iota

	// SignalTurnEnded means the caller finished their turn; Event.Text holds
	// the collected utterance.
	SignalTurnEnded

	// SignalBargeIn means the caller started speaking while the bot was
	// speaking.
	SignalBargeIn

	// SignalIdleWarn means the line has been silent past the idle timeout.
	SignalIdleWarn
)

// String returns the signal name.
func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalTurnEnded:
		return "turn_ended"
	case SignalBargeIn:
		return "barge_in"
	case SignalIdleWarn:
		return "idle_warn"
	default:
		return "unknown"
	}
}

// Event is one detector emission.
type Event struct {
	Signal Signal

	// Text is the collected turn text (TurnEnded) or the interrupting
	// partial (BargeIn).
	Text string

	// Language is the recognizer-detected language of the turn, when
	// reported.
	Language string
}

// Config holds the three detection thresholds.
type Config struct {
	// SilenceTimeout is the post-final silence window that closes a turn.
	// Default 500ms.
	SilenceTimeout time.Duration

	// CutoffTimeout debounces barge-in: a partial only counts as an
	// interruption once the bot has been speaking at least this long.
	// Default 250ms.
	CutoffTimeout time.Duration

	// IdleTimeout triggers a re-engagement utterance after continuous
	// silence with no speech at all. Default 20s.
	IdleTimeout time.Duration
}

func (c *Config) defaults() {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 500 * time.Millisecond
	}
	if c.CutoffTimeout <= 0 {
		c.CutoffTimeout = 250 * time.Millisecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 20 * time.Second
	}
}

// Detector accumulates recognition state for one call.
type Detector struct {
	cfg Config

	speaking      bool
	speakingSince time.Time

	collected    []string
	lang         string
	hasFinal     bool
	lastSpeechAt time.Time
	idleSince    time.Time
}

// New creates a detector. now anchors the idle timer.
func New(cfg Config, now time.Time) *Detector {
	cfg.defaults()
	return &Detector{cfg: cfg, idleSince: now, lastSpeechAt: now}
}

// SetSpeaking tells the detector whether the response pipeline is currently
// emitting audio. Speaking state suppresses turn-end and idle detection and
// arms barge-in.
func (d *Detector) SetSpeaking(speaking bool, now time.Time) {
	if speaking && !d.speaking {
		d.speakingSince = now
	}
	d.speaking = speaking
	if !speaking {
		// The floor is the caller's again; idle measures from here.
		d.idleSince = now
	}
}

// Observe processes one recognition event. Events must be fed in arrival
// order; when a turn-end condition and a barge-in race, arrival order is the
// tie-break — the older triggering event wins by being observed first.
func (d *Detector) Observe(evt types.RecognitionEvent, now time.Time) Event {
	switch evt.Kind {
	case types.RecognitionPartial:
		d.lastSpeechAt = now
		d.idleSince = now
		if d.speaking && now.Sub(d.speakingSince) >= d.cfg.CutoffTimeout {
			return Event{Signal: SignalBargeIn, Text: evt.Text}
		}
		return Event{}

	case types.RecognitionFinal:
		d.lastSpeechAt = now
		d.idleSince = now
		if evt.Text != "" {
			d.collected = append(d.collected, evt.Text)
			d.hasFinal = true
		}
		if evt.DetectedLanguage != "" {
			d.lang = evt.DetectedLanguage
		}
		if d.speaking && now.Sub(d.speakingSince) >= d.cfg.CutoffTimeout {
			return Event{Signal: SignalBargeIn, Text: evt.Text}
		}
		return Event{}

	case types.RecognitionComplete:
		// With nothing collected this is a no-op.
		if !d.hasFinal {
			return Event{}
		}
		return d.closeTurn()

	case types.RecognitionSilence:
		return d.Tick(now)

	default:
		return Event{}
	}
}

// Tick advances the clock-driven conditions: post-final silence closing a
// turn, and the idle warning. Call it on every recognizer tick.
func (d *Detector) Tick(now time.Time) Event {
	if d.hasFinal && !d.speaking && now.Sub(d.lastSpeechAt) >= d.cfg.SilenceTimeout {
		return d.closeTurn()
	}
	if !d.speaking && !d.hasFinal && now.Sub(d.idleSince) >= d.cfg.IdleTimeout {
		d.idleSince = now
		return Event{Signal: SignalIdleWarn}
	}
	return Event{}
}

func (d *Detector) closeTurn() Event {
	text := strings.TrimSpace(strings.Join(d.collected, " "))
	lang := d.lang
	d.collected = nil
	d.hasFinal = false
	d.lang = ""
	if text == "" {
		return Event{}
	}
	return Event{Signal: SignalTurnEnded, Text: text, Language: lang}
}

// Pending returns the text collected so far without closing the turn.
func (d *Detector) Pending() string {
	return strings.TrimSpace(strings.Join(d.collected, " "))
}

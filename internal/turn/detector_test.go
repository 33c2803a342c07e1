package turn

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

var t0 = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func cfg() Config {
	return Config{
		SilenceTimeout: 500 * time.Millisecond,
		CutoffTimeout:  250 * time.Millisecond,
		IdleTimeout:    20 * time.Second,
	}
}

func TestTurnEnded_AfterSilenceWindow(t *testing.T) {
	d := New(cfg(), t0)

	d.Observe(types.RecognitionEvent{Kind: types.RecognitionPartial, Text: "I want"}, t0)
	d.Observe(types.RecognitionEvent{Kind: types.RecognitionFinal, Text: "I want to file a claim"}, t0.Add(time.Second))

	// Within the silence window: nothing.
	if e := d.Tick(t0.Add(1400 * time.Millisecond)); e.Signal != SignalNone {
		t.Fatalf("early tick signal = %v", e.Signal)
	}

	// At final + 500ms the turn closes.
	e := d.Tick(t0.Add(1500 * time.Millisecond))
	if e.Signal != SignalTurnEnded {
		t.Fatalf("signal = %v, want turn_ended", e.Signal)
	}
	if e.Text != "I want to file a claim" {
		t.Errorf("text = %q", e.Text)
	}
}

func TestTurnEnded_MultipleFinalsJoined(t *testing.T) {
	d := New(cfg(), t0)
	d.Observe(types.RecognitionEvent{Kind: types.RecognitionFinal, Text: "My policy is"}, t0)
	d.Observe(types.RecognitionEvent{Kind: types.RecognitionFinal, Text: "B01371946"}, t0.Add(300*time.Millisecond))

	e := d.Tick(t0.Add(time.Second))
	if e.Signal != SignalTurnEnded {
		t.Fatalf("signal = %v", e.Signal)
	}
	if e.Text != "My policy is B01371946" {
		t.Errorf("text = %q", e.Text)
	}
}

func TestTurnEnded_OnRecognitionComplete(t *testing.T) {
	d := New(cfg(), t0)
	d.Observe(types.RecognitionEvent{Kind: types.RecognitionFinal, Text: "done", DetectedLanguage: "fr-FR"}, t0)

	// recognition_complete closes the turn without waiting for silence.
	e := d.Observe(types.RecognitionEvent{Kind: types.RecognitionComplete}, t0.Add(50*time.Millisecond))
	if e.Signal != SignalTurnEnded || e.Text != "done" {
		t.Fatalf("event = %+v", e)
	}
	if e.Language != "fr-FR" {
		t.Errorf("language = %q", e.Language)
	}
}

func TestRecognitionComplete_EmptyIsNoOp(t *testing.T) {
	d := New(cfg(), t0)
	if e := d.Observe(types.RecognitionEvent{Kind: types.RecognitionComplete}, t0); e.Signal != SignalNone {
		t.Fatalf("signal = %v, want none for empty collected text", e.Signal)
	}
}

func TestBargeIn_PartialWhileSpeaking(t *testing.T) {
	d := New(cfg(), t0)
	d.SetSpeaking(true, t0)

	// Within the cutoff debounce: not yet a barge-in.
	if e := d.Observe(types.RecognitionEvent{Kind: types.RecognitionPartial, Text: "At"}, t0.Add(100*time.Millisecond)); e.Signal != SignalNone {
		t.Fatalf("debounced partial signal = %v", e.Signal)
	}

	e := d.Observe(types.RecognitionEvent{Kind: types.RecognitionPartial, Text: "Attendez"}, t0.Add(300*time.Millisecond))
	if e.Signal != SignalBargeIn {
		t.Fatalf("signal = %v, want barge_in", e.Signal)
	}
	if e.Text != "Attendez" {
		t.Errorf("text = %q", e.Text)
	}
}

func TestNoTurnEndWhileSpeaking(t *testing.T) {
	d := New(cfg(), t0)
	d.Observe(types.RecognitionEvent{Kind: types.RecognitionFinal, Text: "something"}, t0)
	d.SetSpeaking(true, t0.Add(100*time.Millisecond))

	if e := d.Tick(t0.Add(5 * time.Second)); e.Signal != SignalNone {
		t.Fatalf("signal = %v, speaking must suppress turn end", e.Signal)
	}

	// After speech stops the window applies again.
	d.SetSpeaking(false, t0.Add(6*time.Second))
	if e := d.Tick(t0.Add(7 * time.Second)); e.Signal != SignalTurnEnded {
		t.Fatalf("signal = %v, want turn_ended after speaking stopped", e.Signal)
	}
}

func TestIdleWarn_AfterTimeout(t *testing.T) {
	d := New(cfg(), t0)

	if e := d.Tick(t0.Add(19 * time.Second)); e.Signal != SignalNone {
		t.Fatalf("early idle signal = %v", e.Signal)
	}
	e := d.Tick(t0.Add(20 * time.Second))
	if e.Signal != SignalIdleWarn {
		t.Fatalf("signal = %v, want idle_warn", e.Signal)
	}

	// The timer resets: the next warn is a full window later.
	if e := d.Tick(t0.Add(25 * time.Second)); e.Signal != SignalNone {
		t.Fatalf("signal = %v right after reset", e.Signal)
	}
	if e := d.Tick(t0.Add(40 * time.Second)); e.Signal != SignalIdleWarn {
		t.Fatalf("signal = %v, want second idle_warn", e.Signal)
	}
}

func TestIdleWarn_SuppressedBySpeech(t *testing.T) {
	d := New(cfg(), t0)
	d.Observe(types.RecognitionEvent{Kind: types.RecognitionPartial, Text: "hm"}, t0.Add(15*time.Second))

	if e := d.Tick(t0.Add(30 * time.Second)); e.Signal != SignalNone {
		t.Fatalf("signal = %v, partial should reset idle timer", e.Signal)
	}
}

func TestPending_DoesNotCloseTurn(t *testing.T) {
	d := New(cfg(), t0)
	d.Observe(types.RecognitionEvent{Kind: types.RecognitionFinal, Text: "half a"}, t0)

	if got := d.Pending(); got != "half a" {
		t.Errorf("Pending = %q", got)
	}
	// The turn is still open; silence later closes it with the same text.
	if e := d.Tick(t0.Add(time.Second)); e.Signal != SignalTurnEnded || e.Text != "half a" {
		t.Errorf("event = %+v", e)
	}
}

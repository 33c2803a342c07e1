// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and presents a uniform
// streaming interface: one synthesis call per speakable sentence, returning
// audio chunks as they become available. Playback ordering, handle queueing,
// and barge-in cancellation live in the media bridge, not here.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/parley/pkg/types"
)

// Request describes one synthesis unit — typically a single sentence.
type Request struct {
	// Text is the sentence to speak. Already normalized and safety-checked
	// by the response pipeline.
	Text string

	// Voice is the voice profile to synthesize with.
	Voice types.VoiceProfile

	// Style is the emotional delivery. Providers map it to their own
	// parameters; unknown styles degrade to neutral.
	Style types.Style

	// Language is the BCP-47 tag the text is written in.
	Language string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders req and returns a channel emitting raw PCM audio
	// chunks. The channel is closed when synthesis completes or ctx is
	// cancelled; cancellation must stop chunk production within one network
	// round-trip. Callers must drain the channel.
	//
	// A non-nil error is returned only when the stream cannot be started.
	Synthesize(ctx context.Context, req Request) (<-chan []byte, error)

	// Voices returns the provider's available voice profiles.
	Voices(ctx context.Context) ([]types.VoiceProfile, error)
}

// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. Once opened, a session accepts raw PCM audio
// frames and emits [types.RecognitionEvent] values: low-latency partials,
// authoritative finals, and recognition-complete signals.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/types"
)

// ErrClosed is returned by SendAudio after the session has been closed.
var ErrClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (telephony audio is 8000 or
	// 16000 depending on the gateway's resampling).
	SampleRate int

	// Channels is the number of audio channels; telephony media is mono.
	Channels int

	// Language is the BCP-47 tag for recognition (e.g., "fr-FR"). An empty
	// string lets the provider auto-detect, if supported.
	Language string

	// DetectLanguage asks the provider to report the detected language on
	// each final so the orchestrator can follow a caller who switches.
	DetectLanguage bool
}

// SessionHandle is an open STT streaming session.
//
// Callers must call Close when the session is no longer needed; failing to
// do so leaks goroutines and network connections inside the provider.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers raw PCM audio bytes for transcription. The chunk
	// must match the format agreed in StreamConfig.
	SendAudio(chunk []byte) error

	// Events returns a read-only channel emitting recognition events in
	// arrival order. Partials are monotonic per utterance; a final
	// supersedes all prior partials of its utterance. The channel is closed
	// when the session ends — check Err afterwards.
	Events() <-chan types.RecognitionEvent

	// Err reports the error that terminated the session, or nil after a
	// clean Close. Valid only after the Events channel is closed.
	Err() error

	// Close terminates the session, flushes pending audio, and releases all
	// resources. Safe to call multiple times.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a streaming transcription session. The returned
	// handle accepts audio immediately. The caller owns the handle and must
	// Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

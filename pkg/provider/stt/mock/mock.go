// Package mock provides a scriptable stt.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// Provider is an stt.Provider whose sessions are driven by the test through
// [Session.Emit].
type Provider struct {
	mu       sync.Mutex
	sessions []*Session

	// StartErr, when non-nil, fails the next StartStream call.
	StartErr error
}

var _ stt.Provider = (*Provider)(nil)

// New creates an empty mock provider.
func New() *Provider { return &Provider{} }

// StartStream implements stt.Provider.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		err := p.StartErr
		p.StartErr = nil
		return nil, err
	}
	s := &Session{
		Config: cfg,
		events: make(chan types.RecognitionEvent, 64),
		done:   make(chan struct{}),
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Sessions returns all sessions opened so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Last returns the most recently opened session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Session is a mock stt.SessionHandle.
type Session struct {
	Config stt.StreamConfig

	mu     sync.Mutex
	audio  [][]byte
	events chan types.RecognitionEvent
	done   chan struct{}
	once   sync.Once
	err    error
}

var _ stt.SessionHandle = (*Session)(nil)

// Emit pushes an event to the session's consumer. Safe after Close (the
// event is dropped).
func (s *Session) Emit(evt types.RecognitionEvent) {
	defer func() { _ = recover() }() // a send racing Close's channel close is dropped
	select {
	case <-s.done:
	case s.events <- evt:
	}
}

// Fail terminates the session with err, as a dropped connection would.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() {
		close(s.done)
		close(s.events)
	})
}

// SendAudio implements stt.SessionHandle, recording the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, chunk)
	return nil
}

// Events implements stt.SessionHandle.
func (s *Session) Events() <-chan types.RecognitionEvent { return s.events }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		close(s.events)
	})
	return nil
}

// AudioChunks returns the audio recorded so far.
func (s *Session) AudioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

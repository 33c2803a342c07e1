// Package mock provides a scriptable tts.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// Provider is a tts.Provider that records requests and emits a fixed number
// of fake audio chunks per synthesis.
type Provider struct {
	mu       sync.Mutex
	requests []tts.Request

	// ChunkCount is how many audio chunks each synthesis emits. Default 2.
	ChunkCount int

	// ChunkDelay is slept before each chunk, to simulate synthesis latency.
	ChunkDelay time.Duration

	// Err, when non-nil, fails the next Synthesize call.
	Err error
}

var _ tts.Provider = (*Provider)(nil)

// New creates a mock TTS provider.
func New() *Provider { return &Provider{ChunkCount: 2} }

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	p.mu.Lock()
	if p.Err != nil {
		err := p.Err
		p.Err = nil
		p.mu.Unlock()
		return nil, err
	}
	p.requests = append(p.requests, req)
	n := p.ChunkCount
	delay := p.ChunkDelay
	p.mu.Unlock()

	if n <= 0 {
		n = 2
	}
	audio := make(chan []byte)
	go func() {
		defer close(audio)
		for i := 0; i < n; i++ {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case audio <- []byte(req.Text):
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, nil
}

// Voices implements tts.Provider.
func (p *Provider) Voices(context.Context) ([]types.VoiceProfile, error) {
	return []types.VoiceProfile{{ID: "mock-voice", Language: "en-US"}}, nil
}

// Requests returns the synthesis requests recorded so far, in order.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Request(nil), p.requests...)
}

// Texts returns just the text of each recorded request, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.requests))
	for i, r := range p.requests {
		out[i] = r.Text
	}
	return out
}

// Package mock provides a scriptable llm.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// Turn scripts one StreamCompletion call.
type Turn struct {
	// Chunks are emitted in order. The mock does not append a finishing
	// chunk; script one with a FinishReason when the turn should end cleanly.
	Chunks []llm.Chunk

	// StartErr, when non-nil, fails the call before any chunk is emitted.
	StartErr error

	// ChunkDelay is slept before each chunk. Use it to simulate a stalled
	// model for timeout tests.
	ChunkDelay time.Duration
}

// Provider is a scripted llm.Provider. Turns are consumed in order; when the
// script runs out the provider repeats the last turn.
//
// All methods are safe for concurrent use.
type Provider struct {
	mu       sync.Mutex
	turns    []Turn
	next     int
	Requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider with the given script.
func New(turns ...Turn) *Provider {
	return &Provider{turns: turns}
}

// Script appends turns to the script.
func (p *Provider) Script(turns ...Turn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, turns...)
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	if len(p.turns) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("mock: no scripted turns")
	}
	turn := p.turns[p.next]
	if p.next < len(p.turns)-1 {
		p.next++
	}
	p.mu.Unlock()

	if turn.StartErr != nil {
		return nil, turn.StartErr
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range turn.Chunks {
			if turn.ChunkDelay > 0 {
				select {
				case <-time.After(turn.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider by draining a scripted stream.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := &llm.CompletionResponse{}
	for c := range ch {
		resp.Content += c.Text
		resp.ToolCalls = append(resp.ToolCalls, c.ToolCalls...)
	}
	return resp, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{
		ContextWindow:       8_192,
		MaxOutputTokens:     1_024,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
}

// CallCount returns how many StreamCompletion calls were made.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

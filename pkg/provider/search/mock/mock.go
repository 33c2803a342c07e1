// Package mock provides a search.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/search"
)

// Provider is a search.Provider that returns a fixed snippet list and
// records queries.
type Provider struct {
	mu      sync.Mutex
	queries []string

	// Snippets is returned (truncated to k) by every Search call.
	Snippets []search.Snippet

	// Err, when non-nil, fails every Search call.
	Err error
}

var _ search.Provider = (*Provider)(nil)

// New creates a mock search provider returning the given snippets.
func New(snippets ...search.Snippet) *Provider {
	return &Provider{Snippets: snippets}
}

// Search implements search.Provider.
func (p *Provider) Search(_ context.Context, query string, k int) ([]search.Snippet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	p.queries = append(p.queries, query)
	out := append([]search.Snippet(nil), p.Snippets...)
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Queries returns the recorded queries in order.
func (p *Provider) Queries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queries...)
}

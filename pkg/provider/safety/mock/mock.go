// Package mock provides a safety.Provider for tests.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/safety"
)

// Provider is a safety.Provider that blocks any text containing one of the
// configured substrings.
type Provider struct {
	mu      sync.Mutex
	checked []string

	// BlockSubstrings lists substrings that cause a block verdict.
	BlockSubstrings []string

	// Err, when non-nil, fails every Check call.
	Err error
}

var _ safety.Provider = (*Provider)(nil)

// New creates a mock safety provider that blocks any text containing one of
// blockSubstrings and allows everything else.
func New(blockSubstrings ...string) *Provider {
	return &Provider{BlockSubstrings: blockSubstrings}
}

// Check implements safety.Provider.
func (p *Provider) Check(_ context.Context, text string, _ []string) (safety.Verdict, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return safety.Verdict{}, p.Err
	}
	p.checked = append(p.checked, text)
	for _, sub := range p.BlockSubstrings {
		if sub != "" && strings.Contains(text, sub) {
			return safety.Verdict{Allowed: false, CategoriesMatched: []string{"mock"}}, nil
		}
	}
	return safety.Verdict{Allowed: true}, nil
}

// Checked returns every text submitted so far.
func (p *Provider) Checked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.checked...)
}

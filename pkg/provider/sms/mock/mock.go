// Package mock provides an sms.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/sms"
)

// Sent records one delivered message.
type Sent struct {
	To   string
	Body string
}

// Provider is an sms.Provider that records sends.
type Provider struct {
	mu   sync.Mutex
	sent []Sent

	// Err, when non-nil, fails every Send call.
	Err error
}

var _ sms.Provider = (*Provider)(nil)

// New creates a mock SMS provider.
func New() *Provider { return &Provider{} }

// Send implements sms.Provider.
func (p *Provider) Send(_ context.Context, to, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.sent = append(p.sent, Sent{To: to, Body: body})
	return nil
}

// Messages returns every recorded send in order.
func (p *Provider) Messages() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

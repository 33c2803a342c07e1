// Package mock provides a translate.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/translate"
)

// Call records one Translate invocation.
type Call struct {
	Text       string
	SourceLang string
	TargetLang string
}

// Provider is a translate.Provider that tags translated text and records
// calls.
type Provider struct {
	mu    sync.Mutex
	calls []Call

	// Err, when non-nil, fails every Translate call.
	Err error

	// Fn, when non-nil, overrides the default "[lang] text" transformation.
	Fn func(text, sourceLang, targetLang string) string
}

var _ translate.Provider = (*Provider)(nil)

// New creates a mock translation provider.
func New() *Provider { return &Provider{} }

// Translate implements translate.Provider. By default the result is the
// input prefixed with the target language, making translated output easy to
// assert on.
func (p *Provider) Translate(_ context.Context, text, sourceLang, targetLang string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	p.calls = append(p.calls, Call{Text: text, SourceLang: sourceLang, TargetLang: targetLang})
	if sourceLang == targetLang {
		return text, nil
	}
	if p.Fn != nil {
		return p.Fn(text, sourceLang, targetLang), nil
	}
	return "[" + targetLang + "] " + text, nil
}

// Calls returns the recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Package rest provides a safety.Provider backed by an HTTP content-safety
// endpoint (Azure AI Content Safety-compatible request shape).
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/parley/pkg/provider/safety"
)

// Provider implements safety.Provider over a JSON POST endpoint.
type Provider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

var _ safety.Provider = (*Provider)(nil)

// New creates a Provider for the given endpoint.
func New(endpoint, apiKey string) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("safety: endpoint must not be empty")
	}
	return &Provider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

type request struct {
	Text       string   `json:"text"`
	Categories []string `json:"categories,omitempty"`
}

type response struct {
	CategoriesAnalysis []struct {
		Category string `json:"category"`
		Severity int    `json:"severity"`
	} `json:"categoriesAnalysis"`
}

// blockSeverity is the severity at or above which a category blocks speech.
const blockSeverity = 2

// Check implements safety.Provider.
func (p *Provider) Check(ctx context.Context, text string, categories []string) (safety.Verdict, error) {
	body, err := json.Marshal(request{Text: text, Categories: categories})
	if err != nil {
		return safety.Verdict{}, fmt.Errorf("safety: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return safety.Verdict{}, fmt.Errorf("safety: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return safety.Verdict{}, fmt.Errorf("safety: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return safety.Verdict{}, fmt.Errorf("safety: status %d", resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return safety.Verdict{}, fmt.Errorf("safety: decode: %w", err)
	}

	verdict := safety.Verdict{Allowed: true}
	for _, ca := range out.CategoriesAnalysis {
		if ca.Severity >= blockSeverity {
			verdict.Allowed = false
			verdict.CategoriesMatched = append(verdict.CategoriesMatched, ca.Category)
		}
	}
	return verdict, nil
}

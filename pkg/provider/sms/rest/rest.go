// Package rest provides an sms.Provider backed by an HTTP SMS gateway
// (Twilio-compatible form POST shape).
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider/sms"
)

// Provider implements sms.Provider over a form-POST gateway endpoint.
type Provider struct {
	endpoint   string
	from       string
	accountSID string
	authToken  string
	httpClient *http.Client
}

var _ sms.Provider = (*Provider)(nil)

// New creates a Provider. from is the sender's E.164 number.
func New(endpoint, from, accountSID, authToken string) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("sms: endpoint must not be empty")
	}
	if from == "" {
		return nil, errors.New("sms: from number must not be empty")
	}
	return &Provider{
		endpoint:   endpoint,
		from:       from,
		accountSID: accountSID,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Send implements sms.Provider.
func (p *Provider) Send(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", p.from)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.accountSID != "" {
		req.SetBasicAuth(p.accountSID, p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sms: send to %s: %w", to, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms: send to %s: status %d", to, resp.StatusCode)
	}
	return nil
}

// Package sms defines the Provider interface for outbound SMS delivery.
package sms

import "context"

// Provider is the abstraction over any SMS gateway.
//
// Implementations must be safe for concurrent use and must respect context
// cancellation.
type Provider interface {
	// Send delivers body to the E.164 number to. A nil error means the
	// gateway accepted the message, not that it was delivered.
	Send(ctx context.Context, to, body string) error
}

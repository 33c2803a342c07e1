// Package lease grants exclusive, time-bounded ownership of a key to at most
// one worker at a time.
//
// Keys are of the form "call:{id}" or "claim_schema:{phone}". Acquisition is
// atomic via a keyed token store with TTL; renewal is the holder's
// responsibility and must happen at intervals of at most TTL/2. A holder that
// observes [ErrLost] must abort in-flight mutations and exit cleanly —
// in-flight speech may finish, but no further Call mutations are allowed.
package lease

import (
	"context"
	"errors"
	"time"
)

// Default TTLs per key family.
const (
	CallTTL        = 60 * time.Second
	ClaimSchemaTTL = 5 * time.Minute
)

// Errors returned by Manager implementations.
var (
	// ErrBusy means another worker currently holds the lease.
	ErrBusy = errors.New("lease: held by another worker")

	// ErrLost means the lease expired or was taken over between renewals.
	ErrLost = errors.New("lease: lost")
)

// Lease is a live grant. The token is the holder's proof of ownership;
// renew and release are conditional on it.
type Lease struct {
	// Key is the leased key (e.g., "call:1b4e…").
	Key string

	// Token is the holder-unique ownership token.
	Token string

	// TTL is the grant duration; the holder must renew at ≤ TTL/2.
	TTL time.Duration
}

// Manager is the distributed lease abstraction.
//
// Implementations must make Acquire atomic: two concurrent acquirers of the
// same key must never both succeed within one TTL window.
type Manager interface {
	// Acquire obtains the lease for key with the given TTL, or returns
	// ErrBusy if another holder is active.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)

	// Renew extends the lease by its TTL. Returns ErrLost when the lease has
	// expired or the key is now held by someone else.
	Renew(ctx context.Context, l *Lease) error

	// Release frees the lease if still held by this token. Releasing a lost
	// lease is a no-op.
	Release(ctx context.Context, l *Lease) error
}

// CallKey returns the lease key for a call ID.
func CallKey(callID string) string { return "call:" + callID }

// ClaimSchemaKey returns the lease key guarding the claim schema of a
// caller's phone number.
func ClaimSchemaKey(phone string) string { return "claim_schema:" + phone }

// KeepAlive renews l every TTL/2 until ctx is cancelled or a renewal fails.
// It returns nil on cancellation and ErrLost (wrapped) when the lease could
// not be renewed; callers run it as a sub-task of the call scope and treat a
// non-nil return as the signal to abort all further mutations.
func KeepAlive(ctx context.Context, m Manager, l *Lease) error {
	ticker := time.NewTicker(l.TTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Renew(ctx, l); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

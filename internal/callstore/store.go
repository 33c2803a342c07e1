// Package callstore persists Call documents with optimistic single-writer
// semantics.
//
// The store is document-oriented: one JSONB document per call, partitioned by
// caller phone number. Saves succeed only when the caller's loaded version
// matches the stored version; on success the version is incremented and
// updated_at refreshed. Reads outside the lease are allowed but may be stale
// by up to the backend's replication bound.
package callstore

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/internal/call"
)

// Errors returned by Store implementations. Transient failures wrap
// [ErrTransient] so callers can retry with backoff.
var (
	ErrNotFound  = errors.New("callstore: call not found")
	ErrConflict  = errors.New("callstore: version conflict")
	ErrTransient = errors.New("callstore: transient backend failure")
)

// Store is the persistence abstraction for Call documents.
//
// Implementations must be safe for concurrent use. Save takes the caller's
// working copy: on success the stored document carries version+1 and the
// working copy is updated in place to match.
type Store interface {
	// GetLast returns the most recently created call for the phone number,
	// or ErrNotFound.
	GetLast(ctx context.Context, phoneNumber string) (*call.Call, error)

	// GetByID returns the call with the given ID, or ErrNotFound. The phone
	// number selects the partition.
	GetByID(ctx context.Context, phoneNumber, id string) (*call.Call, error)

	// Save persists c. Returns ErrConflict when the stored version differs
	// from c.Version; the caller must reload, re-apply its delta, and retry.
	// On success c.Version is incremented and c.UpdatedAt refreshed.
	Save(ctx context.Context, c *call.Call) error

	// ListByPhone returns up to limit calls for the phone number, newest
	// first. An empty result is not an error.
	ListByPhone(ctx context.Context, phoneNumber string, limit int) ([]*call.Call, error)
}

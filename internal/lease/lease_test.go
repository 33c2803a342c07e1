package lease

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryManager_Exclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	l, err := m.Acquire(ctx, CallKey("abc"), CallTTL)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := m.Acquire(ctx, CallKey("abc"), CallTTL); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Acquire err = %v, want ErrBusy", err)
	}

	// A different key is independent.
	if _, err := m.Acquire(ctx, CallKey("other"), CallTTL); err != nil {
		t.Fatalf("Acquire other key: %v", err)
	}

	if err := m.Release(ctx, l); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := m.Acquire(ctx, CallKey("abc"), CallTTL); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestMemoryManager_ExpiryAllowsTakeover(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	base := time.Now()
	now := base
	m.SetNow(func() time.Time { return now })

	l, err := m.Acquire(ctx, CallKey("abc"), time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Before expiry the holder renews fine.
	now = base.Add(30 * time.Second)
	if err := m.Renew(ctx, l); err != nil {
		t.Fatalf("Renew: %v", err)
	}

	// After expiry another worker may take over and renewal reports lost.
	now = now.Add(2 * time.Minute)
	l2, err := m.Acquire(ctx, CallKey("abc"), time.Minute)
	if err != nil {
		t.Fatalf("takeover Acquire: %v", err)
	}
	if err := m.Renew(ctx, l); !errors.Is(err, ErrLost) {
		t.Fatalf("stale Renew err = %v, want ErrLost", err)
	}

	// Releasing the stale lease must not free the new holder's grant.
	if err := m.Release(ctx, l); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	if err := m.Renew(ctx, l2); err != nil {
		t.Fatalf("new holder Renew after stale release: %v", err)
	}
}

func TestKeepAlive_StopsOnCancel(t *testing.T) {
	m := NewMemoryManager()
	l, err := m.Acquire(context.Background(), CallKey("abc"), 40*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- KeepAlive(ctx, m, l) }()

	time.Sleep(100 * time.Millisecond) // several renew intervals
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("KeepAlive = %v, want nil on cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("KeepAlive did not stop after cancel")
	}
}

func TestKeepAlive_ReportsLost(t *testing.T) {
	m := NewMemoryManager()
	l, err := m.Acquire(context.Background(), CallKey("abc"), 40*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Steal the lease out from under the keeper.
	if err := m.Release(context.Background(), l); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(context.Background(), CallKey("abc"), time.Minute); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- KeepAlive(context.Background(), m, l) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrLost) {
			t.Fatalf("KeepAlive = %v, want ErrLost", err)
		}
	case <-time.After(time.Second):
		t.Fatal("KeepAlive did not report loss")
	}
}

func TestKeys(t *testing.T) {
	if got := CallKey("42"); got != "call:42" {
		t.Errorf("CallKey = %q", got)
	}
	if got := ClaimSchemaKey("+33612345678"); got != "claim_schema:+33612345678" {
		t.Errorf("ClaimSchemaKey = %q", got)
	}
}

package callstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/call"
)

func newCall(t *testing.T, phone string) *call.Call {
	t.Helper()
	c, err := call.New(call.Initiate{
		CallerPhoneNumber:  phone,
		LanguageDefault:    "fr-FR",
		LanguagesAvailable: []string{"fr-FR"},
		ClaimSchema:        []call.ClaimField{{Name: "policy_number", Type: call.FieldText}},
	}, time.Now())
	if err != nil {
		t.Fatalf("call.New: %v", err)
	}
	return c
}

func TestMemoryStore_SaveAndReload(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c := newCall(t, "+33612345678")
	c.AppendMessage(call.Message{Persona: call.PersonaHuman, Content: "hello"})

	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if c.Version != 1 {
		t.Errorf("Version = %d, want 1", c.Version)
	}

	got, err := s.GetByID(ctx, "+33612345678", c.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Errorf("reloaded messages = %+v, want the saved list", got.Messages)
	}
	if got.Version != 1 {
		t.Errorf("reloaded Version = %d, want 1", got.Version)
	}
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c := newCall(t, "+33612345678")
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Two workers load v=1.
	a, _ := s.GetByID(ctx, "+33612345678", c.ID)
	b, _ := s.GetByID(ctx, "+33612345678", c.ID)

	// A saves first.
	if err := s.Save(ctx, a); err != nil {
		t.Fatalf("Save a: %v", err)
	}

	// B is rejected.
	due := time.Now().Add(time.Hour)
	_ = b.AddReminder(call.Reminder{Title: "R", DueAt: due, Owner: call.PersonaAssistant})
	if err := s.Save(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("Save b err = %v, want ErrConflict", err)
	}

	// B reloads, re-applies, saves.
	b2, err := s.GetByID(ctx, "+33612345678", c.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := b2.AddReminder(call.Reminder{Title: "R", DueAt: due, Owner: call.PersonaAssistant}); err != nil {
		t.Fatalf("AddReminder: %v", err)
	}
	if err := s.Save(ctx, b2); err != nil {
		t.Fatalf("Save b2: %v", err)
	}

	final, _ := s.GetByID(ctx, "+33612345678", c.ID)
	if final.Version != 3 {
		t.Errorf("final Version = %d, want 3", final.Version)
	}
	if len(final.Reminders) != 1 {
		t.Errorf("len(Reminders) = %d, want exactly 1", len(final.Reminders))
	}
}

func TestMemoryStore_GetLast(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetLast(ctx, "+33612345678"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetLast on empty store err = %v, want ErrNotFound", err)
	}

	older := newCall(t, "+33612345678")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newCall(t, "+33612345678")
	if err := s.Save(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, newer); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetLast(ctx, "+33612345678")
	if err != nil {
		t.Fatalf("GetLast: %v", err)
	}
	if got.ID != newer.ID {
		t.Errorf("GetLast returned %s, want newest %s", got.ID, newer.ID)
	}
}

func TestMemoryStore_ListByPhone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		c := newCall(t, "+33612345678")
		c.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		if err := s.Save(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListByPhone(ctx, "+33612345678", 3)
	if err != nil {
		t.Fatalf("ListByPhone: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.After(got[i-1].CreatedAt) {
			t.Error("list not ordered newest first")
		}
	}
}

func TestMemoryStore_ReloadIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c := newCall(t, "+33612345678")
	if err := s.Save(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetByID(ctx, "+33612345678", c.ID)
	got.Claim["policy_number"] = "mutated"

	again, _ := s.GetByID(ctx, "+33612345678", c.ID)
	if _, ok := again.Claim["policy_number"]; ok {
		t.Error("store leaked a mutable reference to its stored document")
	}
}

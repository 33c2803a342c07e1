package call

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/callerr"
)

func testInitiate() Initiate {
	return Initiate{
		BotName:            "Eva",
		BotCompany:         "Contoso Insurance",
		AgentPhoneNumber:   "+33699999999",
		CallerPhoneNumber:  "+33612345678",
		LanguageDefault:    "fr-FR",
		LanguagesAvailable: []string{"fr-FR", "en-US"},
		TaskDescription:    "File a claim",
		ClaimSchema: []ClaimField{
			{Name: "policy_number", Type: FieldText},
			{Name: "contact_email", Type: FieldEmail},
			{Name: "incident_at", Type: FieldDatetime},
			{Name: "policyholder_phone", Type: FieldPhoneNumber},
		},
	}
}

func newTestCall(t *testing.T) *Call {
	t.Helper()
	c, err := New(testInitiate(), time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Initiate)
	}{
		{"missing caller", func(i *Initiate) { i.CallerPhoneNumber = "" }},
		{"non-E164 caller", func(i *Initiate) { i.CallerPhoneNumber = "0612345678" }},
		{"missing default lang", func(i *Initiate) { i.LanguageDefault = "" }},
		{"no languages", func(i *Initiate) { i.LanguagesAvailable = nil }},
		{"default not available", func(i *Initiate) { i.LanguageDefault = "de-DE" }},
		{"unnamed field", func(i *Initiate) { i.ClaimSchema[0].Name = "" }},
		{"bad field type", func(i *Initiate) { i.ClaimSchema[0].Type = "blob" }},
		{"duplicate field", func(i *Initiate) { i.ClaimSchema[1].Name = i.ClaimSchema[0].Name }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			init := testInitiate()
			tt.mutate(&init)
			if _, err := New(init, time.Now()); !errors.Is(err, callerr.ErrInvalid) {
				t.Errorf("New err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestSetClaim(t *testing.T) {
	tests := []struct {
		name    string
		field   string
		value   string
		wantErr bool
	}{
		{"text ok", "policy_number", "B01371946", false},
		{"email ok", "contact_email", "jane@example.com", false},
		{"email bad", "contact_email", "not-an-email", true},
		{"datetime ok", "incident_at", "2026-07-30T14:00:00Z", false},
		{"datetime bad", "incident_at", "yesterday", true},
		{"phone ok", "policyholder_phone", "+33612345678", false},
		{"phone bad", "policyholder_phone", "12345", true},
		{"unknown field", "favourite_colour", "blue", true},
		{"empty value", "policy_number", "  ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCall(t)
			err := c.SetClaim(tt.field, tt.value)
			if tt.wantErr {
				if !errors.Is(err, callerr.ErrInvalid) {
					t.Fatalf("SetClaim err = %v, want ErrInvalid", err)
				}
				if _, ok := c.Claim[tt.field]; ok {
					t.Error("claim was mutated despite validation failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("SetClaim: %v", err)
			}
			if got := c.Claim[tt.field]; got != tt.value {
				t.Errorf("claim[%s] = %q, want %q", tt.field, got, tt.value)
			}
		})
	}
}

func TestSetLanguage(t *testing.T) {
	c := newTestCall(t)
	if err := c.SetLanguage("en-US"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	if c.LangCurrent != "en-US" {
		t.Errorf("LangCurrent = %q, want en-US", c.LangCurrent)
	}
	if err := c.SetLanguage("de-DE"); !errors.Is(err, callerr.ErrInvalid) {
		t.Errorf("SetLanguage(de-DE) err = %v, want ErrInvalid", err)
	}
	if c.LangCurrent != "en-US" {
		t.Errorf("LangCurrent changed to %q on invalid switch", c.LangCurrent)
	}
}

func TestAmendAssistant(t *testing.T) {
	c := newTestCall(t)
	c.AppendMessage(Message{Persona: PersonaHuman, Action: ActionTalk, Content: "hello"})

	// First amend appends.
	c.AmendAssistant(Message{Action: ActionTalk, Content: "Hi"})
	if len(c.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(c.Messages))
	}

	// Second amend rewrites the trailing assistant message.
	c.AmendAssistant(Message{Action: ActionTalk, Content: "Hi there"})
	if len(c.Messages) != 2 {
		t.Fatalf("len(Messages) = %d after amend, want 2", len(c.Messages))
	}
	if got := c.Messages[1].Content; got != "Hi there" {
		t.Errorf("trailing content = %q, want %q", got, "Hi there")
	}

	// A human message seals the assistant turn.
	c.AppendMessage(Message{Persona: PersonaHuman, Action: ActionTalk, Content: "and?"})
	c.AmendAssistant(Message{Action: ActionTalk, Content: "More"})
	if len(c.Messages) != 4 {
		t.Fatalf("len(Messages) = %d, want 4", len(c.Messages))
	}
}

func TestReminders(t *testing.T) {
	c := newTestCall(t)
	due := time.Now().Add(24 * time.Hour)

	if err := c.AddReminder(Reminder{Title: "call back", DueAt: due, Owner: PersonaAssistant}); err != nil {
		t.Fatalf("AddReminder: %v", err)
	}
	if err := c.AddReminder(Reminder{Title: "", DueAt: due, Owner: PersonaHuman}); !errors.Is(err, callerr.ErrInvalid) {
		t.Errorf("empty title err = %v, want ErrInvalid", err)
	}
	if err := c.UpdateReminder(0, Reminder{Title: "call back tomorrow", DueAt: due, Owner: PersonaHuman}); err != nil {
		t.Fatalf("UpdateReminder: %v", err)
	}
	if got := c.Reminders[0].Title; got != "call back tomorrow" {
		t.Errorf("reminder title = %q", got)
	}
	if err := c.UpdateReminder(3, Reminder{Title: "x", DueAt: due, Owner: PersonaHuman}); !errors.Is(err, callerr.ErrInvalid) {
		t.Errorf("out-of-range err = %v, want ErrInvalid", err)
	}
}

func TestTerminateOnce(t *testing.T) {
	c := newTestCall(t)
	if err := c.Terminate(Next{Action: NextCaseClosed, Justification: "done"}); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if c.InProgress {
		t.Error("InProgress still true after Terminate")
	}
	if err := c.Terminate(Next{Action: NextCallBack}); !errors.Is(err, callerr.ErrInvalid) {
		t.Errorf("second Terminate err = %v, want ErrInvalid", err)
	}
}

func TestSynthesisOnce(t *testing.T) {
	c := newTestCall(t)
	if err := c.SetSynthesis(Synthesis{Short: "s", Long: "l", Satisfaction: SatisfactionHigh}); err != nil {
		t.Fatalf("SetSynthesis: %v", err)
	}
	if err := c.SetSynthesis(Synthesis{Short: "again"}); !errors.Is(err, callerr.ErrInvalid) {
		t.Errorf("second SetSynthesis err = %v, want ErrInvalid", err)
	}
}

func TestSeenFingerprint(t *testing.T) {
	c := newTestCall(t)
	fp := Fingerprint(c.ID, "evt-1")
	if c.SeenFingerprint(fp) {
		t.Error("first sighting reported as seen")
	}
	if !c.SeenFingerprint(fp) {
		t.Error("second sighting not reported as seen")
	}
}

func TestClone_Isolation(t *testing.T) {
	c := newTestCall(t)
	c.AppendMessage(Message{Persona: PersonaHuman, Content: "hi"})
	_ = c.SetClaim("policy_number", "B01371946")

	cp := c.Clone()
	cp.Messages[0].Content = "changed"
	cp.Claim["policy_number"] = "other"
	cp.Initiate.LanguagesAvailable[0] = "xx-XX"

	if c.Messages[0].Content != "hi" {
		t.Error("clone shares message backing array")
	}
	if c.Claim["policy_number"] != "B01371946" {
		t.Error("clone shares claim map")
	}
	if c.Initiate.LanguagesAvailable[0] != "fr-FR" {
		t.Error("clone shares languages slice")
	}
}

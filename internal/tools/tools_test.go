package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/internal/callerr"
	"github.com/MrWong99/parley/pkg/provider/search"
	searchmock "github.com/MrWong99/parley/pkg/provider/search/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// fakeSession implements Session for tests.
type fakeSession struct {
	mu          sync.Mutex
	call        *call.Call
	saves       int
	saveErr     error
	finished    bool
	hangup      bool
	transfer    bool
	sms         []string
	cues        []string
	snippets    []search.Snippet
}

func (s *fakeSession) Call() *call.Call { return s.call }

func (s *fakeSession) SaveCall(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	return nil
}

func (s *fakeSession) FinishCall(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return nil
}

func (s *fakeSession) RequestHangup()   { s.mu.Lock(); s.hangup = true; s.mu.Unlock() }
func (s *fakeSession) RequestTransfer() { s.mu.Lock(); s.transfer = true; s.mu.Unlock() }

func (s *fakeSession) SendSMS(_ context.Context, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sms = append(s.sms, body)
	return nil
}

func (s *fakeSession) QueueCue(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cues = append(s.cues, text)
}

func (s *fakeSession) AddSearchResults(snippets []search.Snippet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snippets = append(s.snippets, snippets...)
}

func newSession(t *testing.T) *fakeSession {
	t.Helper()
	c, err := call.New(call.Initiate{
		CallerPhoneNumber:  "+33612345678",
		LanguageDefault:    "fr-FR",
		LanguagesAvailable: []string{"fr-FR"},
		ClaimSchema: []call.ClaimField{
			{Name: "policy_number", Type: call.FieldText},
			{Name: "incident_at", Type: call.FieldDatetime},
		},
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return &fakeSession{call: c}
}

func newTestRegistry(t *testing.T, deps BuiltinDeps) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, s := range Builtin(deps) {
		if err := r.Register(s); err != nil {
			t.Fatalf("Register %s: %v", s.Definition.Name, err)
		}
	}
	return r
}

func TestDefinitions_SortedAndComplete(t *testing.T) {
	r := newTestRegistry(t, BuiltinDeps{Search: searchmock.New()})
	defs := r.Definitions()
	want := []string{"end_call", "new_claim", "new_reminder", "search_documents",
		"send_sms", "talk_to_human", "update_claim", "updated_reminder"}
	if len(defs) != len(want) {
		t.Fatalf("len(defs) = %d, want %d", len(defs), len(want))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d] = %q, want %q", i, d.Name, want[i])
		}
	}
}

func TestInvoke_UpdateClaim(t *testing.T) {
	r := newTestRegistry(t, BuiltinDeps{})
	sess := newSession(t)

	res := r.Invoke(context.Background(), sess, types.ToolCall{
		ID:        "tc1",
		Name:      "update_claim",
		Arguments: `{"field":"policy_number","value":"B01371946"}`,
	})
	if res.Err != nil {
		t.Fatalf("Invoke err = %v", res.Err)
	}
	if got := sess.call.Claim["policy_number"]; got != "B01371946" {
		t.Errorf("claim = %q", got)
	}
	if sess.saves != 1 {
		t.Errorf("saves = %d, want 1", sess.saves)
	}
	if len(sess.cues) != 1 {
		t.Errorf("cues = %v, want one acknowledgment cue", sess.cues)
	}
}

func TestInvoke_UpdateClaim_FuzzyFieldResolution(t *testing.T) {
	r := newTestRegistry(t, BuiltinDeps{})
	sess := newSession(t)

	// "polcy_number" is OSA distance 1 from "policy_number".
	res := r.Invoke(context.Background(), sess, types.ToolCall{
		Name:      "update_claim",
		Arguments: `{"field":"polcy_number","value":"X1"}`,
	})
	if res.Err != nil {
		t.Fatalf("fuzzy Invoke err = %v", res.Err)
	}
	if got := sess.call.Claim["policy_number"]; got != "X1" {
		t.Errorf("claim[policy_number] = %q, want X1", got)
	}

	// A name nowhere near the schema is rejected without mutation.
	res = r.Invoke(context.Background(), sess, types.ToolCall{
		Name:      "update_claim",
		Arguments: `{"field":"favourite_colour","value":"blue"}`,
	})
	if !errors.Is(res.Err, callerr.ErrInvalid) {
		t.Fatalf("unknown field err = %v, want ErrInvalid", res.Err)
	}
}

func TestInvoke_UpdateClaim_TypeViolation(t *testing.T) {
	r := newTestRegistry(t, BuiltinDeps{})
	sess := newSession(t)

	res := r.Invoke(context.Background(), sess, types.ToolCall{
		Name:      "update_claim",
		Arguments: `{"field":"incident_at","value":"last tuesday"}`,
	})
	if !errors.Is(res.Err, callerr.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", res.Err)
	}
	if len(sess.call.Claim) != 0 {
		t.Error("claim mutated despite type violation")
	}
	if sess.saves != 0 {
		t.Error("save performed despite type violation")
	}
}

func TestInvoke_SchemaValidation(t *testing.T) {
	r := newTestRegistry(t, BuiltinDeps{})
	sess := newSession(t)

	tests := []struct {
		name string
		tc   types.ToolCall
	}{
		{"missing required", types.ToolCall{Name: "update_claim", Arguments: `{"field":"policy_number"}`}},
		{"wrong type", types.ToolCall{Name: "update_claim", Arguments: `{"field":7,"value":"x"}`}},
		{"extra property", types.ToolCall{Name: "update_claim", Arguments: `{"field":"policy_number","value":"x","why":"because"}`}},
		{"not json", types.ToolCall{Name: "update_claim", Arguments: `field=policy`}},
		{"unknown tool", types.ToolCall{Name: "format_disk", Arguments: `{}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Invoke(context.Background(), sess, tt.tc)
			if !errors.Is(res.Err, callerr.ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", res.Err)
			}
		})
	}
}

func TestInvoke_ControlTools(t *testing.T) {
	r := newTestRegistry(t, BuiltinDeps{})
	sess := newSession(t)

	if res := r.Invoke(context.Background(), sess, types.ToolCall{Name: "end_call", Arguments: `{}`}); res.Err != nil {
		t.Fatalf("end_call: %v", res.Err)
	}
	if !sess.hangup {
		t.Error("hangup not requested")
	}
	if res := r.Invoke(context.Background(), sess, types.ToolCall{Name: "talk_to_human", Arguments: `{}`}); res.Err != nil {
		t.Fatalf("talk_to_human: %v", res.Err)
	}
	if !sess.transfer {
		t.Error("transfer not requested")
	}
	if res := r.Invoke(context.Background(), sess, types.ToolCall{Name: "new_claim", Arguments: `{}`}); res.Err != nil {
		t.Fatalf("new_claim: %v", res.Err)
	}
	if !sess.finished {
		t.Error("call not finished by new_claim")
	}
}

func TestInvoke_Reminders(t *testing.T) {
	r := newTestRegistry(t, BuiltinDeps{})
	sess := newSession(t)

	res := r.Invoke(context.Background(), sess, types.ToolCall{
		Name:      "new_reminder",
		Arguments: `{"title":"call back","due_at":"2026-08-02T10:00:00Z","owner":"assistant"}`,
	})
	if res.Err != nil {
		t.Fatalf("new_reminder: %v", res.Err)
	}
	if len(sess.call.Reminders) != 1 {
		t.Fatalf("reminders = %d, want 1", len(sess.call.Reminders))
	}

	res = r.Invoke(context.Background(), sess, types.ToolCall{
		Name:      "updated_reminder",
		Arguments: `{"index":0,"title":"call back tomorrow"}`,
	})
	if res.Err != nil {
		t.Fatalf("updated_reminder: %v", res.Err)
	}
	if got := sess.call.Reminders[0].Title; got != "call back tomorrow" {
		t.Errorf("title = %q", got)
	}
	if got := sess.call.Reminders[0].Owner; got != call.PersonaAssistant {
		t.Errorf("owner = %q, want preserved assistant", got)
	}

	res = r.Invoke(context.Background(), sess, types.ToolCall{
		Name:      "updated_reminder",
		Arguments: `{"index":4}`,
	})
	if !errors.Is(res.Err, callerr.ErrInvalid) {
		t.Errorf("out-of-range err = %v, want ErrInvalid", res.Err)
	}
}

func TestInvoke_SearchDocuments(t *testing.T) {
	sp := searchmock.New(
		search.Snippet{Text: "Policies renew annually.", Score: 0.92, Source: "handbook"},
	)
	r := newTestRegistry(t, BuiltinDeps{Search: sp, SearchTopK: 3})
	sess := newSession(t)

	res := r.Invoke(context.Background(), sess, types.ToolCall{
		Name:      "search_documents",
		Arguments: `{"query":"policy renewal"}`,
	})
	if res.Err != nil {
		t.Fatalf("search_documents: %v", res.Err)
	}
	if len(sess.snippets) != 1 {
		t.Fatalf("snippets staged = %d, want 1", len(sess.snippets))
	}
	var payload struct {
		Results int `json:"results"`
	}
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		t.Fatalf("result content not JSON: %v", err)
	}
	if payload.Results != 1 {
		t.Errorf("results = %d, want 1", payload.Results)
	}
}

func TestInvoke_SendSMS(t *testing.T) {
	r := newTestRegistry(t, BuiltinDeps{})
	sess := newSession(t)

	res := r.Invoke(context.Background(), sess, types.ToolCall{
		Name:      "send_sms",
		Arguments: `{"text":"Your reference is B01371946."}`,
	})
	if res.Err != nil {
		t.Fatalf("send_sms: %v", res.Err)
	}
	if len(sess.sms) != 1 || sess.sms[0] != "Your reference is B01371946." {
		t.Errorf("sms = %v", sess.sms)
	}
}

func TestDispatchAll_ResultsInCallOrder(t *testing.T) {
	r := newTestRegistry(t, BuiltinDeps{Search: searchmock.New()})
	sess := newSession(t)

	calls := []types.ToolCall{
		{ID: "a", Name: "update_claim", Arguments: `{"field":"policy_number","value":"P1"}`},
		{ID: "b", Name: "search_documents", Arguments: `{"query":"q"}`},
		{ID: "c", Name: "send_sms", Arguments: `{"text":"hi"}`},
	}
	results := r.DispatchAll(context.Background(), sess, calls)
	if len(results) != 3 {
		t.Fatalf("len(results) = %d", len(results))
	}
	for i, want := range []string{"a", "b", "c"} {
		if results[i].ID != want {
			t.Errorf("results[%d].ID = %q, want %q", i, results[i].ID, want)
		}
	}
}

func TestBuiltin_StateMutatingToolsAreSerial(t *testing.T) {
	// Tools that touch Call state must never run concurrently with each
	// other; the call log and claim map are not locked.
	wantSerial := map[string]bool{
		"update_claim":     true,
		"new_claim":        true,
		"new_reminder":     true,
		"updated_reminder": true,
		"send_sms":         true, // appends the sent message to the log
		"end_call":         false,
		"talk_to_human":    false,
		"search_documents": false,
	}
	for _, spec := range Builtin(BuiltinDeps{Search: searchmock.New()}) {
		want, ok := wantSerial[spec.Definition.Name]
		if !ok {
			t.Errorf("unexpected builtin %q", spec.Definition.Name)
			continue
		}
		if spec.Serial != want {
			t.Errorf("%s Serial = %v, want %v", spec.Definition.Name, spec.Serial, want)
		}
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry()
	spec := endCallSpec()
	if err := r.Register(spec); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(spec); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

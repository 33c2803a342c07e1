package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/internal/callstore"
	"github.com/MrWong99/parley/internal/queue"
)

func testDefaults() call.Initiate {
	return call.Initiate{
		BotName:            "Eva",
		BotCompany:         "Contoso",
		AgentPhoneNumber:   "+33699999999",
		LanguageDefault:    "fr-FR",
		LanguagesAvailable: []string{"fr-FR", "en-US"},
		TaskDescription:    "claim intake",
	}
}

func newServer() (*Server, *callstore.MemoryStore, *queue.MemoryQueue) {
	store := callstore.NewMemoryStore()
	q := queue.NewMemoryQueue(time.Minute)
	return New(store, q, testDefaults(), nil), store, q
}

func TestCreateCall(t *testing.T) {
	s, store, q := newServer()
	body := `{
		"phone_number": "+33612345678",
		"task": "outbound follow-up",
		"claim": [{"name": "policy_number", "type": "text"}],
		"lang": "en-US"
	}`
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest("POST", "/call", strings.NewReader(body)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp createCallResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.CallID == "" {
		t.Fatal("empty call_id")
	}

	// The call is persisted with merged defaults.
	c, err := store.GetByID(context.Background(), "+33612345678", resp.CallID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if c.Initiate.BotName != "Eva" || c.Initiate.TaskDescription != "outbound follow-up" {
		t.Errorf("initiate = %+v", c.Initiate)
	}
	if c.LangCurrent != "en-US" {
		t.Errorf("LangCurrent = %q", c.LangCurrent)
	}

	// The incoming_call analog is enqueued with the new call's ID.
	ds, err := q.Receive(context.Background(), queue.CallEvents, 1)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	var evt queue.IncomingCall
	if err := queue.Decode(ds[0], &evt); err != nil {
		t.Fatal(err)
	}
	if evt.CallID != resp.CallID || evt.CallerPhone != "+33612345678" {
		t.Errorf("event = %+v", evt)
	}
}

func TestCreateCall_Validation(t *testing.T) {
	s, _, _ := newServer()
	tests := []struct {
		name string
		body string
	}{
		{"missing phone", `{"claim":[]}`},
		{"bad phone", `{"phone_number":"0612345678"}`},
		{"bad claim type", `{"phone_number":"+33612345678","claim":[{"name":"x","type":"blob"}]}`},
		{"unknown field", `{"phone_number":"+33612345678","surprise":true}`},
		{"not json", `hello`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Routes().ServeHTTP(rec, httptest.NewRequest("POST", "/call", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestListCalls(t *testing.T) {
	s, store, _ := newServer()
	for i := 0; i < 3; i++ {
		init := testDefaults()
		init.CallerPhoneNumber = "+33612345678"
		c, err := call.New(init, time.Now().Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		c.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		if err := store.Save(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/call?phone_number=%2B33612345678", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var calls []call.Call
	if err := json.NewDecoder(rec.Body).Decode(&calls); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 3 {
		t.Errorf("len = %d, want 3", len(calls))
	}
}

func TestListCalls_RequiresPhone(t *testing.T) {
	s, _, _ := newServer()
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/call", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListCalls_EmptyIsOK(t *testing.T) {
	s, _, _ := newServer()
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/call?phone_number=%2B33600000000", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

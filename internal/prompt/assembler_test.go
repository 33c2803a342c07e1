package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/pkg/provider/search"
)

func newCall(t *testing.T) *call.Call {
	t.Helper()
	c, err := call.New(call.Initiate{
		BotName:            "Eva",
		BotCompany:         "Contoso Insurance",
		CallerPhoneNumber:  "+33612345678",
		LanguageDefault:    "fr-FR",
		LanguagesAvailable: []string{"fr-FR", "en-US"},
		TaskDescription:    "Help the caller file a claim.",
		ClaimSchema: []call.ClaimField{
			{Name: "policy_number", Type: call.FieldText},
			{Name: "incident_at", Type: call.FieldDatetime},
		},
	}, time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testCtx() Context {
	return Context{Date: "2026-08-01", BotPhoneNumber: "+33699999999"}
}

func TestAssemble_SystemPlaceholders(t *testing.T) {
	c := newCall(t)
	_ = c.SetClaim("policy_number", "B01371946")

	sys, _ := Assemble(c, testCtx())
	for _, want := range []string{
		"Eva", "Contoso Insurance", "2026-08-01", "+33612345678", "+33699999999",
		"fr-FR", "Help the caller file a claim.",
		"policy_number (text): B01371946",
		"incident_at (datetime): (missing)",
	} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if strings.Contains(sys, "{") && strings.Contains(sys, "}") {
		// Claim formatting uses no braces; leftover braces mean an
		// unsubstituted placeholder.
		for _, ph := range []string{"{bot_name}", "{date}", "{claim}", "{reminders}"} {
			if strings.Contains(sys, ph) {
				t.Errorf("unsubstituted placeholder %s", ph)
			}
		}
	}
}

func TestAssemble_PromptOverride(t *testing.T) {
	c := newCall(t)
	c.Initiate.PromptsOverrides = map[string]string{"default_system": "Custom persona for {bot_name}."}

	sys, _ := Assemble(c, testCtx())
	if !strings.Contains(sys, "Custom persona for Eva.") {
		t.Errorf("override not applied: %q", sys)
	}
	if strings.Contains(sys, "phone assistant for") {
		t.Error("default template leaked despite override")
	}
}

func TestAssemble_Purity(t *testing.T) {
	c := newCall(t)
	c.AppendMessage(call.Message{Persona: call.PersonaHuman, Content: "hello"})
	ctx := testCtx()

	sys1, hist1 := Assemble(c, ctx)
	sys2, hist2 := Assemble(c.Clone(), ctx)

	if sys1 != sys2 {
		t.Error("system prompt differs for equivalent calls")
	}
	if len(hist1) != len(hist2) {
		t.Fatalf("history lengths differ: %d vs %d", len(hist1), len(hist2))
	}
	for i := range hist1 {
		if hist1[i].Role != hist2[i].Role || hist1[i].Content != hist2[i].Content {
			t.Errorf("history[%d] differs", i)
		}
	}
}

func TestAssemble_HistoryMapping(t *testing.T) {
	c := newCall(t)
	c.AppendMessage(call.Message{Persona: call.PersonaHuman, Action: call.ActionTalk, Content: "I want to file a claim"})
	c.AppendMessage(call.Message{
		Persona: call.PersonaAssistant, Content: "Noted.",
		ToolCalls: []call.ToolCall{{ID: "t1", Name: "update_claim", Arguments: `{"field":"policy_number","value":"B1"}`}},
	})
	c.AppendMessage(call.Message{
		Persona:   call.PersonaTool,
		ToolCalls: []call.ToolCall{{ID: "t1", Name: "update_claim", Result: `{"status":"stored"}`}},
	})
	c.AppendMessage(call.Message{Persona: call.PersonaHuman, Action: call.ActionSMS, Content: "my email is a@b.fr"})

	_, hist := Assemble(c, testCtx())
	if len(hist) != 4 {
		t.Fatalf("len(history) = %d, want 4", len(hist))
	}
	if hist[0].Role != "user" {
		t.Errorf("hist[0].Role = %q", hist[0].Role)
	}
	if hist[1].Role != "assistant" || len(hist[1].ToolCalls) != 1 {
		t.Errorf("hist[1] = %+v", hist[1])
	}
	if hist[2].Role != "tool" || hist[2].ToolCallID != "t1" {
		t.Errorf("hist[2] = %+v", hist[2])
	}
	if !strings.HasPrefix(hist[3].Content, "[SMS] ") {
		t.Errorf("SMS message not tagged: %q", hist[3].Content)
	}
}

func TestAssemble_RAGNote(t *testing.T) {
	c := newCall(t)
	ctx := testCtx()
	ctx.SearchResults = []search.Snippet{
		{Text: "Claims must be filed within 5 days.", Source: "policy.pdf"},
	}

	_, hist := Assemble(c, ctx)
	if len(hist) == 0 {
		t.Fatal("empty history")
	}
	last := hist[len(hist)-1]
	if last.Role != "system" {
		t.Errorf("RAG note role = %q, want system", last.Role)
	}
	if !strings.Contains(last.Content, "Claims must be filed within 5 days.") ||
		!strings.Contains(last.Content, "policy.pdf") {
		t.Errorf("RAG note content = %q", last.Content)
	}
}

func TestAssemble_HistoryTruncation(t *testing.T) {
	c := newCall(t)
	for i := 0; i < 50; i++ {
		c.AppendMessage(call.Message{Persona: call.PersonaHuman, Content: strings.Repeat("word ", 40)})
		c.AppendMessage(call.Message{Persona: call.PersonaAssistant, Content: strings.Repeat("reply ", 40)})
	}
	ctx := testCtx()
	ctx.HistoryBudget = 500

	_, hist := Assemble(c, ctx)
	if len(hist) == 0 {
		t.Fatal("truncation removed everything")
	}
	if len(hist) >= 100 {
		t.Errorf("len(history) = %d, truncation did not apply", len(hist))
	}
	n, _ := approxTokens(hist)
	if n > 500 {
		t.Errorf("history tokens = %d, exceeds budget", n)
	}
	// The newest message must survive.
	if got := hist[len(hist)-1].Role; got != "assistant" {
		t.Errorf("last role = %q, want assistant", got)
	}
}

func TestAssemble_TruncationKeepsToolResultsWithCall(t *testing.T) {
	c := newCall(t)
	// Old pair that should be dropped together.
	c.AppendMessage(call.Message{Persona: call.PersonaAssistant, Content: strings.Repeat("x", 400),
		ToolCalls: []call.ToolCall{{ID: "t1", Name: "update_claim"}}})
	c.AppendMessage(call.Message{Persona: call.PersonaTool,
		ToolCalls: []call.ToolCall{{ID: "t1", Name: "update_claim", Result: "{}"}}})
	c.AppendMessage(call.Message{Persona: call.PersonaHuman, Content: "recent question"})

	ctx := testCtx()
	ctx.HistoryBudget = 30

	_, hist := Assemble(c, ctx)
	for _, m := range hist {
		if m.Role == "tool" {
			t.Error("orphaned tool message survived truncation")
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a  b\t\tc", "a b c"},
		{"line one\nline two", "line one\nline two"},
		{"trailing  \nnext", "trailing\nnext"},
		{"ctrl\x00\x07chars", "ctrlchars"},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Package prompt assembles the ordered message list for one LLM completion:
// system templates filled from Call state, token-budgeted history, and an
// optional RAG note for the current turn.
//
// Assembly is a pure function of (Call, Context) — no clocks, no I/O, no
// randomness. The same inputs always produce the same message list, which
// makes prompts reproducible from a persisted Call.
package prompt

import (
	"fmt"
	"strings"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/pkg/provider/search"
	"github.com/MrWong99/parley/pkg/types"
)

// Context is the per-turn assembly input alongside the Call.
type Context struct {
	// Date is today's date, pre-formatted (e.g. "2026-08-01"). Passed in so
	// assembly stays pure.
	Date string

	// BotPhoneNumber is the number the bot is calling from.
	BotPhoneNumber string

	// SearchResults holds snippets retrieved by search_documents during the
	// current turn. Empty means no RAG note.
	SearchResults []search.Snippet

	// HistoryBudget is the token budget for the history section. Zero means
	// no truncation.
	HistoryBudget int

	// CountTokens estimates history cost for budgeting. Nil with a non-zero
	// budget falls back to a character heuristic.
	CountTokens func([]types.Message) (int, error)
}

// Assemble builds the completion request inputs: the system prompt and the
// ordered history messages.
func Assemble(c *call.Call, ctx Context) (systemPrompt string, history []types.Message) {
	systemPrompt = buildSystem(c, ctx)
	history = buildHistory(c, ctx)
	if note := buildRAGNote(ctx.SearchResults); note != "" {
		history = append(history, types.Message{Role: "system", Content: note})
	}
	return systemPrompt, history
}

func buildSystem(c *call.Call, ctx Context) string {
	base := template(c, "default_system", DefaultSystemTpl)
	chat := template(c, "chat_system", ChatSystemTpl)

	repl := strings.NewReplacer(
		"{bot_name}", c.Initiate.BotName,
		"{bot_company}", c.Initiate.BotCompany,
		"{date}", ctx.Date,
		"{phone_number}", c.Initiate.CallerPhoneNumber,
		"{bot_phone_number}", ctx.BotPhoneNumber,
		"{default_lang}", c.LangCurrent,
		"{task}", c.Initiate.TaskDescription,
		"{claim}", formatClaim(c),
		"{reminders}", formatReminders(c),
	)
	return Normalize(repl.Replace(base) + "\n\n" + repl.Replace(chat))
}

// template returns the override from initiate.prompts_overrides when set,
// else the built-in default.
func template(c *call.Call, key, fallback string) string {
	if tpl, ok := c.Initiate.PromptsOverrides[key]; ok && strings.TrimSpace(tpl) != "" {
		return tpl
	}
	return fallback
}

func formatClaim(c *call.Call) string {
	if len(c.Initiate.ClaimSchema) == 0 {
		return "(no claim schema)"
	}
	var b strings.Builder
	for _, f := range c.Initiate.ClaimSchema {
		val, ok := c.Claim[f.Name]
		if !ok {
			val = "(missing)"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", f.Name, f.Type, val)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatReminders(c *call.Call) string {
	if len(c.Reminders) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, r := range c.Reminders {
		fmt.Fprintf(&b, "- [%d] %s — due %s, owner %s\n", i, r.Title, r.DueAt.Format("2006-01-02 15:04"), r.Owner)
	}
	return strings.TrimRight(b.String(), "\n")
}

func buildRAGNote(snippets []search.Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range snippets {
		line := s.Text
		if s.Source != "" {
			line += " (" + s.Source + ")"
		}
		b.WriteString("- " + line + "\n")
	}
	return Normalize(strings.Replace(ragNoteTpl, "{results}", strings.TrimRight(b.String(), "\n"), 1))
}

// buildHistory converts the call log to LLM messages, newest-last, trimmed
// from the front to fit the token budget.
func buildHistory(c *call.Call, ctx Context) []types.Message {
	msgs := make([]types.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if lm, ok := toLLMMessage(m); ok {
			msgs = append(msgs, lm)
		}
	}
	if ctx.HistoryBudget <= 0 {
		return msgs
	}

	count := ctx.CountTokens
	if count == nil {
		count = approxTokens
	}
	for len(msgs) > 1 {
		n, err := count(msgs)
		if err != nil || n <= ctx.HistoryBudget {
			break
		}
		// Drop from the front, but never orphan a tool result behind its
		// assistant message.
		drop := 1
		for drop < len(msgs) && msgs[drop].Role == "tool" {
			drop++
		}
		msgs = msgs[drop:]
	}
	return msgs
}

func toLLMMessage(m call.Message) (types.Message, bool) {
	switch m.Persona {
	case call.PersonaHuman:
		content := m.Content
		if m.Action == call.ActionSMS {
			content = "[SMS] " + content
		}
		return types.Message{Role: "user", Content: content}, true
	case call.PersonaAssistant:
		lm := types.Message{Role: "assistant", Content: m.Content}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, types.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		return lm, true
	case call.PersonaTool:
		if len(m.ToolCalls) == 0 {
			return types.Message{}, false
		}
		tc := m.ToolCalls[0]
		content := tc.Result
		if tc.Error != "" {
			content = fmt.Sprintf(`{"error":%q}`, tc.Error)
		}
		return types.Message{Role: "tool", Content: content, ToolCallID: tc.ID}, true
	case call.PersonaSystem:
		return types.Message{Role: "system", Content: m.Content}, true
	default:
		return types.Message{}, false
	}
}

func approxTokens(msgs []types.Message) (int, error) {
	total := 0
	for _, m := range msgs {
		total += (len(m.Content)+3)/4 + 4
	}
	return total, nil
}

// Normalize collapses runs of spaces and tabs, strips control characters,
// and preserves intentional line breaks.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	spacePending := false
	for _, r := range s {
		switch {
		case r == '\n':
			// Preserve line structure; a pending space is dropped at EOL.
			spacePending = false
			b.WriteRune('\n')
		case r == ' ' || r == '\t':
			spacePending = true
		case r < 0x20 || r == 0x7f:
			// Strip control characters.
		default:
			if spacePending && b.Len() > 0 {
				if last := b.String()[b.Len()-1]; last != '\n' {
					b.WriteByte(' ')
				}
			}
			spacePending = false
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

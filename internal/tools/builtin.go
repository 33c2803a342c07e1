package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/internal/callerr"
	"github.com/MrWong99/parley/pkg/provider/search"
	"github.com/MrWong99/parley/pkg/types"
)

// BuiltinDeps carries the external collaborators the built-in tools need.
type BuiltinDeps struct {
	// Search is the document retriever behind search_documents. Nil disables
	// the tool.
	Search search.Provider

	// SearchTopK is how many snippets one search returns. Default 5.
	SearchTopK int
}

// Builtin returns the built-in tool set. Tools that mutate Call state are
// Serial (send_sms too, as it appends to the call's messages); retrieval
// and control tools (search_documents, end_call, talk_to_human) run
// concurrently.
func Builtin(deps BuiltinDeps) []Spec {
	specs := []Spec{
		updateClaimSpec(),
		newClaimSpec(),
		talkToHumanSpec(),
		endCallSpec(),
		newReminderSpec(),
		updatedReminderSpec(),
		sendSMSSpec(),
	}
	if deps.Search != nil {
		specs = append(specs, searchDocumentsSpec(deps))
	}
	return specs
}

// maxFieldDistance is the OSA edit-distance ceiling for fuzzy claim-field
// resolution. A model-misspelled field name resolves to the nearest schema
// field within this distance; a tie for nearest, or no field within it, is
// rejected.
const maxFieldDistance = 2

// resolveField maps a possibly-misspelled field name onto the claim schema.
func resolveField(c *call.Call, name string) (string, error) {
	if _, ok := c.SchemaField(name); ok {
		return name, nil
	}
	best, bestDist, ties := "", maxFieldDistance+1, 0
	for _, f := range c.Initiate.ClaimSchema {
		d := matchr.OSA(strings.ToLower(name), strings.ToLower(f.Name))
		switch {
		case d < bestDist:
			best, bestDist, ties = f.Name, d, 1
		case d == bestDist:
			ties++
		}
	}
	if bestDist > maxFieldDistance || ties != 1 {
		return "", callerr.Invalid("claim field %q is not declared in the schema", name)
	}
	return best, nil
}

func ackResult(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func updateClaimSpec() Spec {
	return Spec{
		Serial: true,
		Definition: toolDef("update_claim",
			"Store or update one field of the claim. Field names come from the claim schema given in the system prompt.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"field": map[string]any{"type": "string", "description": "Claim schema field name."},
					"value": map[string]any{"type": "string", "description": "The value the caller provided."},
				},
				"required":             []any{"field", "value"},
				"additionalProperties": false,
			}),
		Handler: func(ctx context.Context, sess Session, args json.RawMessage) (string, error) {
			var in struct {
				Field string `json:"field"`
				Value string `json:"value"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", callerr.Invalid("update_claim: %v", err)
			}
			c := sess.Call()
			field, err := resolveField(c, in.Field)
			if err != nil {
				return "", err
			}
			if err := c.SetClaim(field, in.Value); err != nil {
				return "", err
			}
			if err := sess.SaveCall(ctx); err != nil {
				return "", err
			}
			sess.QueueCue("Noted.")
			return ackResult(map[string]string{"field": field, "value": in.Value, "status": "stored"}), nil
		},
	}
}

func newClaimSpec() Spec {
	return Spec{
		Serial: true,
		Definition: toolDef("new_claim",
			"Close the current claim and start a fresh one for the same caller. Use when the caller wants to report a second, unrelated case.",
			map[string]any{"type": "object", "additionalProperties": false}),
		Handler: func(ctx context.Context, sess Session, _ json.RawMessage) (string, error) {
			if err := sess.FinishCall(ctx); err != nil {
				return "", err
			}
			return ackResult(map[string]string{"status": "new_claim_started"}), nil
		},
	}
}

func talkToHumanSpec() Spec {
	return Spec{
		Definition: toolDef("talk_to_human",
			"Transfer the caller to a human agent. Use when the caller asks for a person or the task is beyond your abilities.",
			map[string]any{"type": "object", "additionalProperties": false}),
		Handler: func(_ context.Context, sess Session, _ json.RawMessage) (string, error) {
			sess.RequestTransfer()
			return ackResult(map[string]string{"status": "transfer_requested"}), nil
		},
	}
}

func endCallSpec() Spec {
	return Spec{
		Definition: toolDef("end_call",
			"End the call. Use when the conversation is finished and the caller has nothing to add.",
			map[string]any{"type": "object", "additionalProperties": false}),
		Handler: func(_ context.Context, sess Session, _ json.RawMessage) (string, error) {
			sess.RequestHangup()
			return ackResult(map[string]string{"status": "hangup_requested"}), nil
		},
	}
}

func reminderParams(requireAll bool) map[string]any {
	props := map[string]any{
		"title":       map[string]any{"type": "string", "description": "Short imperative title."},
		"description": map[string]any{"type": "string", "description": "What needs to happen."},
		"due_at":      map[string]any{"type": "string", "description": "RFC 3339 due timestamp."},
		"owner":       map[string]any{"type": "string", "enum": []any{"assistant", "human"}},
	}
	p := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if requireAll {
		p["required"] = []any{"title", "due_at", "owner"}
	}
	return p
}

type reminderArgs struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueAt       string `json:"due_at"`
	Owner       string `json:"owner"`
}

func (a reminderArgs) toReminder(now time.Time) (call.Reminder, error) {
	due, err := time.Parse(time.RFC3339, a.DueAt)
	if err != nil {
		return call.Reminder{}, callerr.Invalid("due_at %q is not an RFC 3339 timestamp", a.DueAt)
	}
	return call.Reminder{
		CreatedAt:   now,
		Title:       a.Title,
		Description: a.Description,
		DueAt:       due,
		Owner:       call.Persona(a.Owner),
	}, nil
}

func newReminderSpec() Spec {
	return Spec{
		Serial: true,
		Definition: toolDef("new_reminder",
			"Create a follow-up reminder attached to this claim.",
			reminderParams(true)),
		Handler: func(ctx context.Context, sess Session, args json.RawMessage) (string, error) {
			var in reminderArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return "", callerr.Invalid("new_reminder: %v", err)
			}
			r, err := in.toReminder(time.Now())
			if err != nil {
				return "", err
			}
			c := sess.Call()
			if err := c.AddReminder(r); err != nil {
				return "", err
			}
			if err := sess.SaveCall(ctx); err != nil {
				return "", err
			}
			return ackResult(map[string]any{"status": "stored", "index": len(c.Reminders) - 1}), nil
		},
	}
}

func updatedReminderSpec() Spec {
	params := reminderParams(false)
	props := params["properties"].(map[string]any)
	props["index"] = map[string]any{"type": "integer", "description": "Zero-based index of the reminder to update."}
	params["required"] = []any{"index"}

	return Spec{
		Serial: true,
		Definition: toolDef("updated_reminder",
			"Update an existing reminder by index. Omitted fields keep their current values.",
			params),
		Handler: func(ctx context.Context, sess Session, args json.RawMessage) (string, error) {
			var in struct {
				Index int `json:"index"`
				reminderArgs
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", callerr.Invalid("updated_reminder: %v", err)
			}
			c := sess.Call()
			if in.Index < 0 || in.Index >= len(c.Reminders) {
				return "", callerr.Invalid("reminder index %d out of range (have %d)", in.Index, len(c.Reminders))
			}
			r := c.Reminders[in.Index]
			if in.Title != "" {
				r.Title = in.Title
			}
			if in.Description != "" {
				r.Description = in.Description
			}
			if in.Owner != "" {
				r.Owner = call.Persona(in.Owner)
			}
			if in.DueAt != "" {
				due, err := time.Parse(time.RFC3339, in.DueAt)
				if err != nil {
					return "", callerr.Invalid("due_at %q is not an RFC 3339 timestamp", in.DueAt)
				}
				r.DueAt = due
			}
			if err := c.UpdateReminder(in.Index, r); err != nil {
				return "", err
			}
			if err := sess.SaveCall(ctx); err != nil {
				return "", err
			}
			return ackResult(map[string]any{"status": "updated", "index": in.Index}), nil
		},
	}
}

func searchDocumentsSpec(deps BuiltinDeps) Spec {
	topK := deps.SearchTopK
	if topK <= 0 {
		topK = 5
	}
	return Spec{
		Definition: toolDef("search_documents",
			"Search the knowledge base for policy and procedure details. Results are injected into your context; answer from them rather than quoting verbatim.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Natural-language search query."},
				},
				"required":             []any{"query"},
				"additionalProperties": false,
			}),
		Handler: func(ctx context.Context, sess Session, args json.RawMessage) (string, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", callerr.Invalid("search_documents: %v", err)
			}
			snippets, err := deps.Search.Search(ctx, in.Query, topK)
			if err != nil {
				return "", callerr.Transient("search_documents", err)
			}
			sess.AddSearchResults(snippets)
			return ackResult(map[string]any{"status": "ok", "results": len(snippets)}), nil
		},
	}
}

func sendSMSSpec() Spec {
	return Spec{
		Serial: true, // appends the sent message to the call log
		Definition: toolDef("send_sms",
			"Send a text message to the caller's phone number. Use for links, reference numbers, and written confirmations.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "Message body."},
				},
				"required":             []any{"text"},
				"additionalProperties": false,
			}),
		Handler: func(ctx context.Context, sess Session, args json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", callerr.Invalid("send_sms: %v", err)
			}
			if strings.TrimSpace(in.Text) == "" {
				return "", callerr.Invalid("send_sms: text must not be empty")
			}
			if err := sess.SendSMS(ctx, in.Text); err != nil {
				return "", callerr.Transient("send_sms", err)
			}
			return ackResult(map[string]string{"status": "queued"}), nil
		},
	}
}

func toolDef(name, description string, params map[string]any) types.ToolDefinition {
	return types.ToolDefinition{Name: name, Description: description, Parameters: params}
}

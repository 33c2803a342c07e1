package llmdriver

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/parley/pkg/types"
)

func TestRepairJSON(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  string
		ok    bool
	}{
		{"already valid", `{"field":"policy_number"}`, `{"field":"policy_number"}`, true},
		{"trailing comma in object", `{ "field": "policy_number", "value": "ABC123",}`, `{ "field": "policy_number", "value": "ABC123"}`, true},
		{"trailing comma in array", `{"xs":[1,2,3,]}`, `{"xs":[1,2,3]}`, true},
		{"dangling comma at end", `{"a":1},`, `{"a":1}`, true},
		{"truncated closing brace", `{"field":"x","value":"y"`, `{"field":"x","value":"y"}`, true},
		{"truncated nested", `{"a":{"b":[1,2`, `{"a":{"b":[1,2]}}`, true},
		{"unterminated string", `{"field":"poli`, `{"field":"poli"}`, true},
		{"comma in string preserved", `{"note":"a, b,"}`, `{"note":"a, b,"}`, true},
		{"brace in string preserved", `{"note":"{x"`, `{"note":"{x"}`, true},
		{"empty", ``, ``, false},
		{"hopeless", `not json at all {{{`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RepairJSON(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (got %q)", ok, tt.ok, got)
			}
			if !tt.ok {
				return
			}
			if got != tt.want {
				t.Errorf("RepairJSON = %q, want %q", got, tt.want)
			}
			if !json.Valid([]byte(got)) {
				t.Errorf("result %q is not valid JSON", got)
			}
		})
	}
}

func TestRepairToolCalls(t *testing.T) {
	calls := []types.ToolCall{
		{ID: "1", Name: "update_claim", Arguments: `{"field":"policy_number","value":"ABC123",}`},
		{ID: "2", Name: "end_call", Arguments: ``},
		{ID: "3", Name: "update_claim", Arguments: `???`},
		{ID: "4", Name: "", Arguments: `{}`},
	}
	valid, invalid := repairToolCalls(calls)

	if len(valid) != 2 {
		t.Fatalf("len(valid) = %d, want 2", len(valid))
	}
	if valid[0].Arguments != `{"field":"policy_number","value":"ABC123"}` {
		t.Errorf("repaired args = %q", valid[0].Arguments)
	}
	if valid[1].Arguments != "{}" {
		t.Errorf("empty args normalized to %q, want {}", valid[1].Arguments)
	}
	if len(invalid) != 2 {
		t.Fatalf("len(invalid) = %d, want 2", len(invalid))
	}
	for _, tc := range invalid {
		if tc.ID != "3" && tc.ID != "4" {
			t.Errorf("unexpected invalid call %q", tc.ID)
		}
	}
}

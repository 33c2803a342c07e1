package llmdriver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/types"
)

var fastBackoff = resilience.Backoff{Base: time.Millisecond, Max: time.Millisecond}

func collectEvents(t *testing.T, ch <-chan Event) (text string, final Event) {
	t.Helper()
	for e := range ch {
		text += e.Text
		if e.Done {
			final = e
		}
	}
	if !final.Done {
		t.Fatal("stream ended without a Done event")
	}
	return text, final
}

func TestStream_HappyPath(t *testing.T) {
	fast := llmmock.New(llmmock.Turn{Chunks: []llm.Chunk{
		{Text: "Bonjour. "},
		{Text: "Comment puis-je vous aider ?", FinishReason: "stop"},
	}})
	d := New(fast, llmmock.New(), WithBackoff(fastBackoff))

	text, final := collectEvents(t, d.Stream(context.Background(), TierFast, llm.CompletionRequest{}))
	if text != "Bonjour. Comment puis-je vous aider ?" {
		t.Errorf("text = %q", text)
	}
	if final.Err != nil {
		t.Errorf("final.Err = %v", final.Err)
	}
}

func TestStream_RetriesStartErrors(t *testing.T) {
	fast := llmmock.New(
		llmmock.Turn{StartErr: errors.New("rate limited")},
		llmmock.Turn{StartErr: errors.New("rate limited")},
		llmmock.Turn{Chunks: []llm.Chunk{{Text: "ok", FinishReason: "stop"}}},
	)
	d := New(fast, llmmock.New(), WithBackoff(fastBackoff))

	text, final := collectEvents(t, d.Stream(context.Background(), TierFast, llm.CompletionRequest{}))
	if text != "ok" || final.Err != nil {
		t.Errorf("text = %q, err = %v", text, final.Err)
	}
	if fast.CallCount() != 3 {
		t.Errorf("fast attempts = %d, want 3", fast.CallCount())
	}
}

func TestStream_EmptyResponseRetries(t *testing.T) {
	fast := llmmock.New(
		llmmock.Turn{Chunks: []llm.Chunk{{FinishReason: "stop"}}}, // empty
		llmmock.Turn{Chunks: []llm.Chunk{{Text: "second try", FinishReason: "stop"}}},
	)
	d := New(fast, llmmock.New(), WithBackoff(fastBackoff))

	text, final := collectEvents(t, d.Stream(context.Background(), TierFast, llm.CompletionRequest{}))
	if text != "second try" || final.Err != nil {
		t.Errorf("text = %q, err = %v", text, final.Err)
	}
}

func TestStream_FallsBackToOtherTier(t *testing.T) {
	fast := llmmock.New(llmmock.Turn{StartErr: errors.New("down")})
	slow := llmmock.New(llmmock.Turn{Chunks: []llm.Chunk{{Text: "slow answer", FinishReason: "stop"}}})
	d := New(fast, slow, WithRetryMax(2), WithBackoff(fastBackoff))

	text, final := collectEvents(t, d.Stream(context.Background(), TierFast, llm.CompletionRequest{}))
	if text != "slow answer" || final.Err != nil {
		t.Errorf("text = %q, err = %v", text, final.Err)
	}
	if fast.CallCount() != 2 {
		t.Errorf("fast attempts = %d, want retryMax 2", fast.CallCount())
	}
	if slow.CallCount() != 1 {
		t.Errorf("slow attempts = %d, want 1", slow.CallCount())
	}
}

func TestStream_BothTiersDown(t *testing.T) {
	fast := llmmock.New(llmmock.Turn{StartErr: errors.New("down")})
	slow := llmmock.New(llmmock.Turn{StartErr: errors.New("also down")})
	d := New(fast, slow, WithRetryMax(1), WithBackoff(fastBackoff))

	_, final := collectEvents(t, d.Stream(context.Background(), TierFast, llm.CompletionRequest{}))
	if final.Err == nil {
		t.Fatal("expected terminal error when both tiers fail")
	}
}

func TestStream_ToolCallRepair(t *testing.T) {
	fast := llmmock.New(llmmock.Turn{Chunks: []llm.Chunk{
		{Text: "Let me store that."},
		{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{{
			ID:   "tc1",
			Name: "update_claim",
			// Trailing comma — seed scenario 4.
			Arguments: `{ "field": "policy_number", "value": "ABC123",}`,
		}}},
	}})
	d := New(fast, llmmock.New(), WithBackoff(fastBackoff))

	_, final := collectEvents(t, d.Stream(context.Background(), TierFast, llm.CompletionRequest{}))
	if final.Err != nil {
		t.Fatalf("final.Err = %v", final.Err)
	}
	if len(final.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(final.ToolCalls))
	}
	if got := final.ToolCalls[0].Arguments; got != `{ "field": "policy_number", "value": "ABC123"}` {
		t.Errorf("repaired args = %q", got)
	}
	if fast.CallCount() != 1 {
		t.Errorf("attempts = %d, want 1 (repair must not retry the turn)", fast.CallCount())
	}
}

func TestStream_UnrepairableToolCallSurfaced(t *testing.T) {
	fast := llmmock.New(llmmock.Turn{Chunks: []llm.Chunk{
		{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{{
			ID: "tc1", Name: "update_claim", Arguments: `{{{nope`,
		}}},
	}})
	d := New(fast, llmmock.New(), WithBackoff(fastBackoff))

	_, final := collectEvents(t, d.Stream(context.Background(), TierFast, llm.CompletionRequest{}))
	if len(final.InvalidToolCalls) != 1 {
		t.Fatalf("invalid tool calls = %d, want 1", len(final.InvalidToolCalls))
	}
	if len(final.ToolCalls) != 0 {
		t.Errorf("valid tool calls = %d, want 0", len(final.ToolCalls))
	}
}

func TestStream_MidStreamErrorAfterTextIsTerminal(t *testing.T) {
	fast := llmmock.New(llmmock.Turn{Chunks: []llm.Chunk{
		{Text: "partial answer "},
		{FinishReason: "error", Text: "connection reset"},
	}})
	d := New(fast, llmmock.New(), WithBackoff(fastBackoff))

	text, final := collectEvents(t, d.Stream(context.Background(), TierFast, llm.CompletionRequest{}))
	if text != "partial answer " {
		t.Errorf("text = %q", text)
	}
	if final.Err == nil {
		t.Fatal("expected terminal error after mid-stream failure")
	}
	if fast.CallCount() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry after text reached the caller)", fast.CallCount())
	}
}

func TestStream_CancellationStopsPromptly(t *testing.T) {
	fast := llmmock.New(llmmock.Turn{
		ChunkDelay: 50 * time.Millisecond,
		Chunks: []llm.Chunk{
			{Text: "a"}, {Text: "b"}, {Text: "c"}, {Text: "d", FinishReason: "stop"},
		},
	})
	d := New(fast, llmmock.New(), WithBackoff(fastBackoff))

	ctx, cancel := context.WithCancel(context.Background())
	ch := d.Stream(ctx, TierFast, llm.CompletionRequest{})

	// Read one delta then cancel.
	<-ch
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // stream closed promptly
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

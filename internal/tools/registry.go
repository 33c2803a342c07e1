// Package tools implements the LLM-callable tool registry: schema-validated
// declarations, a dispatch surface with a structured result contract, and
// the built-in tool set the conversation loop requires.
//
// Tool invocations within one assistant turn may run concurrently when
// independent; tools that mutate Call state are declared Serial and execute
// one at a time in dispatch order. The orchestrator completes every tool
// call of a turn before starting the next LLM completion.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/internal/callerr"
	"github.com/MrWong99/parley/pkg/provider/search"
	"github.com/MrWong99/parley/pkg/types"
)

// Session is the per-call surface tool handlers operate on. It is
// implemented by the orchestrator; handlers never see stores or transports
// directly.
//
// The Call returned by Call is owned by the orchestrator goroutine. Serial
// tools are the only handlers allowed to mutate it, and the registry
// guarantees they never run concurrently with each other.
type Session interface {
	// Call returns the working copy of the conversation.
	Call() *call.Call

	// SaveCall persists the working copy, applying the conflict
	// reload-and-reapply discipline.
	SaveCall(ctx context.Context) error

	// FinishCall requests that the current call be finalized and a fresh one
	// started for the same caller (the new_claim tool). The switchover is
	// applied by the orchestrator after the current dispatch round, so the
	// round's tool results still land on the call that carried their calls.
	FinishCall(ctx context.Context) error

	// RequestHangup asks the orchestrator to end the call after the current
	// speech flushes.
	RequestHangup()

	// RequestTransfer asks the orchestrator to transfer the caller to the
	// configured agent number after the current speech flushes.
	RequestTransfer()

	// SendSMS enqueues an outbound text to the caller's number.
	SendSMS(ctx context.Context, body string) error

	// QueueCue schedules a brief spoken acknowledgment to be woven into the
	// current reply (e.g. after a claim update).
	QueueCue(text string)

	// AddSearchResults stages retrieved snippets for injection into the next
	// prompt assembly.
	AddSearchResults(snippets []search.Snippet)
}

// Result is the structured outcome of one tool invocation. Either Content
// or Error is surfaced to the LLM as the tool message body.
type Result struct {
	// ID is the provider-assigned tool-call ID this result answers.
	ID string

	// Name is the invoked tool.
	Name string

	// Content is the JSON-encoded success payload.
	Content string

	// Err is the failure, when the invocation did not succeed. Invalid
	// arguments and handler failures both land here; the orchestrator
	// serializes it into the tool message's error field so the model can
	// react.
	Err error
}

// Handler executes a tool. args is the validated argument JSON.
type Handler func(ctx context.Context, sess Session, args json.RawMessage) (string, error)

// Spec declares one registered tool.
type Spec struct {
	// Definition is the LLM-facing schema: name, description, and JSON
	// Schema parameter specification.
	Definition types.ToolDefinition

	// Serial marks tools that mutate Call state. Serial tools execute one
	// at a time; independent tools run concurrently.
	Serial bool

	// Handler executes the tool.
	Handler Handler
}

// Registry holds the declared tools and their compiled argument schemas.
//
// All methods are safe for concurrent use after construction.
type Registry struct {
	mu      sync.RWMutex
	specs   map[string]*registered
	serial  sync.Mutex // serializes Serial tool execution across a dispatch
}

type registered struct {
	spec   Spec
	schema *jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*registered)}
}

// Register compiles the tool's parameter schema and adds it. Returns
// an error on duplicate names or an uncompilable schema.
func (r *Registry) Register(spec Spec) error {
	if spec.Definition.Name == "" {
		return fmt.Errorf("tools: register: name must not be empty")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tools: register %q: handler must not be nil", spec.Definition.Name)
	}

	compiled, err := compileSchema(spec.Definition.Name, spec.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("tools: register %q: %w", spec.Definition.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[spec.Definition.Name]; dup {
		return fmt.Errorf("tools: register %q: already registered", spec.Definition.Name)
	}
	r.specs[spec.Definition.Name] = &registered{spec: spec, schema: compiled}
	return nil
}

// MustRegister registers every spec and panics on error. Registration runs
// at construction time with static specs, so a failure is a programming
// error.
func (r *Registry) MustRegister(specs ...Spec) {
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Definitions returns the serializable tool list offered to the LLM,
// ordered by name for prompt stability.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.specs))
	for _, reg := range r.specs {
		out = append(out, reg.spec.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates the call's arguments against the tool's schema and runs
// its handler. Unknown tools and schema violations produce a Result with a
// wrapped Invalid error and no handler execution.
func (r *Registry) Invoke(ctx context.Context, sess Session, tc types.ToolCall) Result {
	res := Result{ID: tc.ID, Name: tc.Name}

	r.mu.RLock()
	reg, ok := r.specs[tc.Name]
	r.mu.RUnlock()
	if !ok {
		res.Err = callerr.Invalid("unknown tool %q", tc.Name)
		return res
	}

	args := tc.Arguments
	if args == "" {
		args = "{}"
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(args)))
	if err != nil {
		res.Err = callerr.Invalid("tool %q: arguments are not valid JSON: %v", tc.Name, err)
		return res
	}
	if err := reg.schema.Validate(decoded); err != nil {
		res.Err = callerr.Invalid("tool %q: %v", tc.Name, err)
		return res
	}

	if reg.spec.Serial {
		r.serial.Lock()
		defer r.serial.Unlock()
	}

	content, err := reg.spec.Handler(ctx, sess, json.RawMessage(args))
	if err != nil {
		res.Err = err
		return res
	}
	res.Content = content
	return res
}

// DispatchAll runs every tool call of one assistant turn. Independent tools
// run concurrently; Serial tools run one at a time in the order of calls.
// Results are returned in the order of calls regardless of completion order.
func (r *Registry) DispatchAll(ctx context.Context, sess Session, calls []types.ToolCall) []Result {
	results := make([]Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	var serial []int
	for i, tc := range calls {
		r.mu.RLock()
		reg, ok := r.specs[tc.Name]
		r.mu.RUnlock()
		if ok && reg.spec.Serial {
			serial = append(serial, i)
			continue
		}
		g.Go(func() error {
			results[i] = r.Invoke(gctx, sess, tc)
			return nil
		})
	}
	g.Go(func() error {
		for _, i := range serial {
			results[i] = r.Invoke(gctx, sess, calls[i])
		}
		return nil
	})
	_ = g.Wait() // invocation failures live in the results, not here
	return results
}

// compileSchema turns a Parameters map into a compiled JSON Schema. A nil
// map compiles to the empty-object schema.
func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

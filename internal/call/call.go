// Package call defines the Call entity — the root record of one telephone
// conversation — together with its message log, claim, reminders, and the
// validation rules that keep them coherent.
//
// A Call is mutated only by the worker holding its lease; the orchestrator
// goroutine is the single writer. Everything here is therefore plain data
// with no internal locking.
package call

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/callerr"
)

// Action classifies a message in the call log.
type Action string

const (
	ActionCall     Action = "call"
	ActionHangup   Action = "hangup"
	ActionTalk     Action = "talk"
	ActionSMS      Action = "sms"
	ActionTransfer Action = "transfer"
	ActionNote     Action = "note"
)

// Persona identifies who produced a message.
type Persona string

const (
	PersonaHuman     Persona = "human"
	PersonaAssistant Persona = "assistant"
	PersonaTool      Persona = "tool"
	PersonaSystem    Persona = "system"
)

// NextAction is the disposition decided at call end.
type NextAction string

const (
	NextCaseClosed    NextAction = "case_closed"
	NextCaseEscalated NextAction = "case_escalated"
	NextCallBack      NextAction = "call_back"
	NextSilence       NextAction = "silence"
)

// Satisfaction grades the caller's perceived satisfaction in the post-call
// synthesis.
type Satisfaction string

const (
	SatisfactionLow     Satisfaction = "low"
	SatisfactionMedium  Satisfaction = "medium"
	SatisfactionHigh    Satisfaction = "high"
	SatisfactionUnknown Satisfaction = "unknown"
)

// FieldType enumerates the value types a claim field may declare.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldEmail       FieldType = "email"
	FieldDatetime    FieldType = "datetime"
	FieldPhoneNumber FieldType = "phone_number"
)

// IsValid reports whether t is a recognized field type.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldText, FieldEmail, FieldDatetime, FieldPhoneNumber:
		return true
	}
	return false
}

// ClaimField is one schema element of the per-call claim.
type ClaimField struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
}

// ToolCall is a structured request emitted by the LLM within an assistant
// message. A subsequent tool message with the same ID carries the result.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Message is a single entry in the call log. The log is append-only for any
// persona other than assistant; the trailing assistant message may be
// rewritten until its turn is committed.
type Message struct {
	CreatedAt time.Time   `json:"created_at"`
	Action    Action      `json:"action"`
	Persona   Persona     `json:"persona"`
	Content   string      `json:"content"`
	Style     StyleString `json:"style,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`

	// Filtered is set when content safety dropped one or more sentences of
	// this message before synthesis.
	Filtered bool `json:"filtered,omitempty"`
}

// StyleString mirrors types.Style without importing pkg/types into the
// persisted document (the store schema must not drift with wire types).
type StyleString string

// Reminder is a scheduled follow-up item attached to the call.
type Reminder struct {
	CreatedAt   time.Time `json:"created_at"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	DueAt       time.Time `json:"due_at"`
	Owner       Persona   `json:"owner"`
}

// Next is the disposition block set exactly once at call termination.
type Next struct {
	Action        NextAction `json:"action"`
	Justification string     `json:"justification"`
}

// Synthesis is the post-call summary block set exactly once by the
// background dispatcher's post_call job.
type Synthesis struct {
	Short                  string       `json:"short"`
	Long                   string       `json:"long"`
	Satisfaction           Satisfaction `json:"satisfaction"`
	ImprovementSuggestions string       `json:"improvement_suggestions,omitempty"`
}

// Initiate is the immutable initialization block captured when the call is
// created. The store partitions on CallerPhoneNumber.
type Initiate struct {
	BotName            string            `json:"bot_name"`
	BotCompany         string            `json:"bot_company"`
	AgentPhoneNumber   string            `json:"agent_phone_number"`
	CallerPhoneNumber  string            `json:"caller_phone_number"`
	LanguageDefault    string            `json:"language_default"`
	LanguagesAvailable []string          `json:"languages_available"`
	TaskDescription    string            `json:"task_description"`
	ClaimSchema        []ClaimField      `json:"claim_schema"`
	PromptsOverrides   map[string]string `json:"prompts_overrides,omitempty"`
}

// Call is the root entity of one conversation.
type Call struct {
	ID        string    `json:"call_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version increases by one on every successful save and drives
	// optimistic concurrency in the store.
	Version int64 `json:"version"`

	Initiate  Initiate          `json:"initiate"`
	Messages  []Message         `json:"messages"`
	Claim     map[string]string `json:"claim"`
	Reminders []Reminder        `json:"reminders"`
	Next      *Next             `json:"next,omitempty"`
	Synthesis *Synthesis        `json:"synthesis,omitempty"`

	// LangCurrent is the active language short code. Must be one of
	// Initiate.LanguagesAvailable.
	LangCurrent string `json:"lang_current_short_code"`

	// InProgress is true while a worker holds the call.
	InProgress bool `json:"in_progress"`

	RecordingURI string `json:"recording_uri,omitempty"`

	// ProcessedFingerprints records queue-event fingerprints already applied
	// to this call, so redelivered events are ignored.
	ProcessedFingerprints []string `json:"processed_fingerprints,omitempty"`
}

// New creates a Call for the given initiate block with a fresh ID and the
// default language selected.
func New(init Initiate, now time.Time) (*Call, error) {
	if err := ValidateInitiate(init); err != nil {
		return nil, err
	}
	return &Call{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Initiate:    init,
		Claim:       map[string]string{},
		LangCurrent: init.LanguageDefault,
	}, nil
}

// ValidateInitiate checks the immutable initialization block.
func ValidateInitiate(init Initiate) error {
	if init.CallerPhoneNumber == "" {
		return callerr.Invalid("initiate: caller_phone_number is required")
	}
	if !phoneRe.MatchString(init.CallerPhoneNumber) {
		return callerr.Invalid("initiate: caller_phone_number %q is not E.164", init.CallerPhoneNumber)
	}
	if init.LanguageDefault == "" {
		return callerr.Invalid("initiate: language_default is required")
	}
	if len(init.LanguagesAvailable) == 0 {
		return callerr.Invalid("initiate: languages_available must not be empty")
	}
	found := false
	for _, l := range init.LanguagesAvailable {
		if l == init.LanguageDefault {
			found = true
			break
		}
	}
	if !found {
		return callerr.Invalid("initiate: language_default %q not in languages_available", init.LanguageDefault)
	}
	seen := make(map[string]struct{}, len(init.ClaimSchema))
	for i, f := range init.ClaimSchema {
		if f.Name == "" {
			return callerr.Invalid("initiate: claim_schema[%d].name is required", i)
		}
		if !f.Type.IsValid() {
			return callerr.Invalid("initiate: claim_schema[%d].type %q is invalid", i, f.Type)
		}
		if _, dup := seen[f.Name]; dup {
			return callerr.Invalid("initiate: claim_schema field %q is duplicated", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// SchemaField returns the claim schema entry named name, or false.
func (c *Call) SchemaField(name string) (ClaimField, bool) {
	for _, f := range c.Initiate.ClaimSchema {
		if f.Name == name {
			return f, true
		}
	}
	return ClaimField{}, false
}

// SetClaim validates value against the declared field type and stores it.
// Unknown fields and type violations return an invalid error without
// mutating the claim.
func (c *Call) SetClaim(field, value string) error {
	f, ok := c.SchemaField(field)
	if !ok {
		return callerr.Invalid("claim field %q is not declared in the schema", field)
	}
	if err := ValidateFieldValue(f.Type, value); err != nil {
		return err
	}
	if c.Claim == nil {
		c.Claim = map[string]string{}
	}
	c.Claim[field] = value
	return nil
}

// SetLanguage switches the active language. The code must be one of the
// languages declared available at initiation.
func (c *Call) SetLanguage(code string) error {
	for _, l := range c.Initiate.LanguagesAvailable {
		if l == code {
			c.LangCurrent = code
			return nil
		}
	}
	return callerr.Invalid("language %q is not available for this call", code)
}

// AppendMessage appends a message to the log. The trailing assistant message
// may instead be amended through [Call.AmendAssistant] while it is being
// composed.
func (c *Call) AppendMessage(m Message) {
	c.Messages = append(c.Messages, m)
}

// AmendAssistant rewrites the trailing message if it is from the assistant,
// or appends a new assistant message otherwise. This is the only permitted
// in-place edit of the log.
func (c *Call) AmendAssistant(m Message) {
	m.Persona = PersonaAssistant
	if n := len(c.Messages); n > 0 && c.Messages[n-1].Persona == PersonaAssistant {
		c.Messages[n-1] = m
		return
	}
	c.Messages = append(c.Messages, m)
}

// AddReminder validates and appends a reminder.
func (c *Call) AddReminder(r Reminder) error {
	if err := validateReminder(r); err != nil {
		return err
	}
	c.Reminders = append(c.Reminders, r)
	return nil
}

// UpdateReminder replaces the reminder at index after validation.
func (c *Call) UpdateReminder(index int, r Reminder) error {
	if index < 0 || index >= len(c.Reminders) {
		return callerr.Invalid("reminder index %d out of range (have %d)", index, len(c.Reminders))
	}
	if err := validateReminder(r); err != nil {
		return err
	}
	c.Reminders[index] = r
	return nil
}

// Terminate sets the disposition block. It may be set exactly once.
func (c *Call) Terminate(n Next) error {
	if c.Next != nil {
		return callerr.Invalid("call %s already terminated with %q", c.ID, c.Next.Action)
	}
	c.Next = &n
	c.InProgress = false
	return nil
}

// SetSynthesis records the post-call summary. It may be set exactly once.
func (c *Call) SetSynthesis(s Synthesis) error {
	if c.Synthesis != nil {
		return callerr.Invalid("call %s already has a synthesis", c.ID)
	}
	c.Synthesis = &s
	return nil
}

// SeenFingerprint reports whether the event fingerprint was already applied,
// recording it when new. Fingerprints are kept bounded; the oldest entries
// are shed first.
func (c *Call) SeenFingerprint(fp string) bool {
	for _, f := range c.ProcessedFingerprints {
		if f == fp {
			return true
		}
	}
	const maxFingerprints = 256
	c.ProcessedFingerprints = append(c.ProcessedFingerprints, fp)
	if len(c.ProcessedFingerprints) > maxFingerprints {
		c.ProcessedFingerprints = c.ProcessedFingerprints[len(c.ProcessedFingerprints)-maxFingerprints:]
	}
	return false
}

// Clone returns a deep copy. The store returns clones so concurrent readers
// never alias the orchestrator's working copy.
func (c *Call) Clone() *Call {
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	for i := range cp.Messages {
		cp.Messages[i].ToolCalls = append([]ToolCall(nil), c.Messages[i].ToolCalls...)
	}
	cp.Reminders = append([]Reminder(nil), c.Reminders...)
	cp.ProcessedFingerprints = append([]string(nil), c.ProcessedFingerprints...)
	if c.Claim != nil {
		cp.Claim = make(map[string]string, len(c.Claim))
		for k, v := range c.Claim {
			cp.Claim[k] = v
		}
	}
	cp.Initiate.ClaimSchema = append([]ClaimField(nil), c.Initiate.ClaimSchema...)
	cp.Initiate.LanguagesAvailable = append([]string(nil), c.Initiate.LanguagesAvailable...)
	if c.Initiate.PromptsOverrides != nil {
		cp.Initiate.PromptsOverrides = make(map[string]string, len(c.Initiate.PromptsOverrides))
		for k, v := range c.Initiate.PromptsOverrides {
			cp.Initiate.PromptsOverrides[k] = v
		}
	}
	if c.Next != nil {
		n := *c.Next
		cp.Next = &n
	}
	if c.Synthesis != nil {
		s := *c.Synthesis
		cp.Synthesis = &s
	}
	return &cp
}

var phoneRe = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// ValidateFieldValue checks value against the declared claim field type.
func ValidateFieldValue(t FieldType, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return callerr.Invalid("value must not be empty")
	}
	switch t {
	case FieldText:
		return nil
	case FieldEmail:
		if _, err := mail.ParseAddress(value); err != nil {
			return callerr.Invalid("%q is not a valid email address", value)
		}
		return nil
	case FieldDatetime:
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return callerr.Invalid("%q is not an RFC 3339 timestamp", value)
		}
		return nil
	case FieldPhoneNumber:
		if !phoneRe.MatchString(value) {
			return callerr.Invalid("%q is not an E.164 phone number", value)
		}
		return nil
	default:
		return callerr.Invalid("unknown field type %q", t)
	}
}

func validateReminder(r Reminder) error {
	if strings.TrimSpace(r.Title) == "" {
		return callerr.Invalid("reminder title must not be empty")
	}
	if r.DueAt.IsZero() {
		return callerr.Invalid("reminder due_at must be set")
	}
	if r.Owner != PersonaAssistant && r.Owner != PersonaHuman {
		return callerr.Invalid("reminder owner must be assistant or human, got %q", r.Owner)
	}
	return nil
}

// Fingerprint builds the idempotency key for a queue event applied to a call.
func Fingerprint(callID, eventID string) string {
	return fmt.Sprintf("%s:%s", callID, eventID)
}

package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleTool      Role = "tool"
)

// ContentKind discriminates the payload carried by a ContentPart.
type ContentKind string

const (
	ContentText        ContentKind = "text"
	ContentImage       ContentKind = "image"
	ContentAudio       ContentKind = "audio"
	ContentDocument    ContentKind = "document"
	ContentToolCall    ContentKind = "tool_call"
	ContentToolResult  ContentKind = "tool_result"
	ContentThinking    ContentKind = "thinking"
	ContentRedThinking ContentKind = "redacted_thinking"
)

// ImageData carries an inline or remote image attachment.
type ImageData struct {
	URL       string
	Data      []byte
	MediaType string
}

// AudioData carries an inline or remote audio attachment.
type AudioData struct {
	URL       string
	Data      []byte
	MediaType string
}

// DocumentData carries an inline or remote document attachment.
type DocumentData struct {
	URL       string
	Data      []byte
	MediaType string
	Name      string
}

// ThinkingData carries a provider's extended-thinking content, which may be
// redacted (Redacted=true, Text holds opaque provider-signed data rather
// than readable reasoning).
type ThinkingData struct {
	Text      string
	Signature string
	Redacted  bool
}

// ToolCallData is a tool invocation requested by the model, either in
// progress (streaming) or complete.
type ToolCallData struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	Type      string
}

// ToolResultData is the outcome of executing a ToolCallData, sent back to
// the model as a RoleTool message.
type ToolResultData struct {
	ToolCallID string
	Name       string
	Content    any
	IsError    bool
}

// ContentPart is one piece of a Message's content, discriminated by Kind.
// Exactly the field matching Kind is populated.
type ContentPart struct {
	Kind ContentKind

	Text string

	Image    *ImageData
	Audio    *AudioData
	Document *DocumentData

	ToolCall   *ToolCallData
	ToolResult *ToolResultData

	Thinking *ThinkingData
}

// Message is one turn in a Request's conversation.
type Message struct {
	Role    Role
	Content []ContentPart
}

// Text concatenates every ContentText part of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		if p.Kind == ContentText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func textMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

// User builds a single-part user text message.
func User(text string) Message { return textMessage(RoleUser, text) }

// Assistant builds a single-part assistant text message.
func Assistant(text string) Message { return textMessage(RoleAssistant, text) }

// System builds a single-part system text message.
func System(text string) Message { return textMessage(RoleSystem, text) }

// Developer builds a single-part developer text message.
func Developer(text string) Message { return textMessage(RoleDeveloper, text) }

// ToolResultNamed builds a single-part RoleTool message carrying the result
// of executing a tool call, the shape a session's history feeds back to
// the model on the next turn.
func ToolResultNamed(toolCallID, name string, content any, isError bool) Message {
	return Message{Role: RoleTool, Content: []ContentPart{{
		Kind:       ContentToolResult,
		ToolResult: &ToolResultData{ToolCallID: toolCallID, Name: name, Content: content, IsError: isError},
	}}}
}

// ValidateToolName rejects tool names a provider's function-calling API
// would reject: empty, or containing characters outside
// [A-Za-z0-9_-].
func ValidateToolName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ConfigurationError{Message: "tool name is required"}
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			continue
		}
		return &ConfigurationError{Message: "tool name " + name + " contains invalid character " + string(r)}
	}
	return nil
}

// ToolDefinition describes a callable tool a model may invoke.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoice constrains which tool (if any) the model must call.
// Mode is one of "auto", "none", "required", "named"; Name is set when
// Mode is "named".
type ToolChoice struct {
	Mode string
	Name string
}

// ResponseFormat constrains the shape of a model's text output.
// Type is one of "text", "json", "json_schema".
type ResponseFormat struct {
	Type       string
	JSONSchema any
	Strict     bool
}

// Usage reports token accounting for a single Complete/Stream call.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	TotalTokens      int
	CacheReadTokens  *int
	CacheWriteTokens *int
	ReasoningTokens  *int
	Raw              map[string]any
}

// FinishReason is the normalized stop reason for a response, alongside the
// provider's raw value.
type FinishReason struct {
	Reason string
	Raw    string
}

// NormalizeFinishReason maps a provider's raw stop-reason string onto the
// small canonical set callers branch on: stop, length, tool_calls,
// content_filter. Unrecognized values pass through unchanged.
func NormalizeFinishReason(provider string, raw string) FinishReason {
	_ = provider
	r := strings.ToLower(strings.TrimSpace(raw))
	switch r {
	case "stop", "end_turn", "stop_sequence", "completed", "":
		return FinishReason{Reason: "stop", Raw: raw}
	case "length", "max_tokens", "max_output_tokens", "incomplete":
		return FinishReason{Reason: "length", Raw: raw}
	case "tool_calls", "tool_use", "function_call":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case "content_filter", "safety":
		return FinishReason{Reason: "content_filter", Raw: raw}
	default:
		return FinishReason{Reason: r, Raw: raw}
	}
}

// Request is a single model call: the conversation plus generation
// controls. Provider is resolved by Client.Complete/Stream when left
// unset (the client's default provider is used).
type Request struct {
	Provider        string
	Model           string
	Messages        []Message
	MaxTokens       *int
	Temperature     *float64
	TopP            *float64
	StopSequences   []string
	Tools           []ToolDefinition
	ToolChoice      *ToolChoice
	ResponseFormat  *ResponseFormat
	ReasoningEffort *string
	Metadata        map[string]string
	ProviderOptions map[string]any
}

// Validate reports whether the request has enough to dispatch: a model and
// at least one message. Provider is not required here since Client fills
// in its default.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "request: model is required"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request: at least one message is required"}
	}
	return nil
}

// Response is a completed model call.
type Response struct {
	Provider string
	Model    string
	Message  Message
	Finish   FinishReason
	Usage    Usage
	ID       string
	Raw      map[string]any
}

// Text returns the response message's concatenated text content.
func (r Response) Text() string { return r.Message.Text() }

// ReasoningText concatenates the text of every non-redacted thinking part
// of the response message.
func (r Response) ReasoningText() string {
	var b strings.Builder
	for _, p := range r.Message.Content {
		if p.Kind == ContentThinking && p.Thinking != nil && !p.Thinking.Redacted {
			b.WriteString(p.Thinking.Text)
		}
	}
	return b.String()
}

// ToolCalls returns every tool-call content part of the response message.
func (r Response) ToolCalls() []ToolCallData {
	var out []ToolCallData
	for _, p := range r.Message.Content {
		if p.Kind == ContentToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

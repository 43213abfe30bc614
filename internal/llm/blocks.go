package llm

import (
	"encoding/json"
	"fmt"
)

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentBlock is one typed block inside a message. The concrete types are
// UserText, AssistantText, ToolCall, ToolResult, Thinking and
// RedactedThinking; nothing outside this package implements it.
type ContentBlock interface {
	blockKind() string
}

// UserText is plain text authored by the user (or synthesized on their behalf).
type UserText struct {
	Text string `json:"text"`
}

// AssistantText is plain text produced by the model.
type AssistantText struct {
	Text string `json:"text"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult answers a ToolCall. It always appears at the start of the
// user message that follows the call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Thinking is opaque model reasoning. Preserved verbatim through
// persistence and compaction; the signature is required to resume.
type Thinking struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// RedactedThinking is provider-encrypted reasoning.
type RedactedThinking struct {
	Data string `json:"data"`
}

func (UserText) blockKind() string         { return "user_text" }
func (AssistantText) blockKind() string    { return "assistant_text" }
func (ToolCall) blockKind() string         { return "tool_call" }
func (ToolResult) blockKind() string       { return "tool_result" }
func (Thinking) blockKind() string         { return "thinking" }
func (RedactedThinking) blockKind() string { return "redacted_thinking" }

// Message is one conversation turn.
type Message struct {
	Role   Role           `json:"role"`
	Blocks []ContentBlock `json:"blocks"`
}

// blockEnvelope wraps a block with its kind tag for JSON round-trips.
type blockEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes each block with a kind discriminator so persisted
// state reloads into the same concrete types.
func (m Message) MarshalJSON() ([]byte, error) {
	envs := make([]blockEnvelope, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		envs = append(envs, blockEnvelope{Kind: b.blockKind(), Data: data})
	}
	return json.Marshal(struct {
		Role   Role            `json:"role"`
		Blocks []blockEnvelope `json:"blocks"`
	}{m.Role, envs})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role   Role            `json:"role"`
		Blocks []blockEnvelope `json:"blocks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Blocks = make([]ContentBlock, 0, len(raw.Blocks))
	for _, env := range raw.Blocks {
		b, err := decodeBlock(env)
		if err != nil {
			return err
		}
		m.Blocks = append(m.Blocks, b)
	}
	return nil
}

func decodeBlock(env blockEnvelope) (ContentBlock, error) {
	switch env.Kind {
	case "user_text":
		var b UserText
		return b, json.Unmarshal(env.Data, &b)
	case "assistant_text":
		var b AssistantText
		return b, json.Unmarshal(env.Data, &b)
	case "tool_call":
		var b ToolCall
		return b, json.Unmarshal(env.Data, &b)
	case "tool_result":
		var b ToolResult
		return b, json.Unmarshal(env.Data, &b)
	case "thinking":
		var b Thinking
		return b, json.Unmarshal(env.Data, &b)
	case "redacted_thinking":
		var b RedactedThinking
		return b, json.Unmarshal(env.Data, &b)
	}
	return nil, fmt.Errorf("unknown block kind %q", env.Kind)
}

// UserMessage builds a user message from a single text block.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Blocks: []ContentBlock{UserText{Text: text}}}
}

// AssistantMessage builds an assistant message from a single text block.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Blocks: []ContentBlock{AssistantText{Text: text}}}
}

// ToolCalls returns the tool call blocks of a message.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Blocks {
		if tc, ok := b.(ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// ToolResults returns the tool result blocks of a message.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, b := range m.Blocks {
		if tr, ok := b.(ToolResult); ok {
			results = append(results, tr)
		}
	}
	return results
}

// Text concatenates the plain text blocks of a message.
func (m Message) Text() string {
	var s string
	for _, b := range m.Blocks {
		switch t := b.(type) {
		case UserText:
			s += t.Text
		case AssistantText:
			s += t.Text
		}
	}
	return s
}

// CharLen returns the approximate serialized size of the message, used for
// token estimation.
func (m Message) CharLen() int {
	n := 0
	for _, b := range m.Blocks {
		switch t := b.(type) {
		case UserText:
			n += len(t.Text)
		case AssistantText:
			n += len(t.Text)
		case Thinking:
			n += len(t.Text)
		case RedactedThinking:
			n += len(t.Data)
		case ToolResult:
			n += len(t.Content) + len(t.ToolName) + 32
		case ToolCall:
			data, _ := json.Marshal(t.Input)
			n += len(t.Name) + len(data) + 32
		}
	}
	return n
}

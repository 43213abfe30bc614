package llm

import "context"

// Client is the interface all LLM backends implement.
type Client interface {
	// Generate sends the conversation and returns the assistant's blocks.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// Name returns the backend identifier (e.g. "anthropic", "openai").
	Name() string
}

// GenerateRequest is the input for one model call.
type GenerateRequest struct {
	Messages     []Message
	SystemPrompt string
	Tools        []ToolSchema
	Model        string
	MaxTokens    int
	Temperature  float64
}

// GenerateResponse is the assistant reply plus usage accounting.
type GenerateResponse struct {
	Blocks     []ContentBlock
	StopReason string // "stop", "tool_use", "length"
	Usage      Usage
}

// ToolSchema describes one tool exposed to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage tracks token consumption reported by the provider.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

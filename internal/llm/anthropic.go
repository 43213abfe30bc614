package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient implements Client using the Anthropic Messages API via net/http.
type AnthropicClient struct {
	apiKey      string
	baseURL     string
	model       string
	client      *http.Client
	retryConfig RetryConfig
}

// NewAnthropicClient creates an Anthropic-backed client.
func NewAnthropicClient(apiKey string, opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{
		apiKey:      apiKey,
		baseURL:     anthropicAPIBase,
		model:       "claude-sonnet-4-5-20250929",
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type AnthropicOption func(*AnthropicClient)

func WithAnthropicModel(model string) AnthropicOption {
	return func(c *AnthropicClient) {
		if model != "" {
			c.model = model
		}
	}
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(c *AnthropicClient) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithAnthropicRetry(cfg RetryConfig) AnthropicOption {
	return func(c *AnthropicClient) { c.retryConfig = cfg }
}

func (c *AnthropicClient) Name() string { return "anthropic" }

func (c *AnthropicClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	body := c.buildRequestBody(req)

	return RetryDo(ctx, c.retryConfig, func() (*GenerateResponse, error) {
		respBody, err := c.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return parseAnthropicResponse(&resp)
	})
}

func (c *AnthropicClient) buildRequestBody(req GenerateRequest) map[string]any {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   encodeAnthropicMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		body["system"] = []map[string]any{{
			"type": "text",
			"text": req.SystemPrompt,
			"cache_control": map[string]any{
				"type": "ephemeral",
			},
		}}
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema,
			})
		}
		body["tools"] = tools
	}
	return body
}

// encodeAnthropicMessages converts block messages to wire shape. Adjacent
// same-role messages are merged into one wire message; compaction can leave
// two assistant messages back to back and the API rejects that.
func encodeAnthropicMessages(messages []Message) []map[string]any {
	var out []map[string]any

	for _, msg := range messages {
		blocks := encodeAnthropicBlocks(msg.Blocks)
		if len(blocks) == 0 {
			continue
		}
		role := string(msg.Role)
		if n := len(out); n > 0 && out[n-1]["role"] == role {
			prev := out[n-1]["content"].([]map[string]any)
			out[n-1]["content"] = append(prev, blocks...)
			continue
		}
		out = append(out, map[string]any{"role": role, "content": blocks})
	}
	return out
}

func encodeAnthropicBlocks(blocks []ContentBlock) []map[string]any {
	var out []map[string]any
	for _, b := range blocks {
		switch t := b.(type) {
		case UserText:
			out = append(out, map[string]any{"type": "text", "text": t.Text})
		case AssistantText:
			out = append(out, map[string]any{"type": "text", "text": t.Text})
		case ToolCall:
			input := t.Input
			if input == nil {
				input = map[string]any{}
			}
			out = append(out, map[string]any{
				"type":  "tool_use",
				"id":    t.ID,
				"name":  t.Name,
				"input": input,
			})
		case ToolResult:
			out = append(out, map[string]any{
				"type":        "tool_result",
				"tool_use_id": t.ToolCallID,
				"content":     t.Content,
				"is_error":    t.IsError,
			})
		case Thinking:
			out = append(out, map[string]any{
				"type":      "thinking",
				"thinking":  t.Text,
				"signature": t.Signature,
			})
		case RedactedThinking:
			out = append(out, map[string]any{
				"type": "redacted_thinking",
				"data": t.Data,
			})
		}
	}
	return out
}

func (c *AnthropicClient) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func parseAnthropicResponse(resp *anthropicResponse) (*GenerateResponse, error) {
	result := &GenerateResponse{
		Usage: Usage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Blocks = append(result.Blocks, AssistantText{Text: block.Text})
		case "tool_use":
			input := make(map[string]any)
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: tool input for %s: %w", block.Name, err)
				}
			}
			result.Blocks = append(result.Blocks, ToolCall{ID: block.ID, Name: block.Name, Input: input})
		case "thinking":
			result.Blocks = append(result.Blocks, Thinking{Text: block.Thinking, Signature: block.Signature})
		case "redacted_thinking":
			result.Blocks = append(result.Blocks, RedactedThinking{Data: block.Data})
		}
	}

	switch resp.StopReason {
	case "tool_use":
		result.StopReason = "tool_use"
	case "max_tokens":
		result.StopReason = "length"
	default:
		result.StopReason = "stop"
	}
	return result, nil
}

// --- Anthropic API types (internal) ---

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Data      string          `json:"data,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

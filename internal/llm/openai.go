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

const openaiAPIBase = "https://api.openai.com/v1"

// OpenAIClient implements Client against OpenAI-compatible chat completion
// endpoints. Thinking blocks have no wire representation here and are
// folded into assistant text.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	client      *http.Client
	retryConfig RetryConfig
}

// NewOpenAIClient creates an OpenAI-compatible client.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:      apiKey,
		baseURL:     openaiAPIBase,
		model:       "gpt-4o",
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type OpenAIOption func(*OpenAIClient)

func WithOpenAIModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		if model != "" {
			c.model = model
		}
	}
}

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(c *OpenAIClient) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithOpenAIRetry(cfg RetryConfig) OpenAIOption {
	return func(c *OpenAIClient) { c.retryConfig = cfg }
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	body := c.buildRequestBody(req)

	return RetryDo(ctx, c.retryConfig, func() (*GenerateResponse, error) {
		respBody, err := c.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openaiResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("openai: decode response: %w", err)
		}
		return parseOpenAIResponse(&resp)
	})
}

func (c *OpenAIClient) buildRequestBody(req GenerateRequest) map[string]any {
	model := req.Model
	if model == "" {
		model = c.model
	}

	var messages []map[string]any
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		messages = append(messages, encodeOpenAIMessage(msg)...)
	}

	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.InputSchema,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}

// encodeOpenAIMessage flattens one block message into OpenAI wire messages.
// Tool results become role "tool" messages; thinking folds into text.
func encodeOpenAIMessage(msg Message) []map[string]any {
	var out []map[string]any

	if msg.Role == RoleAssistant {
		m := map[string]any{"role": "assistant"}
		var text string
		var toolCalls []map[string]any
		for _, b := range msg.Blocks {
			switch t := b.(type) {
			case AssistantText:
				text += t.Text
			case Thinking:
				text += t.Text
			case ToolCall:
				args, _ := json.Marshal(t.Input)
				toolCalls = append(toolCalls, map[string]any{
					"id":   t.ID,
					"type": "function",
					"function": map[string]any{
						"name":      t.Name,
						"arguments": string(args),
					},
				})
			}
		}
		if text != "" {
			m["content"] = text
		}
		if len(toolCalls) > 0 {
			m["tool_calls"] = toolCalls
		}
		if text != "" || len(toolCalls) > 0 {
			out = append(out, m)
		}
		return out
	}

	var text string
	for _, b := range msg.Blocks {
		switch t := b.(type) {
		case ToolResult:
			content := t.Content
			if t.IsError {
				content = "ERROR: " + content
			}
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": t.ToolCallID,
				"content":      content,
			})
		case UserText:
			text += t.Text
		}
	}
	if text != "" {
		out = append(out, map[string]any{"role": "user", "content": text})
	}
	return out
}

func (c *OpenAIClient) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("openai: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func parseOpenAIResponse(resp *openaiResponse) (*GenerateResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}
	choice := resp.Choices[0]

	result := &GenerateResponse{
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if choice.Message.Content != "" {
		result.Blocks = append(result.Blocks, AssistantText{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := make(map[string]any)
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("openai: tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		result.Blocks = append(result.Blocks, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}

	switch choice.FinishReason {
	case "tool_calls":
		result.StopReason = "tool_use"
	case "length":
		result.StopReason = "length"
	default:
		result.StopReason = "stop"
	}
	return result, nil
}

// --- OpenAI API types (internal) ---

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiMessage struct {
	Content   string           `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

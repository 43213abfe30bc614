package tools

import (
	"context"

	"github.com/lowkeylabs/maestro/pkg/protocol"
)

// MessageUserName is the terminal tool: calling it ends the run.
const MessageUserName = "message_user"

// MessageUserTool delivers the agent's final answer to the user.
type MessageUserTool struct {
	emit Emitter
}

func NewMessageUserTool(emit Emitter) *MessageUserTool {
	return &MessageUserTool{emit: emit}
}

func (t *MessageUserTool) Name() string { return MessageUserName }
func (t *MessageUserTool) Description() string {
	return "Send the final message to the user and end the task. Call this exactly once, when the work is done."
}
func (t *MessageUserTool) ReadOnly() bool { return true }
func (t *MessageUserTool) Terminal() bool { return true }

func (t *MessageUserTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Final message for the user.",
			},
		},
		"required":             []string{"message"},
		"additionalProperties": false,
	}
}

func (t *MessageUserTool) Execute(ctx context.Context, args map[string]any) *Result {
	message, _ := args["message"].(string)
	if t.emit != nil {
		t.emit(protocol.EventAgentMessage, map[string]any{
			"text":  message,
			"final": true,
		})
	}
	return &Result{LLMContent: "Message delivered.", UserDisplay: message}
}

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/lowkeylabs/maestro/pkg/protocol"
)

// TodoWriteName is checked by the context manager: a successful
// todo_write result marks a sub-task boundary in the conversation.
const TodoWriteName = "todo_write"

// TodoItem is one task list entry.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending, in_progress, completed
}

// TodoWriteTool maintains the agent's task list. Its real value is the
// segment boundary it leaves in the history; the list itself is also
// surfaced to the user.
type TodoWriteTool struct {
	emit Emitter

	items []TodoItem
}

func NewTodoWriteTool(emit Emitter) *TodoWriteTool {
	return &TodoWriteTool{emit: emit}
}

func (t *TodoWriteTool) Name() string { return TodoWriteName }
func (t *TodoWriteTool) Description() string {
	return "Replace the task list. Call this when starting a new sub-task or completing one, with the full updated list."
}
func (t *TodoWriteTool) ReadOnly() bool { return true }

func (t *TodoWriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"todos": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{
							"type":        "string",
							"description": "Task description.",
						},
						"status": map[string]any{
							"type": "string",
							"enum": []string{"pending", "in_progress", "completed"},
						},
					},
					"required":             []string{"content", "status"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"todos"},
		"additionalProperties": false,
	}
}

func (t *TodoWriteTool) Execute(ctx context.Context, args map[string]any) *Result {
	raw, _ := args["todos"].([]any)
	items := make([]TodoItem, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		content, _ := m["content"].(string)
		status, _ := m["status"].(string)
		items = append(items, TodoItem{Content: content, Status: status})
	}
	t.items = items

	if t.emit != nil {
		t.emit(protocol.EventSystem, map[string]any{
			"kind":  "todo_update",
			"todos": items,
		})
	}

	var sb strings.Builder
	sb.WriteString("Task list updated:\n")
	for _, it := range items {
		marker := " "
		switch it.Status {
		case "completed":
			marker = "x"
		case "in_progress":
			marker = ">"
		}
		fmt.Fprintf(&sb, "[%s] %s\n", marker, it.Content)
	}
	return UserResult(sb.String())
}

// Items returns the current task list.
func (t *TodoWriteTool) Items() []TodoItem { return t.items }

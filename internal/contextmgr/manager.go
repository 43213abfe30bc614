// Package contextmgr keeps the conversation inside the model's context
// budget. Compaction works in segments bounded by task list updates, so
// finished sub-tasks collapse into short summaries while the work in
// progress stays untouched.
package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lowkeylabs/maestro/internal/llm"
	"github.com/lowkeylabs/maestro/internal/state"
	"github.com/lowkeylabs/maestro/internal/tools"
)

const (
	// subTaskPrefix marks a summary message; segments that already start
	// with it are not summarized again.
	subTaskPrefix = "[Sub Task"

	summaryMaxTokens = 2048

	segmentSummaryPrompt = `You condense finished portions of an agent work log.
Summarize the transcript into a dense paragraph: what was attempted, what
was done, key file paths, commands, decisions, and unresolved problems.
Output only the summary text.`

	fullSummaryPrompt = `You condense an agent conversation so work can continue
in a fresh context. Summarize everything that matters: the user's goal,
what has been done so far, key file paths, commands, decisions, current
task list state, and what remains. Output only the summary text.`
)

// Manager watches the token estimate and compacts when it crosses the
// budget.
type Manager struct {
	client llm.Client
	budget int
	log    *slog.Logger
}

func New(client llm.Client, budget int) *Manager {
	return &Manager{
		client: client,
		budget: budget,
		log:    slog.With("component", "contextmgr"),
	}
}

// Budget returns the configured token budget.
func (m *Manager) Budget() int { return m.budget }

// MaybeCompact compacts finished segments, oldest first, until the
// estimate fits the budget. When no segment can be freed it falls back
// to a full-history summary. Returns the number of compactions applied.
func (m *Manager) MaybeCompact(ctx context.Context, st *state.State) (int, error) {
	if st.TokenEstimate() <= m.budget {
		return 0, nil
	}

	n := 0
	for st.TokenEstimate() > m.budget {
		seg, ok := m.nextSegment(st.Messages())
		if !ok {
			break
		}
		if err := m.compactSegment(ctx, st, seg); err != nil {
			return n, err
		}
		n++
	}

	if st.TokenEstimate() > m.budget {
		if err := m.CompactAll(ctx, st); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// CompactAll replaces the entire history with a stub exchange carrying a
// full summary. This is also the path behind an explicit compact request.
func (m *Manager) CompactAll(ctx context.Context, st *state.State) error {
	messages := st.Messages()
	if len(messages) == 0 {
		return nil
	}

	summary, err := m.summarize(ctx, fullSummaryPrompt, messages)
	if err != nil {
		return fmt.Errorf("full compaction: %w", err)
	}

	replacement := []llm.Message{
		llm.UserMessage("Continue from this summary of the conversation so far."),
		llm.AssistantMessage(summary),
	}
	if err := st.ReplaceRange(0, len(messages), replacement); err != nil {
		return err
	}
	m.log.Info("history compacted", "messages_replaced", len(messages), "estimate", st.TokenEstimate())
	return nil
}

// segment is a half-open message range [start, end) ending just after a
// task list boundary. The todo_write call sits at end-2, its result at
// end-1.
type segment struct {
	start, end int
	number     int
}

// nextSegment finds the oldest segment eligible for compaction. The
// range after the last boundary is the work in progress and is never a
// candidate.
func (m *Manager) nextSegment(messages []llm.Message) (segment, bool) {
	number := 1
	start := 0
	for i, msg := range messages {
		if !isTaskBoundary(msg) {
			continue
		}
		end := i + 1
		switch {
		case isSummarized(messages[start:end]):
			number++
		case containsProtectedDoc(messages[start:end]):
			// Planning documents must survive verbatim; leave the whole
			// segment alone.
		case end-start < 3:
			// Nothing to shrink besides the boundary pair itself.
		default:
			return segment{start: start, end: end, number: number}, true
		}
		start = end
	}
	return segment{}, false
}

// compactSegment replaces a finished segment with a summary message,
// keeping the boundary todo_write call and result so pairing and task
// state survive.
func (m *Manager) compactSegment(ctx context.Context, st *state.State, seg segment) error {
	messages := st.Messages()
	if seg.end > len(messages) {
		return fmt.Errorf("segment [%d:%d) out of range", seg.start, seg.end)
	}
	segMsgs := messages[seg.start:seg.end]

	summary, err := m.summarize(ctx, segmentSummaryPrompt, segMsgs)
	if err != nil {
		return fmt.Errorf("segment compaction: %w", err)
	}

	boundary := segMsgs[len(segMsgs)-1]
	var boundaryCall *llm.ToolCall
	if len(segMsgs) >= 2 {
		for _, c := range segMsgs[len(segMsgs)-2].ToolCalls() {
			if c.Name == tools.TodoWriteName {
				call := c
				boundaryCall = &call
				break
			}
		}
	}

	// The initial user instruction stays verbatim so the model never
	// loses the literal request.
	start := seg.start
	var replacement []llm.Message
	if start == 0 && messages[0].Role == llm.RoleUser {
		start = 1
	}

	assistantBlocks := []llm.ContentBlock{
		llm.AssistantText{Text: fmt.Sprintf("%s %d] %s", subTaskPrefix, seg.number, summary)},
	}
	if boundaryCall != nil {
		assistantBlocks = append(assistantBlocks, *boundaryCall)
	}
	replacement = append(replacement,
		llm.Message{Role: llm.RoleAssistant, Blocks: assistantBlocks},
		boundaryResultMessage(boundary),
	)

	if err := st.ReplaceRange(start, seg.end, replacement); err != nil {
		return err
	}
	m.log.Info("segment compacted",
		"sub_task", seg.number,
		"messages_replaced", seg.end-start,
		"estimate", st.TokenEstimate())
	return nil
}

// boundaryResultMessage keeps only the todo_write results of the
// boundary message; other blocks belonged to the summarized work.
func boundaryResultMessage(boundary llm.Message) llm.Message {
	var blocks []llm.ContentBlock
	for _, r := range boundary.ToolResults() {
		if r.ToolName == tools.TodoWriteName {
			blocks = append(blocks, r)
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, llm.UserText{Text: "Sub task complete."})
	}
	return llm.Message{Role: llm.RoleUser, Blocks: blocks}
}

func (m *Manager) summarize(ctx context.Context, prompt string, messages []llm.Message) (string, error) {
	transcript := renderTranscript(messages)
	resp, err := m.client.Generate(ctx, llm.GenerateRequest{
		SystemPrompt: prompt,
		Messages:     []llm.Message{llm.UserMessage(transcript)},
		MaxTokens:    summaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(messageText(resp.Blocks))
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty text")
	}
	return summary, nil
}

func messageText(blocks []llm.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if t, ok := b.(llm.AssistantText); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

const transcriptResultClip = 2000

// renderTranscript flattens messages into labeled plain text for the
// summarizer. Thinking blocks are omitted; they are either carried
// verbatim or dropped with their segment, never paraphrased.
func renderTranscript(messages []llm.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		for _, b := range msg.Blocks {
			switch t := b.(type) {
			case llm.UserText:
				fmt.Fprintf(&sb, "USER: %s\n", t.Text)
			case llm.AssistantText:
				fmt.Fprintf(&sb, "ASSISTANT: %s\n", t.Text)
			case llm.ToolCall:
				fmt.Fprintf(&sb, "TOOL CALL %s: %v\n", t.Name, t.Input)
			case llm.ToolResult:
				content := t.Content
				if len(content) > transcriptResultClip {
					content = content[:transcriptResultClip] + "..."
				}
				status := ""
				if t.IsError {
					status = " (error)"
				}
				fmt.Fprintf(&sb, "TOOL RESULT %s%s: %s\n", t.ToolName, status, content)
			}
		}
	}
	return sb.String()
}

// isTaskBoundary reports whether a user message carries a successful
// todo_write result.
func isTaskBoundary(msg llm.Message) bool {
	if msg.Role != llm.RoleUser {
		return false
	}
	for _, r := range msg.ToolResults() {
		if r.ToolName == tools.TodoWriteName && !r.IsError {
			return true
		}
	}
	return false
}

// isSummarized reports whether a segment is already a compacted stub.
func isSummarized(segMsgs []llm.Message) bool {
	for _, msg := range segMsgs {
		if msg.Role != llm.RoleAssistant {
			continue
		}
		return strings.HasPrefix(msg.Text(), subTaskPrefix)
	}
	return false
}

var protectedDocMarkers = []string{
	"# requirements", "# design", "# tasks",
	"requirements.md", "design.md", "tasks.md",
}

// containsProtectedDoc reports whether a segment carries planning
// document content that must not be summarized away.
func containsProtectedDoc(segMsgs []llm.Message) bool {
	for _, msg := range segMsgs {
		text := strings.ToLower(msg.Text())
		for _, b := range msg.Blocks {
			if r, ok := b.(llm.ToolResult); ok {
				text += strings.ToLower(r.Content)
			}
		}
		for _, marker := range protectedDocMarkers {
			if strings.Contains(text, marker) {
				return true
			}
		}
	}
	return false
}

package contextmgr

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/lowkeylabs/maestro/internal/llm"
	"github.com/lowkeylabs/maestro/internal/state"
	"github.com/lowkeylabs/maestro/internal/tools"
)

// summaryClient answers every request with a fixed summary and records
// the transcripts it was asked to condense.
type summaryClient struct {
	summary     string
	transcripts []string
}

func (c *summaryClient) Name() string { return "fake" }

func (c *summaryClient) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	if len(req.Messages) > 0 {
		c.transcripts = append(c.transcripts, req.Messages[0].Text())
	}
	return &llm.GenerateResponse{
		Blocks:     []llm.ContentBlock{llm.AssistantText{Text: c.summary}},
		StopReason: "stop",
	}, nil
}

func todoBoundary(callID string) (llm.Message, llm.Message) {
	call := llm.Message{Role: llm.RoleAssistant, Blocks: []llm.ContentBlock{
		llm.ToolCall{ID: callID, Name: tools.TodoWriteName, Input: map[string]any{"todos": []any{}}},
	}}
	result := llm.Message{Role: llm.RoleUser, Blocks: []llm.ContentBlock{
		llm.ToolResult{ToolCallID: callID, ToolName: tools.TodoWriteName, Content: "Task list updated"},
	}}
	return call, result
}

func toolExchange(callID, name, output string) (llm.Message, llm.Message) {
	call := llm.Message{Role: llm.RoleAssistant, Blocks: []llm.ContentBlock{
		llm.ToolCall{ID: callID, Name: name, Input: map[string]any{"command": "work"}},
	}}
	result := llm.Message{Role: llm.RoleUser, Blocks: []llm.ContentBlock{
		llm.ToolResult{ToolCallID: callID, ToolName: name, Content: output},
	}}
	return call, result
}

// twoSegmentState builds: instruction, a bulky first segment ending in a
// todo_write boundary, a second segment, and an in-progress tail.
func twoSegmentState() *state.State {
	st := state.New()
	st.Append(llm.UserMessage("Build the importer"))

	c1, r1 := toolExchange("c1", "bash", strings.Repeat("build output ", 400))
	t1c, t1r := todoBoundary("todo1")
	for _, m := range []llm.Message{c1, r1, t1c, t1r} {
		st.Append(m)
	}

	c2, r2 := toolExchange("c2", "bash", "short output")
	t2c, t2r := todoBoundary("todo2")
	for _, m := range []llm.Message{c2, r2, t2c, t2r} {
		st.Append(m)
	}

	st.Append(llm.AssistantMessage("Starting on the final step."))
	return st
}

func TestMaybeCompactUnderBudgetIsNoop(t *testing.T) {
	client := &summaryClient{summary: "unused"}
	st := state.New()
	st.Append(llm.UserMessage("hi"))

	n, err := New(client, 100000).MaybeCompact(context.Background(), st)
	if err != nil || n != 0 {
		t.Fatalf("n = %d, err = %v", n, err)
	}
	if len(client.transcripts) != 0 {
		t.Fatalf("summarizer called under budget")
	}
}

func TestSegmentCompaction(t *testing.T) {
	client := &summaryClient{summary: "built the importer scaffolding"}
	st := twoSegmentState()
	before := st.Messages()
	tail := before[len(before)-1]

	n, err := New(client, 600).MaybeCompact(context.Background(), st)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected at least one compaction")
	}

	after := st.Messages()
	if after[0].Text() != "Build the importer" {
		t.Fatalf("initial instruction lost: %q", after[0].Text())
	}

	// First segment becomes a summary that keeps the boundary pair.
	summaryMsg := after[1]
	if summaryMsg.Role != llm.RoleAssistant || !strings.HasPrefix(summaryMsg.Text(), "[Sub Task 1]") {
		t.Fatalf("summary message = %+v", summaryMsg)
	}
	calls := summaryMsg.ToolCalls()
	if len(calls) != 1 || calls[0].Name != tools.TodoWriteName || calls[0].ID != "todo1" {
		t.Fatalf("boundary call not preserved: %+v", calls)
	}
	results := after[2].ToolResults()
	if len(results) != 1 || results[0].ToolCallID != "todo1" {
		t.Fatalf("boundary result not preserved: %+v", after[2])
	}

	// The in-progress tail survives byte for byte.
	if !reflect.DeepEqual(after[len(after)-1], tail) {
		t.Fatalf("tail altered: %+v", after[len(after)-1])
	}

	if err := st.ValidatePairing(); err != nil {
		t.Fatalf("pairing broken after compaction: %v", err)
	}

	// Bulky output went to the summarizer, not into the history.
	for _, m := range after {
		if strings.Contains(m.Text(), "build output") {
			t.Fatalf("raw segment content survived compaction")
		}
	}
}

func TestCompactionSkipsSummarizedSegments(t *testing.T) {
	client := &summaryClient{summary: "second segment work"}
	st := twoSegmentState()

	// Compact once, then push the estimate back over a tiny budget and
	// compact again; the already-summarized segment must not be redone.
	if _, err := New(client, 600).MaybeCompact(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	first := client.transcripts
	st.Append(llm.Message{Role: llm.RoleUser, Blocks: []llm.ContentBlock{
		llm.UserText{Text: strings.Repeat("more context ", 300)},
	}})

	mgr := New(client, 600)
	if _, err := mgr.MaybeCompact(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	for _, transcript := range client.transcripts[len(first):] {
		if strings.Contains(transcript, "[Sub Task 1]") && strings.Contains(transcript, "ASSISTANT: [Sub Task 1]") {
			continue
		}
		if strings.Contains(transcript, "build output") {
			t.Fatalf("summarized segment re-summarized")
		}
	}
}

func TestProtectedDocumentsAreNotSummarized(t *testing.T) {
	client := &summaryClient{summary: "s"}
	st := state.New()
	st.Append(llm.UserMessage("Plan the feature"))

	c1, r1 := toolExchange("c1", "read_file", "# Requirements\n"+strings.Repeat("req detail ", 400))
	t1c, t1r := todoBoundary("todo1")
	for _, m := range []llm.Message{c1, r1, t1c, t1r} {
		st.Append(m)
	}
	st.Append(llm.AssistantMessage("working"))

	seg, ok := New(client, 100).nextSegment(st.Messages())
	if ok {
		t.Fatalf("protected segment offered for compaction: %+v", seg)
	}
}

func TestFullHistoryFallback(t *testing.T) {
	client := &summaryClient{summary: "overall summary of the work"}
	st := state.New()
	st.Append(llm.UserMessage("Do the thing"))
	c1, r1 := toolExchange("c1", "bash", strings.Repeat("noise ", 500))
	st.Append(c1)
	st.Append(r1)
	st.Append(llm.AssistantMessage("still going"))

	n, err := New(client, 200).MaybeCompact(context.Background(), st)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d", n)
	}

	after := st.Messages()
	if len(after) != 2 {
		t.Fatalf("fallback should leave a stub exchange, got %d messages", len(after))
	}
	if after[0].Role != llm.RoleUser || after[1].Role != llm.RoleAssistant {
		t.Fatalf("stub roles wrong: %s, %s", after[0].Role, after[1].Role)
	}
	if !strings.Contains(after[1].Text(), "overall summary") {
		t.Fatalf("summary missing: %q", after[1].Text())
	}
}

func TestCompactAllExplicit(t *testing.T) {
	client := &summaryClient{summary: "everything so far"}
	st := twoSegmentState()

	if err := New(client, 1_000_000).CompactAll(context.Background(), st); err != nil {
		t.Fatalf("compact all: %v", err)
	}
	if st.Len() != 2 {
		t.Fatalf("len = %d", st.Len())
	}
	if !strings.Contains(client.transcripts[0], "Build the importer") {
		t.Fatalf("transcript missing history")
	}
}

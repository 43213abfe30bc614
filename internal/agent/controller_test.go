package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lowkeylabs/maestro/internal/contextmgr"
	"github.com/lowkeylabs/maestro/internal/events"
	"github.com/lowkeylabs/maestro/internal/llm"
	"github.com/lowkeylabs/maestro/internal/state"
	"github.com/lowkeylabs/maestro/internal/tools"
	"github.com/lowkeylabs/maestro/pkg/protocol"
)

// scriptClient replays canned responses in order.
type scriptClient struct {
	responses []*llm.GenerateResponse
	requests  []llm.GenerateRequest
}

func (c *scriptClient) Name() string { return "script" }

func (c *scriptClient) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return nil, fmt.Errorf("script exhausted after %d calls", len(c.requests))
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func textReply(text string) *llm.GenerateResponse {
	return &llm.GenerateResponse{
		Blocks:     []llm.ContentBlock{llm.AssistantText{Text: text}},
		StopReason: "stop",
	}
}

func toolReply(blocks ...llm.ContentBlock) *llm.GenerateResponse {
	return &llm.GenerateResponse{Blocks: blocks, StopReason: "tool_use"}
}

// echoTool returns its input; blockUntilCancel makes it hang for the
// cancellation tests.
type echoTool struct {
	name            string
	blockUntilDone  bool
	terminal        bool
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echo" }
func (e *echoTool) ReadOnly() bool      { return true }
func (e *echoTool) Terminal() bool      { return e.terminal }

func (e *echoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required":             []string{"text"},
		"additionalProperties": false,
	}
}

func (e *echoTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	if e.blockUntilDone {
		<-ctx.Done()
		return tools.ErrorResult("interrupted")
	}
	text, _ := args["text"].(string)
	return tools.UserResult("echo: " + text)
}

type harness struct {
	ctrl   *Controller
	st     *state.State
	stream *events.Stream
	events <-chan protocol.Event
}

func newHarness(t *testing.T, client *scriptClient, maxTurns int, ts ...tools.Tool) *harness {
	t.Helper()
	reg := tools.NewRegistry()
	reg.MustRegister(ts...)
	st := state.New()
	stream := events.NewStream("sess1")
	ch := stream.Subscribe("test")
	t.Cleanup(stream.Close)

	ctrl := New(Config{
		SessionID:  "sess1",
		Client:     client,
		State:      st,
		Registry:   reg,
		Dispatcher: tools.NewDispatcher(reg, nil),
		Compactor:  contextmgr.New(client, 1<<30),
		Stream:     stream,
		Model:      "test-model",
		MaxTokens:  1024,
		MaxTurns:   maxTurns,
	})
	return &harness{ctrl: ctrl, st: st, stream: stream, events: ch}
}

func (h *harness) drainEvents() []protocol.Event {
	h.stream.Close()
	var out []protocol.Event
	for ev := range h.events {
		out = append(out, ev)
	}
	return out
}

func eventTypes(evs []protocol.Event) []string {
	var types []string
	for _, e := range evs {
		types = append(types, e.Type)
	}
	return types
}

func TestRunCompletesOnTextReply(t *testing.T) {
	client := &scriptClient{responses: []*llm.GenerateResponse{textReply("All done.")}}
	h := newHarness(t, client, 10, &echoTool{name: "echo"})

	final, err := h.ctrl.Submit(context.Background(), "say hi", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if final != "All done." {
		t.Fatalf("final = %q", final)
	}
	if h.st.Len() != 2 || h.st.Turns() != 1 {
		t.Fatalf("len = %d, turns = %d", h.st.Len(), h.st.Turns())
	}

	types := eventTypes(h.drainEvents())
	for _, want := range []string{"user_message", "processing", "prompt_generated", "agent_message", "stream_complete"} {
		found := false
		for _, got := range types {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing event %s in %v", want, types)
		}
	}
}

func TestRunToolLoop(t *testing.T) {
	client := &scriptClient{responses: []*llm.GenerateResponse{
		toolReply(
			llm.AssistantText{Text: "Echoing."},
			llm.ToolCall{ID: "c1", Name: "echo", Input: map[string]any{"text": "hello"}},
		),
		textReply("The echo said hello."),
	}}
	h := newHarness(t, client, 10, &echoTool{name: "echo"})

	final, err := h.ctrl.Submit(context.Background(), "use the echo tool", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if final != "The echo said hello." {
		t.Fatalf("final = %q", final)
	}
	if err := h.st.ValidatePairing(); err != nil {
		t.Fatalf("pairing: %v", err)
	}

	msgs := h.st.Messages()
	results := msgs[2].ToolResults()
	if len(results) != 1 || results[0].Content != "echo: hello" {
		t.Fatalf("tool result = %+v", msgs[2])
	}

	// The second request must carry the tool result.
	second := client.requests[1].Messages
	if len(second) != 3 {
		t.Fatalf("second request has %d messages", len(second))
	}
}

func TestMultiToolCallRejected(t *testing.T) {
	client := &scriptClient{responses: []*llm.GenerateResponse{
		toolReply(
			llm.ToolCall{ID: "c1", Name: "echo", Input: map[string]any{"text": "a"}},
			llm.ToolCall{ID: "c2", Name: "echo", Input: map[string]any{"text": "b"}},
		),
		textReply("ok, one at a time"),
	}}
	h := newHarness(t, client, 10, &echoTool{name: "echo"})

	final, err := h.ctrl.Submit(context.Background(), "go", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if final != "ok, one at a time" {
		t.Fatalf("final = %q", final)
	}

	// The offending reply is absent; a corrective user message is not.
	for _, m := range h.st.Messages() {
		if len(m.ToolCalls()) > 0 {
			t.Fatalf("multi-call reply was appended: %+v", m)
		}
	}
	corrective := h.st.Messages()[1]
	if corrective.Role != llm.RoleUser || !strings.Contains(corrective.Text(), "one tool call at a time") {
		t.Fatalf("corrective message = %+v", corrective)
	}

	var sawProtocolError bool
	for _, ev := range h.drainEvents() {
		if ev.Type == protocol.EventError && ev.Content["kind"] == protocol.ErrKindProtocol {
			sawProtocolError = true
		}
	}
	if !sawProtocolError {
		t.Fatalf("protocol error event not emitted")
	}
}

func TestTerminalToolEndsRun(t *testing.T) {
	client := &scriptClient{responses: []*llm.GenerateResponse{
		toolReply(llm.ToolCall{ID: "c1", Name: "finish", Input: map[string]any{"text": "bye"}}),
	}}
	h := newHarness(t, client, 10, &echoTool{name: "finish", terminal: true})

	final, err := h.ctrl.Submit(context.Background(), "finish up", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if final != "echo: bye" {
		t.Fatalf("final = %q", final)
	}

	msgs := h.st.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleAssistant || last.Text() != completedMessage {
		t.Fatalf("missing synthetic completion: %+v", last)
	}
	if err := h.st.ValidatePairing(); err != nil {
		t.Fatalf("pairing: %v", err)
	}
}

func TestMaxTurnsExhausted(t *testing.T) {
	reply := func() *llm.GenerateResponse {
		return toolReply(llm.ToolCall{ID: "c", Name: "echo", Input: map[string]any{"text": "again"}})
	}
	client := &scriptClient{responses: []*llm.GenerateResponse{reply(), reply(), reply()}}
	h := newHarness(t, client, 2, &echoTool{name: "echo"})

	final, err := h.ctrl.Submit(context.Background(), "loop forever", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if final != maxTurnsMessage {
		t.Fatalf("final = %q", final)
	}
	if len(client.requests) != 2 {
		t.Fatalf("llm called %d times", len(client.requests))
	}
}

func TestCancelDuringToolLeavesResumableState(t *testing.T) {
	client := &scriptClient{responses: []*llm.GenerateResponse{
		toolReply(llm.ToolCall{ID: "c1", Name: "slow", Input: map[string]any{"text": "x"}}),
	}}
	h := newHarness(t, client, 10, &echoTool{name: "slow", blockUntilDone: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var submitErr error
	go func() {
		_, submitErr = h.ctrl.Submit(ctx, "run the slow tool", nil)
		close(done)
	}()

	// Wait until the tool call is in flight, then cancel.
	for h.st.Len() < 2 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if !errors.Is(submitErr, context.Canceled) {
		t.Fatalf("err = %v", submitErr)
	}
	if err := h.st.ValidatePairing(); err != nil {
		t.Fatalf("pairing after cancel: %v", err)
	}

	msgs := h.st.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleAssistant || !strings.Contains(last.Text(), "Interrupted") {
		t.Fatalf("missing interruption note: %+v", last)
	}

	var sawCancelled bool
	for _, ev := range h.drainEvents() {
		if ev.Type == protocol.EventError && ev.Content["kind"] == protocol.ErrKindCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Fatalf("cancelled event not emitted")
	}
}

func TestSubmitRejectsUnansweredTail(t *testing.T) {
	client := &scriptClient{responses: []*llm.GenerateResponse{textReply("should not run")}}
	h := newHarness(t, client, 10, &echoTool{name: "echo"})
	h.st.Append(llm.UserMessage("a query that never got an answer"))

	_, err := h.ctrl.Submit(context.Background(), "another instruction", nil)
	if !errors.Is(err, ErrNotResumable) {
		t.Fatalf("err = %v, want ErrNotResumable", err)
	}
	if len(client.requests) != 0 {
		t.Fatalf("llm called %d times on a rejected submit", len(client.requests))
	}
	if h.st.Len() != 1 {
		t.Fatalf("rejected instruction was appended, len = %d", h.st.Len())
	}

	var sawProtocolError bool
	for _, ev := range h.drainEvents() {
		if ev.Type == protocol.EventError && ev.Content["kind"] == protocol.ErrKindProtocol {
			sawProtocolError = true
		}
	}
	if !sawProtocolError {
		t.Fatalf("protocol error event not emitted")
	}
}

func TestAttachmentsNoted(t *testing.T) {
	client := &scriptClient{responses: []*llm.GenerateResponse{textReply("got it")}}
	h := newHarness(t, client, 10, &echoTool{name: "echo"})

	if _, err := h.ctrl.Submit(context.Background(), "look at this", []string{"/tmp/staging/report.csv"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	first := h.st.Messages()[0]
	if !strings.Contains(first.Text(), "uploads/report.csv") {
		t.Fatalf("attachment note missing: %q", first.Text())
	}
}

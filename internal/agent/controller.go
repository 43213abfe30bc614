// Package agent drives the think, act, observe loop for one session.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lowkeylabs/maestro/internal/contextmgr"
	"github.com/lowkeylabs/maestro/internal/events"
	"github.com/lowkeylabs/maestro/internal/llm"
	"github.com/lowkeylabs/maestro/internal/state"
	"github.com/lowkeylabs/maestro/internal/tools"
	"github.com/lowkeylabs/maestro/pkg/protocol"
)

// ErrNotResumable means the history ends with an unanswered user
// message, so a fresh instruction cannot simply be appended. The caller
// should edit and resubmit the trailing query instead.
var ErrNotResumable = errors.New("history does not end with an assistant message")

const (
	// cancelGrace is how long a running tool gets to wind down after the
	// user cancels before its result is abandoned.
	cancelGrace = 5 * time.Second

	maxTurnsMessage  = "Agent did not complete after max turns"
	completedMessage = "Completed the task."
)

// Config wires a Controller. Everything is per-session.
type Config struct {
	SessionID    string
	Client       llm.Client
	State        *state.State
	Registry     *tools.Registry
	Dispatcher   *tools.Dispatcher
	Compactor    *contextmgr.Manager
	Stream       *events.Stream
	Model        string
	MaxTokens    int
	Temperature  float64
	MaxTurns     int
	SystemPrompt string
}

// Controller runs user instructions to completion, one at a time.
type Controller struct {
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer
}

func New(cfg Config) *Controller {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 200
	}
	return &Controller{
		cfg:    cfg,
		log:    slog.With("component", "agent", "session_id", cfg.SessionID),
		tracer: otel.Tracer("maestro/agent"),
	}
}

// Submit appends the instruction and drives the turn loop until the
// model finishes, the terminal tool fires, the turn budget runs out, or
// the context is cancelled. Returns the final assistant text.
func (c *Controller) Submit(ctx context.Context, instruction string, attachments []string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(attribute.String("session.id", c.cfg.SessionID)))
	defer span.End()

	if role := c.cfg.State.LastRole(); role != "" && role != llm.RoleAssistant {
		c.emit(protocol.EventError, map[string]any{
			"kind":    protocol.ErrKindProtocol,
			"message": fmt.Sprintf("history ends with an unanswered %s message; edit and resubmit it instead", role),
		})
		span.SetStatus(codes.Error, ErrNotResumable.Error())
		return "", ErrNotResumable
	}

	c.cfg.State.Append(userMessage(instruction, attachments))
	c.emit(protocol.EventUserMessage, map[string]any{"text": instruction})

	final, err := c.loop(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return final, err
	}
	span.SetAttributes(attribute.Int("agent.turns", c.cfg.State.Turns()))
	return final, nil
}

// Compact replaces the whole history with a summary, on user request.
func (c *Controller) Compact(ctx context.Context) error {
	if err := c.cfg.Compactor.CompactAll(ctx, c.cfg.State); err != nil {
		return err
	}
	c.emit(protocol.EventSystem, map[string]any{
		"kind":           "compaction",
		"token_estimate": c.cfg.State.TokenEstimate(),
	})
	return nil
}

func (c *Controller) loop(ctx context.Context) (string, error) {
	for turn := 1; turn <= c.cfg.MaxTurns; turn++ {
		if n, err := c.cfg.Compactor.MaybeCompact(ctx, c.cfg.State); err != nil {
			c.log.Warn("compaction failed, continuing with full history", "error", err)
		} else if n > 0 {
			c.emit(protocol.EventSystem, map[string]any{
				"kind":           "compaction",
				"segments":       n,
				"token_estimate": c.cfg.State.TokenEstimate(),
			})
		}

		c.emit(protocol.EventProcessing, map[string]any{"turn": turn})
		c.emit(protocol.EventPromptGenerated, map[string]any{
			"turn":           turn,
			"messages":       c.cfg.State.Len(),
			"token_estimate": c.cfg.State.TokenEstimate(),
		})

		resp, err := c.generate(ctx, turn)
		if err != nil {
			if ctx.Err() != nil {
				return c.interrupt("Interrupted by user before the reply finished.")
			}
			c.emit(protocol.EventError, map[string]any{
				"kind":    protocol.ErrKindLLM,
				"message": err.Error(),
			})
			return "", fmt.Errorf("llm call failed: %w", err)
		}

		calls := toolCallsOf(resp.Blocks)

		// A reply with several tool calls violates the one-call protocol.
		// It is not appended; the model is told to retry.
		if len(calls) > 1 {
			c.emit(protocol.EventError, map[string]any{
				"kind":    protocol.ErrKindProtocol,
				"message": fmt.Sprintf("model attempted %d tool calls in one reply", len(calls)),
			})
			c.cfg.State.Append(llm.UserMessage(fmt.Sprintf(
				"Protocol error: you attempted %d tool calls in a single reply. Make exactly one tool call at a time.", len(calls))))
			continue
		}

		c.cfg.State.Append(llm.Message{Role: llm.RoleAssistant, Blocks: resp.Blocks})
		if resp.Usage.InputTokens > 0 {
			c.cfg.State.SetTokenEstimate(resp.Usage.InputTokens + resp.Usage.OutputTokens)
		}
		c.emitAssistantBlocks(resp.Blocks)

		if len(calls) == 0 {
			final := textOf(resp.Blocks)
			c.emit(protocol.EventStreamComplete, map[string]any{"text": final})
			return final, nil
		}

		call := calls[0]
		res, err := c.dispatch(ctx, call)
		if err != nil {
			return c.cancelDuringTool(call, res)
		}

		c.cfg.State.Append(llm.Message{Role: llm.RoleUser, Blocks: []llm.ContentBlock{
			llm.ToolResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    res.LLMContent,
				IsError:    res.IsError,
			},
		}})
		c.emit(protocol.EventToolResult, map[string]any{
			"call_id":  call.ID,
			"name":     call.Name,
			"content":  displayContent(res),
			"is_error": res.IsError,
		})

		if c.cfg.Dispatcher.IsTerminal(call.Name) && !res.IsError {
			c.cfg.State.Append(llm.AssistantMessage(completedMessage))
			final := res.UserDisplay
			if final == "" {
				final = completedMessage
			}
			c.emit(protocol.EventStreamComplete, map[string]any{"text": final})
			return final, nil
		}
	}

	c.cfg.State.Append(llm.AssistantMessage(maxTurnsMessage))
	c.emit(protocol.EventError, map[string]any{
		"kind":    protocol.ErrKindInternal,
		"message": maxTurnsMessage,
	})
	c.emit(protocol.EventStreamComplete, map[string]any{"text": maxTurnsMessage})
	return maxTurnsMessage, nil
}

func (c *Controller) generate(ctx context.Context, turn int) (*llm.GenerateResponse, error) {
	ctx, span := c.tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		attribute.String("llm.model", c.cfg.Model),
		attribute.Int("agent.turn", turn),
	))
	defer span.End()

	resp, err := c.cfg.Client.Generate(ctx, llm.GenerateRequest{
		Messages:     c.cfg.State.Messages(),
		SystemPrompt: c.cfg.SystemPrompt,
		Tools:        c.cfg.Registry.Schemas(),
		Model:        c.cfg.Model,
		MaxTokens:    c.cfg.MaxTokens,
		Temperature:  c.cfg.Temperature,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		attribute.String("llm.stop_reason", resp.StopReason),
	)
	return resp, nil
}

// dispatch runs one tool call. On cancellation the tool gets a grace
// period; a result arriving inside it is kept, otherwise the call is
// abandoned. The error return is non-nil only for cancellation.
func (c *Controller) dispatch(ctx context.Context, call llm.ToolCall) (*tools.Result, error) {
	dispatchCtx, span := c.tracer.Start(ctx, "tool.dispatch",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()

	c.emit(protocol.EventToolCall, map[string]any{
		"call_id": call.ID,
		"name":    call.Name,
		"input":   call.Input,
	})

	resCh := make(chan *tools.Result, 1)
	go func() {
		resCh <- c.cfg.Dispatcher.Run(dispatchCtx, call)
	}()

	select {
	case res := <-resCh:
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if res.IsError {
			span.SetStatus(codes.Error, "tool returned error")
		}
		return res, nil
	case <-ctx.Done():
		select {
		case res := <-resCh:
			return res, ctx.Err()
		case <-time.After(cancelGrace):
			span.SetStatus(codes.Error, "abandoned on cancel")
			return nil, ctx.Err()
		}
	}
}

// cancelDuringTool records a synthetic result for the interrupted call
// so pairing holds and the session can resume.
func (c *Controller) cancelDuringTool(call llm.ToolCall, res *tools.Result) (string, error) {
	content := "cancelled"
	isError := true
	if res != nil {
		// The tool finished inside the grace window; keep its output.
		content = res.LLMContent
		isError = res.IsError
	}
	c.cfg.State.Append(llm.Message{Role: llm.RoleUser, Blocks: []llm.ContentBlock{
		llm.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    content,
			IsError:    isError,
		},
	}})
	return c.interrupt("Interrupted by user during tool execution.")
}

func (c *Controller) interrupt(note string) (string, error) {
	c.cfg.State.Append(llm.AssistantMessage(note))
	c.emit(protocol.EventError, map[string]any{
		"kind":    protocol.ErrKindCancelled,
		"message": note,
	})
	return note, context.Canceled
}

func (c *Controller) emitAssistantBlocks(blocks []llm.ContentBlock) {
	for _, b := range blocks {
		switch t := b.(type) {
		case llm.Thinking:
			c.emit(protocol.EventAgentThinking, map[string]any{"text": t.Text})
		case llm.AssistantText:
			if t.Text != "" {
				c.emit(protocol.EventAgentMessage, map[string]any{"text": t.Text})
			}
		}
	}
}

func (c *Controller) emit(eventType string, content map[string]any) {
	if c.cfg.Stream != nil {
		c.cfg.Stream.Publish(eventType, content)
	}
}

// userMessage builds the instruction message. Attachments are staged
// under uploads/ by the transport; here they become filename notes.
func userMessage(instruction string, attachments []string) llm.Message {
	blocks := []llm.ContentBlock{llm.UserText{Text: instruction}}
	for _, a := range attachments {
		blocks = append(blocks, llm.UserText{
			Text: fmt.Sprintf("[Attached file: uploads/%s]", path.Base(a)),
		})
	}
	return llm.Message{Role: llm.RoleUser, Blocks: blocks}
}

func toolCallsOf(blocks []llm.ContentBlock) []llm.ToolCall {
	var calls []llm.ToolCall
	for _, b := range blocks {
		if tc, ok := b.(llm.ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

func textOf(blocks []llm.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if t, ok := b.(llm.AssistantText); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

const displayClip = 4000

func displayContent(res *tools.Result) string {
	s := res.UserDisplay
	if s == "" {
		s = res.LLMContent
	}
	if len(s) > displayClip {
		s = s[:displayClip] + "..."
	}
	return s
}

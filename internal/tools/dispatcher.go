package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/lowkeylabs/maestro/internal/llm"
)

// Dispatcher routes tool calls through validation and confirmation to
// execution. Failures are reported to the model as error results, never
// as Go errors; the turn loop only sees an error when the context dies.
type Dispatcher struct {
	registry  *Registry
	confirmer Confirmer
	log       *slog.Logger

	mu           sync.Mutex
	allowAll     bool
	allowedTools map[string]bool
}

// NewDispatcher wires a registry to a confirmer. A nil confirmer means
// unattended operation (everything allowed).
func NewDispatcher(registry *Registry, confirmer Confirmer) *Dispatcher {
	d := &Dispatcher{
		registry:     registry,
		confirmer:    confirmer,
		log:          slog.With("component", "tools"),
		allowedTools: make(map[string]bool),
	}
	if confirmer == nil {
		d.allowAll = true
	}
	return d
}

// RestoreAllowances reapplies persisted confirmation decisions when a
// session resumes.
func (d *Dispatcher) RestoreAllowances(tools []string, allowAll bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allowAll = d.allowAll || allowAll
	for _, t := range tools {
		d.allowedTools[t] = true
	}
}

// Allowances returns the current decisions for persistence.
func (d *Dispatcher) Allowances() (tools []string, allowAll bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for t := range d.allowedTools {
		tools = append(tools, t)
	}
	return tools, d.allowAll
}

// IsTerminal reports whether the named tool ends the run.
func (d *Dispatcher) IsTerminal(name string) bool {
	t, ok := d.registry.Get(name)
	if !ok {
		return false
	}
	term, ok := t.(Terminal)
	return ok && term.Terminal()
}

// Run executes one tool call and always returns a result.
func (d *Dispatcher) Run(ctx context.Context, call llm.ToolCall) *Result {
	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	if err := d.registry.Validate(call.Name, call.Input); err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
	}

	if res := d.confirm(ctx, tool, call); res != nil {
		return res
	}

	return d.execute(ctx, tool, call)
}

// confirm runs the approval flow for mutating tools. A non-nil return
// short-circuits execution (denial or confirmation failure).
func (d *Dispatcher) confirm(ctx context.Context, tool Tool, call llm.ToolCall) *Result {
	if ro, ok := tool.(ReadOnly); ok && ro.ReadOnly() {
		return nil
	}

	d.mu.Lock()
	allowed := d.allowAll || d.allowedTools[call.Name]
	d.mu.Unlock()
	if allowed {
		return nil
	}

	req := ConfirmRequest{CallID: call.ID, ToolName: call.Name, Args: call.Input}
	if desc, ok := tool.(Describer); ok {
		req.Detail = desc.ConfirmDetail(call.Input)
	}

	resp, err := d.confirmer.Confirm(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ErrorResult("cancelled while awaiting confirmation")
		}
		return ErrorResult(fmt.Sprintf("confirmation failed: %v", err))
	}

	switch resp.Decision {
	case DecisionAllow:
		return nil
	case DecisionAlwaysTool:
		d.mu.Lock()
		d.allowedTools[call.Name] = true
		d.mu.Unlock()
		return nil
	case DecisionAllowAll:
		d.mu.Lock()
		d.allowAll = true
		d.mu.Unlock()
		return nil
	case DecisionDeny:
		msg := "The user declined this action."
		if resp.Alternative != "" {
			msg = fmt.Sprintf("The user declined this action and said instead: %s", resp.Alternative)
		}
		return ErrorResult(msg)
	}
	return ErrorResult("confirmation returned an unknown decision")
}

func (d *Dispatcher) execute(ctx context.Context, tool Tool, call llm.ToolCall) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
			res = ErrorResult(fmt.Sprintf("tool %s crashed: %v", call.Name, r))
		}
	}()

	res = tool.Execute(ctx, call.Input)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("tool %s returned no result", call.Name))
	}
	return res
}

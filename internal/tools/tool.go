// Package tools defines the tool surface the agent can invoke and the
// dispatcher that gates, validates and executes calls.
package tools

import "context"

// Tool is implemented by everything the agent can invoke.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the JSON schema for the tool's arguments.
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// ReadOnly is implemented by tools that never mutate anything; they skip
// the confirmation flow.
type ReadOnly interface {
	ReadOnly() bool
}

// Describer lets a tool render a human-readable summary of a pending
// call for the confirmation prompt.
type Describer interface {
	ConfirmDetail(args map[string]any) string
}

// Terminal marks the tool that ends a run (message_user).
type Terminal interface {
	Terminal() bool
}

// Result is the unified return type from tool execution.
type Result struct {
	LLMContent  string `json:"llm_content"`            // content sent back to the model
	UserDisplay string `json:"user_display,omitempty"` // content shown to the user
	IsError     bool   `json:"is_error"`
}

func NewResult(content string) *Result {
	return &Result{LLMContent: content}
}

func UserResult(content string) *Result {
	return &Result{LLMContent: content, UserDisplay: content}
}

func ErrorResult(message string) *Result {
	return &Result{LLMContent: message, IsError: true}
}

// Decision is the user's answer to a confirmation request.
type Decision int

const (
	// DecisionAllow permits this one call.
	DecisionAllow Decision = iota
	// DecisionAlwaysTool permits this call and whitelists the tool for
	// the rest of the session.
	DecisionAlwaysTool
	// DecisionAllowAll permits everything for the rest of the session.
	DecisionAllowAll
	// DecisionDeny rejects the call; Alternative carries the user's
	// instruction for what to do instead.
	DecisionDeny
)

// ConfirmRequest describes a pending mutating call.
type ConfirmRequest struct {
	CallID   string
	ToolName string
	Args     map[string]any
	Detail   string // human-readable summary from the tool, may be empty
}

// ConfirmResponse is the user's decision.
type ConfirmResponse struct {
	Decision    Decision
	Alternative string // only with DecisionDeny
}

// Confirmer asks the user to approve a mutating tool call. Transport
// implementations bridge this to the CLI prompt or the gateway.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResponse, error)
}

// AllowAllConfirmer approves everything; used for unattended sessions.
type AllowAllConfirmer struct{}

func (AllowAllConfirmer) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResponse, error) {
	return ConfirmResponse{Decision: DecisionAllowAll}, nil
}

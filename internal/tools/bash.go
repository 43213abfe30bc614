package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lowkeylabs/maestro/internal/shell"
)

// Shell tools wrap the persistent shell broker. The shell named "main"
// is the default target so the model rarely needs to name one.
const defaultShellName = "main"

func shellName(args map[string]any) string {
	if n, ok := args["shell"].(string); ok && n != "" {
		return n
	}
	return defaultShellName
}

// --- bash_init ---

type BashInitTool struct {
	broker *shell.Broker
	root   string // default start dir (workspace root)
}

func NewBashInitTool(broker *shell.Broker, root string) *BashInitTool {
	return &BashInitTool{broker: broker, root: root}
}

func (t *BashInitTool) Name() string { return "bash_init" }
func (t *BashInitTool) Description() string {
	return "Start a named persistent shell in the workspace. Shells survive between commands; state like cwd and env persists."
}

func (t *BashInitTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"shell": map[string]any{
				"type":        "string",
				"description": "Shell name (letters, digits, _ and -). Defaults to main.",
			},
			"start_dir": map[string]any{
				"type":        "string",
				"description": "Absolute directory to start in. Defaults to the workspace root.",
			},
		},
		"additionalProperties": false,
	}
}

func (t *BashInitTool) ConfirmDetail(args map[string]any) string {
	return fmt.Sprintf("start shell %q", shellName(args))
}

func (t *BashInitTool) Execute(ctx context.Context, args map[string]any) *Result {
	name := shellName(args)
	dir, _ := args["start_dir"].(string)
	if dir == "" {
		dir = t.root
	}
	if _, err := t.broker.Create(ctx, name, dir); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Shell %q started in %s", name, dir))
}

// --- bash ---

type BashTool struct {
	broker  *shell.Broker
	timeout time.Duration
}

func NewBashTool(broker *shell.Broker, timeout time.Duration) *BashTool {
	return &BashTool{broker: broker, timeout: timeout}
}

func (t *BashTool) Name() string { return "bash" }
func (t *BashTool) Description() string {
	return "Run a command in a persistent shell and return its output. On timeout the command keeps running; use bash_view to check on it later."
}

func (t *BashTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run.",
			},
			"shell": map[string]any{
				"type":        "string",
				"description": "Target shell name. Defaults to main.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Seconds to wait before returning with the command still running.",
				"minimum":     1,
			},
			"wait_for_output": map[string]any{
				"type":        "boolean",
				"description": "Wait for the command to finish and return its output. Default true; set false to start a long-running command and return immediately.",
			},
		},
		"required":             []string{"command"},
		"additionalProperties": false,
	}
}

func (t *BashTool) ConfirmDetail(args map[string]any) string {
	cmd, _ := args["command"].(string)
	if len(cmd) > 120 {
		cmd = cmd[:120] + "..."
	}
	return fmt.Sprintf("run in shell %q: %s", shellName(args), cmd)
}

func (t *BashTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	name := shellName(args)
	timeout := t.timeout
	if v, ok := args["timeout_seconds"].(float64); ok && v >= 1 {
		timeout = time.Duration(v) * time.Second
	}
	wait := true
	if v, ok := args["wait_for_output"].(bool); ok {
		wait = v
	}

	out, err := t.broker.Run(ctx, name, command, timeout, wait)
	switch {
	case err == nil && !wait:
		return NewResult(fmt.Sprintf("Command started in shell %q and is still running. Use bash_view to check on it.", name))
	case err == nil:
		if out == "" {
			out = "(no output)"
		}
		return NewResult(out)
	case errors.Is(err, shell.ErrCommandTimeout):
		var sb strings.Builder
		fmt.Fprintf(&sb, "Command still running after %s. The shell stays busy until it finishes.\n", timeout)
		sb.WriteString("Use bash_view to check progress, bash_write to send input, or bash_interrupt to stop it.\n")
		if out != "" {
			sb.WriteString("Output so far:\n")
			sb.WriteString(out)
		}
		return ErrorResult(sb.String())
	default:
		return ErrorResult(err.Error())
	}
}

// --- bash_view ---

type BashViewTool struct {
	broker *shell.Broker
}

func NewBashViewTool(broker *shell.Broker) *BashViewTool {
	return &BashViewTool{broker: broker}
}

func (t *BashViewTool) Name() string { return "bash_view" }
func (t *BashViewTool) Description() string {
	return "Show the current screen content of one or more persistent shells, including output of still-running commands."
}
func (t *BashViewTool) ReadOnly() bool { return true }

func (t *BashViewTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"shell": map[string]any{
				"type":        "string",
				"description": "Target shell name. Defaults to main.",
			},
			"shells": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Several shells to snapshot; output follows this order.",
			},
		},
		"additionalProperties": false,
	}
}

func (t *BashViewTool) Execute(ctx context.Context, args map[string]any) *Result {
	names := viewNames(args)

	var sb strings.Builder
	failures := 0
	for i, name := range names {
		if i > 0 {
			sb.WriteString("\n")
		}
		out, err := t.broker.View(name)
		if err != nil {
			failures++
			fmt.Fprintf(&sb, "[shell %s] error: %s\n", name, err)
			continue
		}
		state, _ := t.broker.State(name)
		fmt.Fprintf(&sb, "[shell %s, state %s]\n%s\n", name, state, out)
	}

	content := strings.TrimRight(sb.String(), "\n")
	if failures == len(names) {
		return ErrorResult(content)
	}
	return NewResult(content)
}

// viewNames resolves the requested shells, preserving request order.
func viewNames(args map[string]any) []string {
	var names []string
	if raw, ok := args["shells"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				names = append(names, s)
			}
		}
	}
	if len(names) == 0 {
		names = []string{shellName(args)}
	}
	return names
}

// --- bash_write ---

type BashWriteTool struct {
	broker *shell.Broker
}

func NewBashWriteTool(broker *shell.Broker) *BashWriteTool {
	return &BashWriteTool{broker: broker}
}

func (t *BashWriteTool) Name() string { return "bash_write" }
func (t *BashWriteTool) Description() string {
	return "Send input to the process currently running in a busy shell (for prompts, REPLs, pagers)."
}

func (t *BashWriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"input": map[string]any{
				"type":        "string",
				"description": "Text to send to the process.",
			},
			"shell": map[string]any{
				"type":        "string",
				"description": "Target shell name. Defaults to main.",
			},
			"press_enter": map[string]any{
				"type":        "boolean",
				"description": "Send a newline after the text. Default true.",
			},
		},
		"required":             []string{"input"},
		"additionalProperties": false,
	}
}

func (t *BashWriteTool) ConfirmDetail(args map[string]any) string {
	return fmt.Sprintf("send input to shell %q", shellName(args))
}

func (t *BashWriteTool) Execute(ctx context.Context, args map[string]any) *Result {
	input, _ := args["input"].(string)
	enter := true
	if v, ok := args["press_enter"].(bool); ok {
		enter = v
	}
	if err := t.broker.WriteToProcess(shellName(args), input, enter); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult("Input sent.")
}

// --- bash_interrupt ---

type BashInterruptTool struct {
	broker *shell.Broker
}

func NewBashInterruptTool(broker *shell.Broker) *BashInterruptTool {
	return &BashInterruptTool{broker: broker}
}

func (t *BashInterruptTool) Name() string { return "bash_interrupt" }
func (t *BashInterruptTool) Description() string {
	return "Send Ctrl-C to a shell to stop the running command, then report the shell's screen after the interrupt."
}

func (t *BashInterruptTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"shell": map[string]any{
				"type":        "string",
				"description": "Target shell name. Defaults to main.",
			},
		},
		"additionalProperties": false,
	}
}

func (t *BashInterruptTool) Execute(ctx context.Context, args map[string]any) *Result {
	name := shellName(args)
	out, err := t.broker.Interrupt(name)
	if err != nil {
		return ErrorResult(err.Error())
	}
	state, _ := t.broker.State(name)
	if state == shell.StateIdle {
		return NewResult(fmt.Sprintf("Interrupted; shell %q is idle again.\n%s", name, out))
	}
	return NewResult(fmt.Sprintf("Interrupt sent, but shell %q is still busy. Screen after interrupt:\n%s", name, out))
}

// --- bash_kill ---

type BashKillTool struct {
	broker *shell.Broker
}

func NewBashKillTool(broker *shell.Broker) *BashKillTool {
	return &BashKillTool{broker: broker}
}

func (t *BashKillTool) Name() string { return "bash_kill" }
func (t *BashKillTool) Description() string {
	return "Terminate a persistent shell and everything running in it."
}

func (t *BashKillTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"shell": map[string]any{
				"type":        "string",
				"description": "Target shell name. Defaults to main.",
			},
		},
		"additionalProperties": false,
	}
}

func (t *BashKillTool) ConfirmDetail(args map[string]any) string {
	return fmt.Sprintf("kill shell %q", shellName(args))
}

func (t *BashKillTool) Execute(ctx context.Context, args map[string]any) *Result {
	name := shellName(args)
	if err := t.broker.Kill(name); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Shell %q killed.", name))
}

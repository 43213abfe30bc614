package shell

import (
	"fmt"
	"os/exec"
	"strings"
)

// Multiplexer is the terminal multiplexer the broker drives. The real
// implementation shells out to tmux; tests substitute a fake.
type Multiplexer interface {
	// NewSession starts a detached session running command in startDir,
	// with extraEnv (KEY=VALUE) injected into the session environment.
	NewSession(name, startDir, command string, extraEnv []string) error
	HasSession(name string) bool
	// SendKeys types text into the session; enter appends a newline.
	SendKeys(name, text string, enter bool) error
	SendInterrupt(name string) error
	// CapturePane returns the pane content including scrollback.
	CapturePane(name string) (string, error)
	KillSession(name string) error
	// ListSessions returns session names starting with prefix.
	ListSessions(prefix string) ([]string, error)
}

// Tmux drives a local tmux server via the tmux binary.
type Tmux struct{}

// NewTmux returns the tmux-backed multiplexer.
func NewTmux() *Tmux { return &Tmux{} }

// Available reports whether the tmux binary is on PATH.
func (t *Tmux) Available() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

func (t *Tmux) NewSession(name, startDir, command string, extraEnv []string) error {
	args := []string{"new-session", "-d", "-s", name, "-c", startDir}
	for _, kv := range extraEnv {
		args = append(args, "-e", kv)
	}
	args = append(args, command)
	out, err := exec.Command("tmux", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux new-session: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (t *Tmux) HasSession(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

func (t *Tmux) SendKeys(name, text string, enter bool) error {
	// -l sends the text literally so shell metacharacters survive.
	if err := exec.Command("tmux", "send-keys", "-t", name, "-l", text).Run(); err != nil {
		return fmt.Errorf("tmux send-keys: %w", err)
	}
	if enter {
		if err := exec.Command("tmux", "send-keys", "-t", name, "Enter").Run(); err != nil {
			return fmt.Errorf("tmux send-keys enter: %w", err)
		}
	}
	return nil
}

func (t *Tmux) SendInterrupt(name string) error {
	if err := exec.Command("tmux", "send-keys", "-t", name, "C-c").Run(); err != nil {
		return fmt.Errorf("tmux send interrupt: %w", err)
	}
	return nil
}

func (t *Tmux) CapturePane(name string) (string, error) {
	// -S - includes the full scrollback, -p prints to stdout.
	out, err := exec.Command("tmux", "capture-pane", "-p", "-S", "-", "-t", name).Output()
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	return string(out), nil
}

func (t *Tmux) KillSession(name string) error {
	if err := exec.Command("tmux", "kill-session", "-t", name).Run(); err != nil {
		return fmt.Errorf("tmux kill-session: %w", err)
	}
	return nil
}

func (t *Tmux) ListSessions(prefix string) ([]string, error) {
	out, err := exec.Command("tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		// No server running means no sessions.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

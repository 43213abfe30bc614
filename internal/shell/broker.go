// Package shell manages long-lived interactive shells inside a terminal
// multiplexer. Each pane is a named bash process whose idleness is
// detected from a synthetic prompt.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Pane states.
type PaneState string

const (
	StateCreating PaneState = "creating"
	StateIdle     PaneState = "idle"
	StateBusy     PaneState = "busy"
	StateDead     PaneState = "dead"
)

// Broker errors.
var (
	ErrAlreadyExists   = errors.New("shell already exists")
	ErrInvalidName     = errors.New("invalid shell name")
	ErrBadStartDir     = errors.New("start directory invalid or outside workspace")
	ErrCreationTimeout = errors.New("shell did not become ready in time")
	ErrBusy            = errors.New("shell is busy")
	ErrNotIdle         = errors.New("shell is not running a command")
	ErrCommandTimeout  = errors.New("command timed out")
	ErrNotFound        = errors.New("shell not found")
	ErrDead            = errors.New("shell has exited")
)

// promptTag starts every synthetic prompt line. bash expands \w to the
// current directory, so idle detection also reveals the shell's cwd.
const promptTag = "MAESTRO_SH:"

const promptPS1 = promptTag + `\w$ `

var promptRe = regexp.MustCompile(`^` + promptTag + `[^\n]*\$ ?$`)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// PathValidator confirms a start directory is usable. The session wires
// its workspace guard in here.
type PathValidator interface {
	ResolveExistingDir(p string) (string, error)
}

// Options tune broker timing.
type Options struct {
	CreateTimeout  time.Duration
	DefaultTimeout time.Duration
	PollInterval   time.Duration
}

func (o *Options) fill() {
	if o.CreateTimeout == 0 {
		o.CreateTimeout = 10 * time.Second
	}
	if o.DefaultTimeout == 0 {
		o.DefaultTimeout = 2 * time.Minute
	}
	if o.PollInterval == 0 {
		o.PollInterval = 500 * time.Millisecond
	}
}

// Pane is one managed shell.
type Pane struct {
	Name     string
	StartDir string
	Created  time.Time

	muxName string
	state   PaneState
	// capture length at last command start, so Run returns only new output
	lastCmd string
}

// Info is a pane snapshot for listings.
type Info struct {
	Name     string    `json:"name"`
	State    PaneState `json:"state"`
	StartDir string    `json:"start_dir"`
	Created  time.Time `json:"created"`
}

// Broker owns every shell of one session. Multiplexer session names are
// namespaced "maestro_<sessionID>_<name>" so orphans are identifiable
// after a crash.
type Broker struct {
	sessionID string
	mux       Multiplexer
	paths     PathValidator
	opts      Options
	log       *slog.Logger

	mu    sync.Mutex
	panes map[string]*Pane
}

// NewBroker creates a broker for one session and reclaims orphaned
// multiplexer sessions left by a previous process.
func NewBroker(sessionID string, mux Multiplexer, paths PathValidator, opts Options) *Broker {
	opts.fill()
	b := &Broker{
		sessionID: sessionID,
		mux:       mux,
		paths:     paths,
		opts:      opts,
		log:       slog.With("component", "shell", "session_id", sessionID),
		panes:     make(map[string]*Pane),
	}
	b.killOrphans()
	return b
}

func (b *Broker) prefix() string {
	return fmt.Sprintf("maestro_%s_", b.sessionID)
}

func (b *Broker) muxName(name string) string {
	return b.prefix() + name
}

// killOrphans removes multiplexer sessions from a previous run of this
// session that the broker no longer tracks.
func (b *Broker) killOrphans() {
	names, err := b.mux.ListSessions(b.prefix())
	if err != nil {
		return
	}
	for _, n := range names {
		b.log.Info("killing orphaned shell", "mux_session", n)
		_ = b.mux.KillSession(n)
	}
}

// Create starts a named shell in startDir and waits for its first prompt.
func (b *Broker) Create(ctx context.Context, name, startDir string) (*Pane, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	dir, err := b.paths.ResolveExistingDir(startDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStartDir, err)
	}

	b.mu.Lock()
	if p, ok := b.panes[name]; ok && p.state != StateDead {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}
	pane := &Pane{
		Name:     name,
		StartDir: dir,
		Created:  time.Now(),
		muxName:  b.muxName(name),
		state:    StateCreating,
	}
	b.panes[name] = pane
	b.mu.Unlock()

	env := []string{"PS1=" + promptPS1, "TERM=dumb"}
	if err := b.mux.NewSession(pane.muxName, dir, "bash --norc --noprofile -i", env); err != nil {
		b.setState(name, StateDead)
		return nil, fmt.Errorf("start shell: %w", err)
	}

	deadline := time.Now().Add(b.opts.CreateTimeout)
	for {
		if capture, err := b.mux.CapturePane(pane.muxName); err == nil && endsWithPrompt(capture) {
			b.setState(name, StateIdle)
			b.log.Info("shell created", "name", name, "start_dir", dir)
			return pane, nil
		}
		if time.Now().After(deadline) {
			_ = b.mux.KillSession(pane.muxName)
			b.setState(name, StateDead)
			return nil, fmt.Errorf("%w: %q", ErrCreationTimeout, name)
		}
		select {
		case <-ctx.Done():
			_ = b.mux.KillSession(pane.muxName)
			b.setState(name, StateDead)
			return nil, ctx.Err()
		case <-time.After(b.opts.PollInterval):
		}
	}
}

// Run executes a command in an idle shell. With wait, it polls for the
// prompt to return; on timeout the command keeps running, the pane stays
// busy and the output so far is returned with ErrCommandTimeout. Without
// wait it returns immediately after sending the command, leaving the
// pane busy; the caller observes progress via View. A later Run or View
// observing the prompt flips the pane back to idle.
func (b *Broker) Run(ctx context.Context, name, command string, timeout time.Duration, wait bool) (string, error) {
	if timeout <= 0 {
		timeout = b.opts.DefaultTimeout
	}

	pane, err := b.pane(name)
	if err != nil {
		return "", err
	}
	if err := b.refresh(pane); err != nil {
		return "", err
	}

	b.mu.Lock()
	switch pane.state {
	case StateBusy, StateCreating:
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrBusy, name)
	case StateDead:
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrDead, name)
	}
	pane.state = StateBusy
	pane.lastCmd = command
	b.mu.Unlock()

	before, _ := b.mux.CapturePane(pane.muxName)

	if err := b.mux.SendKeys(pane.muxName, command, true); err != nil {
		b.setState(name, StateIdle)
		return "", fmt.Errorf("send command: %w", err)
	}

	if !wait {
		return "", nil
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Caller cancelled; the command keeps running.
			out, _ := b.outputSince(pane, before)
			return out, ctx.Err()
		case <-ticker.C:
		}

		if !b.mux.HasSession(pane.muxName) {
			b.setState(name, StateDead)
			out, _ := b.outputSince(pane, before)
			return out, fmt.Errorf("%w: %q", ErrDead, name)
		}

		capture, err := b.mux.CapturePane(pane.muxName)
		if err != nil {
			continue
		}
		if endsWithPrompt(capture) && capture != before {
			b.setState(name, StateIdle)
			return newOutput(before, capture, command), nil
		}
		if time.Now().After(deadline) {
			out := newOutput(before, capture, command)
			b.log.Warn("command timed out, shell stays busy", "name", name, "timeout", timeout)
			return out, fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
		}
	}
}

// View returns the current pane content, re-checking a busy pane for an
// idle prompt so timed-out commands can recover.
func (b *Broker) View(name string) (string, error) {
	pane, err := b.pane(name)
	if err != nil {
		return "", err
	}
	if err := b.refresh(pane); err != nil {
		return "", err
	}
	return b.mux.CapturePane(pane.muxName)
}

// WriteToProcess sends input to the process running in a busy pane.
func (b *Broker) WriteToProcess(name, input string, enter bool) error {
	pane, err := b.pane(name)
	if err != nil {
		return err
	}
	if err := b.refresh(pane); err != nil {
		return err
	}
	b.mu.Lock()
	state := pane.state
	b.mu.Unlock()
	if state != StateBusy {
		return fmt.Errorf("%w: %q", ErrNotIdle, name)
	}
	return b.mux.SendKeys(pane.muxName, input, enter)
}

// interruptWait bounds how long Interrupt polls for the prompt after
// sending Ctrl-C. Commands that trap SIGINT can outlast it; the pane
// then stays busy and the caller sees that in the returned state.
const interruptWait = 5 * time.Second

// Interrupt sends Ctrl-C to a pane, waits for the prompt to come back
// and returns the post-interrupt pane content.
func (b *Broker) Interrupt(name string) (string, error) {
	pane, err := b.pane(name)
	if err != nil {
		return "", err
	}
	if err := b.refresh(pane); err != nil {
		return "", err
	}
	b.mu.Lock()
	state := pane.state
	b.mu.Unlock()
	if state == StateDead {
		return "", fmt.Errorf("%w: %q", ErrDead, name)
	}

	if err := b.mux.SendInterrupt(pane.muxName); err != nil {
		return "", fmt.Errorf("send interrupt: %w", err)
	}

	deadline := time.Now().Add(interruptWait)
	var capture string
	for {
		capture, err = b.mux.CapturePane(pane.muxName)
		if err == nil && endsWithPrompt(capture) {
			b.setState(name, StateIdle)
			return capture, nil
		}
		if time.Now().After(deadline) {
			b.log.Warn("shell still busy after interrupt", "name", name)
			return capture, nil
		}
		time.Sleep(b.opts.PollInterval)
	}
}

// Kill terminates a pane.
func (b *Broker) Kill(name string) error {
	pane, err := b.pane(name)
	if err != nil {
		return err
	}
	_ = b.mux.KillSession(pane.muxName)
	b.setState(name, StateDead)
	b.log.Info("shell killed", "name", name)
	return nil
}

// List returns a snapshot of all panes, refreshing busy ones first.
func (b *Broker) List() []Info {
	b.mu.Lock()
	panes := make([]*Pane, 0, len(b.panes))
	for _, p := range b.panes {
		panes = append(panes, p)
	}
	b.mu.Unlock()

	out := make([]Info, 0, len(panes))
	for _, p := range panes {
		_ = b.refresh(p)
		b.mu.Lock()
		out = append(out, Info{Name: p.Name, State: p.state, StartDir: p.StartDir, Created: p.Created})
		b.mu.Unlock()
	}
	return out
}

// CloseAll kills every pane. Called at session close.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	names := make([]string, 0, len(b.panes))
	for name, p := range b.panes {
		if p.state != StateDead {
			names = append(names, name)
		}
	}
	b.mu.Unlock()
	for _, name := range names {
		_ = b.Kill(name)
	}
	b.killOrphans()
}

// State returns a pane's current state.
func (b *Broker) State(name string) (PaneState, error) {
	pane, err := b.pane(name)
	if err != nil {
		return "", err
	}
	_ = b.refresh(pane)
	b.mu.Lock()
	defer b.mu.Unlock()
	return pane.state, nil
}

func (b *Broker) pane(name string) (*Pane, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.panes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p, nil
}

// refresh re-derives a pane's state from the multiplexer: a vanished
// session is dead, and a busy pane showing the prompt is idle again.
func (b *Broker) refresh(p *Pane) error {
	b.mu.Lock()
	state := p.state
	b.mu.Unlock()
	if state == StateDead {
		return nil
	}

	if !b.mux.HasSession(p.muxName) {
		b.setState(p.Name, StateDead)
		return nil
	}
	if state == StateBusy {
		if capture, err := b.mux.CapturePane(p.muxName); err == nil && endsWithPrompt(capture) {
			b.setState(p.Name, StateIdle)
		}
	}
	return nil
}

func (b *Broker) setState(name string, s PaneState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.panes[name]; ok {
		p.state = s
	}
}

// outputSince captures the pane now and returns what the last command
// produced since the before snapshot.
func (b *Broker) outputSince(p *Pane, before string) (string, error) {
	capture, err := b.mux.CapturePane(p.muxName)
	if err != nil {
		return "", err
	}
	return newOutput(before, capture, p.lastCmd), nil
}

// endsWithPrompt reports whether the last non-empty line is the
// synthetic prompt.
func endsWithPrompt(capture string) bool {
	lines := strings.Split(strings.TrimRight(capture, "\n \t"), "\n")
	if len(lines) == 0 {
		return false
	}
	return promptRe.MatchString(strings.TrimRight(lines[len(lines)-1], " "))
}

// newOutput extracts what the command produced: everything past the
// previous capture, minus the echoed command line and trailing prompt.
func newOutput(before, after, command string) string {
	out := after
	if before != "" && strings.HasPrefix(after, before) {
		out = after[len(before):]
	}
	lines := strings.Split(out, "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " ")
		if promptRe.MatchString(trimmed) {
			continue
		}
		// Drop the echoed command (it appears after the previous prompt).
		if strings.HasSuffix(trimmed, command) && strings.Contains(trimmed, promptTag) {
			continue
		}
		if trimmed == command {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimRight(strings.TrimPrefix(strings.Join(kept, "\n"), "\n"), "\n")
}

// DirExists is a minimal PathValidator for callers without a workspace
// guard (doctor command, tests).
type DirExists struct{}

func (DirExists) ResolveExistingDir(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", p)
	}
	return p, nil
}

package shell

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMux simulates a multiplexer in memory. Commands complete instantly
// with scripted output unless listed in hanging, which leaves the pane
// without a prompt until complete() is called.
type fakeMux struct {
	mu       sync.Mutex
	sessions map[string]string // name -> pane content
	scripted map[string]string // command -> output
	hanging  map[string]string // command -> partial output, no prompt
}

const fakePrompt = "MAESTRO_SH:/work$ "

func newFakeMux() *fakeMux {
	return &fakeMux{
		sessions: make(map[string]string),
		scripted: make(map[string]string),
		hanging:  make(map[string]string),
	}
}

func (f *fakeMux) NewSession(name, startDir, command string, extraEnv []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = fakePrompt
	return nil
}

func (f *fakeMux) HasSession(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

func (f *fakeMux) SendKeys(name, text string, enter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.sessions[name]
	if !ok {
		return errors.New("no session")
	}
	content += text
	if enter {
		content += "\n"
		if partial, ok := f.hanging[text]; ok {
			content += partial
		} else {
			if out, ok := f.scripted[text]; ok {
				content += out + "\n"
			}
			content += fakePrompt
		}
	}
	f.sessions[name] = content
	return nil
}

func (f *fakeMux) SendInterrupt(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if content, ok := f.sessions[name]; ok {
		f.sessions[name] = content + "^C\n" + fakePrompt
	}
	return nil
}

func (f *fakeMux) CapturePane(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.sessions[name]
	if !ok {
		return "", errors.New("no session")
	}
	return content, nil
}

func (f *fakeMux) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *fakeMux) ListSessions(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for n := range f.sessions {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	return names, nil
}

// complete finishes a hanging command by printing the prompt.
func (f *fakeMux) complete(name, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if content, ok := f.sessions[name]; ok {
		if output != "" {
			content += output + "\n"
		}
		f.sessions[name] = content + fakePrompt
	}
}

func newTestBroker(t *testing.T) (*Broker, *fakeMux) {
	t.Helper()
	mux := newFakeMux()
	opts := Options{
		CreateTimeout:  200 * time.Millisecond,
		DefaultTimeout: 100 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}
	b := NewBroker("testsess", mux, DirExists{}, opts)
	return b, mux
}

func TestCreateValidation(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := b.Create(ctx, "bad name!", dir); !errors.Is(err, ErrInvalidName) {
		t.Errorf("invalid name err = %v", err)
	}
	if _, err := b.Create(ctx, "sh1", "/does/not/exist"); !errors.Is(err, ErrBadStartDir) {
		t.Errorf("bad dir err = %v", err)
	}
	if _, err := b.Create(ctx, "sh1", dir); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := b.Create(ctx, "sh1", dir); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate err = %v", err)
	}
}

func TestRunCompletes(t *testing.T) {
	b, mux := newTestBroker(t)
	ctx := context.Background()
	mux.scripted["echo hi"] = "hi"

	if _, err := b.Create(ctx, "main", t.TempDir()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	out, err := b.Run(ctx, "main", "echo hi", time.Second, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "hi" {
		t.Errorf("output = %q, want %q", out, "hi")
	}
	if st, _ := b.State("main"); st != StateIdle {
		t.Errorf("state = %q, want idle", st)
	}
}

func TestRunTimeoutKeepsBusyThenRecovers(t *testing.T) {
	b, mux := newTestBroker(t)
	ctx := context.Background()
	mux.hanging["sleep 100"] = "partial\n"

	if _, err := b.Create(ctx, "main", t.TempDir()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	out, err := b.Run(ctx, "main", "sleep 100", 30*time.Millisecond, true)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("err = %v, want ErrCommandTimeout", err)
	}
	if !strings.Contains(out, "partial") {
		t.Errorf("partial output = %q", out)
	}
	if st, _ := b.State("main"); st != StateBusy {
		t.Errorf("state after timeout = %q, want busy", st)
	}

	// Busy pane rejects another Run.
	if _, err := b.Run(ctx, "main", "echo x", time.Second, true); !errors.Is(err, ErrBusy) {
		t.Errorf("busy run err = %v", err)
	}

	// The command eventually finishes; the next state check sees the
	// prompt and flips back to idle.
	mux.complete("maestro_testsess_main", "finished")
	if st, _ := b.State("main"); st != StateIdle {
		t.Errorf("state after recovery = %q, want idle", st)
	}
	view, err := b.View("main")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if !strings.Contains(view, "finished") {
		t.Errorf("view missing late output: %q", view)
	}
}

func TestWriteToProcessRequiresBusy(t *testing.T) {
	b, mux := newTestBroker(t)
	ctx := context.Background()
	mux.hanging["python3"] = ">>> "

	if _, err := b.Create(ctx, "repl", t.TempDir()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.WriteToProcess("repl", "1+1", true); !errors.Is(err, ErrNotIdle) {
		t.Errorf("idle write err = %v", err)
	}
	_, err := b.Run(ctx, "repl", "python3", 20*time.Millisecond, true)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected timeout starting repl, got %v", err)
	}
	if err := b.WriteToProcess("repl", "1+1", true); err != nil {
		t.Errorf("busy write: %v", err)
	}
}

func TestKillAndDead(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Create(ctx, "main", t.TempDir()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Kill("main"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if st, _ := b.State("main"); st != StateDead {
		t.Errorf("state = %q", st)
	}
	if _, err := b.Run(ctx, "main", "echo x", time.Second, true); !errors.Is(err, ErrDead) {
		t.Errorf("run on dead err = %v", err)
	}
	if _, err := b.Run(ctx, "ghost", "echo x", time.Second, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("run on unknown err = %v", err)
	}
}

func TestExternallyKilledPaneBecomesDead(t *testing.T) {
	b, mux := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Create(ctx, "main", t.TempDir()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	mux.KillSession("maestro_testsess_main")
	if st, _ := b.State("main"); st != StateDead {
		t.Errorf("state = %q, want dead", st)
	}
}

func TestCloseAllKillsEverything(t *testing.T) {
	b, mux := newTestBroker(t)
	ctx := context.Background()
	dir := t.TempDir()

	for _, n := range []string{"a", "b"} {
		if _, err := b.Create(ctx, n, dir); err != nil {
			t.Fatalf("Create %s: %v", n, err)
		}
	}
	b.CloseAll()
	left, _ := mux.ListSessions("maestro_testsess_")
	if len(left) != 0 {
		t.Errorf("sessions left after CloseAll: %v", left)
	}
}

func TestOrphanCleanupOnStart(t *testing.T) {
	mux := newFakeMux()
	mux.sessions["maestro_oldsess_stale"] = fakePrompt
	mux.sessions["unrelated"] = fakePrompt

	NewBroker("oldsess", mux, DirExists{}, Options{})
	if mux.HasSession("maestro_oldsess_stale") {
		t.Error("orphan not killed")
	}
	if !mux.HasSession("unrelated") {
		t.Error("foreign session killed")
	}
}

func TestInterrupt(t *testing.T) {
	b, mux := newTestBroker(t)
	ctx := context.Background()
	mux.hanging["loop"] = "working\n"

	if _, err := b.Create(ctx, "main", t.TempDir()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := b.Run(ctx, "main", "loop", 20*time.Millisecond, true)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	out, err := b.Interrupt("main")
	if err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	// The fake prints ^C plus a prompt; Interrupt itself must observe
	// that, flip the pane idle and hand back the post-interrupt screen.
	if !strings.Contains(out, "^C") {
		t.Errorf("interrupt output missing pane text: %q", out)
	}
	if st, _ := b.State("main"); st != StateIdle {
		t.Errorf("state after interrupt = %q", st)
	}
}

func TestRunWithoutWaitReturnsImmediately(t *testing.T) {
	b, mux := newTestBroker(t)
	ctx := context.Background()
	mux.hanging["make build"] = "compiling\n"

	if _, err := b.Create(ctx, "main", t.TempDir()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	start := time.Now()
	out, err := b.Run(ctx, "main", "make build", time.Hour, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "" {
		t.Errorf("non-blocking run returned output %q", out)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("non-blocking run blocked for %s", elapsed)
	}
	if st, _ := b.State("main"); st != StateBusy {
		t.Errorf("state after non-blocking run = %q, want busy", st)
	}

	// Progress is visible through View while the command runs.
	view, err := b.View("main")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if !strings.Contains(view, "compiling") {
		t.Errorf("view missing in-flight output: %q", view)
	}

	// Completion is picked up by the next state check.
	mux.complete("maestro_testsess_main", "done")
	if st, _ := b.State("main"); st != StateIdle {
		t.Errorf("state after completion = %q, want idle", st)
	}
}

func TestInterruptDeadShell(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Create(ctx, "main", t.TempDir()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Kill("main"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, err := b.Interrupt("main"); !errors.Is(err, ErrDead) {
		t.Errorf("interrupt on dead shell err = %v", err)
	}
}

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lowkeylabs/maestro/internal/config"
	"github.com/lowkeylabs/maestro/internal/llm"
	"github.com/lowkeylabs/maestro/internal/state"
)

// nullMux satisfies shell.Multiplexer without a tmux server; no test
// here starts a shell.
type nullMux struct{}

func (nullMux) NewSession(name, startDir, command string, extraEnv []string) error { return nil }
func (nullMux) HasSession(name string) bool                                        { return false }
func (nullMux) SendKeys(name, text string, enter bool) error                       { return nil }
func (nullMux) SendInterrupt(name string) error                                    { return nil }
func (nullMux) CapturePane(name string) (string, error)                            { return "", nil }
func (nullMux) KillSession(name string) error                                      { return nil }
func (nullMux) ListSessions(prefix string) ([]string, error)                       { return nil, nil }

// stubClient answers every request with a fixed text reply, optionally
// stalling until the context dies.
type stubClient struct {
	mu    sync.Mutex
	reply string
	stall bool
	calls int
}

func (c *stubClient) Name() string { return "stub" }

func (c *stubClient) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	c.mu.Lock()
	c.calls++
	stall := c.stall
	c.mu.Unlock()
	if stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &llm.GenerateResponse{
		Blocks:     []llm.ContentBlock{llm.AssistantText{Text: c.reply}},
		StopReason: "stop",
	}, nil
}

func newTestManager(t *testing.T, client llm.Client) (*Manager, state.Store) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Agent.WorkspaceRoot = root + "/workspaces"
	cfg.Agent.ContextBudget = 1 << 30
	cfg.Tools.Unattended = true

	store, err := state.NewFileStore(root + "/store")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return NewManager(cfg, client, store, nullMux{}, nil), store
}

func TestCreateSubmitResume(t *testing.T) {
	client := &stubClient{reply: "done"}
	mgr, store := newTestManager(t, client)

	sess, err := mgr.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	final, err := mgr.Submit(context.Background(), sess.ID, "do the thing", nil)
	if err != nil || final != "done" {
		t.Fatalf("submit: %q, %v", final, err)
	}
	if got := sess.Metadata().Title; !strings.Contains(got, "do the thing") {
		t.Fatalf("title = %q", got)
	}

	// Persisted record survives a manager restart.
	fresh, _ := newTestManager(t, client)
	fresh.store = store
	resumed, err := fresh.Resume(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State.Len() != 2 {
		t.Fatalf("resumed history len = %d", resumed.State.Len())
	}
}

func TestEditResubmit(t *testing.T) {
	client := &stubClient{reply: "answer"}
	mgr, _ := newTestManager(t, client)

	sess, err := mgr.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := mgr.Submit(context.Background(), sess.ID, "first attempt", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	final, err := mgr.EditResubmit(context.Background(), sess.ID, "second attempt", nil)
	if err != nil || final != "answer" {
		t.Fatalf("edit resubmit: %q, %v", final, err)
	}

	// The first query and its reply are gone; only the edited exchange
	// remains.
	msgs := sess.State.Messages()
	if len(msgs) != 2 {
		t.Fatalf("history len = %d, want 2", len(msgs))
	}
	if got := msgs[0].Text(); !strings.Contains(got, "second attempt") || strings.Contains(got, "first attempt") {
		t.Fatalf("edited query = %q", got)
	}
	if err := sess.State.ValidatePairing(); err != nil {
		t.Fatalf("pairing: %v", err)
	}
}

func TestEditResubmitWithoutHistory(t *testing.T) {
	mgr, _ := newTestManager(t, &stubClient{reply: "x"})
	sess, err := mgr.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := mgr.EditResubmit(context.Background(), sess.ID, "edited", nil); !errors.Is(err, ErrNothingToEdit) {
		t.Fatalf("err = %v, want ErrNothingToEdit", err)
	}
}

func TestResumeUnknownSession(t *testing.T) {
	mgr, _ := newTestManager(t, &stubClient{reply: "x"})
	if _, err := mgr.Resume(context.Background(), "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentSubmitIsBusy(t *testing.T) {
	client := &stubClient{stall: true}
	mgr, _ := newTestManager(t, client)

	sess, err := mgr.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		mgr.Submit(context.Background(), sess.ID, "slow run", nil)
		close(done)
	}()
	<-started

	// Wait for the first run to hold the lock before probing.
	deadline := time.Now().Add(2 * time.Second)
	for sess.runMu.TryLock() {
		sess.runMu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("first submit never took the run lock")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := mgr.Submit(context.Background(), sess.ID, "second", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("second submit: %v", err)
	}

	if err := mgr.Cancel(sess.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled run did not finish")
	}
}

func TestAllowancesPersistAcrossResume(t *testing.T) {
	client := &stubClient{reply: "ok"}
	mgr, store := newTestManager(t, client)

	sess, err := mgr.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess.Dispatcher.RestoreAllowances([]string{"write_file"}, false)
	if _, err := mgr.Submit(context.Background(), sess.ID, "hi", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec, err := store.Load(sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	found := false
	for _, tool := range rec.Metadata.AllowedTools {
		if tool == "write_file" {
			found = true
		}
	}
	if !found {
		t.Fatalf("allowances not persisted: %v", rec.Metadata.AllowedTools)
	}
}

func TestCloseAndList(t *testing.T) {
	client := &stubClient{reply: "ok"}
	mgr, _ := newTestManager(t, client)

	a, err := mgr.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := mgr.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	metas, err := mgr.List()
	if err != nil || len(metas) != 2 {
		t.Fatalf("list = %v, %v", metas, err)
	}

	if err := mgr.CloseAll(); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if _, open := mgr.Get(a.ID); open {
		t.Fatalf("session %s still open", a.ID)
	}
	if _, open := mgr.Get(b.ID); open {
		t.Fatalf("session %s still open", b.ID)
	}

	// Closed sessions remain resumable.
	if _, err := mgr.Resume(context.Background(), a.ID); err != nil {
		t.Fatalf("resume after close: %v", err)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	mgr, store := newTestManager(t, &stubClient{reply: "ok"})
	sess, err := mgr.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Delete(sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(sess.ID); err == nil {
		t.Fatalf("record still present after delete")
	}
}

func TestUnattendedDispatcherAllowsMutatingTools(t *testing.T) {
	mgr, _ := newTestManager(t, &stubClient{reply: "ok"})
	sess, err := mgr.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	res := sess.Dispatcher.Run(context.Background(), llm.ToolCall{
		ID:   "c1",
		Name: "write_file",
		Input: map[string]any{
			"path":    sess.Guard.Root() + "/hello.txt",
			"content": "hi",
		},
	})
	if res.IsError {
		t.Fatalf("unattended write blocked: %s", res.LLMContent)
	}
}

// Package session owns the lifecycle of agent sessions: creation,
// resumption, run submission, cancellation and shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lowkeylabs/maestro/internal/agent"
	"github.com/lowkeylabs/maestro/internal/config"
	"github.com/lowkeylabs/maestro/internal/contextmgr"
	"github.com/lowkeylabs/maestro/internal/events"
	"github.com/lowkeylabs/maestro/internal/llm"
	"github.com/lowkeylabs/maestro/internal/shell"
	"github.com/lowkeylabs/maestro/internal/state"
	"github.com/lowkeylabs/maestro/internal/tools"
	"github.com/lowkeylabs/maestro/internal/workspace"
	"github.com/lowkeylabs/maestro/pkg/protocol"
)

var (
	ErrBusy          = errors.New("session is already running")
	ErrNotFound      = errors.New("session not found")
	ErrNothingToEdit = errors.New("no prior query to edit")
)

const defaultSystemPrompt = `You are an autonomous software agent working inside a sandboxed workspace.
Use the available tools to complete the user's task. Keep a task list with
todo_write as you work through multi-step jobs, and finish by calling
message_user with your final answer. Make exactly one tool call per reply.`

// ConfirmerFactory builds the confirmation bridge for a session's
// transport. A nil factory (or nil return) means unattended operation.
type ConfirmerFactory func(sessionID string, stream *events.Stream) tools.Confirmer

// Session bundles everything live for one conversation.
type Session struct {
	ID         string
	State      *state.State
	Stream     *events.Stream
	Guard      *workspace.Guard
	Broker     *shell.Broker
	Dispatcher *tools.Dispatcher
	Controller *agent.Controller
	Todos      *tools.TodoWriteTool

	metaMu sync.Mutex
	meta   state.Metadata

	runMu    sync.Mutex // held for the duration of a run
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// Metadata returns a snapshot of the session's metadata.
func (s *Session) Metadata() state.Metadata {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.meta
}

// Manager creates, resumes and tears down sessions.
type Manager struct {
	cfg       *config.Config
	client    llm.Client
	store     state.Store
	mux       shell.Multiplexer
	confirmer ConfirmerFactory
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg *config.Config, client llm.Client, store state.Store, mux shell.Multiplexer, confirmer ConfirmerFactory) *Manager {
	return &Manager{
		cfg:       cfg,
		client:    client,
		store:     store,
		mux:       mux,
		confirmer: confirmer,
		log:       slog.With("component", "session"),
		sessions:  make(map[string]*Session),
	}
}

// Create starts a fresh session with its own workspace directory.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	meta := state.Metadata{
		ID:            id,
		WorkspacePath: filepath.Join(m.cfg.Agent.WorkspaceRoot, id),
		Created:       now,
		Updated:       now,
	}

	sess, err := m.build(meta, state.New())
	if err != nil {
		return nil, err
	}
	if err := m.save(sess); err != nil {
		sess.Stream.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	sess.Stream.Publish(protocol.EventAgentInitialized, map[string]any{
		"session_id": id,
		"model":      m.cfg.Agent.Model,
	})
	sess.Stream.Publish(protocol.EventWorkspaceInfo, map[string]any{
		"workspace_path": meta.WorkspacePath,
	})
	m.log.Info("session created", "session_id", id, "workspace", meta.WorkspacePath)
	return sess, nil
}

// Resume brings a stored session back, restoring its history and
// previously granted tool allowances.
func (m *Manager) Resume(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	rec, err := m.store.Load(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	sess, err := m.build(rec.Metadata, state.Restore(rec.Messages, rec.Turns))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// A concurrent Resume may have won; keep the first one.
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		sess.Stream.Close()
		return existing, nil
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	sess.Stream.Publish(protocol.EventAgentInitialized, map[string]any{
		"session_id": id,
		"model":      m.cfg.Agent.Model,
		"resumed":    true,
		"messages":   sess.State.Len(),
	})
	m.log.Info("session resumed", "session_id", id, "messages", sess.State.Len())
	return sess, nil
}

func (m *Manager) build(meta state.Metadata, st *state.State) (*Session, error) {
	guard, err := workspace.New(meta.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("workspace for %s: %w", meta.ID, err)
	}

	stream := events.NewStream(meta.ID)
	emit := tools.Emitter(stream.Publish)

	broker := shell.NewBroker(meta.ID, m.mux, guard, shell.Options{
		CreateTimeout:  m.cfg.Shell.CreateTimeout.Std(),
		DefaultTimeout: m.cfg.Shell.DefaultTimeout.Std(),
		PollInterval:   m.cfg.Shell.PollInterval.Std(),
	})

	todos := tools.NewTodoWriteTool(emit)
	registry := tools.NewRegistry()
	registry.MustRegister(
		tools.NewReadFileTool(guard),
		tools.NewWriteFileTool(guard, emit),
		tools.NewEditFileTool(guard, emit),
		tools.NewListFilesTool(guard),
		tools.NewGlobTool(guard),
		tools.NewBashInitTool(broker, guard.Root()),
		tools.NewBashTool(broker, m.cfg.Shell.DefaultTimeout.Std()),
		tools.NewBashViewTool(broker),
		tools.NewBashWriteTool(broker),
		tools.NewBashInterruptTool(broker),
		tools.NewBashKillTool(broker),
		todos,
		tools.NewMessageUserTool(emit),
		tools.NewWebSearchTool(m.cfg.Tools.BraveAPIKey, m.cfg.Tools.SearchMaxResults),
		tools.NewWebFetchTool(),
	)

	var confirmer tools.Confirmer
	if !m.cfg.Tools.Unattended && m.confirmer != nil {
		confirmer = m.confirmer(meta.ID, stream)
	}
	dispatcher := tools.NewDispatcher(registry, confirmer)
	dispatcher.RestoreAllowances(meta.AllowedTools, meta.AllowAll)

	systemPrompt := m.cfg.Agent.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	systemPrompt += fmt.Sprintf("\n\nYour workspace root is %s. All file paths must stay inside it.", guard.Root())

	controller := agent.New(agent.Config{
		SessionID:    meta.ID,
		Client:       m.client,
		State:        st,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Compactor:    contextmgr.New(m.client, m.cfg.Agent.ContextBudget),
		Stream:       stream,
		Model:        m.cfg.Agent.Model,
		MaxTokens:    m.cfg.Agent.MaxTokens,
		Temperature:  m.cfg.Agent.Temperature,
		MaxTurns:     m.cfg.Agent.MaxTurns,
		SystemPrompt: systemPrompt,
	})

	return &Session{
		ID:         meta.ID,
		State:      st,
		Stream:     stream,
		Guard:      guard,
		Broker:     broker,
		Dispatcher: dispatcher,
		Controller: controller,
		Todos:      todos,
		meta:       meta,
	}, nil
}

// Submit runs one instruction to completion. A session runs one
// instruction at a time; concurrent submits fail fast with ErrBusy.
func (m *Manager) Submit(ctx context.Context, id, instruction string, attachments []string) (string, error) {
	return m.run(ctx, id, instruction, attachments, false)
}

// EditResubmit discards the most recent query and everything after it,
// then runs the edited instruction in its place.
func (m *Manager) EditResubmit(ctx context.Context, id, instruction string, attachments []string) (string, error) {
	return m.run(ctx, id, instruction, attachments, true)
}

func (m *Manager) run(ctx context.Context, id, instruction string, attachments []string, edit bool) (string, error) {
	sess, err := m.Resume(ctx, id)
	if err != nil {
		return "", err
	}
	if !sess.runMu.TryLock() {
		return "", ErrBusy
	}
	defer sess.runMu.Unlock()

	if edit && !sess.State.TruncateForEdit() {
		return "", ErrNothingToEdit
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.cancelMu.Lock()
	sess.cancel = cancel
	sess.cancelMu.Unlock()
	defer func() {
		sess.cancelMu.Lock()
		sess.cancel = nil
		sess.cancelMu.Unlock()
	}()

	sess.metaMu.Lock()
	if sess.meta.Title == "" {
		sess.meta.Title = clipTitle(instruction)
	}
	sess.metaMu.Unlock()

	final, runErr := sess.Controller.Submit(runCtx, instruction, attachments)

	if err := m.save(sess); err != nil {
		m.log.Error("failed to persist session after run", "session_id", id, "error", err)
	}
	return final, runErr
}

// Cancel interrupts the session's active run, if any.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sess.cancelMu.Lock()
	defer sess.cancelMu.Unlock()
	if sess.cancel != nil {
		sess.cancel()
	}
	return nil
}

// Compact collapses the session's history to a summary, on user request.
func (m *Manager) Compact(ctx context.Context, id string) error {
	sess, err := m.Resume(ctx, id)
	if err != nil {
		return err
	}
	if !sess.runMu.TryLock() {
		return ErrBusy
	}
	defer sess.runMu.Unlock()

	if err := sess.Controller.Compact(ctx); err != nil {
		return err
	}
	sess.metaMu.Lock()
	sess.meta.Compactions++
	sess.metaMu.Unlock()
	return m.save(sess)
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List returns stored session metadata, most recently updated first.
func (m *Manager) List() ([]state.Metadata, error) {
	metas, err := m.store.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Updated.After(metas[j].Updated)
	})
	return metas, nil
}

// Close flushes and tears down one session: shells killed, state saved,
// stream closed.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	sess.Broker.CloseAll()
	err := m.save(sess)
	sess.Stream.Close()
	m.log.Info("session closed", "session_id", id)
	return err
}

// CloseAll shuts every open session down in parallel.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error { return m.Close(id) })
	}
	return g.Wait()
}

// Delete closes the session if open and removes its stored record. The
// workspace directory is left on disk.
func (m *Manager) Delete(id string) error {
	if err := m.Close(id); err != nil {
		m.log.Warn("close before delete failed", "session_id", id, "error", err)
	}
	return m.store.Delete(id)
}

func (m *Manager) save(sess *Session) error {
	allowed, allowAll := sess.Dispatcher.Allowances()

	sess.metaMu.Lock()
	sess.meta.AllowedTools = allowed
	sess.meta.AllowAll = allowAll
	sess.meta.Updated = time.Now().UTC()
	meta := sess.meta
	sess.metaMu.Unlock()

	return m.store.Save(&state.Record{
		Metadata: meta,
		Messages: sess.State.Messages(),
		Turns:    sess.State.Turns(),
	})
}

const titleClip = 60

func clipTitle(instruction string) string {
	title := instruction
	if idx := len(title); idx > titleClip {
		title = title[:titleClip] + "..."
	}
	return title
}

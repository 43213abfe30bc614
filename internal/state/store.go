package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lowkeylabs/maestro/internal/llm"
)

// Metadata describes a persisted session.
type Metadata struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	WorkspacePath string    `json:"workspace_path"`
	AllowedTools  []string  `json:"allowed_tools,omitempty"` // AlwaysTool decisions carried across runs
	AllowAll      bool      `json:"allow_all,omitempty"`
	Created       time.Time `json:"created"`
	Updated       time.Time `json:"updated"`
	InputTokens   int64     `json:"input_tokens,omitempty"`
	OutputTokens  int64     `json:"output_tokens,omitempty"`
	Compactions   int       `json:"compactions,omitempty"`
}

// Record is everything persisted for one session.
type Record struct {
	Metadata Metadata
	Messages []llm.Message
	Turns    int
}

// Store persists session records.
type Store interface {
	Save(rec *Record) error
	Load(sessionID string) (*Record, error)
	List() ([]Metadata, error)
	Delete(sessionID string) error
}

// agentState is the on-disk shape of agent_state.json.
type agentState struct {
	Messages []llm.Message `json:"messages"`
	Turns    int           `json:"turns"`
}

// FileStore keeps one directory per session under
// <root>/sessions/<session_id>/ with agent_state.json and metadata.json.
type FileStore struct {
	root string
}

// NewFileStore creates the store, making the sessions directory.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (fs *FileStore) sessionDir(id string) string {
	return filepath.Join(fs.root, "sessions", id)
}

// Save writes both files atomically (temp file plus rename).
func (fs *FileStore) Save(rec *Record) error {
	dir := fs.sessionDir(rec.Metadata.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	st := agentState{Messages: rec.Messages, Turns: rec.Turns}
	if st.Messages == nil {
		st.Messages = []llm.Message{}
	}
	if err := writeJSONAtomic(filepath.Join(dir, "agent_state.json"), st); err != nil {
		return fmt.Errorf("save agent state: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, "metadata.json"), rec.Metadata); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// Load reads a session back. Returns os.ErrNotExist if absent.
func (fs *FileStore) Load(sessionID string) (*Record, error) {
	dir := fs.sessionDir(sessionID)

	metaData, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}

	stateData, err := os.ReadFile(filepath.Join(dir, "agent_state.json"))
	if err != nil {
		return nil, err
	}
	var st agentState
	if err := json.Unmarshal(stateData, &st); err != nil {
		return nil, fmt.Errorf("parse agent state: %w", err)
	}

	return &Record{Metadata: meta, Messages: st.Messages, Turns: st.Turns}, nil
}

// List returns metadata for every stored session.
func (fs *FileStore) List() ([]Metadata, error) {
	entries, err := os.ReadDir(filepath.Join(fs.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.sessionDir(e.Name()), "metadata.json"))
		if err != nil {
			continue // partial write or foreign dir, skip
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// Delete removes a session directory.
func (fs *FileStore) Delete(sessionID string) error {
	return os.RemoveAll(fs.sessionDir(sessionID))
}

// writeJSONAtomic writes via a temp file in the same directory, fsyncs,
// then renames into place so readers never see a torn file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

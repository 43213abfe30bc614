package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lowkeylabs/maestro/internal/llm"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore persists session records in a single embedded database.
// Selected with store.driver = "sqlite"; useful when the session count
// makes one-directory-per-session unwieldy.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	metadata    TEXT NOT NULL,
	messages    TEXT NOT NULL,
	turns       INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL
);
`

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// Single writer; the driver serializes but busy timeouts help under
	// concurrent session saves.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Save(rec *Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	msgs := rec.Messages
	if msgs == nil {
		msgs = []llm.Message{}
	}
	msgData, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, metadata, messages, turns, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			metadata = excluded.metadata,
			messages = excluded.messages,
			turns = excluded.turns,
			updated_at = excluded.updated_at`,
		rec.Metadata.ID, string(meta), string(msgData), rec.Turns, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.Metadata.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(sessionID string) (*Record, error) {
	var metaRaw, msgRaw string
	var turns int
	err := s.db.QueryRow(
		"SELECT metadata, messages, turns FROM sessions WHERE id = ?", sessionID,
	).Scan(&metaRaw, &msgRaw, &turns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, os.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	rec := &Record{Turns: turns}
	if err := json.Unmarshal([]byte(metaRaw), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(msgRaw), &rec.Messages); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) List() ([]Metadata, error) {
	rows, err := s.db.Query("SELECT metadata FROM sessions ORDER BY updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var meta Metadata
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(sessionID string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID)
	return err
}

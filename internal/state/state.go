// Package state holds a session's conversation history and its
// persistence backends.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/lowkeylabs/maestro/internal/llm"
)

// State is one session's ordered message history plus counters. Messages
// are append-only during a run; compaction splices ranges and
// edit-resubmit truncates from the last user text message.
type State struct {
	mu            sync.Mutex
	messages      []llm.Message
	turns         int
	tokenEstimate int
	updatedAt     time.Time
}

// New returns an empty State.
func New() *State {
	return &State{}
}

// Restore builds a State from persisted messages.
func Restore(messages []llm.Message, turns int) *State {
	s := &State{messages: messages, turns: turns, updatedAt: time.Now()}
	s.recountLocked()
	return s
}

// Append adds a message and updates the running token estimate.
func (s *State) Append(msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if msg.Role == llm.RoleAssistant {
		s.turns++
	}
	s.tokenEstimate += estimateTokens(msg.CharLen())
	s.updatedAt = time.Now()
}

// Messages returns a copy of the history.
func (s *State) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// LastRole returns the role of the most recent message, or "" for an
// empty history.
func (s *State) LastRole() llm.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return ""
	}
	return s.messages[len(s.messages)-1].Role
}

// Turns returns the assistant turn count.
func (s *State) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// TokenEstimate returns the running history size estimate in tokens.
func (s *State) TokenEstimate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenEstimate
}

// SetTokenEstimate overrides the estimate with a provider-reported value.
func (s *State) SetTokenEstimate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenEstimate = n
}

// ReplaceRange splices replacement in for messages[start:end]. Used by
// compaction; start/end are validated against the current history.
func (s *State) ReplaceRange(start, end int, replacement []llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if start < 0 || end > len(s.messages) || start > end {
		return fmt.Errorf("replace range [%d:%d) out of bounds (len %d)", start, end, len(s.messages))
	}
	out := make([]llm.Message, 0, len(s.messages)-(end-start)+len(replacement))
	out = append(out, s.messages[:start]...)
	out = append(out, replacement...)
	out = append(out, s.messages[end:]...)
	s.messages = out
	s.recountLocked()
	s.updatedAt = time.Now()
	return nil
}

// TruncateForEdit drops everything from the most recent user message that
// carries plain text (not just tool results) onward, so an edited
// instruction can be resubmitted. Returns false if no such message exists.
func (s *State) TruncateForEdit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := s.messages[i]
		if msg.Role != llm.RoleUser {
			continue
		}
		hasText := false
		for _, b := range msg.Blocks {
			if _, ok := b.(llm.UserText); ok {
				hasText = true
				break
			}
		}
		if hasText {
			s.messages = s.messages[:i]
			s.recountLocked()
			s.updatedAt = time.Now()
			return true
		}
	}
	return false
}

// ValidatePairing checks that every tool call is answered by exactly one
// matching result at the start of the following user message.
func (s *State) ValidatePairing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ValidatePairing(s.messages)
}

// ValidatePairing checks call/result pairing over an arbitrary slice.
func ValidatePairing(messages []llm.Message) error {
	for i, msg := range messages {
		calls := msg.ToolCalls()
		if len(calls) == 0 {
			continue
		}
		if msg.Role != llm.RoleAssistant {
			return fmt.Errorf("message %d: tool call in %s message", i, msg.Role)
		}
		if i+1 >= len(messages) {
			return fmt.Errorf("message %d: tool call %s unanswered at end of history", i, calls[0].ID)
		}
		next := messages[i+1]
		if next.Role != llm.RoleUser {
			return fmt.Errorf("message %d: tool call followed by %s message", i, next.Role)
		}
		results := next.ToolResults()
		answered := make(map[string]bool, len(results))
		for _, r := range results {
			answered[r.ToolCallID] = true
		}
		for _, c := range calls {
			if !answered[c.ID] {
				return fmt.Errorf("message %d: tool call %s has no result", i, c.ID)
			}
		}
	}
	return nil
}

func (s *State) recountLocked() {
	chars := 0
	s.tokenEstimate = 0
	for _, m := range s.messages {
		chars += m.CharLen()
	}
	s.tokenEstimate = estimateTokens(chars)
}

// charsPerToken is the conservative prose heuristic; good enough for a
// compaction trigger, calibrated against provider usage when available.
const charsPerToken = 4

func estimateTokens(chars int) int {
	return (chars + charsPerToken - 1) / charsPerToken
}

// EstimateTokens estimates the token count of a string.
func EstimateTokens(s string) int {
	return estimateTokens(len(s))
}

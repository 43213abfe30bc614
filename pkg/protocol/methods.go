package protocol

import "encoding/json"

// Client-to-server method names.
const (
	MethodChatSend      = "chat.send"
	MethodChatCancel    = "chat.cancel"
	MethodToolConfirm   = "tool.confirm"
	MethodSessionNew    = "session.new"
	MethodSessionList   = "session.list"
	MethodSessionResume = "session.resume"
	MethodPing          = "ping"
)

// Request is a client-to-server frame. Params shape depends on Method.
type Request struct {
	Method    string          `json:"method"`
	SessionID string          `json:"session_id,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// ChatSendParams carries a user instruction into a session. With Edit
// set, the most recent query and everything after it are discarded and
// Text runs in its place.
type ChatSendParams struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"` // paths under the session uploads dir
	Edit        bool     `json:"edit,omitempty"`
}

// ToolConfirmParams resolves a pending confirmation_request.
// Decision is one of "allow", "always_tool", "allow_all", "deny".
type ToolConfirmParams struct {
	CallID      string `json:"call_id"`
	Decision    string `json:"decision"`
	Alternative string `json:"alternative,omitempty"` // only meaningful with "deny"
}

// Confirmation decision strings.
const (
	DecisionAllow      = "allow"
	DecisionAlwaysTool = "always_tool"
	DecisionAllowAll   = "allow_all"
	DecisionDeny       = "deny"
)

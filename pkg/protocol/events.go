package protocol

// ProtocolVersion is bumped on breaking changes to the WS frame shapes.
const ProtocolVersion = 1

// Event types pushed from server to client. Every frame has the shape
// {"type": ..., "content": {...}, "session_id": ...}.
const (
	EventConnectionEstablished = "connection_established"
	EventAgentInitialized      = "agent_initialized"
	EventProcessing            = "processing"
	EventUserMessage           = "user_message"
	EventAgentThinking         = "agent_thinking"
	EventAgentMessage          = "agent_message"
	EventToolCall              = "tool_call"
	EventToolResult            = "tool_result"
	EventFileEdit              = "file_edit"
	EventWorkspaceInfo         = "workspace_info"
	EventPromptGenerated       = "prompt_generated"
	EventConfirmationRequest   = "confirmation_request"
	EventError                 = "error"
	EventSystem                = "system"
	EventPong                  = "pong"
	EventStreamComplete        = "stream_complete"
)

// Error kinds carried in the content of EventError frames.
const (
	ErrKindCancelled     = "cancelled"
	ErrKindProtocol      = "protocol_error"
	ErrKindLLM           = "llm_error"
	ErrKindTool          = "tool_error"
	ErrKindEventOverflow = "event_overflow"
	ErrKindInternal      = "internal"
)

// Event is a single server-to-client frame.
type Event struct {
	Type      string         `json:"type"`
	Content   map[string]any `json:"content,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Seq       uint64         `json:"seq,omitempty"`
}

// Package agentstream speaks the agent runtime's stream-json protocol:
// newline-delimited JSON over the subprocess's stdin/stdout, with control
// requests flowing in both directions. The server sends prompts and control
// operations (interrupt, set_permission_mode, rewind_files); the runtime
// streams messages and asks permission before tool use (can_use_tool).
package agentstream

import "encoding/json"

// Message types on the wire.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeStreamEvent     = "stream_event"
	MessageTypeResult          = "result"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	// SubtypeCanUseTool asks the server for permission to run a tool.
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInterrupt stops the current turn.
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode switches the runtime's permission mode.
	SubtypeSetPermissionMode = "set_permission_mode"
	// SubtypeRewindFiles restores files to a checkpoint.
	SubtypeRewindFiles = "rewind_files"
)

// Permission behaviors for can_use_tool responses.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// System message subtypes.
const (
	SubtypeInit = "init"
)

// Result subtypes.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// AskUserQuestionTool is the tool the runtime uses to pose a question to
// the end user. Permission requests for it short-circuit to a question
// event instead of the webhook pipeline.
const AskUserQuestionTool = "AskUserQuestion"

// AgentMessage is one line of runtime stdout. Type selects which fields
// are populated.
type AgentMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// control_response (acks for requests the server sent)
	Response *ControlAck `json:"response,omitempty"`

	// system init
	SessionID      string            `json:"session_id,omitempty"`
	Model          string            `json:"model,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
	MCPServers     []MCPServerStatus `json:"mcp_servers,omitempty"`
	Plugins        []string          `json:"plugins,omitempty"`
	Commands       []string          `json:"slash_commands,omitempty"`
	PermissionMode string            `json:"permission_mode,omitempty"`

	// assistant / user
	Message         *ChatMessage `json:"message,omitempty"`
	UUID            string       `json:"uuid,omitempty"`
	ParentToolUseID string       `json:"parent_tool_use_id,omitempty"`

	// stream_event (partial content deltas, passed through opaquely)
	Event json.RawMessage `json:"event,omitempty"`

	// result
	IsError          bool              `json:"is_error,omitempty"`
	DurationMS       int64             `json:"duration_ms,omitempty"`
	NumTurns         int               `json:"num_turns,omitempty"`
	TotalCostUSD     float64           `json:"total_cost_usd,omitempty"`
	Usage            *Usage            `json:"usage,omitempty"`
	ModelUsage       map[string]*Usage `json:"model_usage,omitempty"`
	Result           string            `json:"result,omitempty"`
	StructuredOutput json.RawMessage   `json:"structured_output,omitempty"`
	StopReason       string            `json:"stop_reason,omitempty"`
}

// MCPServerStatus reports one MCP server's startup outcome in the init
// message.
type MCPServerStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ChatMessage is the content body of assistant and user messages.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block in a chat message. Type is text, thinking,
// tool_use, or tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage is token accounting as reported by the runtime.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ControlRequest is a runtime-initiated control operation, today always a
// can_use_tool permission request.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// PermissionResult answers a can_use_tool request.
type PermissionResult struct {
	// Behavior is allow or deny.
	Behavior string `json:"behavior"`

	// UpdatedInput replaces the tool input on allow.
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`

	// Message carries the denial reason back to the model.
	Message string `json:"message,omitempty"`

	// Interrupt stops the turn after a deny.
	Interrupt bool `json:"interrupt,omitempty"`
}

// ControlResponseMessage answers a runtime control request on stdin.
type ControlResponseMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	// Subtype is success or error.
	Subtype string `json:"subtype"`

	Result *PermissionResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// ControlRequestMessage is a server-initiated control operation on stdin.
type ControlRequestMessage struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody selects the operation by subtype.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`

	// rewind_files
	UserMessageUUID string `json:"user_message_uuid,omitempty"`
}

// ControlAck acknowledges a server-initiated control request. The runtime
// nests the request id inside the response body.
type ControlAck struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// UserMessage delivers a prompt on stdin.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the prompt content.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

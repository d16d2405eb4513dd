package v1

import "encoding/json"

// Stream event names. Every SSE frame carries one of these in its event:
// line; the WebSocket transport carries them in the envelope's type field.
const (
	EventInit     = "init"
	EventMessage  = "message"
	EventPartial  = "partial"
	EventQuestion = "question"
	EventResult   = "result"
	EventError    = "error"
	EventDone     = "done"
)

// Done reasons.
const (
	DoneCompleted   = "completed"
	DoneInterrupted = "interrupted"
	DoneError       = "error"
)

// StreamEvent is one downstream event: a name plus its JSON payload.
type StreamEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// InitEvent opens every stream with the session identity and the resolved
// invocation surface.
type InitEvent struct {
	SessionID      string            `json:"session_id"`
	Model          string            `json:"model,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
	MCPServers     []MCPServerStatus `json:"mcp_servers"`
	Plugins        []string          `json:"plugins,omitempty"`
	Commands       []string          `json:"commands,omitempty"`
	PermissionMode string            `json:"permission_mode,omitempty"`
}

// MCPServerStatus reports one injected MCP server's connection state.
type MCPServerStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MessageEvent carries one complete user/assistant/system message.
type MessageEvent struct {
	Type            string         `json:"type"`
	Content         []ContentBlock `json:"content"`
	Model           string         `json:"model,omitempty"`
	UUID            string         `json:"uuid,omitempty"`
	Usage           *Usage         `json:"usage,omitempty"`
	ParentToolUseID string         `json:"parent_tool_use_id,omitempty"`
}

// ContentBlock is one block inside a message. Type discriminates the
// variant: text, thinking, tool_use, tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
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

// Usage reports token consumption for one message or the whole run.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// PartialEvent is a streaming delta, emitted only when the request opted
// into partial messages.
type PartialEvent struct {
	Index    int    `json:"index"`
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// QuestionEvent asks the client to decide something mid-stream. Answered
// via the answer endpoint or a WS answer message.
type QuestionEvent struct {
	QuestionID string           `json:"question_id"`
	Text       string           `json:"text"`
	Options    []QuestionOption `json:"options,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// ResultEvent is the terminal summary of one run.
type ResultEvent struct {
	SessionID        string          `json:"session_id"`
	IsError          bool            `json:"is_error"`
	DurationMS       int64           `json:"duration_ms"`
	NumTurns         int             `json:"num_turns"`
	TotalCostUSD     float64         `json:"total_cost_usd,omitempty"`
	Usage            *Usage          `json:"usage,omitempty"`
	ModelUsage       map[string]any  `json:"model_usage,omitempty"`
	Result           string          `json:"result,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	StopReason       string          `json:"stop_reason,omitempty"`
}

// DoneEvent always terminates the stream.
type DoneEvent struct {
	Reason string `json:"reason"`
}

package v1

import (
	"encoding/json"
	"time"
)

// QueryRequest starts a new query, a resume, or a fork. The prompt is
// required; everything else is optional.
type QueryRequest struct {
	Prompt string `json:"prompt" binding:"required"`

	Model string `json:"model,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
	// Env is passed through to the agent process. Dangerous loader keys
	// (LD_PRELOAD, LD_LIBRARY_PATH, PATH) are refused.
	Env map[string]string `json:"env,omitempty"`

	SystemPrompt       string `json:"system_prompt,omitempty"`
	AppendSystemPrompt string `json:"append_system_prompt,omitempty"`

	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
	PermissionMode  string   `json:"permission_mode,omitempty"`
	MaxTurns        int      `json:"max_turns,omitempty"`

	// MCPServers is the request tier of the three-tier merge. A present but
	// empty object opts out of MCP injection entirely; absent/null merges
	// the server-side tiers. The pointer distinguishes the two.
	MCPServers *map[string]MCPServerDef `json:"mcp_servers,omitempty"`

	// Hooks maps event names (PreToolUse, PostToolUse, ...) to webhook
	// registrations.
	Hooks map[string][]HookConfig `json:"hooks,omitempty"`

	Checkpointing          bool            `json:"checkpointing,omitempty"`
	IncludePartialMessages bool            `json:"include_partial_messages,omitempty"`
	OutputSchema           json.RawMessage `json:"output_schema,omitempty"`
	Metadata               map[string]any  `json:"metadata,omitempty"`
}

// MCPServerDef is the wire form of one MCP server declaration.
type MCPServerDef struct {
	Transport string            `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

// HookConfig registers one webhook for a hook event.
type HookConfig struct {
	URL            string            `json:"url" binding:"required"`
	Headers        map[string]string `json:"headers,omitempty"`
	Matcher        string            `json:"matcher,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// Session is the API view of a session row. The owner hash never leaves
// the server.
type Session struct {
	ID              string         `json:"id"`
	Status          string         `json:"status"`
	Model           string         `json:"model,omitempty"`
	Cwd             string         `json:"cwd,omitempty"`
	TotalTurns      int            `json:"total_turns"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
	ParentSessionID *string        `json:"parent_session_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// SessionListResponse is one page of the caller's sessions.
type SessionListResponse struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// QuerySingleResponse aggregates a whole stream into one JSON body for
// clients that do not want SSE. Error is set when the stream faulted.
type QuerySingleResponse struct {
	SessionID string         `json:"session_id"`
	Messages  []MessageEvent `json:"messages"`
	Result    *ResultEvent   `json:"result,omitempty"`
	Error     *ErrorBody     `json:"error,omitempty"`
}

// AnswerRequest replies to a question event.
type AnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required"`
	Answer     string `json:"answer" binding:"required"`
}

// RewindRequest rewinds the session's files to a checkpoint.
type RewindRequest struct {
	UserMessageUUID string `json:"user_message_uuid" binding:"required"`
}

// RewindResponse reports the applied rewind.
type RewindResponse struct {
	SessionID       string   `json:"session_id"`
	UserMessageUUID string   `json:"user_message_uuid"`
	FilesRestored   []string `json:"files_restored,omitempty"`
}

// Checkpoint is the API view of a recorded checkpoint.
type Checkpoint struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	UserMessageUUID string    `json:"user_message_uuid"`
	FilesModified   []string  `json:"files_modified"`
	CreatedAt       time.Time `json:"created_at"`
}

// CheckpointListResponse lists a session's checkpoints.
type CheckpointListResponse struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// InterruptResponse acknowledges an interrupt signal.
type InterruptResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// MCPServerRecord is the redacted admin view of a tenant MCP server.
type MCPServerRecord struct {
	Name string `json:"name"`
	MCPServerDef
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// MCPServerListResponse lists the tenant's MCP servers.
type MCPServerListResponse struct {
	Servers []MCPServerRecord `json:"servers"`
}

// HealthResponse reports service and dependency health.
type HealthResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

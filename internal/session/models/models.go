// Package models defines the durable records agentd keeps for every
// conversation: the session row, its append-only message log, and the
// file checkpoints used for rewind.
package models

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionActive is the only state that accepts new queries.
	SessionActive SessionStatus = "active"
	// SessionCompleted marks a conversation closed by the client.
	SessionCompleted SessionStatus = "completed"
	// SessionError marks a conversation ended by an unrecoverable failure.
	SessionError SessionStatus = "error"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionError:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. Terminal sessions never
// transition again.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionError
}

// Session represents one durable conversation with the agent runtime.
// OwnerAPIKeyHash is the hex SHA-256 of the creating tenant's credential
// and is immutable after creation.
type Session struct {
	ID              string         `json:"id"`
	Status          SessionStatus  `json:"status"`
	Model           string         `json:"model,omitempty"`
	Cwd             string         `json:"cwd,omitempty"`
	TotalTurns      int            `json:"total_turns"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
	ParentSessionID *string        `json:"parent_session_id,omitempty"`
	OwnerAPIKeyHash string         `json:"owner_api_key_hash"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MessageKind classifies entries in the session message log.
type MessageKind string

const (
	MessageKindUser      MessageKind = "user"
	MessageKindAssistant MessageKind = "assistant"
	MessageKindSystem    MessageKind = "system"
	MessageKindResult    MessageKind = "result"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindUser, MessageKindAssistant, MessageKindSystem, MessageKindResult:
		return true
	}
	return false
}

// SessionMessage is an append-only audit record. Content holds the
// stream event payload as emitted to the client.
type SessionMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Kind      MessageKind     `json:"kind"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// Checkpoint records the files the agent touched during one user turn.
// UserMessageUUID comes from the agent runtime and is globally unique;
// it doubles as the rewind target identifier.
type Checkpoint struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	UserMessageUUID string    `json:"user_message_uuid"`
	FilesModified   []string  `json:"files_modified"`
	CreatedAt       time.Time `json:"created_at"`
}

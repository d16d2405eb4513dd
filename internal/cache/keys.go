package cache

import "fmt"

// Key builders. Every cache key used by agentd is constructed here so the
// namespace stays greppable in one place.

// SessionKey holds the cached session row.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// OwnerIndexKey is the set of session IDs owned by a tenant hash.
func OwnerIndexKey(ownerHash string) string {
	return "session:owner:" + ownerHash
}

// ActiveSessionKey marks a session with a live runner somewhere in the fleet.
func ActiveSessionKey(sessionID string) string {
	return "active_session:" + sessionID
}

// InterruptKey marks a pending interrupt request for a session.
func InterruptKey(sessionID string) string {
	return "interrupted:" + sessionID
}

// SessionLockKey serializes mutating operations on a session.
func SessionLockKey(sessionID string) string {
	return "session_lock:" + sessionID
}

// MCPServerKey holds one tenant-scoped MCP server definition.
func MCPServerKey(ownerHash, name string) string {
	return fmt.Sprintf("mcp_server:%s:%s", ownerHash, name)
}

// MCPServerIndexKey is the set of MCP server names configured for a tenant.
func MCPServerIndexKey(ownerHash string) string {
	return "mcp_servers:index:" + ownerHash
}

// AnswerKey carries a question answer to whichever instance runs the session.
func AnswerKey(sessionID, questionID string) string {
	return fmt.Sprintf("answer:%s:%s", sessionID, questionID)
}

// RateLimitKey is the fixed-window request counter for a tenant.
func RateLimitKey(ownerHash string, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", ownerHash, window)
}

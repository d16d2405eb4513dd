package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "session:s1", SessionKey("s1"))
	assert.Equal(t, "session:owner:abc", OwnerIndexKey("abc"))
	assert.Equal(t, "active_session:s1", ActiveSessionKey("s1"))
	assert.Equal(t, "interrupted:s1", InterruptKey("s1"))
	assert.Equal(t, "session_lock:s1", SessionLockKey("s1"))
	assert.Equal(t, "mcp_server:abc:github", MCPServerKey("abc", "github"))
	assert.Equal(t, "mcp_servers:index:abc", MCPServerIndexKey("abc"))
	assert.Equal(t, "answer:s1:q1", AnswerKey("s1", "q1"))
	assert.Equal(t, "ratelimit:abc:29100", RateLimitKey("abc", 29100))
}

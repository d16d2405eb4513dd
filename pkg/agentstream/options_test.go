package agentstream

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArgsMinimal(t *testing.T) {
	args := Options{Binary: "agent"}.Args()
	assert.Equal(t, []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}, args)
}

func TestArgsFull(t *testing.T) {
	args := Options{
		Binary:                 "agent",
		Model:                  "sonnet",
		SystemPrompt:           "be terse",
		AppendSystemPrompt:     "answer in French",
		PermissionMode:         "acceptEdits",
		AllowedTools:           []string{"Read", "Grep"},
		DisallowedTools:        []string{"Bash"},
		MaxTurns:               8,
		MCPConfig:              json.RawMessage(`{"servers":{"gh":{"command":"gh-mcp"}}}`),
		Resume:                 "sess-1",
		Fork:                   true,
		Checkpointing:          true,
		IncludePartialMessages: true,
		OutputSchema:           json.RawMessage(`{"type":"object"}`),
	}.Args()

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--model sonnet")
	assert.Contains(t, joined, "--system-prompt be terse")
	assert.Contains(t, joined, "--append-system-prompt answer in French")
	assert.Contains(t, joined, "--permission-mode acceptEdits")
	assert.Contains(t, joined, "--allowed-tools Read,Grep")
	assert.Contains(t, joined, "--disallowed-tools Bash")
	assert.Contains(t, joined, "--max-turns 8")
	assert.Contains(t, joined, `--mcp-config {"servers":{"gh":{"command":"gh-mcp"}}}`)
	assert.Contains(t, joined, "--resume sess-1")
	assert.Contains(t, joined, "--fork-session")
	assert.Contains(t, joined, "--checkpointing")
	assert.Contains(t, joined, "--include-partial-messages")
	assert.Contains(t, joined, `--output-schema {"type":"object"}`)
	assert.NotContains(t, joined, "--rewind-to")
}

func TestArgsForkRequiresResume(t *testing.T) {
	// Fork without a session to fork from is meaningless; the flag is
	// only emitted alongside --resume.
	joined := strings.Join(Options{Binary: "agent", Fork: true}.Args(), " ")
	assert.NotContains(t, joined, "--fork-session")
}

func TestArgsRewind(t *testing.T) {
	joined := strings.Join(Options{Binary: "agent", Resume: "sess-1", RewindTo: "uuid-9"}.Args(), " ")
	assert.Contains(t, joined, "--resume sess-1")
	assert.Contains(t, joined, "--rewind-to uuid-9")
}

package agentstream

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Options configures one runtime invocation. Zero values are omitted from
// the command line.
type Options struct {
	// Binary is the runtime CLI path.
	Binary string

	// Cwd is the working directory the agent operates in.
	Cwd string

	// Env is appended to the inherited process environment.
	Env map[string]string

	Model              string
	SystemPrompt       string
	AppendSystemPrompt string
	PermissionMode     string
	AllowedTools       []string
	DisallowedTools    []string
	MaxTurns           int

	// MCPConfig is the merged server map, marshalled as {"servers":{...}}.
	MCPConfig json.RawMessage

	// Resume continues an existing runtime session; Fork branches a new
	// session id off it instead.
	Resume string
	Fork   bool

	Checkpointing          bool
	IncludePartialMessages bool
	OutputSchema           json.RawMessage

	// RewindTo runs a one-shot file rewind to the given user message UUID
	// instead of a conversation turn.
	RewindTo string
}

// Args renders the CLI argument list. Stream-json on both pipes is not
// optional; everything else mirrors the populated fields.
func (o Options) Args() []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}

	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.SystemPrompt != "" {
		args = append(args, "--system-prompt", o.SystemPrompt)
	}
	if o.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", o.AppendSystemPrompt)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(o.AllowedTools, ","))
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(o.DisallowedTools, ","))
	}
	if o.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(o.MaxTurns))
	}
	if len(o.MCPConfig) > 0 {
		args = append(args, "--mcp-config", string(o.MCPConfig))
	}
	if o.Resume != "" {
		args = append(args, "--resume", o.Resume)
		if o.Fork {
			args = append(args, "--fork-session")
		}
	}
	if o.Checkpointing {
		args = append(args, "--checkpointing")
	}
	if o.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if len(o.OutputSchema) > 0 {
		args = append(args, "--output-schema", string(o.OutputSchema))
	}
	if o.RewindTo != "" {
		args = append(args, "--rewind-to", o.RewindTo)
	}

	return args
}

// environ merges o.Env over the inherited environment.
func (o Options) environ() []string {
	env := os.Environ()
	for k, v := range o.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

package main

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd/agentd/pkg/agentstream"
)

type agentHarness struct {
	stdin *io.PipeWriter
	out   *json.Decoder
	enc   *json.Encoder
}

func startAgent(t *testing.T, opts options) *agentHarness {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	a := newAgent(stdinR, stdoutW, opts)
	go func() {
		_ = a.run()
		_ = stdoutW.Close()
	}()
	t.Cleanup(func() { _ = stdinW.Close() })

	return &agentHarness{
		stdin: stdinW,
		out:   json.NewDecoder(stdoutR),
		enc:   json.NewEncoder(stdinW),
	}
}

func (h *agentHarness) sendPrompt(t *testing.T, prompt string) {
	t.Helper()
	require.NoError(t, h.enc.Encode(agentstream.UserMessage{
		Type:    agentstream.MessageTypeUser,
		Message: agentstream.UserMessageBody{Role: "user", Content: prompt},
	}))
}

func (h *agentHarness) next(t *testing.T) agentstream.AgentMessage {
	t.Helper()
	type decoded struct {
		msg agentstream.AgentMessage
		err error
	}
	ch := make(chan decoded, 1)
	go func() {
		var msg agentstream.AgentMessage
		err := h.out.Decode(&msg)
		ch <- decoded{msg, err}
	}()
	select {
	case d := <-ch:
		require.NoError(t, d.err)
		return d.msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for agent output")
		return agentstream.AgentMessage{}
	}
}

func TestEchoPromptStreamsInitMessageResult(t *testing.T) {
	h := startAgent(t, options{model: "mock-default", permissionMode: "default"})
	h.sendPrompt(t, "hello there")

	init := h.next(t)
	assert.Equal(t, agentstream.MessageTypeSystem, init.Type)
	assert.Equal(t, agentstream.SubtypeInit, init.Subtype)
	assert.NotEmpty(t, init.SessionID)
	assert.Equal(t, "mock-default", init.Model)

	msg := h.next(t)
	require.Equal(t, agentstream.MessageTypeAssistant, msg.Type)
	require.NotNil(t, msg.Message)
	require.Len(t, msg.Message.Content, 1)
	assert.Contains(t, msg.Message.Content[0].Text, "hello there")

	result := h.next(t)
	assert.Equal(t, agentstream.MessageTypeResult, result.Type)
	assert.False(t, result.IsError)
	assert.Equal(t, 1, result.NumTurns)
}

func TestErrorPromptMarksResult(t *testing.T) {
	h := startAgent(t, options{model: "m", permissionMode: "default"})
	h.sendPrompt(t, "please error out")

	h.next(t) // init
	h.next(t) // assistant
	result := h.next(t)
	assert.Equal(t, agentstream.MessageTypeResult, result.Type)
	assert.True(t, result.IsError)
	assert.Equal(t, agentstream.ResultError, result.Subtype)
}

func TestEditScenarioPermissionAllow(t *testing.T) {
	h := startAgent(t, options{model: "m", permissionMode: "default"})
	h.sendPrompt(t, "edit the notes file")

	h.next(t) // init
	toolUse := h.next(t)
	require.Equal(t, agentstream.MessageTypeAssistant, toolUse.Type)
	assert.Equal(t, "tool_use", toolUse.Message.Content[0].Type)

	perm := h.next(t)
	require.Equal(t, agentstream.MessageTypeControlRequest, perm.Type)
	require.NotNil(t, perm.Request)
	assert.Equal(t, agentstream.SubtypeCanUseTool, perm.Request.Subtype)
	assert.Equal(t, "Write", perm.Request.ToolName)

	require.NoError(t, h.enc.Encode(agentstream.ControlResponseMessage{
		Type:      agentstream.MessageTypeControlResponse,
		RequestID: perm.RequestID,
		Response: &agentstream.ControlResponse{
			Subtype: "success",
			Result:  &agentstream.PermissionResult{Behavior: agentstream.BehaviorAllow},
		},
	}))

	toolResult := h.next(t)
	assert.Equal(t, agentstream.MessageTypeUser, toolResult.Type)
	assert.NotEmpty(t, toolResult.UUID, "tool results carry a checkpointable uuid")
	assert.Equal(t, "tool_result", toolResult.Message.Content[0].Type)

	h.next(t) // closing assistant text
	result := h.next(t)
	assert.Equal(t, agentstream.MessageTypeResult, result.Type)
	assert.False(t, result.IsError)
}

func TestEditScenarioPermissionDeny(t *testing.T) {
	h := startAgent(t, options{model: "m", permissionMode: "default"})
	h.sendPrompt(t, "edit the notes file")

	h.next(t) // init
	h.next(t) // tool_use
	perm := h.next(t)
	require.Equal(t, agentstream.MessageTypeControlRequest, perm.Type)

	require.NoError(t, h.enc.Encode(agentstream.ControlResponseMessage{
		Type:      agentstream.MessageTypeControlResponse,
		RequestID: perm.RequestID,
		Response: &agentstream.ControlResponse{
			Subtype: "success",
			Result: &agentstream.PermissionResult{
				Behavior: agentstream.BehaviorDeny,
				Message:  "not on this host",
			},
		},
	}))

	text := h.next(t)
	require.Equal(t, agentstream.MessageTypeAssistant, text.Type)
	assert.Contains(t, text.Message.Content[0].Text, "not on this host")

	result := h.next(t)
	assert.Equal(t, agentstream.MessageTypeResult, result.Type)
	assert.False(t, result.IsError)
}

func TestBypassPermissionsSkipsTheGate(t *testing.T) {
	h := startAgent(t, options{model: "m", permissionMode: "bypassPermissions"})
	h.sendPrompt(t, "run something in bash")

	h.next(t) // init
	h.next(t) // tool_use
	toolResult := h.next(t)
	assert.Equal(t, agentstream.MessageTypeUser, toolResult.Type, "no permission request in bypass mode")
}

func TestSetPermissionModeAck(t *testing.T) {
	h := startAgent(t, options{model: "m", permissionMode: "default"})

	require.NoError(t, h.enc.Encode(agentstream.ControlRequestMessage{
		Type:      agentstream.MessageTypeControlRequest,
		RequestID: "ctl-1",
		Request: agentstream.ControlRequestBody{
			Subtype: agentstream.SubtypeSetPermissionMode,
			Mode:    "plan",
		},
	}))

	ack := h.next(t)
	assert.Equal(t, agentstream.MessageTypeControlResponse, ack.Type)
	require.NotNil(t, ack.Response)
	assert.Equal(t, "success", ack.Response.Subtype)
	assert.Equal(t, "ctl-1", ack.Response.RequestID)

	// The next prompt reports the switched mode in its init message.
	h.sendPrompt(t, "hello")
	init := h.next(t)
	assert.Equal(t, "plan", init.PermissionMode)
}

func TestPartialDeltasPrecedeMessages(t *testing.T) {
	h := startAgent(t, options{model: "m", permissionMode: "default", partials: true})
	h.sendPrompt(t, "hi")

	h.next(t) // init
	first := h.next(t)
	assert.Equal(t, agentstream.MessageTypeStreamEvent, first.Type)
	var delta struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(first.Event, &delta))
	assert.Equal(t, "content_block_delta", delta.Type)
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--model", "m2",
		"--permission-mode", "acceptEdits",
		"--resume", "mock-9",
		"--fork-session",
		"--checkpointing",
		"--include-partial-messages",
		"--rewind-to", "u-3",
	})
	require.NoError(t, err)
	assert.Equal(t, "m2", opts.model)
	assert.Equal(t, "acceptEdits", opts.permissionMode)
	assert.Equal(t, "mock-9", opts.resume)
	assert.True(t, opts.fork)
	assert.True(t, opts.checkpointing)
	assert.True(t, opts.partials)
	assert.Equal(t, "u-3", opts.rewindTo)
}

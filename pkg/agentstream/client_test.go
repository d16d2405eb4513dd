package agentstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPrompt(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), nil)

	require.NoError(t, client.SendPrompt("list the files"))

	var msg UserMessage
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg))
	assert.Equal(t, MessageTypeUser, msg.Type)
	assert.Equal(t, "user", msg.Message.Role)
	assert.Equal(t, "list the files", msg.Message.Content)
}

func TestAllowToolWritesControlResponse(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), nil)

	require.NoError(t, client.AllowTool("req-1", map[string]any{"file_path": "/tmp/x"}))

	var msg ControlResponseMessage
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg))
	assert.Equal(t, MessageTypeControlResponse, msg.Type)
	assert.Equal(t, "req-1", msg.RequestID)
	require.NotNil(t, msg.Response.Result)
	assert.Equal(t, BehaviorAllow, msg.Response.Result.Behavior)
	assert.Equal(t, "/tmp/x", msg.Response.Result.UpdatedInput["file_path"])
}

func TestDenyToolWritesControlResponse(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), nil)

	require.NoError(t, client.DenyTool("req-2", "blocked by policy", true))

	var msg ControlResponseMessage
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg))
	require.NotNil(t, msg.Response.Result)
	assert.Equal(t, BehaviorDeny, msg.Response.Result.Behavior)
	assert.Equal(t, "blocked by policy", msg.Response.Result.Message)
	assert.True(t, msg.Response.Result.Interrupt)
}

func TestMessageHandlerReceivesStreamedMessages(t *testing.T) {
	lines := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"s1","model":"m1","tools":["Bash"],"mcp_servers":[{"name":"gh","status":"connected"}],"permission_mode":"default"}`,
		`{"type":"assistant","uuid":"u1","message":{"role":"assistant","content":[{"type":"text","text":"hello"}],"model":"m1"}}`,
		`{"type":"result","subtype":"success","num_turns":2,"duration_ms":1200,"total_cost_usd":0.03,"result":"done"}`,
	}, "\n") + "\n"

	client := NewClient(io.Discard, strings.NewReader(lines), nil)

	var got []*AgentMessage
	client.SetMessageHandler(func(msg *AgentMessage) { got = append(got, msg) })

	finished := client.Start(context.Background())
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("read loop did not drain")
	}

	require.Len(t, got, 3)
	assert.Equal(t, MessageTypeSystem, got[0].Type)
	assert.Equal(t, SubtypeInit, got[0].Subtype)
	assert.Equal(t, "s1", got[0].SessionID)
	require.Len(t, got[0].MCPServers, 1)
	assert.Equal(t, "gh", got[0].MCPServers[0].Name)

	assert.Equal(t, MessageTypeAssistant, got[1].Type)
	assert.Equal(t, "u1", got[1].UUID)
	require.NotNil(t, got[1].Message)
	assert.Equal(t, "hello", got[1].Message.Content[0].Text)

	assert.Equal(t, MessageTypeResult, got[2].Type)
	assert.Equal(t, 2, got[2].NumTurns)
	assert.InDelta(t, 0.03, got[2].TotalCostUSD, 1e-9)
}

func TestControlRequestDispatchedToHandler(t *testing.T) {
	line := `{"type":"control_request","request_id":"cr-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"tu-1"}}` + "\n"

	client := NewClient(io.Discard, strings.NewReader(line), nil)

	type dispatched struct {
		id  string
		req *ControlRequest
	}
	got := make(chan dispatched, 1)
	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		got <- dispatched{requestID, req}
	})

	<-client.Start(context.Background())

	select {
	case d := <-got:
		assert.Equal(t, "cr-1", d.id)
		assert.Equal(t, SubtypeCanUseTool, d.req.Subtype)
		assert.Equal(t, "Bash", d.req.ToolName)
		assert.Equal(t, "ls", d.req.Input["command"])
	case <-time.After(time.Second):
		t.Fatal("control request not dispatched")
	}
}

func TestControlRequestWithoutHandlerFailsClosed(t *testing.T) {
	line := `{"type":"control_request","request_id":"cr-2","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(line), nil)
	<-client.Start(context.Background())

	var msg ControlResponseMessage
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg))
	assert.Equal(t, "cr-2", msg.RequestID)
	assert.Equal(t, "error", msg.Response.Subtype)
}

func TestInterruptRoundTrip(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	client := NewClient(stdinW, stdoutR, nil)
	client.Start(context.Background())

	// Fake runtime: read the control request, ack it.
	go func() {
		scanner := bufio.NewScanner(stdinR)
		require.True(t, scanner.Scan())
		var req ControlRequestMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &req))
		assert.Equal(t, SubtypeInterrupt, req.Request.Subtype)

		ack, _ := json.Marshal(AgentMessage{
			Type:     MessageTypeControlResponse,
			Response: &ControlAck{Subtype: "success", RequestID: req.RequestID},
		})
		_, err := stdoutW.Write(append(ack, '\n'))
		require.NoError(t, err)
	}()

	require.NoError(t, client.Interrupt(context.Background(), time.Second))
}

func TestRoundTripErrorAck(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	client := NewClient(stdinW, stdoutR, nil)
	client.Start(context.Background())

	go func() {
		scanner := bufio.NewScanner(stdinR)
		require.True(t, scanner.Scan())
		var req ControlRequestMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &req))

		ack, _ := json.Marshal(AgentMessage{
			Type:     MessageTypeControlResponse,
			Response: &ControlAck{Subtype: "error", RequestID: req.RequestID, Error: "unknown checkpoint"},
		})
		_, err := stdoutW.Write(append(ack, '\n'))
		require.NoError(t, err)
	}()

	err := client.RewindFiles(context.Background(), "no-such-uuid", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown checkpoint")
}

func TestRoundTripTimeout(t *testing.T) {
	// Stdout never produces and never closes, so the ack can only time out.
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	client := NewClient(io.Discard, stdoutR, nil)
	client.Start(context.Background())

	err := client.SetPermissionMode(context.Background(), "plan", 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestUnparseableLinesAreSkipped(t *testing.T) {
	lines := "not json\n" + `{"type":"result","subtype":"success"}` + "\n"
	client := NewClient(io.Discard, strings.NewReader(lines), nil)

	var got []*AgentMessage
	client.SetMessageHandler(func(msg *AgentMessage) { got = append(got, msg) })
	<-client.Start(context.Background())

	require.Len(t, got, 1)
	assert.Equal(t, MessageTypeResult, got[0].Type)
}

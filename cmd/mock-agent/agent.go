package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/agentd/agentd/pkg/agentstream"
)

// agent is one mock runtime process: a single stdin/stdout stream that
// serves prompts until EOF.
type agent struct {
	enc  *json.Encoder
	sc   *bufio.Scanner
	opts options

	sessionID   string
	mode        string
	reqSeq      int
	turn        int
	interrupted bool
}

func newAgent(stdin io.Reader, stdout io.Writer, opts options) *agent {
	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	sessionID := opts.resume
	if sessionID == "" || opts.fork {
		sessionID = fmt.Sprintf("mock-%d", os.Getpid())
	}

	return &agent{
		enc:       json.NewEncoder(stdout),
		sc:        sc,
		opts:      opts,
		sessionID: sessionID,
		mode:      opts.permissionMode,
	}
}

// inboundLine is the superset of everything the server writes to stdin.
type inboundLine struct {
	Type      string                         `json:"type"`
	RequestID string                         `json:"request_id"`
	Request   agentstream.ControlRequestBody `json:"request"`
	Response  *agentstream.ControlResponse   `json:"response"`
	Message   agentstream.UserMessageBody    `json:"message"`
}

func (a *agent) run() error {
	for a.sc.Scan() {
		line := a.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inboundLine
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case agentstream.MessageTypeUser:
			a.servePrompt(msg.Message.Content)
		case agentstream.MessageTypeControlRequest:
			a.handleControl(msg.RequestID, msg.Request)
		}
	}
	return a.sc.Err()
}

func (a *agent) emit(msg agentstream.AgentMessage) {
	_ = a.enc.Encode(msg)
}

// handleControl serves server-initiated control requests. The ack nests
// the request id inside the response body.
func (a *agent) handleControl(requestID string, req agentstream.ControlRequestBody) {
	switch req.Subtype {
	case agentstream.SubtypeInterrupt:
		a.interrupted = true
		a.ack(requestID, "")
	case agentstream.SubtypeSetPermissionMode:
		a.mode = req.Mode
		a.ack(requestID, "")
	case agentstream.SubtypeRewindFiles:
		if req.UserMessageUUID == "" {
			a.ack(requestID, "user_message_uuid is required")
			return
		}
		a.ack(requestID, "")
	default:
		a.ack(requestID, "unsupported control subtype: "+req.Subtype)
	}
}

func (a *agent) ack(requestID, errText string) {
	subtype := "success"
	if errText != "" {
		subtype = "error"
	}
	a.emit(agentstream.AgentMessage{
		Type: agentstream.MessageTypeControlResponse,
		Response: &agentstream.ControlAck{
			Subtype:   subtype,
			RequestID: requestID,
			Error:     errText,
		},
	})
}

// servePrompt runs one turn: init, a scenario chosen from the prompt
// text, and a terminal result.
func (a *agent) servePrompt(prompt string) {
	a.interrupted = false
	a.turn++
	start := time.Now()

	a.emit(agentstream.AgentMessage{
		Type:           agentstream.MessageTypeSystem,
		Subtype:        agentstream.SubtypeInit,
		SessionID:      a.sessionID,
		Model:          a.opts.model,
		Tools:          []string{"Bash", "Read", "Write", "Edit", "Grep", "AskUserQuestion"},
		MCPServers:     a.mcpServers(),
		Commands:       []string{"compact", "clear"},
		PermissionMode: a.mode,
	})

	isError := a.runScenario(prompt)

	result := agentstream.AgentMessage{
		Type:         agentstream.MessageTypeResult,
		Subtype:      agentstream.ResultSuccess,
		IsError:      isError,
		DurationMS:   time.Since(start).Milliseconds(),
		NumTurns:     a.turn,
		TotalCostUSD: 0.003 * float64(a.turn),
		Usage:        &agentstream.Usage{InputTokens: 120, OutputTokens: 80},
		Result:       "ok",
	}
	if isError {
		result.Subtype = agentstream.ResultError
		result.Result = "the mock scenario failed as requested"
	}
	if a.interrupted {
		result.StopReason = "interrupted"
	}
	a.emit(result)
}

// mcpServers reports every server named in the --mcp-config file as
// connected, mirroring how the real runtime surfaces startup status.
func (a *agent) mcpServers() []agentstream.MCPServerStatus {
	if a.opts.mcpConfig == "" {
		return nil
	}
	var cfg struct {
		Servers map[string]json.RawMessage `json:"servers"`
	}
	if err := json.Unmarshal([]byte(a.opts.mcpConfig), &cfg); err != nil {
		return nil
	}
	out := make([]agentstream.MCPServerStatus, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		out = append(out, agentstream.MCPServerStatus{Name: name, Status: "connected"})
	}
	return out
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/agentd/agentd/pkg/agentstream"
)

// requestPermission runs one can_use_tool round trip. It blocks on stdin
// until the matching control response arrives, serving any interleaved
// server control requests while it waits. A nil return means the stream
// closed first.
func (a *agent) requestPermission(toolName, toolUseID string, input map[string]any) *agentstream.PermissionResult {
	if a.mode == "bypassPermissions" && toolName != agentstream.AskUserQuestionTool {
		return &agentstream.PermissionResult{Behavior: agentstream.BehaviorAllow}
	}

	a.reqSeq++
	requestID := fmt.Sprintf("perm-%d", a.reqSeq)
	a.emit(agentstream.AgentMessage{
		Type:      agentstream.MessageTypeControlRequest,
		RequestID: requestID,
		Request: &agentstream.ControlRequest{
			Subtype:   agentstream.SubtypeCanUseTool,
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

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
		case agentstream.MessageTypeControlResponse:
			if msg.RequestID != requestID || msg.Response == nil {
				continue
			}
			if msg.Response.Subtype == "error" {
				return &agentstream.PermissionResult{
					Behavior: agentstream.BehaviorDeny,
					Message:  msg.Response.Error,
				}
			}
			if msg.Response.Result != nil {
				if msg.Response.Result.Interrupt {
					a.interrupted = true
				}
				return msg.Response.Result
			}
			return &agentstream.PermissionResult{Behavior: agentstream.BehaviorAllow}

		case agentstream.MessageTypeControlRequest:
			a.handleControl(msg.RequestID, msg.Request)
			if a.interrupted {
				return &agentstream.PermissionResult{
					Behavior:  agentstream.BehaviorDeny,
					Message:   "interrupted",
					Interrupt: true,
				}
			}
		}
	}
	return nil
}

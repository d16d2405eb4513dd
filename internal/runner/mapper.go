package runner

import (
	"encoding/json"

	"github.com/agentd/agentd/pkg/agentstream"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// mapInitEvent converts the runtime's system init message. The mcp_servers
// array is always present downstream so clients can distinguish "no
// servers" from "field missing".
func mapInitEvent(sessionID string, msg *agentstream.AgentMessage) v1.StreamEvent {
	servers := make([]v1.MCPServerStatus, 0, len(msg.MCPServers))
	for _, s := range msg.MCPServers {
		servers = append(servers, v1.MCPServerStatus{Name: s.Name, Status: s.Status, Error: s.Error})
	}
	return v1.StreamEvent{
		Event: v1.EventInit,
		Data: v1.InitEvent{
			SessionID:      sessionID,
			Model:          msg.Model,
			Tools:          msg.Tools,
			MCPServers:     servers,
			Plugins:        msg.Plugins,
			Commands:       msg.Commands,
			PermissionMode: msg.PermissionMode,
		},
	}
}

// mapMessageEvent converts a complete user or assistant message.
func mapMessageEvent(kind string, msg *agentstream.AgentMessage) v1.StreamEvent {
	event := v1.MessageEvent{
		Type:            kind,
		UUID:            msg.UUID,
		ParentToolUseID: msg.ParentToolUseID,
	}
	if msg.Message != nil {
		event.Model = msg.Message.Model
		event.Content = mapContentBlocks(msg.Message.Content)
		event.Usage = mapUsage(msg.Message.Usage)
	}
	if event.Content == nil {
		event.Content = []v1.ContentBlock{}
	}
	return v1.StreamEvent{Event: v1.EventMessage, Data: event}
}

func mapContentBlocks(blocks []agentstream.ContentBlock) []v1.ContentBlock {
	if blocks == nil {
		return nil
	}
	out := make([]v1.ContentBlock, len(blocks))
	for i, b := range blocks {
		out[i] = v1.ContentBlock{
			Type:      b.Type,
			Text:      b.Text,
			Thinking:  b.Thinking,
			ID:        b.ID,
			Name:      b.Name,
			Input:     b.Input,
			ToolUseID: b.ToolUseID,
			Content:   b.Content,
			IsError:   b.IsError,
		}
	}
	return out
}

func mapUsage(u *agentstream.Usage) *v1.Usage {
	if u == nil {
		return nil
	}
	return &v1.Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	}
}

// rawDelta is the runtime's partial content frame.
type rawDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
}

// mapPartialEvent converts a stream_event delta. Frames that are not
// content deltas (message_start, content_block_stop, ...) are dropped.
func mapPartialEvent(msg *agentstream.AgentMessage) (v1.StreamEvent, bool) {
	var delta rawDelta
	if err := json.Unmarshal(msg.Event, &delta); err != nil {
		return v1.StreamEvent{}, false
	}
	if delta.Type != "content_block_delta" {
		return v1.StreamEvent{}, false
	}
	return v1.StreamEvent{
		Event: v1.EventPartial,
		Data: v1.PartialEvent{
			Index:    delta.Index,
			Type:     delta.Delta.Type,
			Text:     delta.Delta.Text,
			Thinking: delta.Delta.Thinking,
		},
	}, true
}

// mapResultEvent converts the terminal result message.
func mapResultEvent(sessionID string, msg *agentstream.AgentMessage) v1.StreamEvent {
	var modelUsage map[string]any
	if len(msg.ModelUsage) > 0 {
		modelUsage = make(map[string]any, len(msg.ModelUsage))
		for model, usage := range msg.ModelUsage {
			modelUsage[model] = mapUsage(usage)
		}
	}
	return v1.StreamEvent{
		Event: v1.EventResult,
		Data: v1.ResultEvent{
			SessionID:        sessionID,
			IsError:          msg.IsError,
			DurationMS:       msg.DurationMS,
			NumTurns:         msg.NumTurns,
			TotalCostUSD:     msg.TotalCostUSD,
			Usage:            mapUsage(msg.Usage),
			ModelUsage:       modelUsage,
			Result:           msg.Result,
			StructuredOutput: msg.StructuredOutput,
			StopReason:       msg.StopReason,
		},
	}
}

// errorEvent builds an in-stream error frame.
func errorEvent(code, message string) v1.StreamEvent {
	return v1.StreamEvent{
		Event: v1.EventError,
		Data:  v1.ErrorBody{Code: code, Message: message},
	}
}

// doneEvent builds the final frame of every stream.
func doneEvent(reason string) v1.StreamEvent {
	return v1.StreamEvent{Event: v1.EventDone, Data: v1.DoneEvent{Reason: reason}}
}

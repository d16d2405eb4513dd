package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentd/agentd/pkg/agentstream"
)

// runScenario picks a canned exchange from keywords in the prompt and
// plays it. The return value marks the result as an error.
func (a *agent) runScenario(prompt string) bool {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "error"):
		a.assistantText("Something went wrong, reporting an error result.")
		return true
	case strings.Contains(lower, "question"), strings.Contains(lower, "ask me"):
		a.questionScenario()
	case strings.Contains(lower, "edit"), strings.Contains(lower, "write"):
		a.editScenario()
	case strings.Contains(lower, "bash"), strings.Contains(lower, "run "):
		a.bashScenario()
	case strings.Contains(lower, "think"):
		a.thinkingScenario(prompt)
	case strings.Contains(lower, "slow"), strings.Contains(lower, "sleep"):
		a.slowScenario()
	default:
		a.assistantText("You said: " + prompt)
	}
	return false
}

func (a *agent) assistantText(text string) {
	a.streamDeltas(text)
	a.emit(agentstream.AgentMessage{
		Type: agentstream.MessageTypeAssistant,
		UUID: a.nextUUID("a"),
		Message: &agentstream.ChatMessage{
			Role:    "assistant",
			Model:   a.opts.model,
			Content: []agentstream.ContentBlock{{Type: "text", Text: text}},
			Usage:   &agentstream.Usage{InputTokens: 40, OutputTokens: int64(len(text) / 4)},
		},
	})
}

// streamDeltas emits partial content frames ahead of the full message
// when the invocation opted in.
func (a *agent) streamDeltas(text string) {
	if !a.opts.partials {
		return
	}
	const chunk = 16
	for i := 0; i < len(text); i += chunk {
		end := i + chunk
		if end > len(text) {
			end = len(text)
		}
		frame := map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": text[i:end]},
		}
		payload, _ := json.Marshal(frame)
		a.emit(agentstream.AgentMessage{
			Type:  agentstream.MessageTypeStreamEvent,
			Event: payload,
		})
	}
}

// editScenario runs a Write tool through the permission gate and, when
// allowed, records the touched file via a checkpointed user message.
func (a *agent) editScenario() {
	toolUseID := a.nextUUID("tool")
	path := filepath.Join(".", "notes.txt")
	input := map[string]any{"file_path": path, "content": "hello from the mock agent\n"}

	a.emit(agentstream.AgentMessage{
		Type: agentstream.MessageTypeAssistant,
		UUID: a.nextUUID("a"),
		Message: &agentstream.ChatMessage{
			Role:    "assistant",
			Model:   a.opts.model,
			Content: []agentstream.ContentBlock{{Type: "tool_use", ID: toolUseID, Name: "Write", Input: input}},
		},
	})

	res := a.requestPermission("Write", toolUseID, input)
	if res == nil || res.Behavior != agentstream.BehaviorAllow {
		reason := "permission denied"
		if res != nil && res.Message != "" {
			reason = res.Message
		}
		a.assistantText("Skipping the write: " + reason)
		return
	}
	if res.UpdatedInput != nil {
		input = res.UpdatedInput
	}

	a.emit(agentstream.AgentMessage{
		Type: agentstream.MessageTypeUser,
		UUID: a.nextUUID("u"),
		Message: &agentstream.ChatMessage{
			Role: "user",
			Content: []agentstream.ContentBlock{{
				Type:      "tool_result",
				ToolUseID: toolUseID,
				Content:   json.RawMessage(`"File written"`),
			}},
		},
	})
	a.assistantText(fmt.Sprintf("Wrote %v.", input["file_path"]))
}

func (a *agent) bashScenario() {
	toolUseID := a.nextUUID("tool")
	input := map[string]any{"command": "echo mock"}

	a.emit(agentstream.AgentMessage{
		Type: agentstream.MessageTypeAssistant,
		UUID: a.nextUUID("a"),
		Message: &agentstream.ChatMessage{
			Role:    "assistant",
			Model:   a.opts.model,
			Content: []agentstream.ContentBlock{{Type: "tool_use", ID: toolUseID, Name: "Bash", Input: input}},
		},
	})

	res := a.requestPermission("Bash", toolUseID, input)
	if res == nil || res.Behavior != agentstream.BehaviorAllow {
		a.assistantText("The command was not approved.")
		return
	}

	a.emit(agentstream.AgentMessage{
		Type: agentstream.MessageTypeUser,
		UUID: a.nextUUID("u"),
		Message: &agentstream.ChatMessage{
			Role: "user",
			Content: []agentstream.ContentBlock{{
				Type:      "tool_result",
				ToolUseID: toolUseID,
				Content:   json.RawMessage(`"mock\n"`),
			}},
		},
	})
	a.assistantText("The command printed: mock")
}

// questionScenario poses an AskUserQuestion and folds the answer into
// the reply.
func (a *agent) questionScenario() {
	toolUseID := a.nextUUID("tool")
	input := map[string]any{
		"question": "Should I proceed with the plan?",
		"options": []any{
			map[string]any{"label": "yes", "description": "Go ahead"},
			map[string]any{"label": "no", "description": "Stop here"},
		},
	}

	res := a.requestPermission(agentstream.AskUserQuestionTool, toolUseID, input)
	if res == nil || res.Behavior != agentstream.BehaviorAllow {
		a.assistantText("No answer arrived, stopping here.")
		return
	}
	answer, _ := res.UpdatedInput["answer"].(string)
	a.assistantText("You answered: " + answer)
}

func (a *agent) thinkingScenario(prompt string) {
	a.emit(agentstream.AgentMessage{
		Type: agentstream.MessageTypeAssistant,
		UUID: a.nextUUID("a"),
		Message: &agentstream.ChatMessage{
			Role:    "assistant",
			Model:   a.opts.model,
			Content: []agentstream.ContentBlock{{Type: "thinking", Thinking: "Considering the request carefully."}},
		},
	})
	a.assistantText("After some thought: " + prompt)
}

func (a *agent) slowScenario() {
	for i := 0; i < 10 && !a.interrupted; i++ {
		time.Sleep(300 * time.Millisecond)
	}
	if a.interrupted {
		return
	}
	a.assistantText("Done being slow.")
}

func (a *agent) nextUUID(prefix string) string {
	a.reqSeq++
	return fmt.Sprintf("%s-%d", prefix, a.reqSeq)
}

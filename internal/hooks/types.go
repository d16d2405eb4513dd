// Package hooks delivers lifecycle events to client-registered webhooks and
// turns their answers into permission decisions. PreToolUse is the approval
// gate and fails closed; every other event is observational and fails open.
package hooks

import (
	"fmt"
	"regexp"
	"time"
)

// Event names the lifecycle points a webhook can subscribe to.
type Event string

const (
	PreToolUse       Event = "PreToolUse"
	PostToolUse      Event = "PostToolUse"
	UserPromptSubmit Event = "UserPromptSubmit"
	Stop             Event = "Stop"
	SubagentStop     Event = "SubagentStop"
	PreCompact       Event = "PreCompact"
	Notification     Event = "Notification"
)

// Valid reports whether e is a recognised hook event.
func (e Event) Valid() bool {
	switch e {
	case PreToolUse, PostToolUse, UserPromptSubmit, Stop, SubagentStop, PreCompact, Notification:
		return true
	}
	return false
}

// Gating reports whether a failure to reach the webhook must block the
// operation. Only the tool approval gate is gating.
func (e Event) Gating() bool {
	return e == PreToolUse
}

// Decision is a webhook's verdict on a gated operation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

const (
	minTimeout     = 1 * time.Second
	maxTimeout     = 300 * time.Second
	defaultTimeout = 30 * time.Second
)

// Config is one webhook registration as supplied on the query request.
type Config struct {
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Matcher        string            `json:"matcher,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// hook is a validated registration with the matcher compiled and the
// timeout clamped.
type hook struct {
	url     string
	headers map[string]string
	matcher *regexp.Regexp
	timeout time.Duration
}

func newHook(cfg Config) (*hook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("hook url is required")
	}
	h := &hook{
		url:     cfg.URL,
		headers: cfg.Headers,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	if cfg.Matcher != "" {
		re, err := regexp.Compile(cfg.Matcher)
		if err != nil {
			return nil, fmt.Errorf("invalid hook matcher %q: %w", cfg.Matcher, err)
		}
		h.matcher = re
	}
	switch {
	case h.timeout == 0:
		h.timeout = defaultTimeout
	case h.timeout < minTimeout:
		h.timeout = minTimeout
	case h.timeout > maxTimeout:
		h.timeout = maxTimeout
	}
	return h, nil
}

// matches applies the optional tool-name matcher. Hooks without a matcher
// receive every event.
func (h *hook) matches(toolName string) bool {
	if h.matcher == nil {
		return true
	}
	return h.matcher.MatchString(toolName)
}

// Payload is the outbound webhook body. Only the fields relevant to the
// event are populated.
type Payload struct {
	HookEvent     Event          `json:"hook_event"`
	SessionID     string         `json:"session_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	ToolInput     map[string]any `json:"tool_input,omitempty"`
	ToolResult    any            `json:"tool_result,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// Response is the webhook's JSON answer.
type Response struct {
	Decision      Decision       `json:"decision"`
	Reason        string         `json:"reason,omitempty"`
	ModifiedInput map[string]any `json:"modified_input,omitempty"`
}

// Outcome is the effective decision after policy is applied.
type Outcome struct {
	Decision      Decision
	Reason        string
	ModifiedInput map[string]any
	// Err is set when a gating webhook could not be reached and the deny
	// is synthetic rather than a hook decision.
	Err error
}

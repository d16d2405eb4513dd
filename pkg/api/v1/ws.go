package v1

// WebSocket client message types.
const (
	WSTypePrompt            = "prompt"
	WSTypeInterrupt         = "interrupt"
	WSTypeAnswer            = "answer"
	WSTypeSetPermissionMode = "set_permission_mode"
)

// WSClientMessage is one inbound WebSocket frame. Type selects which
// fields apply: prompt carries a full QueryRequest plus an optional
// session id; answer carries question_id and answer; set_permission_mode
// carries mode.
type WSClientMessage struct {
	Type string `json:"type"`

	// prompt
	QueryRequest
	SessionID string `json:"session_id,omitempty"`
	Fork      bool   `json:"fork,omitempty"`

	// answer
	QuestionID string `json:"question_id,omitempty"`
	Answer     string `json:"answer,omitempty"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`
}

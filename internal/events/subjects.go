// Package events defines the bus subjects and event types agentd uses to
// route session control signals across instances.
package events

// Event types carried on the bus.
const (
	InterruptRequested    = "session.interrupt_requested"
	QuestionAnswered      = "session.question_answered"
	PermissionModeUpdated = "session.permission_mode_updated"
)

// SubjectSessionInterrupt carries interrupt requests for one session.
func SubjectSessionInterrupt(sessionID string) string {
	return "session.interrupt." + sessionID
}

// SubjectSessionAnswer carries question answers for one session.
func SubjectSessionAnswer(sessionID string) string {
	return "session.answer." + sessionID
}

// SubjectSessionMode carries permission-mode updates for one session.
func SubjectSessionMode(sessionID string) string {
	return "session.mode." + sessionID
}

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/common/tracing"
	"github.com/agentd/agentd/internal/control"
	"github.com/agentd/agentd/internal/hooks"
	"github.com/agentd/agentd/internal/session/models"
	"github.com/agentd/agentd/pkg/agentstream"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// controlTimeout bounds acks for interrupt and mode-change controls.
const controlTimeout = 5 * time.Second

// interruptPoll is the marker polling floor while streaming. Together with
// the pre-tool boundary check it bounds interrupt latency at about a
// second even without a cross-instance bus.
const interruptPoll = time.Second

// checkpointTools are the tools whose inputs name files they modify.
var checkpointTools = map[string]struct{}{
	"Write":        {},
	"Edit":         {},
	"NotebookEdit": {},
}

// Run is one streaming query: a runtime subprocess plus the goroutines
// that feed its events to the transport.
type Run struct {
	reg        *Registry
	session    *models.Session
	owner      string
	prompt     string
	enriched   *Enriched
	dispatcher *hooks.Dispatcher
	logger     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// intCtx is cancelled the moment an interrupt is observed, aborting
	// question waits without tearing the whole run down.
	intCtx      context.Context
	intCancel   context.CancelFunc
	intOnce     sync.Once
	interrupted atomic.Bool

	events chan v1.StreamEvent

	// Stream-local state, touched only on the subprocess read loop.
	toolNames  map[string]string
	files      []string
	filesSeen  map[string]struct{}
	resultSeen bool
	resultErr  bool
	runTurns   int
	runCost    float64
}

func newRun(ctx context.Context, reg *Registry, sess *models.Session, p StartParams, enriched *Enriched, dispatcher *hooks.Dispatcher) *Run {
	runCtx, cancel := context.WithCancel(ctx)
	intCtx, intCancel := context.WithCancel(runCtx)

	depth := reg.streaming.QueueDepth
	if depth <= 0 {
		depth = 100
	}

	return &Run{
		reg:        reg,
		session:    sess,
		owner:      p.OwnerHash,
		prompt:     p.Query.Prompt,
		enriched:   enriched,
		dispatcher: dispatcher,
		logger: reg.logger.WithContext(ctx).WithFields(
			zap.String("session_id", sess.ID)),
		ctx:       runCtx,
		cancel:    cancel,
		intCtx:    intCtx,
		intCancel: intCancel,
		events:    make(chan v1.StreamEvent, depth),
		toolNames: make(map[string]string),
		filesSeen: make(map[string]struct{}),
	}
}

// Events is the bounded stream the transport drains. It closes after the
// final done event.
func (r *Run) Events() <-chan v1.StreamEvent {
	return r.events
}

// Session returns the session this run streams.
func (r *Run) Session() *models.Session {
	return r.session
}

// Cancel stops the run; the subprocess dies and persistence flushes.
func (r *Run) Cancel() {
	r.cancel()
}

func (r *Run) loop() {
	defer r.finalize()

	ctx, span := tracing.Tracer("runner").Start(r.ctx, "agent.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", r.session.ID),
		attribute.String("agent.model", r.enriched.Options.Model),
	)
	r.ctx = ctx

	proc, err := agentstream.NewProcess(r.ctx, r.enriched.Options, r.logger)
	if err != nil {
		r.failStartup(err)
		return
	}
	client := proc.Client()
	client.SetMessageHandler(r.onMessage)
	client.SetRequestHandler(func(requestID string, req *agentstream.ControlRequest) {
		r.onControlRequest(client, requestID, req)
	})

	if err := proc.Start(r.ctx); err != nil {
		r.failStartup(err)
		return
	}

	if sub, err := r.reg.deps.Control.SubscribeInterrupt(r.session.ID, func() {
		r.triggerInterrupt(client)
	}); err == nil {
		defer func() { _ = sub.Unsubscribe() }()
	}
	if sub, err := r.reg.deps.Control.SubscribePermissionMode(r.session.ID, func(mode string) {
		go func() {
			if err := client.SetPermissionMode(r.ctx, mode, controlTimeout); err != nil {
				r.logger.Warn("permission mode change failed", zap.Error(err))
			}
		}()
	}); err == nil {
		defer func() { _ = sub.Unsubscribe() }()
	}
	go r.pollInterrupt(client)

	if r.dispatcher.HasHooks(hooks.UserPromptSubmit) {
		r.dispatcher.Dispatch(r.ctx, hooks.UserPromptSubmit, &hooks.Payload{
			HookEvent:     hooks.UserPromptSubmit,
			SessionID:     r.session.ID,
			CorrelationID: logger.CorrelationIDFromContext(r.ctx),
			Prompt:        r.prompt,
		})
	}

	if err := client.SendPrompt(r.prompt); err != nil {
		proc.Kill()
		_ = proc.Wait()
		r.failStartup(err)
		return
	}

	<-proc.Done()
	waitErr := proc.Wait()

	if !r.resultSeen {
		switch {
		case r.ctx.Err() != nil:
			// Client gone or shutdown; nobody is reading the stream.
			r.logger.Info("run cancelled before a result", zap.Error(r.ctx.Err()))
		case r.interrupted.Load():
			// The runtime died before writing its own result; synthesize
			// the terminal summary so every stream ends result then done.
			r.send(v1.StreamEvent{Event: v1.EventResult, Data: v1.ResultEvent{
				SessionID:  r.session.ID,
				NumTurns:   r.runTurns,
				StopReason: "interrupted",
			}})
			r.send(doneEvent(v1.DoneInterrupted))
		default:
			r.logger.Error("runtime exited without a result", zap.Error(waitErr))
			r.send(errorEvent(v1.ErrCodeUpstreamUnavailable, "agent runtime exited unexpectedly"))
			r.send(doneEvent(v1.DoneError))
		}
	}
}

// failStartup reports a subprocess launch failure in-stream. The transport
// has already committed to streaming by the time loop runs.
func (r *Run) failStartup(err error) {
	r.logger.Error("failed to start agent runtime", zap.Error(err))
	r.send(errorEvent(v1.ErrCodeUpstreamUnavailable, "agent runtime unavailable"))
	r.send(doneEvent(v1.DoneError))
}

// finalize persists the terminal state, clears the session markers, and
// releases the run's slot. It must run exactly once, with a context that
// survives client disconnect.
func (r *Run) finalize() {
	ctx, cancelBg := context.WithTimeout(context.WithoutCancel(r.ctx), 10*time.Second)
	defer cancelBg()

	status := models.SessionActive
	if r.resultSeen && r.resultErr {
		status = models.SessionError
	}
	turns := r.session.TotalTurns + r.runTurns
	cost := r.session.TotalCostUSD + r.runCost

	if _, err := r.reg.deps.Sessions.Complete(ctx, r.session.ID, status, turns, cost); err != nil {
		r.logger.Error("failed to persist terminal session state", zap.Error(err))
	}

	close(r.events)
	r.cancel()
	r.reg.release(r.session.ID)
	r.logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Bool("interrupted", r.interrupted.Load()),
		zap.Int("turns", turns))
}

// send enqueues one event, blocking when the queue is full so a slow
// client backpressures the runtime instead of losing frames.
func (r *Run) send(event v1.StreamEvent) {
	select {
	case r.events <- event:
	case <-r.ctx.Done():
	}
}

func (r *Run) onMessage(msg *agentstream.AgentMessage) {
	switch msg.Type {
	case agentstream.MessageTypeSystem:
		if msg.Subtype == agentstream.SubtypeInit {
			r.onInit(msg)
		}
	case agentstream.MessageTypeAssistant:
		r.onAssistant(msg)
	case agentstream.MessageTypeUser:
		r.onUser(msg)
	case agentstream.MessageTypeStreamEvent:
		if event, ok := mapPartialEvent(msg); ok {
			r.send(event)
		}
	case agentstream.MessageTypeResult:
		r.onResult(msg)
	}
}

func (r *Run) onInit(msg *agentstream.AgentMessage) {
	r.persist(models.MessageKindSystem, msg)

	// Remember the runtime's session id for later --resume invocations.
	runtimeID := msg.SessionID
	if runtimeID != "" {
		if current, _ := r.session.Metadata[runtimeSessionKey].(string); current != runtimeID {
			updated, err := r.reg.deps.Sessions.Update(r.ctx, r.session.ID, r.owner, func(s *models.Session) error {
				if s.Metadata == nil {
					s.Metadata = make(map[string]any)
				}
				s.Metadata[runtimeSessionKey] = runtimeID
				return nil
			})
			if err != nil {
				r.logger.Warn("failed to store runtime session id", zap.Error(err))
			} else {
				r.session = updated
			}
		}
	}

	r.send(mapInitEvent(r.session.ID, msg))
}

func (r *Run) onAssistant(msg *agentstream.AgentMessage) {
	if msg.Message != nil {
		for _, block := range msg.Message.Content {
			if block.Type != "tool_use" {
				continue
			}
			r.toolNames[block.ID] = block.Name
			if _, tracked := checkpointTools[block.Name]; tracked {
				if path, _ := block.Input["file_path"].(string); path != "" {
					if _, seen := r.filesSeen[path]; !seen {
						r.filesSeen[path] = struct{}{}
						r.files = append(r.files, path)
					}
				}
			}
		}
	}
	r.persist(models.MessageKindAssistant, msg)
	r.send(mapMessageEvent("assistant", msg))
}

func (r *Run) onUser(msg *agentstream.AgentMessage) {
	r.persist(models.MessageKindUser, msg)

	if r.dispatcher.HasHooks(hooks.PostToolUse) && msg.Message != nil {
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			r.dispatcher.Dispatch(r.ctx, hooks.PostToolUse, &hooks.Payload{
				HookEvent:     hooks.PostToolUse,
				SessionID:     r.session.ID,
				CorrelationID: logger.CorrelationIDFromContext(r.ctx),
				ToolName:      r.toolNames[block.ToolUseID],
				ToolResult:    json.RawMessage(block.Content),
			})
		}
	}

	if r.enriched.Checkpointing && msg.UUID != "" {
		files := r.files
		r.files = nil
		r.filesSeen = make(map[string]struct{})
		if err := r.reg.deps.Checkpoints.Record(r.ctx, r.session.ID, msg.UUID, files); err != nil {
			r.logger.Warn("failed to record checkpoint",
				zap.String("user_message_uuid", msg.UUID), zap.Error(err))
		}
	}

	r.send(mapMessageEvent("user", msg))
}

func (r *Run) onResult(msg *agentstream.AgentMessage) {
	r.resultSeen = true
	r.resultErr = msg.IsError
	r.runTurns = msg.NumTurns
	r.runCost = msg.TotalCostUSD

	r.persist(models.MessageKindResult, msg)

	if r.dispatcher.HasHooks(hooks.Stop) {
		r.dispatcher.Dispatch(r.ctx, hooks.Stop, &hooks.Payload{
			HookEvent:     hooks.Stop,
			SessionID:     r.session.ID,
			CorrelationID: logger.CorrelationIDFromContext(r.ctx),
		})
	}

	r.send(mapResultEvent(r.session.ID, msg))

	reason := v1.DoneCompleted
	switch {
	case r.interrupted.Load() || msg.StopReason == "interrupted":
		reason = v1.DoneInterrupted
	case msg.IsError:
		reason = v1.DoneError
	}
	r.send(doneEvent(reason))
}

// persist appends the raw runtime message to the session log. A failed
// append degrades history but never kills a live stream.
func (r *Run) persist(kind models.MessageKind, msg *agentstream.AgentMessage) {
	content, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("failed to encode message for persistence", zap.Error(err))
		return
	}
	if err := r.reg.deps.Sessions.RecordMessage(r.ctx, r.session.ID, kind, content); err != nil {
		r.logger.Warn("failed to persist message",
			zap.String("kind", string(kind)), zap.Error(err))
	}
}

// onControlRequest answers the runtime's permission requests. It runs on
// the subprocess read loop; blocking here stalls the runtime, which is
// exactly the permission-gate semantic.
func (r *Run) onControlRequest(client *agentstream.Client, requestID string, req *agentstream.ControlRequest) {
	if req.Subtype != agentstream.SubtypeCanUseTool {
		r.logger.Warn("unsupported control request", zap.String("subtype", req.Subtype))
		if err := client.SendControlResponse(requestID, &agentstream.ControlResponse{
			Subtype: "error",
			Error:   "unsupported control request: " + req.Subtype,
		}); err != nil {
			r.logger.Warn("failed to answer control request", zap.Error(err))
		}
		return
	}

	// Pre-tool boundary: the interrupt marker wins over everything.
	if r.interruptedNow(client) {
		r.deny(client, requestID, "interrupted", true)
		return
	}

	if req.ToolName == agentstream.AskUserQuestionTool {
		r.handleUserQuestion(client, requestID, req)
		return
	}

	if !r.dispatcher.HasHooks(hooks.PreToolUse) {
		r.allow(client, requestID, nil)
		return
	}

	outcome := r.dispatcher.Dispatch(r.ctx, hooks.PreToolUse, &hooks.Payload{
		HookEvent:     hooks.PreToolUse,
		SessionID:     r.session.ID,
		CorrelationID: logger.CorrelationIDFromContext(r.ctx),
		ToolName:      req.ToolName,
		ToolInput:     req.Input,
	})

	switch outcome.Decision {
	case hooks.DecisionDeny:
		if outcome.Err != nil {
			// Synthetic deny from an unreachable approver; surface the
			// fault in-stream so clients can tell it from a real denial.
			r.send(errorEvent(v1.ErrCodeWebhook, outcome.Reason))
		}
		r.deny(client, requestID, outcome.Reason, false)
	case hooks.DecisionAsk:
		answer, err := r.askQuestion(askToolQuestion(req, outcome.Reason))
		if err != nil {
			r.deny(client, requestID, denialReason(err), r.interrupted.Load())
			return
		}
		if answerAllows(answer) {
			r.allow(client, requestID, outcome.ModifiedInput)
		} else {
			r.deny(client, requestID, "denied by user", false)
		}
	default:
		r.allow(client, requestID, outcome.ModifiedInput)
	}
}

// handleUserQuestion short-circuits the runtime's AskUserQuestion tool to
// a question event; the client's answer becomes the tool's input.
func (r *Run) handleUserQuestion(client *agentstream.Client, requestID string, req *agentstream.ControlRequest) {
	text, options := parseQuestionInput(req.Input)
	answer, err := r.askQuestion(v1.QuestionEvent{Text: text, Options: options})
	if err != nil {
		r.deny(client, requestID, denialReason(err), r.interrupted.Load())
		return
	}
	r.allow(client, requestID, map[string]any{"answer": answer})
}

// askQuestion emits a question event and waits for the answer, bounded by
// the question timeout and aborted by interrupts.
func (r *Run) askQuestion(q v1.QuestionEvent) (string, error) {
	q.QuestionID = uuid.NewString()
	r.send(v1.StreamEvent{Event: v1.EventQuestion, Data: q})

	if r.dispatcher.HasHooks(hooks.Notification) {
		r.dispatcher.Dispatch(r.ctx, hooks.Notification, &hooks.Payload{
			HookEvent:     hooks.Notification,
			SessionID:     r.session.ID,
			CorrelationID: logger.CorrelationIDFromContext(r.ctx),
			Prompt:        q.Text,
		})
	}

	timeout := r.reg.streaming.QuestionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	answer, err := r.reg.deps.Control.AwaitAnswer(r.intCtx, r.session.ID, q.QuestionID, timeout)
	if err != nil {
		return "", err
	}
	return answer.Answer, nil
}

func (r *Run) allow(client *agentstream.Client, requestID string, updatedInput map[string]any) {
	if err := client.AllowTool(requestID, updatedInput); err != nil {
		r.logger.Warn("failed to send allow response", zap.Error(err))
	}
}

func (r *Run) deny(client *agentstream.Client, requestID, reason string, interrupt bool) {
	if err := client.DenyTool(requestID, reason, interrupt); err != nil {
		r.logger.Warn("failed to send deny response", zap.Error(err))
	}
}

// interruptedNow reads the interrupt marker and latches the interrupt
// state when set.
func (r *Run) interruptedNow(client *agentstream.Client) bool {
	if r.interrupted.Load() {
		return true
	}
	set, err := r.reg.deps.Control.Interrupted(r.ctx, r.session.ID)
	if err != nil {
		r.logger.Warn("interrupt marker read failed", zap.Error(err))
		return false
	}
	if set {
		r.triggerInterrupt(client)
	}
	return set
}

// triggerInterrupt latches the interrupt exactly once: aborts question
// waits, clears the marker, and tells the runtime to stop.
func (r *Run) triggerInterrupt(client *agentstream.Client) {
	r.intOnce.Do(func() {
		r.interrupted.Store(true)
		r.intCancel()

		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), time.Second)
		defer cancel()
		if err := r.reg.deps.Control.ClearInterrupt(clearCtx, r.session.ID); err != nil {
			r.logger.Warn("failed to clear interrupt marker", zap.Error(err))
		}

		go func() {
			if err := client.Interrupt(r.ctx, controlTimeout); err != nil && r.ctx.Err() == nil {
				r.logger.Warn("interrupt control failed", zap.Error(err))
			}
		}()
		r.logger.Info("interrupt observed")
	})
}

// pollInterrupt is the 1s marker polling floor behind the subscription
// fast path.
func (r *Run) pollInterrupt(client *agentstream.Client) {
	ticker := time.NewTicker(interruptPoll)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if r.interrupted.Load() {
				return
			}
			set, err := r.reg.deps.Control.Interrupted(r.ctx, r.session.ID)
			if err == nil && set {
				r.triggerInterrupt(client)
				return
			}
		}
	}
}

func parseQuestionInput(input map[string]any) (string, []v1.QuestionOption) {
	text, _ := input["question"].(string)
	if text == "" {
		text, _ = input["prompt"].(string)
	}
	rawOptions, _ := input["options"].([]any)
	options := make([]v1.QuestionOption, 0, len(rawOptions))
	for _, raw := range rawOptions {
		switch opt := raw.(type) {
		case string:
			options = append(options, v1.QuestionOption{Label: opt})
		case map[string]any:
			label, _ := opt["label"].(string)
			description, _ := opt["description"].(string)
			if label != "" {
				options = append(options, v1.QuestionOption{Label: label, Description: description})
			}
		}
	}
	return text, options
}

func askToolQuestion(req *agentstream.ControlRequest, reason string) v1.QuestionEvent {
	text := "Allow the agent to use " + req.ToolName + "?"
	if reason != "" {
		text += " (" + reason + ")"
	}
	return v1.QuestionEvent{
		Text: text,
		Options: []v1.QuestionOption{
			{Label: "allow"},
			{Label: "deny"},
		},
	}
}

func answerAllows(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "allow", "yes", "y", "approve":
		return true
	}
	return false
}

func denialReason(err error) string {
	switch {
	case errors.Is(err, control.ErrAnswerTimeout):
		return "permission request timed out"
	case errors.Is(err, context.Canceled):
		return "interrupted"
	default:
		return "permission request failed: " + err.Error()
	}
}

package agentstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
)

// RequestHandler receives runtime-initiated control requests. The handler
// must eventually answer with SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler receives every non-control message in stdout order.
type MessageHandler func(msg *AgentMessage)

// pendingAck tracks a server-initiated control request waiting for its ack.
type pendingAck struct {
	ch chan *ControlAck
}

// Client frames the stream-json protocol over a pair of pipes. It owns the
// stdout read loop and serialises stdin writes; it does not own the
// subprocess (see Process).
type Client struct {
	stdin   io.Writer
	writeMu sync.Mutex
	stdout  io.Reader
	logger  *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler

	pending   map[string]*pendingAck
	pendingMu sync.Mutex

	mu   sync.RWMutex
	done chan struct{}
}

// maxLineSize bounds one stdout line. Tool results can carry whole files.
const maxLineSize = 10 * 1024 * 1024

// NewClient creates a protocol client over the given pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		logger:  log.WithFields(zap.String("component", "agentstream")),
		pending: make(map[string]*pendingAck),
		done:    make(chan struct{}),
	}
}

// SetRequestHandler sets the handler for runtime control requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for streamed messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start launches the stdout read loop. The returned channel closes when
// the loop exits, which happens on EOF (subprocess exit), read error, or
// Stop.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		// Stopping on exit aborts any round trip still waiting for an ack.
		defer c.Stop()
		c.readLoop(ctx)
	}()
	return finished
}

// Stop terminates the read loop.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SendPrompt delivers a user prompt.
func (c *Client) SendPrompt(content string) error {
	return c.send(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	})
}

// SendControlResponse answers a runtime control request.
func (c *Client) SendControlResponse(requestID string, resp *ControlResponse) error {
	return c.send(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	})
}

// AllowTool answers a can_use_tool request with allow, optionally
// rewriting the tool input.
func (c *Client) AllowTool(requestID string, updatedInput map[string]any) error {
	return c.SendControlResponse(requestID, &ControlResponse{
		Subtype: "success",
		Result:  &PermissionResult{Behavior: BehaviorAllow, UpdatedInput: updatedInput},
	})
}

// DenyTool answers a can_use_tool request with deny. interrupt also stops
// the turn.
func (c *Client) DenyTool(requestID, message string, interrupt bool) error {
	return c.SendControlResponse(requestID, &ControlResponse{
		Subtype: "success",
		Result:  &PermissionResult{Behavior: BehaviorDeny, Message: message, Interrupt: interrupt},
	})
}

// Interrupt asks the runtime to stop the current turn and waits for the ack.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, ControlRequestBody{Subtype: SubtypeInterrupt}, timeout)
	return err
}

// SetPermissionMode switches the runtime's permission mode mid-session.
func (c *Client) SetPermissionMode(ctx context.Context, mode string, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, ControlRequestBody{Subtype: SubtypeSetPermissionMode, Mode: mode}, timeout)
	return err
}

// RewindFiles restores the session's files to the named user message.
func (c *Client) RewindFiles(ctx context.Context, userMessageUUID string, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, ControlRequestBody{
		Subtype:         SubtypeRewindFiles,
		UserMessageUUID: userMessageUUID,
	}, timeout)
	return err
}

// roundTrip sends one control request and waits for its ack.
func (c *Client) roundTrip(ctx context.Context, body ControlRequestBody, timeout time.Duration) (*ControlAck, error) {
	requestID := uuid.NewString()
	pending := &pendingAck{ch: make(chan *ControlAck, 1)}

	c.pendingMu.Lock()
	c.pending[requestID] = pending
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(&ControlRequestMessage{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", body.Subtype, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s request aborted: runtime stream closed", body.Subtype)
	case <-timer.C:
		return nil, fmt.Errorf("%s request timed out after %v", body.Subtype, timeout)
	case ack := <-pending.ch:
		if ack.Subtype == "error" {
			return nil, fmt.Errorf("%s request failed: %s", body.Subtype, ack.Error)
		}
		return ack, nil
	}
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("runtime stdout read error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg AgentMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("discarding unparseable runtime line", zap.Error(err))
		return
	}

	switch {
	case msg.Type == MessageTypeControlRequest && msg.Request != nil:
		c.handleControlRequest(msg.RequestID, msg.Request)
	case msg.Type == MessageTypeControlResponse && msg.Response != nil:
		c.handleAck(msg.Response)
	default:
		c.mu.RLock()
		handler := c.messageHandler
		c.mu.RUnlock()
		if handler != nil {
			handler(&msg)
		}
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler == nil {
		// A permission request with nobody to answer it must fail closed.
		c.logger.Warn("control request with no handler registered",
			zap.String("request_id", requestID), zap.String("subtype", req.Subtype))
		if err := c.SendControlResponse(requestID, &ControlResponse{
			Subtype: "error",
			Error:   "no handler registered",
		}); err != nil {
			c.logger.Warn("failed to send error response", zap.Error(err))
		}
		return
	}
	handler(requestID, req)
}

func (c *Client) handleAck(ack *ControlAck) {
	c.pendingMu.Lock()
	pending, ok := c.pending[ack.RequestID]
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("ack for unknown control request",
			zap.String("request_id", ack.RequestID), zap.String("subtype", ack.Subtype))
		return
	}

	select {
	case pending.ch <- ack:
	default:
	}
}

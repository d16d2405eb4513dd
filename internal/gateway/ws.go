package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/httpmw"
	"github.com/agentd/agentd/internal/control"
	"github.com/agentd/agentd/internal/runner"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsPongWait      = 90 * time.Second
	wsMaxFrameBytes = 1 << 20
)

// wsConn serializes data writes. The event pump and error replies share
// one socket; gorilla permits only one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) writeEvent(event v1.StreamEvent) error {
	return w.writeJSON(event)
}

func (w *wsConn) writeError(err error, debug bool) {
	_, body := mapError(err, debug)
	_ = w.writeEvent(v1.StreamEvent{Event: v1.EventError, Data: body})
}

func (w *wsConn) writeValidationError(message string) {
	_ = w.writeEvent(v1.StreamEvent{
		Event: v1.EventError,
		Data:  v1.ErrorBody{Code: v1.ErrCodeValidation, Message: message},
	})
}

// queryWS is the bidirectional transport: the client sends prompt,
// interrupt, answer, and set_permission_mode frames; the server streams
// the same events the SSE endpoint would. One run streams at a time per
// connection.
func (h *Handlers) queryWS(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.originChecker(),
	}
	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.WithContext(c.Request.Context()).Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer raw.Close()

	ws := &wsConn{conn: raw}
	ownerHash := httpmw.OwnerHash(c)
	ctx := c.Request.Context()
	log := h.logger.WithContext(ctx)

	raw.SetReadLimit(wsMaxFrameBytes)
	_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	stopPings := make(chan struct{})
	defer close(stopPings)
	go h.pingLoop(raw, stopPings)

	// The streaming run bound to this connection, if any. The pump
	// goroutine clears it when the run's channel closes.
	var (
		runMu     sync.Mutex
		activeRun *runner.Run
		lastID    string
	)
	var pumps sync.WaitGroup
	defer pumps.Wait()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var msg v1.WSClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.writeValidationError("invalid message: " + err.Error())
			continue
		}

		switch msg.Type {
		case v1.WSTypePrompt:
			runMu.Lock()
			busy := activeRun != nil
			runMu.Unlock()
			if busy {
				ws.writeValidationError("a run is already streaming on this connection")
				continue
			}

			query := msg.QueryRequest
			run, err := h.runs.Start(ctx, runner.StartParams{
				Query:     &query,
				OwnerHash: ownerHash,
				SessionID: msg.SessionID,
				Fork:      msg.Fork,
			})
			if err != nil {
				ws.writeError(err, h.cfg.Server.Debug)
				continue
			}

			runMu.Lock()
			activeRun = run
			lastID = run.Session().ID
			runMu.Unlock()

			pumps.Add(1)
			go func() {
				defer pumps.Done()
				for event := range run.Events() {
					if err := ws.writeEvent(event); err != nil {
						run.Cancel()
						for range run.Events() {
						}
						break
					}
				}
				runMu.Lock()
				activeRun = nil
				runMu.Unlock()
			}()

		case v1.WSTypeInterrupt:
			runMu.Lock()
			target := msg.SessionID
			if target == "" {
				target = lastID
			}
			runMu.Unlock()
			if target == "" {
				ws.writeValidationError("no session to interrupt")
				continue
			}
			if _, err := h.sessions.Get(ctx, target, ownerHash); err != nil {
				ws.writeError(err, h.cfg.Server.Debug)
				continue
			}
			if err := h.control.SignalInterrupt(ctx, target); err != nil {
				ws.writeError(err, h.cfg.Server.Debug)
			}

		case v1.WSTypeAnswer:
			runMu.Lock()
			target := msg.SessionID
			if target == "" {
				target = lastID
			}
			runMu.Unlock()
			if target == "" || msg.QuestionID == "" {
				ws.writeValidationError("answer requires a session and question_id")
				continue
			}
			// Answers approve pending tool use; the caller must own the
			// session, same as the interrupt frame and the HTTP endpoint.
			if _, err := h.sessions.Get(ctx, target, ownerHash); err != nil {
				ws.writeError(err, h.cfg.Server.Debug)
				continue
			}
			if err := h.control.PublishAnswer(ctx, target, control.Answer{
				QuestionID: msg.QuestionID,
				Answer:     msg.Answer,
			}); err != nil {
				ws.writeError(err, h.cfg.Server.Debug)
			}

		case v1.WSTypeSetPermissionMode:
			runMu.Lock()
			target := msg.SessionID
			if target == "" {
				target = lastID
			}
			runMu.Unlock()
			if target == "" || msg.Mode == "" {
				ws.writeValidationError("set_permission_mode requires a session and mode")
				continue
			}
			if !runner.ValidPermissionMode(msg.Mode) {
				ws.writeValidationError("unknown permission mode: " + msg.Mode)
				continue
			}
			if _, err := h.sessions.Get(ctx, target, ownerHash); err != nil {
				ws.writeError(err, h.cfg.Server.Debug)
				continue
			}
			if err := h.control.PublishPermissionMode(ctx, target, msg.Mode); err != nil {
				ws.writeError(err, h.cfg.Server.Debug)
			}

		default:
			ws.writeValidationError("unknown message type: " + msg.Type)
		}
	}
}

func (h *Handlers) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	interval := h.cfg.Streaming.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// originChecker admits the configured CORS origins, matching the CORS
// middleware: an explicit wildcard, or an empty list in debug mode,
// admits everything. An empty list outside debug returns nil so the
// upgrader falls back to gorilla's same-origin default, refusing
// cross-origin upgrades.
func (h *Handlers) originChecker() func(*http.Request) bool {
	origins := h.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		if h.cfg.Server.Debug {
			return func(*http.Request) bool { return true }
		}
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	wildcard := false
	for _, origin := range origins {
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = true
	}
	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

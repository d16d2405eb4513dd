package gateway

import (
	"net/http"
	"os/exec"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/common/httpmw"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/control"
	"github.com/agentd/agentd/internal/db"
	"github.com/agentd/agentd/internal/events/bus"
	"github.com/agentd/agentd/internal/runner"
	"github.com/agentd/agentd/internal/session/models"
	"github.com/agentd/agentd/internal/session/service"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// Handlers is the session API surface.
type Handlers struct {
	runs        *runner.Registry
	sessions    *service.Service
	checkpoints *service.CheckpointService
	control     *control.Bus
	cache       cache.Cache
	events      bus.EventBus
	pool        *db.Pool
	cfg         *config.Config
	version     string
	logger      *logger.Logger
}

func NewHandlers(
	runs *runner.Registry,
	sessions *service.Service,
	checkpoints *service.CheckpointService,
	ctl *control.Bus,
	c cache.Cache,
	events bus.EventBus,
	pool *db.Pool,
	cfg *config.Config,
	version string,
	log *logger.Logger,
) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	return &Handlers{
		runs:        runs,
		sessions:    sessions,
		checkpoints: checkpoints,
		control:     ctl,
		cache:       c,
		events:      events,
		pool:        pool,
		cfg:         cfg,
		version:     version,
		logger:      log.WithFields(zap.String("component", "gateway")),
	}
}

// RegisterRoutes mounts the session endpoints on an authenticated group.
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/query", h.query)
	api.POST("/query/single", h.querySingle)
	api.GET("/query/ws", h.queryWS)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:id", h.getSession)
	api.POST("/sessions/:id/resume", h.resumeSession)
	api.POST("/sessions/:id/fork", h.forkSession)
	api.POST("/sessions/:id/interrupt", h.interruptSession)
	api.POST("/sessions/:id/answer", h.answerQuestion)
	api.GET("/sessions/:id/checkpoints", h.listCheckpoints)
	api.POST("/sessions/:id/rewind", h.rewindSession)
}

func (h *Handlers) query(c *gin.Context) {
	h.streamQuery(c, "", false)
}

func (h *Handlers) resumeSession(c *gin.Context) {
	h.streamQuery(c, c.Param("id"), false)
}

func (h *Handlers) forkSession(c *gin.Context) {
	h.streamQuery(c, c.Param("id"), true)
}

// streamQuery starts a run and publishes it over SSE. Failures before the
// run starts are plain HTTP errors; after that the stream carries them.
func (h *Handlers) streamQuery(c *gin.Context, sessionID string, fork bool) {
	var req v1.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}

	run, err := h.runs.Start(c.Request.Context(), runner.StartParams{
		Query:     &req,
		OwnerHash: httpmw.OwnerHash(c),
		SessionID: sessionID,
		Fork:      fork,
	})
	if err != nil {
		writeError(c, err, h.cfg.Server.Debug)
		return
	}

	c.Header("X-Session-ID", run.Session().ID)
	publishSSE(c, run.Events(), h.cfg.Streaming.HeartbeatInterval, h.logger)
}

// querySingle runs a query to completion and returns one aggregated JSON
// body. Questions cannot be answered on this endpoint; a PreToolUse ask
// will time out to deny.
func (h *Handlers) querySingle(c *gin.Context) {
	var req v1.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}

	run, err := h.runs.Start(c.Request.Context(), runner.StartParams{
		Query:     &req,
		OwnerHash: httpmw.OwnerHash(c),
	})
	if err != nil {
		writeError(c, err, h.cfg.Server.Debug)
		return
	}

	resp := v1.QuerySingleResponse{
		SessionID: run.Session().ID,
		Messages:  []v1.MessageEvent{},
	}
	for event := range run.Events() {
		switch data := event.Data.(type) {
		case v1.MessageEvent:
			resp.Messages = append(resp.Messages, data)
		case v1.ResultEvent:
			result := data
			resp.Result = &result
		case v1.ErrorBody:
			body := data
			resp.Error = &body
		}
	}

	status := http.StatusOK
	if resp.Error != nil {
		status = http.StatusBadGateway
	}
	c.JSON(status, resp)
}

func (h *Handlers) listSessions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	result, err := h.sessions.List(c.Request.Context(), httpmw.OwnerHash(c), page, pageSize)
	if err != nil {
		writeError(c, err, h.cfg.Server.Debug)
		return
	}

	resp := v1.SessionListResponse{
		Sessions: make([]v1.Session, 0, len(result.Sessions)),
		Total:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
	}
	for _, sess := range result.Sessions {
		resp.Sessions = append(resp.Sessions, toAPISession(sess))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) getSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"), httpmw.OwnerHash(c))
	if err != nil {
		writeError(c, err, h.cfg.Server.Debug)
		return
	}
	c.JSON(http.StatusOK, toAPISession(sess))
}

// interruptSession signals the interrupt and returns immediately; the
// owning instance, wherever it is, observes the marker within a second.
func (h *Handlers) interruptSession(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.sessions.Get(ctx, c.Param("id"), httpmw.OwnerHash(c))
	if err != nil {
		writeError(c, err, h.cfg.Server.Debug)
		return
	}

	if err := h.control.SignalInterrupt(ctx, sess.ID); err != nil {
		writeError(c, err, h.cfg.Server.Debug)
		return
	}
	c.JSON(http.StatusAccepted, v1.InterruptResponse{
		SessionID: sess.ID,
		Status:    "interrupting",
	})
}

func (h *Handlers) answerQuestion(c *gin.Context) {
	var req v1.AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "question_id and answer are required")
		return
	}

	ctx := c.Request.Context()
	sess, err := h.sessions.Get(ctx, c.Param("id"), httpmw.OwnerHash(c))
	if err != nil {
		writeError(c, err, h.cfg.Server.Debug)
		return
	}

	if err := h.control.PublishAnswer(ctx, sess.ID, control.Answer{
		QuestionID: req.QuestionID,
		Answer:     req.Answer,
	}); err != nil {
		writeError(c, err, h.cfg.Server.Debug)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handlers) listCheckpoints(c *gin.Context) {
	checkpoints, err := h.checkpoints.List(c.Request.Context(), c.Param("id"), httpmw.OwnerHash(c))
	if err != nil {
		writeError(c, err, h.cfg.Server.Debug)
		return
	}

	resp := v1.CheckpointListResponse{Checkpoints: make([]v1.Checkpoint, 0, len(checkpoints))}
	for _, ck := range checkpoints {
		resp.Checkpoints = append(resp.Checkpoints, v1.Checkpoint{
			ID:              ck.ID,
			SessionID:       ck.SessionID,
			UserMessageUUID: ck.UserMessageUUID,
			FilesModified:   ck.FilesModified,
			CreatedAt:       ck.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) rewindSession(c *gin.Context) {
	var req v1.RewindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "user_message_uuid is required")
		return
	}

	checkpoint, err := h.runs.Rewind(c.Request.Context(), c.Param("id"), httpmw.OwnerHash(c), req.UserMessageUUID)
	if err != nil {
		writeError(c, err, h.cfg.Server.Debug)
		return
	}
	c.JSON(http.StatusOK, v1.RewindResponse{
		SessionID:       c.Param("id"),
		UserMessageUUID: req.UserMessageUUID,
		FilesRestored:   checkpoint.FilesModified,
	})
}

// Health reports dependency status. Unauthenticated so load balancers
// can probe it.
func (h *Handlers) Health(c *gin.Context) {
	ctx := c.Request.Context()
	deps := make(map[string]string)
	status := "ok"

	if err := h.pool.Reader().PingContext(ctx); err != nil {
		deps["database"] = "error: " + err.Error()
		status = "degraded"
	} else {
		deps["database"] = "ok"
	}

	if err := h.cache.Ping(ctx); err != nil {
		deps["cache"] = "error: " + err.Error()
		status = "degraded"
	} else {
		deps["cache"] = "ok"
	}

	if h.events.IsConnected() {
		deps["events"] = "ok"
	} else {
		deps["events"] = "disconnected"
		status = "degraded"
	}

	if _, err := exec.LookPath(h.cfg.Agent.Binary); err != nil {
		deps["runtime"] = "missing"
		status = "degraded"
	} else {
		deps["runtime"] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, v1.HealthResponse{
		Status:       status,
		Version:      h.version,
		Dependencies: deps,
	})
}

func toAPISession(sess *models.Session) v1.Session {
	return v1.Session{
		ID:              sess.ID,
		Status:          string(sess.Status),
		Model:           sess.Model,
		Cwd:             sess.Cwd,
		TotalTurns:      sess.TotalTurns,
		TotalCostUSD:    sess.TotalCostUSD,
		ParentSessionID: sess.ParentSessionID,
		Metadata:        sess.Metadata,
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
	}
}

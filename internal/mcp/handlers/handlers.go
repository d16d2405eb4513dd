// Package handlers exposes the tenant MCP server admin endpoints. Records
// are scoped by the caller's tenant hash, validated on write, and redacted
// on every read.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/httpmw"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/mcp"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

type Handlers struct {
	registry *mcp.Registry
	logger   *logger.Logger
}

func NewHandlers(registry *mcp.Registry, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	return &Handlers{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "mcp-admin")),
	}
}

// RegisterRoutes mounts the admin endpoints on an authenticated group.
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/mcp/servers", h.listServers)
	api.POST("/mcp/servers", h.putServer)
	api.GET("/mcp/servers/:name", h.getServer)
	api.DELETE("/mcp/servers/:name", h.deleteServer)
}

func (h *Handlers) listServers(c *gin.Context) {
	records, err := h.registry.List(c.Request.Context(), httpmw.OwnerHash(c))
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("failed to list mcp servers", zap.Error(err))
		writeError(c, http.StatusServiceUnavailable, v1.ErrCodeUpstreamUnavailable, "cache unavailable")
		return
	}

	resp := v1.MCPServerListResponse{Servers: make([]v1.MCPServerRecord, 0, len(records))}
	for _, rec := range records {
		resp.Servers = append(resp.Servers, toWireRecord(mcp.RedactRecord(rec)))
	}
	c.JSON(http.StatusOK, resp)
}

type putServerRequest struct {
	Name string `json:"name" binding:"required"`
	v1.MCPServerDef
}

func (h *Handlers) putServer(c *gin.Context) {
	var req putServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, v1.ErrCodeValidation, "invalid request body")
		return
	}

	rec := mcp.Record{Name: req.Name, ServerDef: fromWireDef(req.MCPServerDef)}
	err := h.registry.Put(c.Request.Context(), httpmw.OwnerHash(c), rec)
	switch {
	case errors.Is(err, mcp.ErrForbiddenCommand):
		writeError(c, http.StatusBadRequest, v1.ErrCodeForbiddenCommand, err.Error())
	case errors.Is(err, mcp.ErrForbiddenURL):
		writeError(c, http.StatusBadRequest, v1.ErrCodeForbiddenURL, err.Error())
	case errors.Is(err, mcp.ErrInvalidServer):
		writeError(c, http.StatusBadRequest, v1.ErrCodeValidation, err.Error())
	case err != nil:
		h.logger.WithContext(c.Request.Context()).Error("failed to store mcp server",
			zap.String("name", req.Name), zap.Error(err))
		writeError(c, http.StatusServiceUnavailable, v1.ErrCodeUpstreamUnavailable, "cache unavailable")
	default:
		c.JSON(http.StatusCreated, toWireRecord(mcp.RedactRecord(rec)))
	}
}

func (h *Handlers) getServer(c *gin.Context) {
	rec, err := h.registry.Get(c.Request.Context(), httpmw.OwnerHash(c), c.Param("name"))
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("failed to read mcp server",
			zap.String("name", c.Param("name")), zap.Error(err))
		writeError(c, http.StatusServiceUnavailable, v1.ErrCodeUpstreamUnavailable, "cache unavailable")
		return
	}
	if rec == nil {
		writeError(c, http.StatusNotFound, v1.ErrCodeValidation, "mcp server not configured")
		return
	}
	c.JSON(http.StatusOK, toWireRecord(mcp.RedactRecord(*rec)))
}

func (h *Handlers) deleteServer(c *gin.Context) {
	if err := h.registry.Delete(c.Request.Context(), httpmw.OwnerHash(c), c.Param("name")); err != nil {
		h.logger.WithContext(c.Request.Context()).Error("failed to delete mcp server",
			zap.String("name", c.Param("name")), zap.Error(err))
		writeError(c, http.StatusServiceUnavailable, v1.ErrCodeUpstreamUnavailable, "cache unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, v1.ErrorResponse{Error: v1.ErrorBody{Code: code, Message: message}})
}

func toWireRecord(rec mcp.Record) v1.MCPServerRecord {
	return v1.MCPServerRecord{
		Name: rec.Name,
		MCPServerDef: v1.MCPServerDef{
			Transport: string(rec.Transport),
			Command:   rec.Command,
			Args:      rec.Args,
			URL:       rec.URL,
			Headers:   rec.Headers,
			Env:       rec.Env,
			Enabled:   rec.Enabled,
		},
		Status: rec.Status,
		Error:  rec.Error,
	}
}

func fromWireDef(def v1.MCPServerDef) mcp.ServerDef {
	return mcp.ServerDef{
		Transport: mcp.Transport(def.Transport),
		Command:   def.Command,
		Args:      def.Args,
		URL:       def.URL,
		Headers:   def.Headers,
		Env:       def.Env,
		Enabled:   def.Enabled,
	}
}

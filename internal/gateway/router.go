package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/common/httpmw"
	"github.com/agentd/agentd/internal/common/logger"
	mcphandlers "github.com/agentd/agentd/internal/mcp/handlers"
)

// NewRouter assembles the HTTP surface: health unauthenticated, everything
// under /api/v1 behind API-key auth and the per-tenant rate limit.
func NewRouter(h *Handlers, mcpAdmin *mcphandlers.Handlers, cfg *config.Config, log *logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.Default()
	}
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if !cfg.Server.TrustProxyHeaders {
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(corsMiddleware(cfg.Server.CORSOrigins, cfg.Server.Debug))
	r.Use(httpmw.Correlation())
	r.Use(httpmw.OtelTracing("agentd"))
	r.Use(httpmw.RequestLogger(log, "agentd"))

	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	// Health stays probeable without credentials; registered before the
	// auth middleware attaches.
	api.GET("/health", h.Health)
	api.Use(httpmw.APIKeyAuth(cfg.Auth.APIKeys))
	api.Use(RateLimit(h.cache, cfg.Auth.RateLimitPerMinute, log))
	h.RegisterRoutes(api)
	mcpAdmin.RegisterRoutes(api)

	return r
}

// corsMiddleware handles CORS for HTTP and WebSocket connections. The
// origin list is an explicit allow-list: only a configured origin is
// echoed back. An empty list mirrors to "*" in debug mode only; outside
// debug it emits no CORS headers, so browsers refuse cross-origin calls.
func corsMiddleware(origins []string, debug bool) gin.HandlerFunc {
	wildcard := debug && len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		granted := true
		switch {
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		default:
			granted = false
		}
		if granted {
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-API-Key, X-Correlation-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

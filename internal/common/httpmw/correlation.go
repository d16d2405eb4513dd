package httpmw

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentd/agentd/internal/common/logger"
)

// CorrelationHeader carries the per-request correlation ID on responses.
const CorrelationHeader = "X-Correlation-ID"

// Correlation assigns every request a correlation ID, stores it on the
// request context for log and webhook propagation, and echoes it back in the
// response header. An inbound X-Correlation-ID is honoured so callers can
// stitch traces across services.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}

		ctx := logger.ContextWithCorrelationID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(CorrelationHeader, id)

		c.Next()
	}
}

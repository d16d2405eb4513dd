package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/common/httpmw"
	"github.com/agentd/agentd/internal/common/logger"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// RateLimit enforces a fixed-window per-tenant request limit on the
// cache. A cache failure fails open: dropping requests because Redis
// blinked would turn a cache outage into an API outage.
func RateLimit(c cache.Cache, perMinute int, log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.Default()
	}
	return func(gc *gin.Context) {
		if perMinute <= 0 {
			gc.Next()
			return
		}

		window := time.Now().Unix() / 60
		key := cache.RateLimitKey(httpmw.OwnerHash(gc), window)
		count, err := c.Incr(gc.Request.Context(), key, 2*time.Minute)
		if err != nil {
			log.WithContext(gc.Request.Context()).Warn("rate limit counter unavailable", zap.Error(err))
			gc.Next()
			return
		}

		if count > int64(perMinute) {
			retryAfter := 60 - time.Now().Unix()%60
			gc.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			gc.AbortWithStatusJSON(http.StatusTooManyRequests, v1.ErrorResponse{
				Error: v1.ErrorBody{
					Code:    v1.ErrCodeRateLimited,
					Message: "rate limit exceeded",
				},
			})
			return
		}
		gc.Next()
	}
}

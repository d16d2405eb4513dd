package httpmw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentd/agentd/internal/common/apikey"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// ContextOwnerHash is the gin context key holding the caller's tenant hash.
const ContextOwnerHash = "owner_hash"

// OwnerHash returns the tenant hash the auth middleware attached to the
// request, or "" when the request is unauthenticated.
func OwnerHash(c *gin.Context) string {
	return c.GetString(ContextOwnerHash)
}

// APIKeyAuth authenticates requests with X-API-Key or Authorization: Bearer
// and attaches the caller's tenant hash to the gin context. Keys are compared
// in constant time. With an empty key list every caller is accepted and
// scoped by the hash of whatever key it presented; config validation only
// permits that in debug mode.
func APIKeyAuth(keys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := presentedKey(c.Request)

		if len(keys) > 0 {
			matched := false
			for _, k := range keys {
				if apikey.Equal(k, presented) {
					matched = true
				}
			}
			if !matched {
				c.AbortWithStatusJSON(http.StatusUnauthorized, v1.ErrorResponse{
					Error: v1.ErrorBody{
						Code:    v1.ErrCodeInvalidAPIKey,
						Message: "invalid or missing API key",
					},
				})
				return
			}
		}

		c.Set(ContextOwnerHash, apikey.Hash(presented))
		c.Next()
	}
}

func presentedKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

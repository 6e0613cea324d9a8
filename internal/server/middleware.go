package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketdash/pkg/tenantctx"
)

const currentUserKey = "current_user"

// AuthRequired resolves the bearer token to its owner and scopes the request
// context to that tenant. Every route under /api/v1 runs behind it.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		u, err := s.userSvc.Authenticate(c.Request.Context(), raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(currentUserKey, u)
		c.Request = c.Request.WithContext(tenantctx.WithUserID(c.Request.Context(), u.ID))
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

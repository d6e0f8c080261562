package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/chatdistill/internal/model"
	"github.com/xxxsen/chatdistill/internal/pkg/errcode"
	"github.com/xxxsen/chatdistill/internal/pkg/jwt"
	"github.com/xxxsen/chatdistill/internal/pkg/response"
)

const ContextUserIDKey = "user_id"

// JWTAuth resolves the bearer token to the user namespace every handler
// operates in.
func JWTAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Abort(c, errcode.ErrUnauthorized, "missing authorization")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Abort(c, errcode.ErrUnauthorized, "invalid authorization")
			return
		}
		claims, err := jwt.ParseToken(strings.TrimSpace(parts[1]), secret)
		if err != nil {
			response.Abort(c, errcode.ErrUnauthorized, "invalid token")
			return
		}
		if err := model.ValidateSegment("user id", claims.UserID); err != nil {
			response.Abort(c, errcode.ErrUnauthorized, "invalid token subject")
			return
		}
		c.Set(ContextUserIDKey, claims.UserID)
		c.Next()
	}
}

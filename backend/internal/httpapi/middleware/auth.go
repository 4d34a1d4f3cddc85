package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"collabSync/backend/internal/directory"
)

// JoinAuth asks the document directory whether the caller may open the
// document named by ?docId= or the :docId path parameter. On success it sets
// docId, userId and username in the gin context.
func JoinAuth(auth directory.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		docID := c.Param("docId")
		if docID == "" {
			docID = strings.TrimSpace(c.Query("docId"))
		}
		if docID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "MALFORMED_MESSAGE",
				"message": "docId is required",
			})
			return
		}

		// 1. 从 Authorization 头中提取令牌
		token := extractBearer(c.Request.Header.Get("Authorization"))
		if token == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			token = strings.TrimSpace(c.Query("token"))
		}

		grant, err := auth.Authorize(c.Request.Context(), token, docID)
		switch {
		case err == nil:
		case errors.Is(err, directory.ErrUnauthorizedJoin):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED_JOIN",
				"message": err.Error(),
			})
			return
		default:
			glog.Warningf("httpapi: authorize doc=%s: %v", docID, err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "document directory unavailable",
			})
			return
		}

		c.Set("docId", grant.DocumentID)
		c.Set("userId", grant.UserID)
		c.Set("username", grant.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

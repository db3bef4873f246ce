package middlewares

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/vault_backend/utils"
)

const (
	HeaderCallerId      = "X-User-Id"
	HeaderCallerName    = "X-User-Name"
	HeaderCorrelationId = "X-Correlation-Id"
	HeaderOpsToken      = "X-Ops-Token"
)

// CallerMiddleware copies the caller identity forwarded by the upstream auth layer into
// the request context and makes sure every request carries a correlation id.
func CallerMiddleware() gin.HandlerFunc {
	opsToken := strings.TrimSpace(os.Getenv("OPS_ADMIN_TOKEN"))
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := strings.TrimSpace(c.GetHeader(HeaderCallerId)); id != "" {
			ctx = utils.SetCallerIdInContext(ctx, id)
		}
		if name := strings.TrimSpace(c.GetHeader(HeaderCallerName)); name != "" {
			ctx = utils.SetCallerNameInContext(ctx, name)
		}
		correlationId := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		c.Header(HeaderCorrelationId, correlationId)

		token := c.GetHeader(HeaderOpsToken)
		isAdmin := opsToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(opsToken)) == 1
		ctx = utils.SetIsAdminInContext(ctx, isAdmin)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AdminOnly rejects requests that did not present the ops token.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": "FORBIDDEN"})
			c.Abort()
			return
		}
		c.Next()
	}
}

package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vault_backend/utils"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CallerMiddleware())
	r.GET("/who", func(c *gin.Context) {
		ctx := c.Request.Context()
		caller, _ := utils.GetCallerIdFromContext(ctx)
		correlation, _ := utils.GetCorrelationIdFromContext(ctx)
		c.JSON(http.StatusOK, gin.H{"caller": caller, "correlation": correlation})
	})
	r.GET("/ops", AdminOnly(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestCallerMiddleware_CorrelationId(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set(HeaderCallerId, "user-9")
	req.Header.Set(HeaderCorrelationId, "corr-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get(HeaderCorrelationId) != "corr-1" {
		t.Fatalf("correlation header = %q", w.Header().Get(HeaderCorrelationId))
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/who", nil))
	if w.Header().Get(HeaderCorrelationId) == "" {
		t.Fatalf("expected a generated correlation id")
	}
}

func TestAdminOnly(t *testing.T) {
	t.Setenv("OPS_ADMIN_TOKEN", "s3cret")
	r := newTestRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ops", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("without token: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/ops", nil)
	req.Header.Set(HeaderOpsToken, "s3cret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("with token: %d", w.Code)
	}
}

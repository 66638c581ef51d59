package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newGinTestRouter(logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(logger))
	return r
}

func TestGinMiddleware_LogsRequest(t *testing.T) {
	logger, logs := newObservedLogger()
	r := newGinTestRouter(logger)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping?verbose=1", nil)
	r.ServeHTTP(w, req)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)

	ctxMap := entries[0].ContextMap()
	assert.Equal(t, "GET", ctxMap["method"])
	assert.Equal(t, "/ping", ctxMap["path"])
	assert.Equal(t, int64(http.StatusOK), ctxMap["status"])
	assert.Equal(t, "verbose=1", ctxMap["query"])
}

func TestGinMiddleware_StatusDrivesLevel(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   zapcore.Level
	}{
		{"5xx logs at error", http.StatusInternalServerError, zap.ErrorLevel},
		{"4xx logs at warn", http.StatusNotFound, zap.WarnLevel},
		{"2xx logs at info", http.StatusNoContent, zap.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := newObservedLogger()
			r := newGinTestRouter(logger)
			r.GET("/status", func(c *gin.Context) { c.Status(tt.status) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

			entries := logs.FilterMessage("request completed").All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.want, entries[0].Level)
		})
	}
}

func TestGinMiddleware_OrgIDFromHeader(t *testing.T) {
	logger, logs := newObservedLogger()
	r := newGinTestRouter(logger)
	r.GET("/scoped", func(c *gin.Context) {
		// Handlers log through the request context and inherit the fields.
		FromContext(c.Request.Context()).Info("inside handler")
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/scoped", nil)
	req.Header.Set("X-Org-ID", "3b1e9a60-0000-4000-8000-00000000000a")
	r.ServeHTTP(w, req)

	inner := logs.FilterMessage("inside handler").All()
	require.Len(t, inner, 1)
	assert.Equal(t, "3b1e9a60-0000-4000-8000-00000000000a", inner[0].ContextMap()["org_id"])

	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	assert.Equal(t, "3b1e9a60-0000-4000-8000-00000000000a", completed[0].ContextMap()["org_id"])
}

func TestGinMiddleware_ContextCarriesLogger(t *testing.T) {
	logger, logs := newObservedLogger()
	r := newGinTestRouter(logger)

	r.GET("/ctx", func(c *gin.Context) {
		FromContext(c.Request.Context()).Info("reached through context")
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ctx", nil))

	entries := logs.FilterMessage("reached through context").All()
	require.Len(t, entries, 1, "the request logger is planted in the context")
	assert.Equal(t, "/ctx", entries[0].ContextMap()["path"])
}

func TestRecovery(t *testing.T) {
	logger, logs := newObservedLogger()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(logger), Recovery(logger))
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	require.NotPanics(t, func() {
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	entries := logs.FilterMessage("panic recovered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "kaboom", entries[0].ContextMap()["panic"])
}

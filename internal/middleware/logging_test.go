package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/jotbook/realtime/internal/telemetry"
)

func loggedRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/echo", func(c *gin.Context) {
		c.String(http.StatusOK, telemetry.GetCorrelationID(c.Request.Context()))
	})
	return r
}

func TestRequestLoggerGeneratesCorrelationID(t *testing.T) {
	r := loggedRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/echo", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	header := w.Header().Get("X-Correlation-ID")
	assert.NotEmpty(t, header)
	assert.Equal(t, header, w.Body.String(), "handler sees the same id the response advertises")
}

func TestRequestLoggerHonorsInboundCorrelationID(t *testing.T) {
	r := loggedRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/echo", nil)
	req.Header.Set("X-Correlation-ID", "upstream-id")
	r.ServeHTTP(w, req)

	assert.Equal(t, "upstream-id", w.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "upstream-id", w.Body.String())
}

func TestRequestLoggerSkipsProbePaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Correlation-ID"))
}

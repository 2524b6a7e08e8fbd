package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerOverallStatus(t *testing.T) {
	tests := []struct {
		name       string
		components []HealthStatus
		want       HealthStatus
	}{
		{"all healthy", []HealthStatus{HealthStatusHealthy, HealthStatusHealthy}, HealthStatusHealthy},
		{"one degraded", []HealthStatus{HealthStatusHealthy, HealthStatusDegraded}, HealthStatusDegraded},
		{"one unhealthy", []HealthStatus{HealthStatusDegraded, HealthStatusUnhealthy}, HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("test-service", "1.0.0")
			for i, status := range tt.components {
				s := status
				hc.RegisterCustomCheck(string(rune('a'+i)), func() ComponentHealth {
					return ComponentHealth{Status: s, LastChecked: time.Now()}
				})
			}
			hc.RunChecks()

			assert.Equal(t, tt.want, hc.GetHealth().Status)
		})
	}
}

func TestHealthCheckerSessionGauge(t *testing.T) {
	hc := NewHealthChecker("test-service", "1.0.0")
	hc.RegisterSessionGauge("sessions", func() int { return 7 })
	hc.RunChecks()

	health := hc.GetHealth()
	component, ok := health.Components["sessions"]
	require.True(t, ok)
	assert.Equal(t, HealthStatusHealthy, component.Status)
	details := component.Details.(map[string]interface{})
	assert.Equal(t, 7, details["active_sessions"])
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("healthy returns 200", func(t *testing.T) {
		hc := NewHealthChecker("test-service", "1.0.0")
		hc.RegisterCustomCheck("ok", func() ComponentHealth {
			return ComponentHealth{Status: HealthStatusHealthy, LastChecked: time.Now()}
		})

		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest("GET", "/healthz", nil)
		hc.HealthHandler()(c)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unhealthy returns 503", func(t *testing.T) {
		hc := NewHealthChecker("test-service", "1.0.0")
		hc.RegisterCustomCheck("down", func() ComponentHealth {
			return ComponentHealth{Status: HealthStatusUnhealthy, LastChecked: time.Now()}
		})

		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest("GET", "/healthz", nil)
		hc.HealthHandler()(c)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestReadinessHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hc := NewHealthChecker("test-service", "1.0.0")
	hc.RegisterCustomCheck("degraded", func() ComponentHealth {
		return ComponentHealth{Status: HealthStatusDegraded, LastChecked: time.Now()}
	})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/readyz", nil)
	hc.ReadinessHandler()(c)

	// Degraded still accepts traffic.
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLivenessHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hc := NewHealthChecker("test-service", "1.0.0")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/livez", nil)
	hc.LivenessHandler()(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

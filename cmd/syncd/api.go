package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/jotbook/realtime/internal/broker"
	"github.com/jotbook/realtime/internal/config"
	"github.com/jotbook/realtime/internal/directory"
	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/middleware"
	"github.com/jotbook/realtime/internal/monitoring"
	"github.com/jotbook/realtime/internal/notification"
	"github.com/jotbook/realtime/internal/preference"
	"github.com/jotbook/realtime/internal/realtime"
)

// api bundles the HTTP surface: health and metrics probes, the live
// session upgrade path, and the bearer-protected /v1 endpoints other
// backend services call to dispatch and query notifications.
type api struct {
	dispatcher *notification.Dispatcher
	repo       notification.Repository
	prefs      preference.Store
	entities   *directory.EntityStore
	live       *realtime.Server
	queue      *broker.Broker

	health  *monitoring.HealthChecker
	metrics *monitoring.MetricsCollector
	limiter *middleware.RateLimiter
}

func (a *api) router(cfg config.Config) *gin.Engine {
	r := gin.New()
	r.Use(otelgin.Middleware("syncd"))
	r.Use(middleware.RequestLogger())
	r.Use(middleware.ErrorHandler())
	r.Use(a.httpMetrics())

	r.GET("/healthz", a.health.HealthHandler())
	r.GET("/livez", a.health.LivenessHandler())
	r.GET("/readyz", a.health.ReadinessHandler())
	r.GET("/metrics", a.metrics.PrometheusHandler())
	r.GET("/metrics.json", a.metrics.JSONHandler())

	r.GET(cfg.LiveSessionPath, a.live.HandleSession)

	v1 := r.Group("/v1", middleware.BearerAuth(cfg.JWTSecret), a.limiter.Middleware())
	v1.POST("/notifications", a.createNotification)
	v1.POST("/notifications/batch", a.createBatch)
	v1.POST("/notifications/:id/read", a.markRead)
	v1.GET("/notifications", a.listNotifications)
	v1.GET("/preferences", a.getPreferences)
	v1.PUT("/preferences", a.putPreferences)
	v1.GET("/entities/:kind/:id", a.getEntity)
	v1.GET("/admin/queues", a.queueStats)
	v1.GET("/admin/dead-letters", a.listDeadLetters)
	v1.POST("/admin/dead-letters/replay", a.replayDeadLetters)

	return r
}

func (a *api) httpMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.metrics.RecordHTTPRequest(c.Request.Method, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// createNotification runs one dispatch request through the preference
// cascade. The caller names the target user; this is a service-to-service
// endpoint, not a self-serve one.
func (a *api) createNotification(c *gin.Context) {
	var req notification.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.NewValidationError("body", "invalid notification request"))
		return
	}

	n, err := a.dispatcher.Send(c.Request.Context(), req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

type batchRequest struct {
	UserIDs  []string                  `json:"user_ids"`
	Template string                    `json:"template"`
	Data     notification.Data         `json:"data,omitempty"`
	Options  notification.BatchOptions `json:"options"`
}

func (a *api) createBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.NewValidationError("body", "invalid batch request"))
		return
	}

	b, err := a.dispatcher.SendBatch(c.Request.Context(), req.UserIDs, req.Template, req.Data, req.Options)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, b)
}

func (a *api) markRead(c *gin.Context) {
	n, err := a.dispatcher.MarkRead(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (a *api) listNotifications(c *gin.Context) {
	filter := notification.ListFilter{
		Status: notification.Status(c.Query("status")),
		Type:   c.Query("type"),
		Cursor: c.Query("cursor"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			abort(c, apperrors.NewValidationError("limit", "must be a positive integer"))
			return
		}
		filter.Limit = n
	}

	items, next, err := a.repo.ListByUser(c.Request.Context(), middleware.UserID(c), filter)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": items,
		"next_cursor":   next,
	})
}

func (a *api) getPreferences(c *gin.Context) {
	prefs, err := a.prefs.Get(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (a *api) putPreferences(c *gin.Context) {
	var prefs preference.Preferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		abort(c, apperrors.NewValidationError("body", "invalid preference document"))
		return
	}
	if err := preference.Validate(prefs); err != nil {
		abort(c, err)
		return
	}

	record, err := a.prefs.Upsert(c.Request.Context(), middleware.UserID(c), prefs)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// getEntity returns the latest accepted snapshot of an entity so a
// client rejected with a stale change can refetch before retrying.
func (a *api) getEntity(c *gin.Context) {
	kind, id := c.Param("kind"), c.Param("id")
	userID := middleware.UserID(c)

	snap, err := a.entities.Snapshot(c.Request.Context(), kind, id)
	if err != nil {
		abort(c, err)
		return
	}
	if snap.UserID != userID {
		// Entries carry ownership in the version index as well; either
		// source disagreeing with the caller means the same 404. Not
		// 403: the response must not reveal that the entity exists.
		abort(c, apperrors.NewNotFoundError("entity"))
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (a *api) queueStats(c *gin.Context) {
	stats, err := a.queue.Stats(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *api) listDeadLetters(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	letters, err := a.queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters})
}

type replayRequest struct {
	Source string `json:"source"`
	Limit  int    `json:"limit"`
}

func (a *api) replayDeadLetters(c *gin.Context) {
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.NewValidationError("body", "invalid replay request"))
		return
	}
	if req.Source == "" {
		abort(c, apperrors.NewValidationError("source", "source queue is required"))
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	replayed, err := a.queue.ReplayDeadLetters(c.Request.Context(), req.Source, req.Limit)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": replayed})
}

// abort records the error for the error-handling middleware and stops
// the chain; the middleware decides status code and response shape.
func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

package realtime

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jotbook/realtime/internal/telemetry"
)

// Server upgrades HTTP requests into live sessions and runs their
// read/write pumps.
type Server struct {
	registry *Registry
	handler  *MessageHandler
	auth     *Authenticator
	logger   *telemetry.Logger

	idleTimeout time.Duration
	heartbeat   time.Duration

	upgrader websocket.Upgrader
}

// NewServer creates the live session endpoint.
func NewServer(registry *Registry, handler *MessageHandler, auth *Authenticator, idleTimeout, heartbeat time.Duration, logger *telemetry.Logger) *Server {
	return &Server{
		registry:    registry,
		handler:     handler,
		auth:        auth,
		logger:      logger,
		idleTimeout: idleTimeout,
		heartbeat:   heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers cannot set custom headers on a handshake; the
			// bearer token authenticates instead of the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleSession is the gin handler for the live transport path.
func (s *Server) HandleSession(c *gin.Context) {
	userID, deviceID, err := s.auth.Authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	session := NewSession(userID, deviceID, conn)
	if err := s.registry.Attach(session); err != nil {
		session.CloseWithReason(websocket.CloseTryAgainLater, "server unavailable")
		return
	}

	logger := s.logger.WithFields(map[string]interface{}{
		"session_id": session.ID,
		"user_id":    userID,
		"device_id":  deviceID,
	})

	go session.writePump(s.heartbeat)

	ctx := c.Request.Context()
	session.readPump(s.idleTimeout, func(data []byte) {
		s.handler.Handle(ctx, session, data)
	})

	// Read loop ended: client close frame, idle expiry, or transport
	// error. Either way the session is done.
	session.BeginClose()
	s.registry.Detach(session.ID)
	logger.Debug("Session closed")
}

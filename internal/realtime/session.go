package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jotbook/realtime/internal/clock"
)

// Session lifecycle states. Only Open sessions receive broadcasts.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// sendBuffer is the per-session outbound queue. A full buffer marks
	// the session too slow; the write is dropped rather than blocking
	// the registry.
	sendBuffer = 256

	// writeWait bounds one transport write.
	writeWait = 10 * time.Second

	// maxMessageSize bounds one inbound frame.
	maxMessageSize = 64 * 1024
)

// Transport is the subset of the WebSocket connection the session
// needs. *websocket.Conn satisfies it; tests substitute pipes.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one live client attachment: exactly one transport handle,
// one buffered outbound queue, and idle accounting driven by both
// application messages and transport pongs.
type Session struct {
	ID          string
	UserID      string
	DeviceID    string
	ConnectedAt time.Time

	transport Transport
	send      chan []byte
	done      chan struct{}

	state      atomic.Int32
	lastActive atomic.Int64
	closeOnce  sync.Once
}

// NewSession wraps an accepted transport. The session starts in
// Connecting; the registry moves it to Open on attach.
func NewSession(userID, deviceID string, transport Transport) *Session {
	now := clock.Now()
	s := &Session{
		ID:          clock.NewID(),
		UserID:      userID,
		DeviceID:    deviceID,
		ConnectedAt: now,
		transport:   transport,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.lastActive.Store(now.UnixNano())
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) open() {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// BeginClose moves the session towards Closed. Returns false when the
// session was already closing.
func (s *Session) BeginClose() bool {
	return s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) ||
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing))
}

// finishClose completes the shutdown after the transport reported
// final close.
func (s *Session) finishClose() {
	s.state.Store(int32(StateClosed))
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Touch records activity for idle accounting.
func (s *Session) Touch(at time.Time) {
	s.lastActive.Store(at.UnixNano())
}

// LastActive returns the time of the last observed activity.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Enqueue offers one outbound frame to the session. Non-blocking:
// false means the session is not open or its buffer is full, and the
// caller should treat the frame as not delivered to this session.
func (s *Session) Enqueue(data []byte) bool {
	if s.State() != StateOpen {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// EnqueueEnvelope encodes and offers one envelope.
func (s *Session) EnqueueEnvelope(e *Envelope) bool {
	data, err := e.Encode()
	if err != nil {
		return false
	}
	return s.Enqueue(data)
}

// Ping issues a transport-level ping. An error means the transport is
// already unusable.
func (s *Session) Ping(deadline time.Time) error {
	return s.transport.WriteControl(websocket.PingMessage, nil, deadline)
}

// CloseWithReason sends a close frame and shuts the transport. Used
// for idle eviction and server shutdown.
func (s *Session) CloseWithReason(code int, reason string) {
	s.BeginClose()
	deadline := time.Now().Add(writeWait)
	_ = s.transport.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.transport.Close()
}

// writePump owns all writes to the transport: queued frames plus the
// periodic heartbeat ping. One writer per connection, as the transport
// requires.
func (s *Session) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		_ = s.transport.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.transport.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.transport.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.Ping(time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump owns all reads. Pongs and inbound frames both count as
// activity; the read deadline enforces the idle timeout at the
// transport level.
func (s *Session) readPump(idleTimeout time.Duration, handle func(data []byte)) {
	s.transport.SetReadLimit(maxMessageSize)
	_ = s.transport.SetReadDeadline(time.Now().Add(idleTimeout))
	s.transport.SetPongHandler(func(string) error {
		s.Touch(clock.Now())
		return s.transport.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		_, data, err := s.transport.ReadMessage()
		if err != nil {
			return
		}
		s.Touch(clock.Now())
		_ = s.transport.SetReadDeadline(time.Now().Add(idleTimeout))
		handle(data)
	}
}

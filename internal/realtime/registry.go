package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jotbook/realtime/internal/clock"
	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/interfaces"
	"github.com/jotbook/realtime/internal/notification"
	syncengine "github.com/jotbook/realtime/internal/sync"
	"github.com/jotbook/realtime/internal/telemetry"
)

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
	PresenceAway    = "away"
)

// Room name prefixes. user:<uid> is every session's default room;
// entry:<id> requires ownership of the entry.
const (
	roomKindUser  = "user"
	roomKindEntry = "entry"
)

// UserRoom returns the default room of a user.
func UserRoom(userID string) string {
	return roomKindUser + ":" + userID
}

// EntryRoom returns the room of one journal entry.
func EntryRoom(entryID string) string {
	return roomKindEntry + ":" + entryID
}

func splitRoom(room string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(room, ":")
	if !ok || kind == "" || id == "" {
		return "", "", false
	}
	return kind, id, true
}

// presencePayload is broadcast on connect, disconnect, and explicit
// presence updates.
type presencePayload struct {
	UserID          string `json:"userId"`
	Status          string `json:"status"`
	CurrentActivity string `json:"currentActivity,omitempty"`
	ActiveDevices   int    `json:"activeDevices"`
}

// readPayload tells a user's other devices that a notification was
// read.
type readPayload struct {
	NotificationID string    `json:"notificationId"`
	ReadAt         time.Time `json:"readAt"`
}

// Registry is the connection table: sessions by id, sessions by user,
// rooms by name. It is the only fast-path shared mutable state in the
// process; everything it does under its lock is pure bookkeeping, and
// per-session I/O happens on snapshots taken after the lock is
// released.
type Registry struct {
	ownership interfaces.EntryOwnership
	logger    *telemetry.Logger
	now       clock.NowFunc

	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	rooms    map[string]map[string]*Session
	draining bool
}

// NewRegistry creates a connection registry. idleTimeout is how long a
// session may stay silent before eviction.
func NewRegistry(ownership interfaces.EntryOwnership, idleTimeout time.Duration, logger *telemetry.Logger) *Registry {
	return &Registry{
		ownership:   ownership,
		logger:      logger,
		now:         clock.Now,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*Session),
		byUser:      make(map[string]map[string]*Session),
		rooms:       make(map[string]map[string]*Session),
	}
}

// Attach stores an accepted session, opens it, auto-joins the user's
// room and announces presence to the user's devices.
func (r *Registry) Attach(s *Session) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return apperrors.NewConflictError("server is shutting down")
	}
	s.open()
	r.sessions[s.ID] = s
	if r.byUser[s.UserID] == nil {
		r.byUser[s.UserID] = make(map[string]*Session)
	}
	r.byUser[s.UserID][s.ID] = s
	r.joinLocked(s, UserRoom(s.UserID))
	devices := len(r.byUser[s.UserID])
	r.mu.Unlock()

	r.logger.WithFields(map[string]interface{}{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"device_id":  s.DeviceID,
	}).Info("Session attached")

	r.broadcastPresence(s.UserID, PresenceOnline, "", devices)
	return nil
}

// Detach removes a session from every index and announces presence.
// Idempotent.
func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	if userSessions := r.byUser[s.UserID]; userSessions != nil {
		delete(userSessions, sessionID)
		if len(userSessions) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	for room, members := range r.rooms {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	devices := len(r.byUser[s.UserID])
	r.mu.Unlock()

	s.finishClose()
	r.logger.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"user_id":    s.UserID,
	}).Info("Session detached")

	status := PresenceOnline
	if devices == 0 {
		status = PresenceOffline
	}
	r.broadcastPresence(s.UserID, status, "", devices)
}

// joinLocked adds a session to a room. Caller holds the write lock.
func (r *Registry) joinLocked(s *Session, room string) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*Session)
	}
	r.rooms[room][s.ID] = s
}

// Join subscribes a session to a room after authorization: a user room
// only for its own user, an entry room only for the entry's owner.
// Idempotent.
func (r *Registry) Join(ctx context.Context, sessionID, room string) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return apperrors.NewNotFoundError("session")
	}

	kind, id, valid := splitRoom(room)
	if !valid {
		return apperrors.NewValidationError("channel", fmt.Sprintf("unsupported room %q", room))
	}

	switch kind {
	case roomKindUser:
		if id != s.UserID {
			return apperrors.NewAuthorizationError("cannot subscribe to another user's room")
		}
	case roomKindEntry:
		// Ownership check happens before taking the write lock; the
		// registry never holds its lock across I/O.
		owns, err := r.ownership.OwnsEntry(ctx, s.UserID, id)
		if err != nil {
			return apperrors.NewTransientError("entry ownership check", err)
		}
		if !owns {
			return apperrors.NewAuthorizationError("entry does not belong to this user")
		}
	default:
		return apperrors.NewValidationError("channel", fmt.Sprintf("unsupported room kind %q", kind))
	}

	r.mu.Lock()
	r.joinLocked(s, room)
	r.mu.Unlock()
	return nil
}

// Leave unsubscribes a session from a room. Idempotent.
func (r *Registry) Leave(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[room]
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Touch records activity on a session.
func (r *Registry) Touch(sessionID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		s.Touch(r.now())
	}
}

// SendToSession writes one frame to one session, best effort.
func (r *Registry) SendToSession(sessionID string, data []byte) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return s.Enqueue(data)
}

// snapshotUser returns the user's sessions without holding the lock
// during the subsequent writes.
func (r *Registry) snapshotUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// BroadcastToUser sends a frame to every open session of a user,
// returning how many sessions accepted it.
func (r *Registry) BroadcastToUser(userID string, data []byte, exceptSessionID string) int {
	accepted := 0
	for _, s := range r.snapshotUser(userID) {
		if s.ID == exceptSessionID {
			continue
		}
		if s.Enqueue(data) {
			accepted++
		}
	}
	return accepted
}

// BroadcastToRoom sends a frame to every member of a room except the
// optional excluded session.
func (r *Registry) BroadcastToRoom(room string, data []byte, exceptSessionID string) int {
	r.mu.RLock()
	members := make([]*Session, 0, len(r.rooms[room]))
	for _, s := range r.rooms[room] {
		members = append(members, s)
	}
	r.mu.RUnlock()

	accepted := 0
	for _, s := range members {
		if s.ID == exceptSessionID {
			continue
		}
		if s.Enqueue(data) {
			accepted++
		}
	}
	return accepted
}

// ActiveDevices returns how many sessions a user currently has.
func (r *Registry) ActiveDevices(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// SessionCount returns the total number of attached sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshotAll() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// PingSessions issues a transport ping to every open session. Called
// by the scheduler every heartbeat interval; a session whose transport
// rejects the ping is evicted immediately.
func (r *Registry) PingSessions() {
	deadline := r.now().Add(writeWait)
	for _, s := range r.snapshotAll() {
		if s.State() != StateOpen {
			continue
		}
		if err := s.Ping(deadline); err != nil {
			r.logger.WithField("session_id", s.ID).Debug("Ping failed, evicting session")
			s.CloseWithReason(websocket.CloseGoingAway, "transport failure")
			r.Detach(s.ID)
		}
	}
}

// EvictIdle closes every session silent for longer than the idle
// timeout. Returns how many sessions were evicted.
func (r *Registry) EvictIdle() int {
	cutoff := r.now().Add(-r.idleTimeout)
	evicted := 0
	for _, s := range r.snapshotAll() {
		if s.LastActive().After(cutoff) {
			continue
		}
		r.logger.WithFields(map[string]interface{}{
			"session_id":  s.ID,
			"user_id":     s.UserID,
			"last_active": s.LastActive(),
		}).Info("Evicting idle session")
		s.CloseWithReason(websocket.CloseGoingAway, "idle timeout")
		r.Detach(s.ID)
		evicted++
	}
	return evicted
}

// Shutdown stops accepting sessions and closes every session with a
// shutdown reason. Waits until all sessions report closed or the
// context expires.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	sessions := r.snapshotAll()
	for _, s := range sessions {
		s.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return
		}
	}
}

// broadcastPresence announces a user's presence to their own devices.
func (r *Registry) broadcastPresence(userID, status, activity string, devices int) {
	e, err := NewEnvelope(TypePresence, ActionPresence, presencePayload{
		UserID:          userID,
		Status:          status,
		CurrentActivity: activity,
		ActiveDevices:   devices,
	})
	if err != nil {
		return
	}
	e.UserID = userID
	data, err := e.Encode()
	if err != nil {
		return
	}
	r.BroadcastToUser(userID, data, "")
}

// PublishPresence broadcasts an explicit presence update from one
// device to the user's other devices.
func (r *Registry) PublishPresence(userID, status, activity string) {
	r.broadcastPresence(userID, status, activity, r.ActiveDevices(userID))
}

// PublishNotification implements the live delivery channel: the
// notification is framed and offered to every open session of the
// user. Returns how many sessions accepted it synchronously.
func (r *Registry) PublishNotification(_ context.Context, userID string, n *notification.Notification) int {
	e, err := NewEnvelope(TypeNotification, ActionCreate, n)
	if err != nil {
		return 0
	}
	e.UserID = userID
	data, err := e.Encode()
	if err != nil {
		return 0
	}
	return r.BroadcastToUser(userID, data, "")
}

// PublishRead tells the user's devices that a notification was read so
// unread counters stay consistent.
func (r *Registry) PublishRead(_ context.Context, userID, notificationID string, readAt time.Time) {
	e, err := NewEnvelope(TypeNotification, ActionUpdate, readPayload{
		NotificationID: notificationID,
		ReadAt:         readAt.UTC(),
	})
	if err != nil {
		return
	}
	e.UserID = userID
	if data, err := e.Encode(); err == nil {
		r.BroadcastToUser(userID, data, "")
	}
}

// BroadcastDelta sends an accepted sync delta to every session of the
// user except the originator. Sessions that are gone or slow miss the
// frame and reconcile on their next pull.
func (r *Registry) BroadcastDelta(_ context.Context, userID, originSessionID string, d *syncengine.Delta) {
	e, err := NewEnvelope(TypeData, d.Action, d)
	if err != nil {
		return
	}
	e.UserID = userID
	data, err := e.Encode()
	if err != nil {
		return
	}
	r.BroadcastToUser(userID, data, originSessionID)
}

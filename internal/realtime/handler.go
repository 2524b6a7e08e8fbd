package realtime

import (
	"context"
	"encoding/json"

	apperrors "github.com/jotbook/realtime/internal/errors"
	syncengine "github.com/jotbook/realtime/internal/sync"
	"github.com/jotbook/realtime/internal/telemetry"
)

// SyncEngine is what the message handler needs from the sync engine.
type SyncEngine interface {
	Pull(ctx context.Context, userID, sessionID string, req syncengine.PullRequest) (*syncengine.PullResponse, error)
	Apply(ctx context.Context, userID, sessionID, deviceID string, c syncengine.Change) syncengine.ChangeResult
}

// subscribePayload is the body of subscribe and unsubscribe messages.
type subscribePayload struct {
	Channel string `json:"channel"`
}

// presenceUpdatePayload is the body of an explicit presence message.
type presenceUpdatePayload struct {
	Status          string `json:"status"`
	CurrentActivity string `json:"currentActivity,omitempty"`
}

// mutationPayload is the body of a create/update/delete message. The
// raw payload travels with the delta unmodified.
type mutationPayload struct {
	ChangeID   string `json:"changeId,omitempty"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId"`
	// ID is an accepted alias for EntityID.
	ID string `json:"id,omitempty"`
}

// MessageHandler dispatches inbound session messages. Per-message
// errors answer the client; they never tear the session down.
type MessageHandler struct {
	registry *Registry
	engine   SyncEngine
	logger   *telemetry.Logger
}

// NewMessageHandler creates the inbound message dispatcher.
func NewMessageHandler(registry *Registry, engine SyncEngine, logger *telemetry.Logger) *MessageHandler {
	return &MessageHandler{registry: registry, engine: engine, logger: logger}
}

// Handle processes one inbound frame from a session.
func (h *MessageHandler) Handle(ctx context.Context, s *Session, data []byte) {
	msg, err := DecodeEnvelope(data)
	if err != nil {
		h.reply(s, "", "bad_message", "malformed envelope")
		return
	}

	h.registry.Touch(s.ID)

	switch msg.Action {
	case ActionPing:
		if e, err := NewEnvelope(TypeSystem, ActionPong, nil); err == nil {
			e.CorrelationID = msg.ID
			s.EnqueueEnvelope(e)
		}
	case ActionPong:
		// Liveness already accounted for by the touch above.
	case ActionSubscribe:
		h.handleSubscribe(ctx, s, msg)
	case ActionUnsubscribe:
		h.handleUnsubscribe(s, msg)
	case ActionSync:
		h.handleSync(ctx, s, msg)
	case ActionPresence:
		h.handlePresence(s, msg)
	case ActionCreate, ActionUpdate, ActionDelete:
		h.handleMutation(ctx, s, msg)
	default:
		h.reply(s, msg.ID, "bad_message", "unsupported action "+msg.Action)
	}
}

func (h *MessageHandler) handleSubscribe(ctx context.Context, s *Session, msg *Envelope) {
	var p subscribePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Channel == "" {
		h.reply(s, msg.ID, "bad_message", "subscribe requires a channel")
		return
	}

	if err := h.registry.Join(ctx, s.ID, p.Channel); err != nil {
		h.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"session_id": s.ID,
			"room":       p.Channel,
		}).WithError(err).Warn("Subscribe rejected")
		h.reply(s, msg.ID, errorCode(err), "subscription rejected")
		return
	}
	h.ack(s, msg.ID, map[string]interface{}{"channel": p.Channel, "status": "subscribed"})
}

func (h *MessageHandler) handleUnsubscribe(s *Session, msg *Envelope) {
	var p subscribePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Channel == "" {
		h.reply(s, msg.ID, "bad_message", "unsubscribe requires a channel")
		return
	}
	h.registry.Leave(s.ID, p.Channel)
	h.ack(s, msg.ID, map[string]interface{}{"channel": p.Channel, "status": "unsubscribed"})
}

func (h *MessageHandler) handleSync(ctx context.Context, s *Session, msg *Envelope) {
	var req syncengine.PullRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		h.reply(s, msg.ID, "bad_message", "malformed sync payload")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = s.DeviceID
	}

	resp, err := h.engine.Pull(ctx, s.UserID, s.ID, req)
	if err != nil {
		h.logger.WithContext(ctx).WithField("session_id", s.ID).WithError(err).Error("Sync pull failed")
		h.reply(s, msg.ID, errorCode(err), "sync failed")
		return
	}

	e, err := NewEnvelope(TypeSync, ActionSync, resp)
	if err != nil {
		h.reply(s, msg.ID, "internal", "failed to encode sync response")
		return
	}
	e.CorrelationID = msg.ID
	s.EnqueueEnvelope(e)
}

func (h *MessageHandler) handlePresence(s *Session, msg *Envelope) {
	var p presenceUpdatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		h.reply(s, msg.ID, "bad_message", "malformed presence payload")
		return
	}
	switch p.Status {
	case PresenceOnline, PresenceOffline, PresenceAway:
	default:
		h.reply(s, msg.ID, "bad_message", "unknown presence status "+p.Status)
		return
	}
	h.registry.PublishPresence(s.UserID, p.Status, p.CurrentActivity)
	h.ack(s, msg.ID, nil)
}

func (h *MessageHandler) handleMutation(ctx context.Context, s *Session, msg *Envelope) {
	var p mutationPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		h.reply(s, msg.ID, "bad_message", "malformed mutation payload")
		return
	}
	entityID := p.EntityID
	if entityID == "" {
		entityID = p.ID
	}
	changeID := p.ChangeID
	if changeID == "" {
		changeID = msg.ID
	}

	result := h.engine.Apply(ctx, s.UserID, s.ID, s.DeviceID, syncengine.Change{
		ChangeID:        changeID,
		EntityKind:      p.EntityKind,
		EntityID:        entityID,
		Action:          msg.Action,
		Payload:         msg.Payload,
		ClientTimestamp: msg.Timestamp,
	})

	switch result.Status {
	case syncengine.ResultAccepted:
		details := map[string]interface{}{"changeId": result.ChangeID}
		if result.ServerTimestamp != nil {
			details["serverTimestamp"] = result.ServerTimestamp
		}
		h.ack(s, msg.ID, details)
	case syncengine.ResultStale:
		h.reply(s, msg.ID, "stale", "server version is newer")
	default:
		h.reply(s, msg.ID, "error", result.Error)
	}
}

func (h *MessageHandler) ack(s *Session, correlationID string, details map[string]interface{}) {
	if e, err := Ack(correlationID, details); err == nil {
		s.EnqueueEnvelope(e)
	}
}

func (h *MessageHandler) reply(s *Session, correlationID, code, message string) {
	if e, err := ErrorReply(correlationID, code, message); err == nil {
		s.EnqueueEnvelope(e)
	}
}

// errorCode maps an application error onto a wire error code.
func errorCode(err error) string {
	switch {
	case apperrors.IsErrorType(err, apperrors.ErrorTypeAuthorization),
		apperrors.IsErrorType(err, apperrors.ErrorTypeAuthentication):
		return "unauthorized"
	case apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound):
		return "not_found"
	case apperrors.IsErrorType(err, apperrors.ErrorTypeValidation):
		return "bad_message"
	case apperrors.IsRetryable(err):
		return "transient"
	default:
		return "error"
	}
}

// Package realtime owns the live side of the service: the WebSocket
// session lifecycle, the connection registry with its user and room
// indexes, and the JSON wire envelope shared by both directions.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jotbook/realtime/internal/clock"
)

// Message types on the wire.
const (
	TypeSystem       = "system"
	TypeSync         = "sync"
	TypePresence     = "presence"
	TypeNotification = "notification"
	TypeData         = "data"
)

// Message actions on the wire.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionSync        = "sync"
	ActionPresence    = "presence"
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionDelete      = "delete"
	ActionPing        = "ping"
	ActionPong        = "pong"
	ActionAck         = "ack"
	ActionError       = "error"
)

// Envelope is the wire frame of every live message, both directions.
// Timestamps are UTC.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Action        string          `json:"action"`
	UserID        string          `json:"userId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// NewEnvelope builds a server-originated envelope around a payload.
func NewEnvelope(msgType, action string, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		raw = b
	}
	return &Envelope{
		ID:        clock.NewID(),
		Type:      msgType,
		Action:    action,
		Payload:   raw,
		Timestamp: clock.Now().UTC(),
	}, nil
}

// Encode serializes the envelope for the transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &e, nil
}

// ackPayload is the body of a system ack reply.
type ackPayload struct {
	Success bool                   `json:"success"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// errorPayload is the body of a system error reply.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ack builds the success reply to an inbound message.
func Ack(correlationID string, details map[string]interface{}) (*Envelope, error) {
	e, err := NewEnvelope(TypeSystem, ActionAck, ackPayload{Success: true, Details: details})
	if err != nil {
		return nil, err
	}
	e.CorrelationID = correlationID
	return e, nil
}

// ErrorReply builds the failure reply to an inbound message.
func ErrorReply(correlationID, code, message string) (*Envelope, error) {
	e, err := NewEnvelope(TypeSystem, ActionError, errorPayload{Code: code, Message: message})
	if err != nil {
		return nil, err
	}
	e.CorrelationID = correlationID
	return e, nil
}

// Package interfaces declares the contracts this subsystem consumes
// but does not own: the user directory, device token registry, journal
// entry ownership checks, entry mutation and the outbound provider
// gateways. Implementations live in internal/directory (Postgres) and
// internal/notification (HTTP gateways); tests substitute fakes.
package interfaces

import (
	"context"
	"encoding/json"
	"time"
)

// Contact is the routable address material for one user.
type Contact struct {
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// UserDirectory resolves users to their contact details.
type UserDirectory interface {
	// Contact returns the addresses for a user. A user without a
	// record is a not-found error.
	Contact(ctx context.Context, userID string) (*Contact, error)
}

// DeviceToken is one registered push target.
type DeviceToken struct {
	Platform string `json:"platform"` // "ios" or "android"
	Token    string `json:"token"`
}

// DeviceTokenStore manages push registration tokens per user.
type DeviceTokenStore interface {
	// Tokens returns all registered tokens for a user.
	Tokens(ctx context.Context, userID string) ([]DeviceToken, error)

	// Remove drops a token, typically after the push gateway reports
	// it invalid.
	Remove(ctx context.Context, userID, platform, token string) error
}

// EntryOwnership answers whether a user owns a journal entry. Room
// subscriptions to entry rooms are authorized through this check.
type EntryOwnership interface {
	OwnsEntry(ctx context.Context, userID, entryID string) (bool, error)
}

// EntityChange is an accepted mutation handed to the owning subsystem.
type EntityChange struct {
	UserID          string          `json:"user_id"`
	DeviceID        string          `json:"device_id"`
	EntityKind      string          `json:"entity_kind"`
	EntityID        string          `json:"entity_id"`
	Action          string          `json:"action"` // "create", "update" or "delete"
	Payload         json.RawMessage `json:"payload,omitempty"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
}

// EntityApplier applies accepted changes to the entity's system of
// record. The sync engine calls it after conflict checks pass.
type EntityApplier interface {
	Apply(ctx context.Context, change EntityChange) error
}

// MailMessage is a rendered outbound e-mail.
type MailMessage struct {
	To       string `json:"to"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body"`
}

// MailGateway submits mail to the outbound mail provider.
type MailGateway interface {
	Send(ctx context.Context, msg MailMessage) error
}

// PushMessage is a rendered push notification for one device token.
type PushMessage struct {
	Platform string            `json:"platform"`
	Token    string            `json:"token"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
}

// PushGateway submits push notifications to the mobile push service.
type PushGateway interface {
	Send(ctx context.Context, msg PushMessage) error
}

// SMSMessage is a rendered text message.
type SMSMessage struct {
	To    string `json:"to"`
	Body  string `json:"body"`
	Class string `json:"class"` // "transactional" or "promotional"
}

// SMSGateway submits text messages to the SMS provider.
type SMSGateway interface {
	Send(ctx context.Context, msg SMSMessage) error
}

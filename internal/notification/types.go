// Package notification implements the notification pipeline: the
// append-only notification store, the per-(type, channel) template
// renderer, the four channel senders, and the dispatcher that runs the
// preference cascade, quiet-hours deferral and scheduled delivery.
//
// Flow:
//
//	API / internal caller → Dispatcher → Preference Store
//	                            ↓
//	            live / push / sms senders (synchronous)
//	            mail sender → email queue → mail worker (asynchronous)
//	                            ↓
//	            PostgreSQL (notifications + delivery log)
package notification

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/jotbook/realtime/internal/preference"
)

// Status represents the lifecycle state of a notification. Transitions
// are monotonic: pending → delivered → read, with pending → expired
// and pending → failed as the other terminal edges.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusExpired || s == StatusFailed
}

// Priority orders notifications for quiet-hours handling. Only urgent
// bypasses an active quiet-hours window.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the four known levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Notification types with built-in templates. The set is open; callers
// may dispatch other types after registering templates for them.
const (
	TypeSecurityAlert  = "security_alert"
	TypePasswordExpiry = "password_expiry"
	TypeBackupFailed   = "backup_failed"
	TypeEntryReminder  = "entry_reminder"
	TypeMention        = "mention"
	TypeDailyDigest    = "daily_digest"
	TypeSystem         = "system"
)

// Outcome is the result of one channel delivery attempt.
type Outcome string

const (
	// OutcomeSent means the channel accepted the message for
	// asynchronous delivery (mail submission).
	OutcomeSent Outcome = "sent"
	// OutcomeDelivered means the channel confirmed delivery
	// synchronously.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeFailed means the attempt did not reach the user and may
	// be retried by a fresh dispatch.
	OutcomeFailed Outcome = "failed"
	// OutcomeBounced means the provider reported a hard failure;
	// retrying the same endpoint is pointless.
	OutcomeBounced Outcome = "bounced"
)

// Success reports whether the outcome counts toward the notification
// reaching status delivered.
func (o Outcome) Success() bool {
	return o == OutcomeSent || o == OutcomeDelivered
}

// Action is one action descriptor shown with a notification.
type Action struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// Data is the free-form payload attached to a notification, stored as
// one JSONB column.
type Data map[string]interface{}

// Value implements driver.Valuer for database storage.
func (d Data) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner for database retrieval.
func (d *Data) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, d)
}

// Actions is the stored list of action descriptors.
type Actions []Action

// Value implements driver.Valuer for database storage.
func (a Actions) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner for database retrieval.
func (a *Actions) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, a)
}

// Request is a notification dispatch request. Channels keeps the
// caller's order; the dispatcher intersects it with the user's enabled
// channels but never reorders it.
type Request struct {
	UserID         string     `json:"user_id"`
	Type           string     `json:"type"`
	Channels       []string   `json:"channels"`
	Priority       Priority   `json:"priority"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Data           Data       `json:"data,omitempty"`
	Actions        Actions    `json:"actions,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
}

// Notification is one stored notification record. Channel holds the
// primary channel actually used for delivery, empty until one succeeds.
type Notification struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"user_id" db:"user_id"`
	Type           string     `json:"type" db:"type"`
	Channel        string     `json:"channel" db:"channel"`
	Status         Status     `json:"status" db:"status"`
	Priority       Priority   `json:"priority" db:"priority"`
	Title          string     `json:"title" db:"title"`
	Message        string     `json:"message" db:"message"`
	Data           Data       `json:"data,omitempty" db:"data"`
	Actions        Actions    `json:"actions,omitempty" db:"actions"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt         *time.Time `json:"read_at,omitempty" db:"read_at"`
}

// Delivery is one delivery-log entry for a notification.
type Delivery struct {
	ID             string    `json:"id" db:"id"`
	NotificationID string    `json:"notification_id" db:"notification_id"`
	Channel        string    `json:"channel" db:"channel"`
	Outcome        Outcome   `json:"status" db:"status"`
	Error          *string   `json:"error,omitempty" db:"error"`
	SentAt         time.Time `json:"sent_at" db:"sent_at"`
}

// Batch tracks a batch dispatch. Stats are incremented atomically by
// the workers draining the batch's shards.
type Batch struct {
	ID        string    `json:"id" db:"id"`
	Template  string    `json:"template" db:"template"`
	Total     int       `json:"total" db:"total"`
	Sent      int       `json:"sent" db:"sent"`
	Delivered int       `json:"delivered" db:"delivered"`
	Failed    int       `json:"failed" db:"failed"`
	Read      int       `json:"read" db:"read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ListFilter narrows a per-user notification listing.
type ListFilter struct {
	Status Status `json:"status,omitempty"`
	Type   string `json:"type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	// Cursor is an opaque pagination token from a previous page.
	Cursor string `json:"cursor,omitempty"`
}

// KnownChannels is the ordered default channel set.
var KnownChannels = []string{
	preference.ChannelInApp,
	preference.ChannelEmail,
	preference.ChannelPush,
	preference.ChannelSMS,
}

// ValidChannel reports whether name is one of the four channels.
func ValidChannel(name string) bool {
	for _, c := range KnownChannels {
		if c == name {
			return true
		}
	}
	return false
}

// Ptr is a helper to create a pointer to a value.
func Ptr[T any](v T) *T {
	return &v
}

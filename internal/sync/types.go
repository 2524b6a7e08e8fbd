// Package sync is the engine behind multi-device journal
// synchronization: it accepts client-originated mutations, resolves
// conflicts against the server-authoritative entity versions, records
// deltas for other devices, and answers resume requests against the
// per-user delta log.
package sync

import (
	"encoding/json"
	"time"
)

// Mutation actions a change may carry.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Per-change result statuses in a pull response.
const (
	ResultAccepted = "accepted"
	ResultStale    = "stale"
	ResultError    = "error"
)

// Change is one client-originated mutation inside a sync pull.
type Change struct {
	ChangeID   string          `json:"changeId"`
	EntityKind string          `json:"entityKind"`
	EntityID   string          `json:"entityId"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// ClientTimestamp is when the client recorded the mutation. The
	// conflict rule compares it against the entity's latest server
	// timestamp.
	ClientTimestamp time.Time `json:"clientTimestamp"`
}

// PullRequest is the client → server half of a sync exchange. A zero
// LastSyncTimestamp asks for every retained delta.
type PullRequest struct {
	LastSyncTimestamp time.Time `json:"lastSyncTimestamp"`
	DeviceID          string    `json:"deviceId"`
	Changes           []Change  `json:"changes"`
}

// ChangeResult is the per-change verdict inside a pull response.
type ChangeResult struct {
	ChangeID        string     `json:"changeId"`
	Status          string     `json:"status"`
	Error           string     `json:"error,omitempty"`
	ServerTimestamp *time.Time `json:"serverTimestamp,omitempty"`

	// Stale results carry the authoritative timestamp so the client can
	// refetch the winning version.
	LatestServerTimestamp *time.Time `json:"latestServerTimestamp,omitempty"`
}

// Delta is a server-authoritative record of one accepted mutation, used
// to reconcile the user's other devices.
type Delta struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	DeviceID        string          `json:"deviceId"`
	ChangeID        string          `json:"changeId"`
	EntityKind      string          `json:"entityKind"`
	EntityID        string          `json:"entityId"`
	Action          string          `json:"action"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
}

// PullResponse is the server → client half of a sync exchange. Changes
// are the deltas the client has not seen, ascending by server
// timestamp; LastSyncTimestamp is the new high-water mark.
type PullResponse struct {
	Results           []ChangeResult `json:"results"`
	Changes           []*Delta       `json:"changes"`
	LastSyncTimestamp time.Time      `json:"lastSyncTimestamp"`
	SyncComplete      bool           `json:"syncComplete"`
}

// EntityVersion is the authoritative head of one entity.
type EntityVersion struct {
	EntityKind      string
	EntityID        string
	UserID          string
	ServerTimestamp time.Time
	Deleted         bool
}

func validAction(a string) bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

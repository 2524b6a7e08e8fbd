package sync

import (
	"context"
	stdsync "sync"

	"github.com/jotbook/realtime/internal/clock"
	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/interfaces"
	"github.com/jotbook/realtime/internal/telemetry"
)

// Publisher fans an accepted delta out to the user's other live
// sessions. The connection registry provides the implementation; a nil
// publisher is valid and turns broadcasts into no-ops.
type Publisher interface {
	// BroadcastDelta sends the delta to every open session of the user
	// except the originating one. Best effort: offline devices
	// reconcile on their next pull.
	BroadcastDelta(ctx context.Context, userID, originSessionID string, d *Delta)
}

// Engine applies client-originated mutations and serves resume
// requests. Per user, applies are serialized so server timestamps and
// broadcast order agree with the authoritative delta order.
type Engine struct {
	store     DeltaStore
	applier   interfaces.EntityApplier
	publisher Publisher
	now       clock.NowFunc

	mu        stdsync.Mutex
	userLocks map[string]*stdsync.Mutex
}

// NewEngine creates a sync engine.
func NewEngine(store DeltaStore, applier interfaces.EntityApplier, publisher Publisher) *Engine {
	return &Engine{
		store:     store,
		applier:   applier,
		publisher: publisher,
		now:       clock.Now,
		userLocks: make(map[string]*stdsync.Mutex),
	}
}

func (e *Engine) userLock(userID string) *stdsync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.userLocks[userID]
	if !ok {
		l = &stdsync.Mutex{}
		e.userLocks[userID] = l
	}
	return l
}

// Pull handles one sync exchange: applies the inbound changes under the
// conflict rule, then returns every delta the client has not seen along
// with the new high-water mark.
func (e *Engine) Pull(ctx context.Context, userID, sessionID string, req PullRequest) (*PullResponse, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("user_id", "user_id is required")
	}

	lock := e.userLock(userID)
	lock.Lock()
	results := make([]ChangeResult, 0, len(req.Changes))
	for i := range req.Changes {
		results = append(results, e.applyChange(ctx, userID, sessionID, req.DeviceID, &req.Changes[i]))
	}
	lock.Unlock()

	deltas, more, err := e.store.DeltasSince(ctx, userID, req.LastSyncTimestamp, maxPullPage)
	if err != nil {
		return nil, apperrors.NewTransientError("load deltas", err)
	}

	// The cursor is the last returned delta's own timestamp. That is
	// only replay-safe because DeltasSince filters with a strict
	// server_ts > cursor comparison; the two must change together.
	highWater := req.LastSyncTimestamp
	if len(deltas) > 0 {
		highWater = deltas[len(deltas)-1].ServerTimestamp
	}

	return &PullResponse{
		Results:           results,
		Changes:           deltas,
		LastSyncTimestamp: highWater,
		SyncComplete:      !more,
	}, nil
}

// Apply runs one mutation outside a pull exchange, as sent by a live
// session's create/update/delete message. Same validation, conflict
// rule, persistence and broadcast as a pulled change.
func (e *Engine) Apply(ctx context.Context, userID, sessionID, deviceID string, c Change) ChangeResult {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return e.applyChange(ctx, userID, sessionID, deviceID, &c)
}

// applyChange runs one inbound change through validation, the conflict
// rule, persistence, and broadcast. Caller holds the user lock.
func (e *Engine) applyChange(ctx context.Context, userID, sessionID, deviceID string, c *Change) ChangeResult {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":   "sync_apply",
		"user_id":     userID,
		"change_id":   c.ChangeID,
		"entity_kind": c.EntityKind,
		"entity_id":   c.EntityID,
	})

	if c.ChangeID == "" || c.EntityKind == "" || c.EntityID == "" || !validAction(c.Action) {
		return ChangeResult{ChangeID: c.ChangeID, Status: ResultError, Error: "malformed change"}
	}

	version, err := e.store.Version(ctx, c.EntityKind, c.EntityID)
	if err != nil {
		logger.WithError(err).Error("Version lookup failed")
		return ChangeResult{ChangeID: c.ChangeID, Status: ResultError, Error: "transient: version lookup failed"}
	}
	if version != nil {
		if version.UserID != userID {
			// Do not reveal that the entity exists under another owner.
			return ChangeResult{ChangeID: c.ChangeID, Status: ResultError, Error: "entity not found"}
		}
		// Server wins: a change recorded before the authoritative head
		// is stale and must not overwrite it.
		if c.ClientTimestamp.Before(version.ServerTimestamp) {
			latest := version.ServerTimestamp
			logger.WithField("latest_server_ts", latest).Debug("Rejecting stale change")
			return ChangeResult{ChangeID: c.ChangeID, Status: ResultStale, LatestServerTimestamp: &latest}
		}
	}

	serverTS := e.now()

	if err := e.applier.Apply(ctx, interfaces.EntityChange{
		UserID:          userID,
		DeviceID:        deviceID,
		EntityKind:      c.EntityKind,
		EntityID:        c.EntityID,
		Action:          c.Action,
		Payload:         c.Payload,
		ServerTimestamp: serverTS,
	}); err != nil {
		logger.WithError(err).Error("Entity persistence failed")
		return ChangeResult{ChangeID: c.ChangeID, Status: ResultError, Error: "transient: persistence failed"}
	}

	delta := &Delta{
		UserID:          userID,
		DeviceID:        deviceID,
		ChangeID:        c.ChangeID,
		EntityKind:      c.EntityKind,
		EntityID:        c.EntityID,
		Action:          c.Action,
		Payload:         c.Payload,
		ClientTimestamp: c.ClientTimestamp,
		ServerTimestamp: serverTS,
	}
	if err := e.store.Append(ctx, delta); err != nil {
		if err == ErrDuplicateChange {
			// Redelivered change: already applied and broadcast.
			return ChangeResult{ChangeID: c.ChangeID, Status: ResultAccepted}
		}
		logger.WithError(err).Error("Delta append failed")
		return ChangeResult{ChangeID: c.ChangeID, Status: ResultError, Error: "transient: delta append failed"}
	}

	if e.publisher != nil {
		e.publisher.BroadcastDelta(ctx, userID, sessionID, delta)
	}
	return ChangeResult{ChangeID: c.ChangeID, Status: ResultAccepted, ServerTimestamp: &serverTS}
}

// Publish records a mutation the external CRUD API already persisted
// and broadcasts it to the user's sessions. The returned delta carries
// the assigned server timestamp.
func (e *Engine) Publish(ctx context.Context, userID, deviceID string, c Change) (*Delta, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("user_id", "user_id is required")
	}
	if c.EntityKind == "" || c.EntityID == "" || !validAction(c.Action) {
		return nil, apperrors.NewValidationError("change", "malformed change")
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	version, err := e.store.Version(ctx, c.EntityKind, c.EntityID)
	if err != nil {
		return nil, apperrors.NewTransientError("version lookup", err)
	}
	if version != nil && version.UserID != userID {
		return nil, apperrors.NewNotFoundError("entity")
	}

	serverTS := e.now()
	delta := &Delta{
		UserID:          userID,
		DeviceID:        deviceID,
		ChangeID:        c.ChangeID,
		EntityKind:      c.EntityKind,
		EntityID:        c.EntityID,
		Action:          c.Action,
		Payload:         c.Payload,
		ClientTimestamp: c.ClientTimestamp,
		ServerTimestamp: serverTS,
	}
	if delta.ChangeID == "" {
		delta.ChangeID = clock.NewID()
	}
	if delta.ClientTimestamp.IsZero() {
		delta.ClientTimestamp = serverTS
	}

	if err := e.store.Append(ctx, delta); err != nil && err != ErrDuplicateChange {
		return nil, apperrors.NewTransientError("delta append", err)
	}

	if e.publisher != nil {
		e.publisher.BroadcastDelta(ctx, userID, "", delta)
	}
	return delta, nil
}

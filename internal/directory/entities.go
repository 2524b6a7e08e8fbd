package directory

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/interfaces"
)

// EntityStore keeps the latest payload of every synchronized entity so
// a client rejected with a stale change can refetch the authoritative
// version. Deletes keep the row and flip the flag; the retention tick
// never touches snapshots.
type EntityStore struct {
	db *sql.DB
}

// NewEntityStore creates a Postgres entity snapshot store.
func NewEntityStore(db *sql.DB) *EntityStore {
	return &EntityStore{db: db}
}

// Apply upserts the snapshot for an accepted change. Out-of-order
// application is prevented upstream; the newest server timestamp always
// wins here too.
func (s *EntityStore) Apply(ctx context.Context, change interfaces.EntityChange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_snapshots (entity_kind, entity_id, user_id, payload, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_kind, entity_id)
		DO UPDATE SET payload = EXCLUDED.payload, deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at
		WHERE entity_snapshots.updated_at <= EXCLUDED.updated_at
	`, change.EntityKind, change.EntityID, change.UserID, []byte(change.Payload),
		change.Action == "delete", change.ServerTimestamp)
	if err != nil {
		return apperrors.NewDatabaseError("apply entity change", err)
	}
	return nil
}

// Snapshot returns the stored payload of one entity, or a not-found
// error when the entity was never synchronized.
func (s *EntityStore) Snapshot(ctx context.Context, entityKind, entityID string) (*interfaces.EntityChange, error) {
	var snap interfaces.EntityChange
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_kind, entity_id, user_id, payload, updated_at
		FROM entity_snapshots
		WHERE entity_kind = $1 AND entity_id = $2 AND NOT deleted
	`, entityKind, entityID).Scan(&snap.EntityKind, &snap.EntityID, &snap.UserID, &payload, &snap.ServerTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("entity")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("load entity snapshot", err)
	}
	snap.Payload = payload
	return &snap, nil
}

package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jotbook/realtime/internal/clock"
	"github.com/jotbook/realtime/internal/database"
)

// ErrDuplicateChange reports a (user, device, change) triple that was
// already recorded; redelivered pulls treat it as accepted.
var ErrDuplicateChange = errors.New("change already recorded")

// maxPullPage bounds how many deltas one pull response carries.
const maxPullPage = 500

// DeltaStore persists accepted mutations and the authoritative entity
// heads backing the conflict rule.
type DeltaStore interface {
	// Append records a delta and advances the entity head in one
	// transaction. ErrDuplicateChange on a replayed change id.
	Append(ctx context.Context, d *Delta) error

	// Version returns the authoritative head of an entity, nil when the
	// entity has never been synced.
	Version(ctx context.Context, entityKind, entityID string) (*EntityVersion, error)

	// DeltasSince returns the user's deltas with server timestamp
	// strictly after since, ascending. more reports a truncated page.
	DeltasSince(ctx context.Context, userID string, since time.Time, limit int) (deltas []*Delta, more bool, err error)

	// PruneOlderThan drops deltas older than horizon. Entity heads are
	// kept; they stay authoritative for the conflict rule.
	PruneOlderThan(ctx context.Context, horizon time.Time) (int64, error)
}

// PostgresDeltaStore implements DeltaStore on the sync_deltas and
// entity_versions tables.
type PostgresDeltaStore struct {
	db *database.DB
}

// NewPostgresDeltaStore creates a Postgres-backed delta store.
func NewPostgresDeltaStore(db *database.DB) *PostgresDeltaStore {
	return &PostgresDeltaStore{db: db}
}

// Append records the delta and advances the entity head atomically.
func (s *PostgresDeltaStore) Append(ctx context.Context, d *Delta) error {
	if d.ID == "" {
		d.ID = clock.NewID()
	}

	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_deltas (id, user_id, change_id, device_id, entity_kind, entity_id,
				operation, payload, client_ts, server_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, d.ID, d.UserID, d.ChangeID, d.DeviceID, d.EntityKind, d.EntityID,
			d.Action, []byte(d.Payload), d.ClientTimestamp, d.ServerTimestamp)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateChange
			}
			return fmt.Errorf("failed to insert delta: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO entity_versions (entity_kind, entity_id, user_id, server_ts, deleted)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (entity_kind, entity_id)
			DO UPDATE SET server_ts = EXCLUDED.server_ts, deleted = EXCLUDED.deleted
			WHERE entity_versions.server_ts < EXCLUDED.server_ts
		`, d.EntityKind, d.EntityID, d.UserID, d.ServerTimestamp, d.Action == ActionDelete)
		if err != nil {
			return fmt.Errorf("failed to advance entity version: %w", err)
		}
		return nil
	})
}

// Version returns the authoritative head of an entity.
func (s *PostgresDeltaStore) Version(ctx context.Context, entityKind, entityID string) (*EntityVersion, error) {
	var v EntityVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_kind, entity_id, user_id, server_ts, deleted
		FROM entity_versions
		WHERE entity_kind = $1 AND entity_id = $2
	`, entityKind, entityID).Scan(&v.EntityKind, &v.EntityID, &v.UserID, &v.ServerTimestamp, &v.Deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entity version: %w", err)
	}
	return &v, nil
}

// DeltasSince returns the user's deltas after since, ascending by
// server timestamp.
func (s *PostgresDeltaStore) DeltasSince(ctx context.Context, userID string, since time.Time, limit int) ([]*Delta, bool, error) {
	if limit <= 0 || limit > maxPullPage {
		limit = maxPullPage
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, change_id, device_id, entity_kind, entity_id,
			operation, payload, client_ts, server_ts
		FROM sync_deltas
		WHERE user_id = $1 AND server_ts > $2
		ORDER BY server_ts ASC
		LIMIT $3
	`, userID, since, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list deltas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deltas []*Delta
	for rows.Next() {
		var d Delta
		var payload []byte
		if err := rows.Scan(&d.ID, &d.UserID, &d.ChangeID, &d.DeviceID, &d.EntityKind, &d.EntityID,
			&d.Action, &payload, &d.ClientTimestamp, &d.ServerTimestamp); err != nil {
			return nil, false, fmt.Errorf("failed to scan delta: %w", err)
		}
		d.Payload = payload
		deltas = append(deltas, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("error iterating deltas: %w", err)
	}

	more := len(deltas) > limit
	if more {
		deltas = deltas[:limit]
	}
	return deltas, more, nil
}

// PruneOlderThan drops deltas created before horizon.
func (s *PostgresDeltaStore) PruneOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_deltas WHERE server_ts < $1
	`, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to prune deltas: %w", err)
	}
	return result.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

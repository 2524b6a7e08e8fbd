package directory

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/jotbook/realtime/internal/errors"
)

// entryKind is the entity kind journal entries synchronize under.
const entryKind = "entry"

// Ownership answers entry-room authorization from the entity version
// table, which records the owner of every synchronized entity.
type Ownership struct {
	db *sql.DB
}

// NewOwnership creates a Postgres ownership checker.
func NewOwnership(db *sql.DB) *Ownership {
	return &Ownership{db: db}
}

// OwnsEntry reports whether the user owns the journal entry. Entries
// never synchronized, and deleted ones, belong to nobody.
func (o *Ownership) OwnsEntry(ctx context.Context, userID, entryID string) (bool, error) {
	var owner string
	err := o.db.QueryRowContext(ctx,
		`SELECT user_id FROM entity_versions
		 WHERE entity_kind = $1 AND entity_id = $2 AND NOT deleted`,
		entryKind, entryID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewDatabaseError("check entry ownership", err)
	}
	return owner == userID, nil
}

// Package directory holds the Postgres-backed implementations of the
// collaborator interfaces: the user directory, the device token
// registry, journal entry ownership, and the entity snapshot store the
// sync engine writes accepted changes into. The tables these read are
// owned by the account and device services; this subsystem consumes
// them read-only except for the snapshots.
package directory

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/interfaces"
)

// UserDirectory resolves contact details from the users table.
type UserDirectory struct {
	db *sql.DB
}

// NewUserDirectory creates a Postgres user directory.
func NewUserDirectory(db *sql.DB) *UserDirectory {
	return &UserDirectory{db: db}
}

// Contact returns the routable addresses for a user.
func (d *UserDirectory) Contact(ctx context.Context, userID string) (*interfaces.Contact, error) {
	var c interfaces.Contact
	err := d.db.QueryRowContext(ctx,
		`SELECT email, phone FROM users WHERE id = $1`, userID,
	).Scan(&c.Email, &c.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("user")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("lookup user contact", err)
	}
	return &c, nil
}

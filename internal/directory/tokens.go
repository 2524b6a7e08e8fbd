package directory

import (
	"context"
	"database/sql"

	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/interfaces"
)

// TokenStore reads and prunes push registration tokens.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore creates a Postgres device token store.
func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

// Tokens returns every registered push token for a user, oldest
// registration first.
func (s *TokenStore) Tokens(ctx context.Context, userID string) ([]interfaces.DeviceToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, token FROM device_tokens WHERE user_id = $1 ORDER BY registered_at`, userID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list device tokens", err)
	}
	defer rows.Close()

	var tokens []interfaces.DeviceToken
	for rows.Next() {
		var t interfaces.DeviceToken
		if err := rows.Scan(&t.Platform, &t.Token); err != nil {
			return nil, apperrors.NewDatabaseError("scan device token", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list device tokens", err)
	}
	return tokens, nil
}

// Remove drops one token, typically after the push gateway reported it
// permanently invalid. Removing an absent token is not an error.
func (s *TokenStore) Remove(ctx context.Context, userID, platform, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE user_id = $1 AND platform = $2 AND token = $3`,
		userID, platform, token)
	if err != nil {
		return apperrors.NewDatabaseError("remove device token", err)
	}
	return nil
}

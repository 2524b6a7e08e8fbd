package preference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jotbook/realtime/internal/cache"
	"github.com/jotbook/realtime/internal/clock"
	apperrors "github.com/jotbook/realtime/internal/errors"
)

// Store provides access to per-user preference documents.
type Store interface {
	// Get returns the effective preferences for a user, falling back
	// to Defaults when no record exists.
	Get(ctx context.Context, userID string) (Preferences, error)

	// Upsert replaces the whole document, last writer wins.
	Upsert(ctx context.Context, userID string, prefs Preferences) (*Record, error)

	// Delete removes the stored record, reverting the user to defaults.
	Delete(ctx context.Context, userID string) error
}

// PostgresStore implements Store on the notification_preferences table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed preference store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Validate rejects documents whose quiet windows cannot be evaluated.
func Validate(p Preferences) error {
	for i, w := range p.QuietHours.Windows {
		if w.Day < 0 || w.Day > 6 {
			return apperrors.NewValidationError("quiet_hours",
				fmt.Sprintf("window %d: day %d out of range", i, w.Day))
		}
		if _, ok := parseClock(w.Start); !ok {
			return apperrors.NewValidationError("quiet_hours",
				fmt.Sprintf("window %d: bad start %q", i, w.Start))
		}
		if _, ok := parseClock(w.End); !ok {
			return apperrors.NewValidationError("quiet_hours",
				fmt.Sprintf("window %d: bad end %q", i, w.End))
		}
	}
	return nil
}

// Get returns the effective preferences for a user.
func (s *PostgresStore) Get(ctx context.Context, userID string) (Preferences, error) {
	query := `
		SELECT prefs
		FROM notification_preferences
		WHERE user_id = $1
	`

	var prefs Preferences
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&prefs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Defaults(), nil
		}
		return Preferences{}, fmt.Errorf("failed to get preferences: %w", err)
	}
	return prefs, nil
}

// Upsert replaces the whole document, last writer wins.
func (s *PostgresStore) Upsert(ctx context.Context, userID string, prefs Preferences) (*Record, error) {
	if err := Validate(prefs); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO notification_preferences (user_id, prefs, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET prefs = EXCLUDED.prefs, updated_at = EXCLUDED.updated_at
		RETURNING user_id, prefs, updated_at
	`

	var rec Record
	err := s.db.QueryRowContext(ctx, query, userID, prefs, clock.Now()).
		Scan(&rec.UserID, &rec.Prefs, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return &rec, nil
}

// Delete removes the stored record.
func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notification_preferences WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete preferences: %w", err)
	}
	return nil
}

// CachedStore decorates a Store with a per-user Redis cache. Reads go
// through the cache; writes invalidate it. With a nil cache it behaves
// exactly like the wrapped store.
type CachedStore struct {
	store Store
	cache *cache.Cache
}

// NewCachedStore wraps store with a read-through cache.
func NewCachedStore(store Store, c *cache.Cache) *CachedStore {
	return &CachedStore{store: store, cache: c}
}

func prefsKey(userID string) string {
	return "prefs:" + userID
}

// Get returns cached preferences, falling back to the wrapped store.
func (s *CachedStore) Get(ctx context.Context, userID string) (Preferences, error) {
	if s.cache != nil {
		var prefs Preferences
		if err := s.cache.Get(ctx, prefsKey(userID), &prefs); err == nil {
			return prefs, nil
		}
	}

	prefs, err := s.store.Get(ctx, userID)
	if err != nil {
		return Preferences{}, err
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, prefsKey(userID), prefs, cache.PreferenceTTL)
	}
	return prefs, nil
}

// Upsert writes through the wrapped store and invalidates the cache.
func (s *CachedStore) Upsert(ctx context.Context, userID string, prefs Preferences) (*Record, error) {
	rec, err := s.store.Upsert(ctx, userID, prefs)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, prefsKey(userID))
	}
	return rec, nil
}

// Delete removes the record and invalidates the cache.
func (s *CachedStore) Delete(ctx context.Context, userID string) error {
	if err := s.store.Delete(ctx, userID); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, prefsKey(userID))
	}
	return nil
}

package notification

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jotbook/realtime/internal/clock"
)

// ErrConflict is returned when an idempotency key conflict occurs.
var ErrConflict = errors.New("idempotency key conflict")

// ErrNotFound is returned when a notification is not found.
var ErrNotFound = errors.New("notification not found")

// ErrInvalidTransition is returned when a conditional status update
// finds the record in a state the transition is not allowed from.
var ErrInvalidTransition = errors.New("status transition not allowed")

// Repository is the append-only notification store plus the per-
// notification delivery log. Status updates are conditional so the
// lifecycle graph cannot be violated by racing workers.
type Repository interface {
	Create(ctx context.Context, n *Notification) (*Notification, error)
	GetByID(ctx context.Context, id string) (*Notification, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Notification, error)

	// MarkDelivered advances pending → delivered, recording the primary
	// channel used.
	MarkDelivered(ctx context.Context, id, channel string, at time.Time) error
	// MarkRead advances delivered → read.
	MarkRead(ctx context.Context, id string, at time.Time) error
	// MarkFailed advances pending → failed.
	MarkFailed(ctx context.Context, id string, at time.Time) error
	// MarkExpired advances pending → expired.
	MarkExpired(ctx context.Context, id string, at time.Time) error

	CreateDelivery(ctx context.Context, d *Delivery) error
	DeliveriesFor(ctx context.Context, notificationID string) ([]*Delivery, error)

	// ListByUser returns notifications newest first, cursor paginated.
	// nextCursor is empty on the last page.
	ListByUser(ctx context.Context, userID string, filter ListFilter) (items []*Notification, nextCursor string, err error)

	// DeleteOlderThan removes terminal notifications created before
	// horizon, cascading their delivery logs. Returns rows removed.
	DeleteOlderThan(ctx context.Context, horizon time.Time) (int64, error)

	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	// IncrementBatchStats adds the given counts atomically.
	IncrementBatchStats(ctx context.Context, id string, sent, delivered, failed, read int) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db  *sql.DB
	now clock.NowFunc
}

// NewPostgresRepository creates a PostgreSQL-backed repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: clock.Now}
}

const notificationColumns = `id, user_id, type, channel, status, priority, title, message,
	data, actions, idempotency_key, expires_at, created_at, updated_at, delivered_at, read_at`

// Create inserts a new notification record. The caller sets ID, Status
// and CreatedAt; missing ones are filled in here.
func (r *PostgresRepository) Create(ctx context.Context, n *Notification) (*Notification, error) {
	if n.ID == "" {
		n.ID = clock.NewID()
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	now := r.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	query := `
		INSERT INTO notifications (
			id, user_id, type, channel, status, priority, title, message,
			data, actions, idempotency_key, expires_at, created_at, updated_at,
			delivered_at, read_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16
		)
		RETURNING ` + notificationColumns

	row := r.db.QueryRowContext(ctx, query,
		n.ID, n.UserID, n.Type, n.Channel, n.Status, n.Priority, n.Title, n.Message,
		n.Data, n.Actions, n.IdempotencyKey, n.ExpiresAt, n.CreatedAt, n.UpdatedAt,
		n.DeliveredAt, n.ReadAt,
	)

	created, err := scanNotification(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to insert notification: %w", err)
	}
	return created, nil
}

// GetByID retrieves a notification by its ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// GetByIdempotencyKey retrieves a notification by its idempotency key.
func (r *PostgresRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE idempotency_key = $1`
	n, err := scanNotification(r.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification by idempotency key: %w", err)
	}
	return n, nil
}

// transition runs one conditional status update. The WHERE clause
// carries the allowed source states; zero rows means the record either
// does not exist or sits in a state the edge does not leave from.
func (r *PostgresRepository) transition(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update notification status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkDelivered advances pending → delivered.
func (r *PostgresRepository) MarkDelivered(ctx context.Context, id, channel string, at time.Time) error {
	return r.transition(ctx, `
		UPDATE notifications
		SET status = $2, channel = $3, delivered_at = $4, updated_at = $5
		WHERE id = $1 AND status = $6
	`, id, StatusDelivered, channel, at, r.now(), StatusPending)
}

// MarkRead advances delivered → read.
func (r *PostgresRepository) MarkRead(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, `
		UPDATE notifications
		SET status = $2, read_at = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`, id, StatusRead, at, r.now(), StatusDelivered)
}

// MarkFailed advances pending → failed.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, `
		UPDATE notifications
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, StatusFailed, at, StatusPending)
}

// MarkExpired advances pending → expired.
func (r *PostgresRepository) MarkExpired(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, `
		UPDATE notifications
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, StatusExpired, at, StatusPending)
}

// CreateDelivery appends one delivery-log entry.
func (r *PostgresRepository) CreateDelivery(ctx context.Context, d *Delivery) error {
	if d.ID == "" {
		d.ID = clock.NewID()
	}
	if d.SentAt.IsZero() {
		d.SentAt = r.now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_deliveries (id, notification_id, channel, status, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.ID, d.NotificationID, d.Channel, d.Outcome, d.Error, d.SentAt)
	if err != nil {
		return fmt.Errorf("failed to create delivery log entry: %w", err)
	}
	return nil
}

// DeliveriesFor returns the delivery log of one notification in
// completion order.
func (r *PostgresRepository) DeliveriesFor(ctx context.Context, notificationID string) ([]*Delivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, notification_id, channel, status, error, sent_at
		FROM notification_deliveries
		WHERE notification_id = $1
		ORDER BY sent_at ASC, id ASC
	`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deliveries []*Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.NotificationID, &d.Channel, &d.Outcome, &d.Error, &d.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deliveries: %w", err)
	}
	return deliveries, nil
}

// cursor encodes the (created_at, id) position of the last row of a
// page. Opaque to callers.
type cursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

func encodeCursor(c cursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

// ListByUser returns notifications newest first, cursor paginated.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, filter ListFilter) ([]*Notification, string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	args := []interface{}{userID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}
	if filter.Cursor != "" {
		c, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor: %w", err)
		}
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, c.CreatedAt, c.ID)
		argIdx += 2
	}

	// Fetch one extra row to know whether another page exists.
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argIdx)
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("error iterating notifications: %w", err)
	}

	next := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next = encodeCursor(cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return items, next, nil
}

// DeleteOlderThan removes terminal notifications created before horizon.
func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM notification_deliveries
		WHERE notification_id IN (
			SELECT id FROM notifications
			WHERE created_at < $1 AND status IN ($2, $3, $4)
		)
	`, horizon, StatusRead, StatusExpired, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to prune delivery logs: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE created_at < $1 AND status IN ($2, $3, $4)
	`, horizon, StatusRead, StatusExpired, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to prune notifications: %w", err)
	}
	return result.RowsAffected()
}

// CreateBatch inserts a batch record.
func (r *PostgresRepository) CreateBatch(ctx context.Context, b *Batch) error {
	if b.ID == "" {
		b.ID = clock.NewID()
	}
	now := r.now()
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_batches (id, template, total, sent, delivered, failed, read, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, b.ID, b.Template, b.Total, b.Sent, b.Delivered, b.Failed, b.Read, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch record by ID.
func (r *PostgresRepository) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var b Batch
	err := r.db.QueryRowContext(ctx, `
		SELECT id, template, total, sent, delivered, failed, read, created_at, updated_at
		FROM notification_batches
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Template, &b.Total, &b.Sent, &b.Delivered, &b.Failed, &b.Read, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &b, nil
}

// IncrementBatchStats adds the given counts atomically.
func (r *PostgresRepository) IncrementBatchStats(ctx context.Context, id string, sent, delivered, failed, read int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_batches
		SET sent = sent + $2, delivered = delivered + $3,
			failed = failed + $4, read = read + $5, updated_at = $6
		WHERE id = $1
	`, id, sent, delivered, failed, read, r.now())
	if err != nil {
		return fmt.Errorf("failed to update batch stats: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.UserID, &n.Type, &n.Channel, &n.Status, &n.Priority, &n.Title, &n.Message,
		&n.Data, &n.Actions, &n.IdempotencyKey, &n.ExpiresAt, &n.CreatedAt, &n.UpdatedAt,
		&n.DeliveredAt, &n.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// isUniqueViolation checks if error is a unique constraint violation.
// Uses proper pq.Error type assertion for PostgreSQL error code 23505.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

// Store is the notification store contract shared by the PostgreSQL and
// SQLite repositories.
type Store interface {
	Create(ctx context.Context, userID string, channel domain.Channel, message string) (*domain.Notification, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	UpdateStatus(ctx context.Context, u domain.StatusUpdate) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Notification, error)
	MarkEnqueued(ctx context.Context, id string, attempts int) error
	ListUnqueued(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error)
	ResetEnqueued(ctx context.Context) (int64, error)
	Health(ctx context.Context) error
}

const notificationColumns = `
	id, user_id, type, message, status, attempts, last_error,
	enqueued_at, created_at, updated_at`

// Repository handles database operations for notifications
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new pending notification.
func (r *Repository) Create(ctx context.Context, userID string, channel domain.Channel, message string) (*domain.Notification, error) {
	id := uuid.New()
	notif := &domain.Notification{
		ID:      id.String(),
		UserID:  userID,
		Type:    channel,
		Message: message,
		Status:  domain.StatusPending,
	}

	query := `
		INSERT INTO notifications (id, user_id, type, message, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query, id, userID, string(channel), message, string(domain.StatusPending)).
		Scan(&notif.CreatedAt, &notif.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return nil, fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", notif.ID),
		zap.String("channel", channel.String()),
	)

	return notif, nil
}

// GetByID retrieves a notification by ID
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, domain.ErrNotFound
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanPG(r.db.Pool().QueryRow(ctx, query, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return notif, nil
}

// UpdateStatus applies a conditional transition keyed by id and the expected
// prior status and attempt count.
func (r *Repository) UpdateStatus(ctx context.Context, u domain.StatusUpdate) error {
	if !u.FromStatus.CanTransition(u.ToStatus) {
		return fmt.Errorf("invalid transition %s -> %s", u.FromStatus, u.ToStatus)
	}
	uid, err := uuid.Parse(u.ID)
	if err != nil {
		return domain.ErrNotFound
	}

	query := `
		UPDATE notifications
		SET status = $1, attempts = $2, last_error = $3, enqueued_at = NULL, updated_at = NOW()
		WHERE id = $4 AND status = $5 AND attempts = $6
	`

	result, err := r.db.Pool().Exec(ctx, query,
		string(u.ToStatus), u.Attempts, u.LastError, uid, string(u.FromStatus), u.FromAttempts)
	if err != nil {
		r.logger.Error("failed to update notification status",
			zap.Error(err),
			zap.String("notification_id", u.ID),
		)
		return fmt.Errorf("update notification status: %w", err)
	}

	if result.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, uid).Scan(&exists); err != nil {
		return fmt.Errorf("check notification: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

// ListByUser returns a user's notifications, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return collectPG(rows)
}

// MarkEnqueued records that the work item for the given attempt count is on
// the queue. A record that has moved on is left untouched.
func (r *Repository) MarkEnqueued(ctx context.Context, id string, attempts int) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return domain.ErrNotFound
	}

	query := `
		UPDATE notifications
		SET enqueued_at = NOW()
		WHERE id = $1 AND attempts = $2 AND status IN ('pending', 'retrying')
	`
	if _, err := r.db.Pool().Exec(ctx, query, uid, attempts); err != nil {
		return fmt.Errorf("mark notification enqueued: %w", err)
	}
	return nil
}

// ListUnqueued returns non-terminal notifications with no queued work item
// that have not changed since olderThan.
func (r *Repository) ListUnqueued(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE enqueued_at IS NULL
		  AND status IN ('pending', 'retrying')
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query unqueued notifications: %w", err)
	}
	return collectPG(rows)
}

// ResetEnqueued clears the enqueued marker of every non-terminal
// notification so ListUnqueued returns them again.
func (r *Repository) ResetEnqueued(ctx context.Context) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET enqueued_at = NULL
		WHERE enqueued_at IS NOT NULL AND status IN ('pending', 'retrying')
	`)
	if err != nil {
		return 0, fmt.Errorf("reset enqueued markers: %w", err)
	}
	return result.RowsAffected(), nil
}

// Health checks if the database is reachable
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

func scanPG(row pgx.Row) (*domain.Notification, error) {
	var (
		n       domain.Notification
		id      uuid.UUID
		channel string
		status  string
	)
	err := row.Scan(
		&id,
		&n.UserID,
		&channel,
		&n.Message,
		&status,
		&n.Attempts,
		&n.LastError,
		&n.EnqueuedAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.ID = id.String()
	n.Type = domain.Channel(channel)
	n.Status = domain.Status(status)
	return &n, nil
}

func collectPG(rows pgx.Rows) ([]*domain.Notification, error) {
	defer rows.Close()

	notifications := []*domain.Notification{}
	for rows.Next() {
		notif, err := scanPG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return notifications, nil
}

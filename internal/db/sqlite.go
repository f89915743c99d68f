package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lalithlochan/courier/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	user_id     TEXT    NOT NULL,
	type        TEXT    NOT NULL CHECK (type IN ('email', 'sms', 'in-app')),
	message     TEXT    NOT NULL,
	status      TEXT    NOT NULL DEFAULT 'pending'
	                    CHECK (status IN ('pending', 'retrying', 'sent', 'failed')),
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT    NOT NULL DEFAULT '',
	enqueued_at INTEGER,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_notifications_unqueued ON notifications (updated_at) WHERE enqueued_at IS NULL;
`

// SQLiteRepository stores notifications in a local SQLite database.
// Timestamps are kept as unix nanoseconds.
type SQLiteRepository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteRepository, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.ExecContext(ctx, sqliteSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", path))

	return &SQLiteRepository{
		db:     sqlDB,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Create(ctx context.Context, userID string, channel domain.Channel, message string) (*domain.Notification, error) {
	now := r.now()
	notif := &domain.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      channel,
		Message:   message,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, message, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		notif.ID, userID, string(channel), message, string(domain.StatusPending), now.UnixNano(), now.UnixNano())
	if err != nil {
		r.logger.Error("failed to create notification", zap.Error(err), zap.String("user_id", userID))
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return notif, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	notif, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return notif, nil
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, u domain.StatusUpdate) error {
	if !u.FromStatus.CanTransition(u.ToStatus) {
		return fmt.Errorf("invalid transition %s -> %s", u.FromStatus, u.ToStatus)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = ?, attempts = ?, last_error = ?, enqueued_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND attempts = ?`,
		string(u.ToStatus), u.Attempts, u.LastError, r.now().UnixNano(),
		u.ID, string(u.FromStatus), u.FromAttempts)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM notifications WHERE id = ?`, u.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check notification: %w", err)
	}
	if exists == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

func (r *SQLiteRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return collectSQLite(rows)
}

func (r *SQLiteRepository) MarkEnqueued(ctx context.Context, id string, attempts int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET enqueued_at = ?
		WHERE id = ? AND attempts = ? AND status IN ('pending', 'retrying')`,
		r.now().UnixNano(), id, attempts)
	if err != nil {
		return fmt.Errorf("mark notification enqueued: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListUnqueued(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE enqueued_at IS NULL
		  AND status IN ('pending', 'retrying')
		  AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`, olderThan.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query unqueued notifications: %w", err)
	}
	return collectSQLite(rows)
}

func (r *SQLiteRepository) ResetEnqueued(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET enqueued_at = NULL
		WHERE enqueued_at IS NOT NULL AND status IN ('pending', 'retrying')`)
	if err != nil {
		return 0, fmt.Errorf("reset enqueued markers: %w", err)
	}
	return result.RowsAffected()
}

func (r *SQLiteRepository) Health(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*domain.Notification, error) {
	var (
		n                    domain.Notification
		channel, status      string
		enqueuedAt           sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&channel,
		&n.Message,
		&status,
		&n.Attempts,
		&n.LastError,
		&enqueuedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Type = domain.Channel(channel)
	n.Status = domain.Status(status)
	n.CreatedAt = time.Unix(0, createdAt).UTC()
	n.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if enqueuedAt.Valid {
		t := time.Unix(0, enqueuedAt.Int64).UTC()
		n.EnqueuedAt = &t
	}
	return &n, nil
}

func collectSQLite(rows *sql.Rows) ([]*domain.Notification, error) {
	defer rows.Close()

	notifications := []*domain.Notification{}
	for rows.Next() {
		notif, err := scanSQLite(rows)
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

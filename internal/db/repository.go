package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for notifications, chat and the
// read-only user directory.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `id, company_id, recipient_id, type, title, message, link, metadata, read, created_at`

// CreateNotification inserts n. When n.DedupeKey matches an existing row the
// insert is skipped and created is false.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	metadata := n.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	query := `
		INSERT INTO notifications (
			id, company_id, recipient_id, type, title, message, link, metadata, dedupe_key
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING read, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID,
		n.CompanyID,
		n.RecipientID,
		n.Type,
		n.Title,
		n.Message,
		n.Link,
		metadata,
		n.DedupeKey,
	).Scan(&n.Read, &n.CreatedAt)

	if notFound(err) {
		r.logger.Debug("notification already recorded",
			zap.Stringp("dedupe_key", n.DedupeKey),
		)
		return false, nil
	}
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("recipient_id", n.RecipientID.String()),
		)
		return false, fmt.Errorf("insert notification: %w", err)
	}

	return true, nil
}

// ListNotifications returns the newest notifications for a recipient.
func (r *Repository) ListNotifications(ctx context.Context, companyID, recipientID uuid.UUID, limit int) ([]Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE company_id = $1 AND recipient_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]Notification, 0, limit)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(
			&n.ID,
			&n.CompanyID,
			&n.RecipientID,
			&n.Type,
			&n.Title,
			&n.Message,
			&n.Link,
			&n.Metadata,
			&n.Read,
			&n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// CountUnreadNotifications counts a recipient's unread notifications.
func (r *Repository) CountUnreadNotifications(ctx context.Context, companyID, recipientID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE company_id = $1 AND recipient_id = $2 AND read = FALSE
	`, companyID, recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationsRead flips read for the subset of ids owned by the
// recipient and returns the ids that actually changed. Ids that are already
// read or belong to someone else are ignored.
func (r *Repository) MarkNotificationsRead(ctx context.Context, companyID, recipientID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, `
		UPDATE notifications
		SET read = TRUE
		WHERE company_id = $1 AND recipient_id = $2 AND id = ANY($3) AND read = FALSE
		RETURNING id
	`, companyID, recipientID, ids)
	if err != nil {
		return nil, fmt.Errorf("mark notifications read: %w", err)
	}

	updated, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("collect updated ids: %w", err)
	}
	return updated, nil
}

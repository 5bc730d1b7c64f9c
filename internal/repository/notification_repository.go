package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/booking-settlement/internal/model"
)

// NotificationRepo writes user notifications.
type NotificationRepo struct {
	db *sql.DB
}

// NewNotificationRepo returns a NotificationRepo bound to the given database.
func NewNotificationRepo(db *sql.DB) *NotificationRepo { return &NotificationRepo{db: db} }

// ExistsTx reports whether recipient already has a notification with
// exactly this message.
func (r *NotificationRepo) ExistsTx(ctx context.Context, tx *sql.Tx, recipient uint64, message string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM notifications WHERE recipient_id = ? AND message = ? LIMIT 1`,
		recipient, message).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// InsertTx appends a notification.
func (r *NotificationRepo) InsertTx(ctx context.Context, tx *sql.Tx, n model.Notification) error {
	const stmt = `INSERT INTO notifications (recipient_id, source, url, kind, message, created_at)
                  VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, stmt, n.Recipient, n.Source, n.URL, n.Kind, n.Message, n.CreatedAt)
	return err
}

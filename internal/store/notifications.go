package store

import (
	"context"
	"fmt"
)

const notificationSelect = `
	SELECT id, procedure_id, folio, recipient, subject, comment, notification_type,
	       email_sent, email_sent_at, attempts, created_at
	FROM notifications`

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (procedure_id, folio, recipient, subject, comment, notification_type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ProcedureID, item.Folio, item.Recipient, item.Subject, item.Comment, item.NotificationType)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListUnsentNotifications returns the oldest pending outbox rows, capped at
// limit, for the dispatch worker.
func (s *PostgresStore) ListUnsentNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, notificationSelect+`
		WHERE NOT email_sent
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsent notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.ProcedureID, &item.Folio, &item.Recipient, &item.Subject,
			&item.Comment, &item.NotificationType, &item.EmailSent, &item.EmailSentAt, &item.Attempts, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListNotificationsByFolio(ctx context.Context, folio string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, notificationSelect+`
		WHERE folio=$1
		ORDER BY created_at ASC
	`, folio)
	if err != nil {
		return nil, fmt.Errorf("list notifications by folio: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.ProcedureID, &item.Folio, &item.Recipient, &item.Subject,
			&item.Comment, &item.NotificationType, &item.EmailSent, &item.EmailSentAt, &item.Attempts, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationSent(ctx context.Context, notificationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET email_sent=TRUE, email_sent_at=NOW(), attempts=attempts+1
		WHERE id=$1
	`, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkNotificationAttempt(ctx context.Context, notificationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET attempts=attempts+1 WHERE id=$1
	`, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification attempt: %w", err)
	}
	return nil
}

// Package notify delivers queued citizen notifications. Rows are
// written to the outbox inside the review transaction; this package
// drains them after commit, so a failed SMTP server never rolls back a
// recorded decision.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"permitdesk/api/internal/store"
)

// Mailer sends the rendered email for one outbox row.
type Mailer interface {
	IsConfigured() bool
	SendPermitNotification(to, subject, folio, comment, notificationType string) error
}

// OutboxStore reads and settles outbox rows.
type OutboxStore interface {
	ListUnsentNotifications(ctx context.Context, limit int) ([]store.Notification, error)
	MarkNotificationSent(ctx context.Context, notificationID int64) error
	MarkNotificationAttempt(ctx context.Context, notificationID int64) error
}

// Dispatcher drains the notification outbox. Delivery failures bump the
// attempt counter and leave the row queued for the next pass; a row
// over MaxAttempts is parked and only surfaces in logs.
type Dispatcher struct {
	store       OutboxStore
	mailer      Mailer
	log         zerolog.Logger
	batchSize   int
	maxAttempts int

	// newBackOff builds the per-row retry policy. Overridable in tests.
	newBackOff func() backoff.BackOff
}

func NewDispatcher(outbox OutboxStore, mailer Mailer, log zerolog.Logger, batchSize, maxAttempts int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Dispatcher{
		store:       outbox,
		mailer:      mailer,
		log:         log,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 500 * time.Millisecond
			policy.MaxElapsedTime = 15 * time.Second
			return backoff.WithMaxRetries(policy, 3)
		},
	}
}

// DispatchPending sends one batch of queued notifications, oldest
// first. Returns how many were delivered.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	if !d.mailer.IsConfigured() {
		d.log.Debug().Msg("mailer not configured, outbox left queued")
		return 0, nil
	}

	pending, err := d.store.ListUnsentNotifications(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unsent notifications: %w", err)
	}

	sent := 0
	for _, item := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if item.Attempts >= d.maxAttempts {
			d.log.Warn().
				Int64("notification_id", item.ID).
				Str("folio", item.Folio).
				Int("attempts", item.Attempts).
				Msg("notification over attempt limit, parked")
			continue
		}

		err := backoff.Retry(func() error {
			return d.mailer.SendPermitNotification(item.Recipient, item.Subject, item.Folio, item.Comment, item.NotificationType)
		}, backoff.WithContext(d.newBackOff(), ctx))
		if err != nil {
			d.log.Error().Err(err).
				Int64("notification_id", item.ID).
				Str("folio", item.Folio).
				Str("type", item.NotificationType).
				Msg("notification delivery failed")
			if markErr := d.store.MarkNotificationAttempt(ctx, item.ID); markErr != nil {
				return sent, fmt.Errorf("mark notification attempt: %w", markErr)
			}
			continue
		}

		if err := d.store.MarkNotificationSent(ctx, item.ID); err != nil {
			return sent, fmt.Errorf("mark notification sent: %w", err)
		}
		sent++
		d.log.Info().
			Int64("notification_id", item.ID).
			Str("folio", item.Folio).
			Str("type", item.NotificationType).
			Msg("notification delivered")
	}
	return sent, nil
}

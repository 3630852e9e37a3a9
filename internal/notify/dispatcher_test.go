package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"permitdesk/api/internal/store"
)

type fakeOutbox struct {
	rows     []store.Notification
	sent     []int64
	attempts []int64
	listErr  error
}

func (f *fakeOutbox) ListUnsentNotifications(_ context.Context, limit int) ([]store.Notification, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.rows) > limit {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func (f *fakeOutbox) MarkNotificationSent(_ context.Context, id int64) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeOutbox) MarkNotificationAttempt(_ context.Context, id int64) error {
	f.attempts = append(f.attempts, id)
	return nil
}

type fakeMailer struct {
	configured bool
	failFor    map[string]error
	delivered  []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendPermitNotification(to, subject, folio, comment, notificationType string) error {
	if err := f.failFor[folio]; err != nil {
		return err
	}
	f.delivered = append(f.delivered, folio)
	return nil
}

func newTestDispatcher(outbox *fakeOutbox, mailer *fakeMailer) *Dispatcher {
	d := NewDispatcher(outbox, mailer, zerolog.Nop(), 10, 5)
	// No sleeping between retries in tests.
	d.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
	return d
}

func TestDispatchPendingDeliversBatch(t *testing.T) {
	outbox := &fakeOutbox{rows: []store.Notification{
		{ID: 1, Folio: "PD-1", Recipient: "a@example.com", NotificationType: store.NotificationApproval},
		{ID: 2, Folio: "PD-2", Recipient: "b@example.com", NotificationType: store.NotificationRejection},
	}}
	mailer := &fakeMailer{configured: true}

	sent, err := newTestDispatcher(outbox, mailer).DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent %d, want 2", sent)
	}
	if len(outbox.sent) != 2 || outbox.sent[0] != 1 || outbox.sent[1] != 2 {
		t.Fatalf("marked sent: %v", outbox.sent)
	}
	if len(outbox.attempts) != 0 {
		t.Fatalf("unexpected attempt marks: %v", outbox.attempts)
	}
}

func TestDispatchPendingFailureLeavesRowQueued(t *testing.T) {
	outbox := &fakeOutbox{rows: []store.Notification{
		{ID: 1, Folio: "PD-1", Recipient: "a@example.com"},
		{ID: 2, Folio: "PD-2", Recipient: "b@example.com"},
	}}
	mailer := &fakeMailer{
		configured: true,
		failFor:    map[string]error{"PD-1": errors.New("smtp down")},
	}

	sent, err := newTestDispatcher(outbox, mailer).DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent %d, want 1", sent)
	}
	if len(outbox.attempts) != 1 || outbox.attempts[0] != 1 {
		t.Fatalf("attempt marks: %v", outbox.attempts)
	}
	if len(outbox.sent) != 1 || outbox.sent[0] != 2 {
		t.Fatalf("sent marks: %v", outbox.sent)
	}
}

func TestDispatchPendingParksExhaustedRows(t *testing.T) {
	outbox := &fakeOutbox{rows: []store.Notification{
		{ID: 1, Folio: "PD-1", Recipient: "a@example.com", Attempts: 5},
	}}
	mailer := &fakeMailer{configured: true}

	sent, err := newTestDispatcher(outbox, mailer).DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sent != 0 || len(mailer.delivered) != 0 {
		t.Fatal("exhausted row must not be retried")
	}
}

func TestDispatchPendingUnconfiguredMailer(t *testing.T) {
	outbox := &fakeOutbox{rows: []store.Notification{{ID: 1, Folio: "PD-1"}}}
	mailer := &fakeMailer{configured: false}

	sent, err := newTestDispatcher(outbox, mailer).DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sent != 0 || len(outbox.sent) != 0 || len(outbox.attempts) != 0 {
		t.Fatal("unconfigured mailer must leave the outbox untouched")
	}
}

func TestNewWorkerRejectsBadSchedule(t *testing.T) {
	d := newTestDispatcher(&fakeOutbox{}, &fakeMailer{configured: true})
	if _, err := NewWorker(d, "not a schedule", zerolog.Nop()); err == nil {
		t.Fatal("expected schedule parse error")
	}
	if _, err := NewWorker(d, "@every 1m", zerolog.Nop()); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}

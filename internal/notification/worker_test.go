package notification

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jotbook/realtime/internal/broker"
	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/interfaces"
	"github.com/jotbook/realtime/internal/preference"
	"github.com/jotbook/realtime/internal/telemetry"
)

type stubDirectory struct {
	contact interfaces.Contact
	err     error
}

func (d *stubDirectory) Contact(context.Context, string) (*interfaces.Contact, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := d.contact
	return &out, nil
}

type stubMailGateway struct {
	mu   sync.Mutex
	sent []interfaces.MailMessage
	err  error
}

func (g *stubMailGateway) Send(_ context.Context, msg interfaces.MailMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, msg)
	return nil
}

type workerFixture struct {
	worker     *Worker
	dispatcher *Dispatcher
	repo       *memRepo
	queue      *memQueue
	directory  *stubDirectory
	mail       *stubMailGateway
	now        time.Time
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	logger, err := telemetry.NewLogger(nil)
	require.NoError(t, err)

	f := &workerFixture{
		repo:      newMemRepo(),
		queue:     &memQueue{},
		directory: &stubDirectory{contact: interfaces.Contact{Email: "user@example.com"}},
		mail:      &stubMailGateway{},
		now:       time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC),
	}
	f.repo.now = func() time.Time { return f.now }

	prefs := &memPrefs{prefs: allChannelPrefs()}
	f.dispatcher = NewDispatcher(prefs, f.repo, f.queue, nil)
	f.dispatcher.now = func() time.Time { return f.now }

	f.worker = NewWorker(f.queue, f.repo, f.dispatcher, f.directory, f.mail, NewRenderer(), "journal@example.com", 1, logger)
	f.worker.now = func() time.Time { return f.now }
	return f
}

func (f *workerFixture) pendingNotification(t *testing.T, notifType string) *Notification {
	t.Helper()
	n, err := f.repo.Create(context.Background(), &Notification{
		UserID:   "user-1",
		Type:     notifType,
		Status:   StatusPending,
		Priority: PriorityMedium,
		Title:    "Heads up",
		Message:  "Something happened",
	})
	require.NoError(t, err)
	return n
}

func mailMessage(t *testing.T, notificationID string) *broker.Message {
	t.Helper()
	body, err := json.Marshal(mailJob{NotificationID: notificationID})
	require.NoError(t, err)
	return &broker.Message{ID: "msg-1", Queue: broker.QueueEmail, Body: body, DeliveryCount: 1}
}

func TestWorkerProcessMailDelivers(t *testing.T) {
	f := newWorkerFixture(t)
	n := f.pendingNotification(t, TypeSecurityAlert)

	err := f.worker.processMail(context.Background(), mailMessage(t, n.ID))
	require.NoError(t, err)

	require.Len(t, f.mail.sent, 1)
	msg := f.mail.sent[0]
	assert.Equal(t, "user@example.com", msg.To)
	assert.Equal(t, "journal@example.com", msg.From)
	assert.Equal(t, "Security alert: Heads up", msg.Subject)
	assert.NotEmpty(t, msg.HTMLBody)
	assert.NotEmpty(t, msg.TextBody)

	updated, err := f.repo.GetByID(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, updated.Status)
	assert.Equal(t, preference.ChannelEmail, updated.Channel)

	deliveries, err := f.repo.DeliveriesFor(context.Background(), n.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, OutcomeDelivered, deliveries[0].Outcome)
}

func TestWorkerProcessMailProviderRejection(t *testing.T) {
	f := newWorkerFixture(t)
	n := f.pendingNotification(t, TypeSystem)
	f.mail.err = apperrors.NewPermanentError("mail", assert.AnError)

	err := f.worker.processMail(context.Background(), mailMessage(t, n.ID))
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err), "provider rejection must not be retried")

	deliveries, err2 := f.repo.DeliveriesFor(context.Background(), n.ID)
	require.NoError(t, err2)
	require.Len(t, deliveries, 1)
	assert.Equal(t, OutcomeBounced, deliveries[0].Outcome)
	require.NotNil(t, deliveries[0].Error)
}

func TestWorkerProcessMailTransientFailure(t *testing.T) {
	f := newWorkerFixture(t)
	n := f.pendingNotification(t, TypeSystem)
	f.mail.err = apperrors.NewTransientError("mail", assert.AnError)

	err := f.worker.processMail(context.Background(), mailMessage(t, n.ID))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err), "transient provider errors go back to the queue")

	// No terminal outcome yet; redelivery will try again.
	deliveries, err2 := f.repo.DeliveriesFor(context.Background(), n.ID)
	require.NoError(t, err2)
	assert.Empty(t, deliveries)
}

func TestWorkerProcessMailMissingNotification(t *testing.T) {
	f := newWorkerFixture(t)

	err := f.worker.processMail(context.Background(), mailMessage(t, "gone"))
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err))
	assert.Empty(t, f.mail.sent)
}

func TestWorkerProcessMailNoEmailAddress(t *testing.T) {
	f := newWorkerFixture(t)
	n := f.pendingNotification(t, TypeSystem)
	f.directory.contact = interfaces.Contact{}

	err := f.worker.processMail(context.Background(), mailMessage(t, n.ID))
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err))

	deliveries, err2 := f.repo.DeliveriesFor(context.Background(), n.ID)
	require.NoError(t, err2)
	require.Len(t, deliveries, 1)
	assert.Equal(t, OutcomeFailed, deliveries[0].Outcome)
}

func TestWorkerProcessMailExpiredNotification(t *testing.T) {
	f := newWorkerFixture(t)
	expired := f.now.Add(-time.Hour)
	n, err := f.repo.Create(context.Background(), &Notification{
		UserID:    "user-1",
		Type:      TypeSystem,
		Status:    StatusPending,
		Message:   "too late",
		ExpiresAt: &expired,
	})
	require.NoError(t, err)

	procErr := f.worker.processMail(context.Background(), mailMessage(t, n.ID))
	require.Error(t, procErr)
	assert.False(t, apperrors.IsRetryable(procErr))
	assert.Empty(t, f.mail.sent)
}

func TestWorkerProcessBatchChunk(t *testing.T) {
	f := newWorkerFixture(t)
	f.dispatcher.RegisterSender(&stubSender{channel: preference.ChannelInApp, report: Report{Outcome: OutcomeDelivered}})

	b := &Batch{Template: TypeDailyDigest, Total: 3}
	require.NoError(t, f.repo.CreateBatch(context.Background(), b))

	body, err := json.Marshal(batchJob{
		BatchID:  b.ID,
		Template: TypeDailyDigest,
		UserIDs:  []string{"u1", "u2", "u3"},
		Title:    "Your week",
		Message:  "3 entries",
		Channels: []string{preference.ChannelInApp},
	})
	require.NoError(t, err)

	err = f.worker.processBatchChunk(context.Background(), &broker.Message{ID: "msg-1", Queue: broker.QueueJobs, Body: body, DeliveryCount: 1})
	require.NoError(t, err)

	updated, err := f.repo.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Sent)
	assert.Equal(t, 3, updated.Delivered)
	assert.Equal(t, 0, updated.Failed)
}

// perUserSender fails delivery for the listed users and delivers for
// everyone else.
type perUserSender struct {
	channel string
	fail    map[string]bool
}

func (s *perUserSender) Channel() string { return s.channel }

func (s *perUserSender) Deliver(_ context.Context, n *Notification, _ preference.Preferences) Report {
	if s.fail[n.UserID] {
		return Report{Outcome: OutcomeFailed, Reason: "offline"}
	}
	return Report{Outcome: OutcomeDelivered}
}

func TestWorkerProcessBatchChunkCountsEachUserOnce(t *testing.T) {
	f := newWorkerFixture(t)
	f.dispatcher.RegisterSender(&perUserSender{
		channel: preference.ChannelInApp,
		fail:    map[string]bool{"u2": true},
	})

	b := &Batch{Template: TypeDailyDigest, Total: 3}
	require.NoError(t, f.repo.CreateBatch(context.Background(), b))

	body, err := json.Marshal(batchJob{
		BatchID:  b.ID,
		Template: TypeDailyDigest,
		UserIDs:  []string{"u1", "u2", "u3"},
		Title:    "Your week",
		Message:  "3 entries",
		Channels: []string{preference.ChannelInApp},
	})
	require.NoError(t, err)

	err = f.worker.processBatchChunk(context.Background(), &broker.Message{ID: "msg-1", Queue: broker.QueueJobs, Body: body, DeliveryCount: 1})
	require.NoError(t, err)

	updated, err := f.repo.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Sent)
	assert.Equal(t, 2, updated.Delivered)
	assert.Equal(t, 1, updated.Failed, "a user no channel reached counts as failed, not sent")
	assert.Equal(t, updated.Total, updated.Sent+updated.Failed)
}

func TestWorkerProcessScheduledRequeuesLongHorizon(t *testing.T) {
	f := newWorkerFixture(t)

	at := f.now.Add(2 * time.Hour)
	body, err := json.Marshal(Request{
		UserID:       "user-1",
		Type:         TypeEntryReminder,
		Channels:     []string{preference.ChannelInApp},
		Message:      "later",
		ScheduledFor: &at,
	})
	require.NoError(t, err)

	err = f.worker.processScheduled(context.Background(), &broker.Message{ID: "msg-1", Queue: broker.QueueScheduled, Body: body, DeliveryCount: 1})
	require.NoError(t, err)

	requeued := f.queue.sentTo(broker.QueueScheduled)
	require.Len(t, requeued, 1)
	assert.Equal(t, 2*time.Hour, requeued[0].delay)
}

func TestWorkerHandleMessageSettlement(t *testing.T) {
	f := newWorkerFixture(t)
	logger, err := telemetry.NewLogger(nil)
	require.NoError(t, err)
	clog := logger.WithContext(context.Background())

	msg := &broker.Message{ID: "msg-1", Queue: broker.QueueEmail, Body: []byte("{}"), DeliveryCount: 1}

	f.worker.handleMessage(context.Background(), clog, msg, func(context.Context, *broker.Message) error {
		return nil
	})
	assert.Equal(t, []string{"msg-1"}, f.queue.acked)

	f.worker.handleMessage(context.Background(), clog, msg, func(context.Context, *broker.Message) error {
		return apperrors.NewTransientError("boom", assert.AnError)
	})
	assert.Equal(t, []string{"msg-1"}, f.queue.nacked)

	f.worker.handleMessage(context.Background(), clog, msg, func(context.Context, *broker.Message) error {
		return apperrors.NewPermanentError("bad payload", assert.AnError)
	})
	// Permanent failures are acked away rather than retried.
	assert.Equal(t, []string{"msg-1", "msg-1"}, f.queue.acked)
	assert.Equal(t, []string{"msg-1"}, f.queue.nacked)
}

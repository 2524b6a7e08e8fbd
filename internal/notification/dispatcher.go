package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jotbook/realtime/internal/broker"
	"github.com/jotbook/realtime/internal/clock"
	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/preference"
	"github.com/jotbook/realtime/internal/telemetry"
)

// BatchChunkSize is how many users one batch shard carries.
const BatchChunkSize = 25

// Queue is the slice of the broker the notification pipeline uses.
// *broker.Broker satisfies it; tests substitute fakes.
type Queue interface {
	Send(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error)
	Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*broker.Message, error)
	Ack(ctx context.Context, msg *broker.Message) error
	Nack(ctx context.Context, msg *broker.Message, lastErr error) error
}

// ReadBroadcaster tells a user's other devices that a notification was
// read so unread counters stay consistent. The connection registry
// implements it.
type ReadBroadcaster interface {
	PublishRead(ctx context.Context, userID, notificationID string, readAt time.Time)
}

// batchJob is one shard of a batch dispatch on the jobs queue.
type batchJob struct {
	BatchID  string   `json:"batch_id"`
	Template string   `json:"template"`
	UserIDs  []string `json:"user_ids"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Data     Data     `json:"data,omitempty"`
	Priority Priority `json:"priority,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// BatchOptions tunes a batch dispatch.
type BatchOptions struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority Priority `json:"priority,omitempty"`
	// Channels defaults to the full channel set in caller order.
	Channels []string `json:"channels,omitempty"`
}

// Dispatcher runs the preference cascade: it intersects the requested
// channels with the user's enabled ones, defers non-urgent requests
// inside quiet hours, fans the rest out across the channel senders
// concurrently and reduces their outcomes into the notification's
// final status.
type Dispatcher struct {
	prefs   preference.Store
	repo    Repository
	queue   Queue
	readers ReadBroadcaster

	mu      sync.RWMutex
	senders map[string]Sender

	now clock.NowFunc
}

// NewDispatcher creates a dispatcher. Senders are registered
// separately so wiring order stays flexible.
func NewDispatcher(prefs preference.Store, repo Repository, queue Queue, readers ReadBroadcaster) *Dispatcher {
	return &Dispatcher{
		prefs:   prefs,
		repo:    repo,
		queue:   queue,
		readers: readers,
		senders: make(map[string]Sender),
		now:     clock.Now,
	}
}

// RegisterSender adds a channel sender.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Channel()] = s
}

func (d *Dispatcher) sender(channel string) Sender {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.senders[channel]
}

func validateRequest(req *Request) error {
	if req.UserID == "" {
		return apperrors.NewValidationError("user_id", "user_id is required")
	}
	if req.Type == "" {
		return apperrors.NewValidationError("type", "type is required")
	}
	for _, c := range req.Channels {
		if !ValidChannel(c) {
			return apperrors.NewValidationError("channels", fmt.Sprintf("unknown channel %q", c))
		}
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	if !req.Priority.Valid() {
		return apperrors.NewValidationError("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}
	return nil
}

// Send dispatches one notification request and returns the persisted
// notification. Requests landing inside quiet hours (unless urgent) or
// carrying a future scheduled-for move to the schedule path instead of
// being delivered now.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*Notification, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "dispatch",
		"user_id":   req.UserID,
		"type":      req.Type,
	})

	now := d.now()

	// An explicit future schedule goes straight to the queue.
	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		return d.schedule(ctx, req, *req.ScheduledFor)
	}

	prefs, err := d.prefs.Get(ctx, req.UserID)
	if err != nil {
		return nil, apperrors.NewTransientError("load preferences", err)
	}

	enabled := enabledChannels(req, prefs)
	if len(enabled) == 0 {
		n, err := d.persist(ctx, req, StatusExpired)
		if err != nil {
			return nil, err
		}
		logger.Debug("No enabled channels, notification expired")
		return n, nil
	}

	if req.Priority != PriorityUrgent && prefs.QuietHours.Contains(now) {
		next := prefs.QuietHours.NextAllowed(now)
		logger.WithField("scheduled_for", next).Info("Quiet hours active, deferring")
		return d.schedule(ctx, req, next)
	}

	n, err := d.persist(ctx, req, StatusPending)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusPending {
		// Idempotent replay of an already-dispatched request.
		return n, nil
	}

	reports := d.fanOut(ctx, n, prefs, enabled)
	return d.reduce(ctx, n, enabled, reports)
}

// enabledChannels intersects the requested channels with the user's
// enabled channels and per-channel type allow-lists, preserving the
// caller's order.
func enabledChannels(req Request, prefs preference.Preferences) []string {
	requested := req.Channels
	var out []string
	for _, c := range requested {
		if prefs.Allows(c, req.Type) {
			out = append(out, c)
		}
	}
	return out
}

func (d *Dispatcher) persist(ctx context.Context, req Request, status Status) (*Notification, error) {
	n := &Notification{
		UserID:         req.UserID,
		Type:           req.Type,
		Status:         status,
		Priority:       req.Priority,
		Title:          req.Title,
		Message:        req.Message,
		Data:           req.Data,
		Actions:        req.Actions,
		IdempotencyKey: req.IdempotencyKey,
		ExpiresAt:      req.ExpiresAt,
	}

	created, err := d.repo.Create(ctx, n)
	if err != nil {
		if errors.Is(err, ErrConflict) && req.IdempotencyKey != nil {
			existing, getErr := d.repo.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, apperrors.NewTransientError("persist notification", err)
	}
	return created, nil
}

// fanOut runs every enabled sender concurrently and records each
// outcome in the delivery log. Every attempt has an owner: nothing is
// fired and forgotten.
func (d *Dispatcher) fanOut(ctx context.Context, n *Notification, prefs preference.Preferences, channels []string) map[string]Report {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":       "dispatch_fanout",
		"notification_id": n.ID,
	})

	var mu sync.Mutex
	reports := make(map[string]Report, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	for _, channel := range channels {
		channel := channel
		g.Go(func() error {
			var report Report
			if s := d.sender(channel); s != nil {
				report = s.Deliver(gctx, n, prefs)
			} else {
				report = Report{Outcome: OutcomeFailed, Reason: "no-sender"}
			}

			if err := d.repo.CreateDelivery(ctx, &Delivery{
				NotificationID: n.ID,
				Channel:        channel,
				Outcome:        report.Outcome,
				Error:          report.ErrorText(),
			}); err != nil {
				logger.WithError(err).WithField("channel", channel).Error("Failed to record delivery outcome")
			}

			mu.Lock()
			reports[channel] = report
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// reduce derives the final status: any successful channel advances the
// notification to delivered (the first success in caller order becomes
// the primary channel); all failures mark it failed.
func (d *Dispatcher) reduce(ctx context.Context, n *Notification, channels []string, reports map[string]Report) (*Notification, error) {
	now := d.now()

	primary := ""
	for _, c := range channels {
		if reports[c].Outcome.Success() {
			primary = c
			break
		}
	}

	if primary != "" {
		if err := d.repo.MarkDelivered(ctx, n.ID, primary, now); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return nil, apperrors.NewTransientError("mark delivered", err)
		}
	} else {
		if err := d.repo.MarkFailed(ctx, n.ID, now); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return nil, apperrors.NewTransientError("mark failed", err)
		}
	}

	updated, err := d.repo.GetByID(ctx, n.ID)
	if err != nil {
		return nil, apperrors.NewTransientError("reload notification", err)
	}
	return updated, nil
}

// schedule enqueues the request on the scheduled-notifications queue.
// The broker caps the delay; the scheduler re-enqueues anything whose
// horizon is longer.
func (d *Dispatcher) schedule(ctx context.Context, req Request, at time.Time) (*Notification, error) {
	req.ScheduledFor = &at

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewInternalError("encode scheduled request", err)
	}
	if _, err := d.queue.Send(ctx, broker.QueueScheduled, body, at.Sub(d.now())); err != nil {
		return nil, apperrors.NewTransientError("enqueue scheduled notification", err)
	}

	// Nothing is persisted yet: preferences are re-evaluated when the
	// request becomes due.
	return &Notification{
		UserID:    req.UserID,
		Type:      req.Type,
		Status:    StatusPending,
		Priority:  req.Priority,
		Title:     req.Title,
		Message:   req.Message,
		Data:      req.Data,
		Actions:   req.Actions,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: d.now(),
	}, nil
}

// ProcessScheduled handles one message from the scheduled queue. When
// the request's scheduled-for is still in the future (the broker capped
// the original delay), it reports the remaining gap so the caller can
// re-enqueue; otherwise the request re-enters the normal dispatch path,
// re-evaluating preferences as of now.
func (d *Dispatcher) ProcessScheduled(ctx context.Context, body []byte) (requeue time.Duration, err error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, apperrors.NewPermanentError("decode scheduled request", err)
	}

	now := d.now()
	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		return req.ScheduledFor.Sub(now), nil
	}

	req.ScheduledFor = nil
	if _, err := d.Send(ctx, req); err != nil {
		return 0, err
	}
	return 0, nil
}

// SendBatch creates a batch record, shards the user list into chunks
// and enqueues each chunk on the jobs queue. Workers draining the
// chunks invoke Send per user and update the batch stats atomically.
func (d *Dispatcher) SendBatch(ctx context.Context, userIDs []string, template string, data Data, opts BatchOptions) (*Batch, error) {
	if template == "" {
		return nil, apperrors.NewValidationError("template", "template is required")
	}
	if len(userIDs) == 0 {
		return nil, apperrors.NewValidationError("user_ids", "at least one user is required")
	}

	b := &Batch{Template: template, Total: len(userIDs)}
	if err := d.repo.CreateBatch(ctx, b); err != nil {
		return nil, apperrors.NewTransientError("create batch", err)
	}

	channels := opts.Channels
	if len(channels) == 0 {
		channels = KnownChannels
	}

	for start := 0; start < len(userIDs); start += BatchChunkSize {
		end := start + BatchChunkSize
		if end > len(userIDs) {
			end = len(userIDs)
		}

		job := batchJob{
			BatchID:  b.ID,
			Template: template,
			UserIDs:  userIDs[start:end],
			Title:    opts.Title,
			Message:  opts.Message,
			Data:     data,
			Priority: opts.Priority,
			Channels: channels,
		}
		body, err := json.Marshal(job)
		if err != nil {
			return nil, apperrors.NewInternalError("encode batch job", err)
		}
		if _, err := d.queue.Send(ctx, broker.QueueJobs, body, 0); err != nil {
			return nil, apperrors.NewTransientError("enqueue batch chunk", err)
		}
	}
	return b, nil
}

// MarkRead advances a notification to read and tells the user's other
// devices. Only the owner may mark their notification read.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, notificationID string) (*Notification, error) {
	n, err := d.repo.GetByID(ctx, notificationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.NewNotFoundError("notification")
		}
		return nil, apperrors.NewTransientError("load notification", err)
	}
	if n.UserID != userID {
		return nil, apperrors.NewAuthorizationError("notification belongs to another user")
	}

	readAt := d.now()
	if err := d.repo.MarkRead(ctx, notificationID, readAt); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, apperrors.NewConflictError(
				fmt.Sprintf("notification is %s, only delivered notifications can be read", n.Status))
		}
		return nil, apperrors.NewTransientError("mark read", err)
	}

	if d.readers != nil {
		d.readers.PublishRead(ctx, userID, notificationID, readAt)
	}

	return d.repo.GetByID(ctx, notificationID)
}

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jotbook/realtime/internal/broker"
	"github.com/jotbook/realtime/internal/clock"
	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/interfaces"
	"github.com/jotbook/realtime/internal/preference"
	"github.com/jotbook/realtime/internal/telemetry"
)

// MailTimeout bounds one mail provider call made by the email worker.
const MailTimeout = 10 * time.Second

// receiveWait is how long one Receive call blocks before the consumer
// loop re-checks its stop channel.
const receiveWait = time.Second

// receiveBatch is how many messages one Receive call claims at most.
const receiveBatch = 10

// Worker drains the notification queues: mail jobs enqueued by the
// asynchronous email channel, batch chunks, and scheduled requests that
// have come due. Transient failures are nacked so the broker redelivers
// them and eventually parks them on the dead-letter queue.
type Worker struct {
	queue      Queue
	repo       Repository
	dispatcher *Dispatcher
	directory  interfaces.UserDirectory
	mail       interfaces.MailGateway
	renderer   *Renderer
	mailFrom   string

	mailConsumers int

	logger *telemetry.Logger
	now    clock.NowFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates the queue worker. mailConsumers controls how many
// goroutines drain the email queue; values below one are raised to one.
func NewWorker(queue Queue, repo Repository, dispatcher *Dispatcher, directory interfaces.UserDirectory, mail interfaces.MailGateway, renderer *Renderer, mailFrom string, mailConsumers int, logger *telemetry.Logger) *Worker {
	if mailConsumers < 1 {
		mailConsumers = 1
	}
	return &Worker{
		queue:         queue,
		repo:          repo,
		dispatcher:    dispatcher,
		directory:     directory,
		mail:          mail,
		renderer:      renderer,
		mailFrom:      mailFrom,
		mailConsumers: mailConsumers,
		logger:        logger,
		now:           clock.Now,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the consumer goroutines.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.mailConsumers; i++ {
		id := fmt.Sprintf("mail-%s", uuid.NewString()[:8])
		w.wg.Add(1)
		go w.consume(ctx, id, broker.QueueEmail, w.processMail)
	}

	w.wg.Add(1)
	go w.consume(ctx, fmt.Sprintf("jobs-%s", uuid.NewString()[:8]), broker.QueueJobs, w.processBatchChunk)

	w.wg.Add(1)
	go w.consume(ctx, fmt.Sprintf("sched-%s", uuid.NewString()[:8]), broker.QueueScheduled, w.processScheduled)

	w.logger.WithField("mail_consumers", w.mailConsumers).Info("Notification workers started")
}

// Stop signals the consumers and waits for in-flight messages to
// finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("Notification workers stopped")
}

func (w *Worker) consume(ctx context.Context, workerID, queue string, handle func(context.Context, *broker.Message) error) {
	defer w.wg.Done()

	logger := w.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"worker_id": workerID,
		"queue":     queue,
	})
	logger.Debug("Consumer started")

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := w.queue.Receive(ctx, queue, receiveBatch, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Receive failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-w.stopCh:
				return
			}
			continue
		}

		for _, msg := range msgs {
			w.handleMessage(ctx, logger, msg, handle)
		}
	}
}

// handleMessage settles one message: permanent errors are acked away
// (redelivery cannot help), anything else is nacked for retry.
func (w *Worker) handleMessage(ctx context.Context, logger *telemetry.ContextualLogger, msg *broker.Message, handle func(context.Context, *broker.Message) error) {
	err := handle(ctx, msg)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, msg); ackErr != nil {
			logger.WithError(ackErr).WithField("message_id", msg.ID).Warn("Ack failed")
		}
		return
	}

	if !apperrors.IsRetryable(err) {
		logger.WithError(err).WithFields(map[string]interface{}{
			"message_id":     msg.ID,
			"delivery_count": msg.DeliveryCount,
		}).Error("Dropping message, error is not retryable")
		if ackErr := w.queue.Ack(ctx, msg); ackErr != nil {
			logger.WithError(ackErr).WithField("message_id", msg.ID).Warn("Ack failed")
		}
		return
	}

	logger.WithError(err).WithFields(map[string]interface{}{
		"message_id":     msg.ID,
		"delivery_count": msg.DeliveryCount,
	}).Warn("Processing failed, requeueing")
	if nackErr := w.queue.Nack(ctx, msg, err); nackErr != nil {
		logger.WithError(nackErr).WithField("message_id", msg.ID).Warn("Nack failed")
	}
}

// processMail performs the actual provider call for one mail job. The
// notification is reloaded by id so redeliveries observe current state.
func (w *Worker) processMail(ctx context.Context, msg *broker.Message) error {
	var job mailJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return apperrors.NewPermanentError("decode mail job", err)
	}

	n, err := w.repo.GetByID(ctx, job.NotificationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Retention may have pruned it since the job was enqueued.
			return apperrors.NewPermanentError("load notification", err)
		}
		return apperrors.NewTransientError("load notification", err)
	}

	if n.ExpiresAt != nil && n.ExpiresAt.Before(w.now()) {
		return apperrors.NewPermanentError("mail delivery",
			fmt.Errorf("notification %s expired at %s", n.ID, n.ExpiresAt.Format(time.RFC3339)))
	}

	contact, err := w.directory.Contact(ctx, n.UserID)
	if err != nil {
		if apperrors.IsRetryable(err) {
			return apperrors.NewTransientError("resolve contact", err)
		}
		w.recordMailOutcome(ctx, n, OutcomeFailed, err)
		return apperrors.NewPermanentError("resolve contact", err)
	}
	if contact.Email == "" {
		err := fmt.Errorf("user %s has no email address", n.UserID)
		w.recordMailOutcome(ctx, n, OutcomeFailed, err)
		return apperrors.NewPermanentError("resolve contact", err)
	}

	rendered, err := w.renderer.Render(n, preference.ChannelEmail)
	if err != nil {
		w.recordMailOutcome(ctx, n, OutcomeFailed, err)
		return apperrors.NewPermanentError("render mail", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, MailTimeout)
	defer cancel()

	err = w.mail.Send(callCtx, interfaces.MailMessage{
		To:       contact.Email,
		From:     w.mailFrom,
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
		TextBody: rendered.TextBody,
	})
	if err != nil {
		if apperrors.IsRetryable(err) {
			// Redelivery with backoff; the dead-letter queue catches
			// jobs that exhaust their attempts.
			return err
		}
		w.recordMailOutcome(ctx, n, OutcomeBounced, err)
		return apperrors.NewPermanentError("mail provider", err)
	}

	w.recordMailOutcome(ctx, n, OutcomeDelivered, nil)
	if err := w.repo.MarkDelivered(ctx, n.ID, preference.ChannelEmail, w.now()); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return apperrors.NewTransientError("mark delivered", err)
	}
	return nil
}

func (w *Worker) recordMailOutcome(ctx context.Context, n *Notification, outcome Outcome, cause error) {
	var errText *string
	if cause != nil {
		errText = Ptr(cause.Error())
	}
	if err := w.repo.CreateDelivery(ctx, &Delivery{
		NotificationID: n.ID,
		Channel:        preference.ChannelEmail,
		Outcome:        outcome,
		Error:          errText,
	}); err != nil {
		w.logger.WithError(err).WithField("notification_id", n.ID).Error("Failed to record mail delivery outcome")
	}
}

// processBatchChunk dispatches one shard of a batch. Per-user failures
// are counted, not retried: the chunk is settled in one pass so batch
// stats stay accurate.
func (w *Worker) processBatchChunk(ctx context.Context, msg *broker.Message) error {
	var job batchJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return apperrors.NewPermanentError("decode batch job", err)
	}

	logger := w.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"batch_id": job.BatchID,
		"users":    len(job.UserIDs),
	})

	priority := job.Priority
	if priority == "" {
		priority = PriorityMedium
	}

	var sent, delivered, failed int
	for _, userID := range job.UserIDs {
		key := job.BatchID + ":" + userID
		n, err := w.dispatcher.Send(ctx, Request{
			UserID:         userID,
			Type:           job.Template,
			Channels:       job.Channels,
			Priority:       priority,
			Title:          job.Title,
			Message:        job.Message,
			Data:           job.Data,
			IdempotencyKey: &key,
		})
		if err != nil {
			failed++
			logger.WithError(err).WithField("user_id", userID).Warn("Batch dispatch failed for user")
			continue
		}
		// Each user lands in exactly one of sent or failed so the batch
		// totals reconcile: sent + failed == total once every chunk has
		// settled.
		switch n.Status {
		case StatusFailed:
			failed++
		case StatusDelivered, StatusRead:
			sent++
			delivered++
		default:
			sent++
		}
	}

	if err := w.repo.IncrementBatchStats(ctx, job.BatchID, sent, delivered, failed, 0); err != nil {
		logger.WithError(err).Error("Failed to update batch stats")
	}
	logger.WithFields(map[string]interface{}{
		"sent":      sent,
		"delivered": delivered,
		"failed":    failed,
	}).Info("Batch chunk processed")
	return nil
}

// processScheduled settles one deferred request. Requests whose horizon
// exceeded the broker's maximum delay come back early and are pushed
// out again for the remaining gap.
func (w *Worker) processScheduled(ctx context.Context, msg *broker.Message) error {
	requeue, err := w.dispatcher.ProcessScheduled(ctx, msg.Body)
	if err != nil {
		return err
	}
	if requeue > 0 {
		if _, err := w.queue.Send(ctx, broker.QueueScheduled, msg.Body, requeue); err != nil {
			return apperrors.NewTransientError("re-enqueue scheduled notification", err)
		}
	}
	return nil
}

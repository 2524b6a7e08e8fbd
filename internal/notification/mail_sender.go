package notification

import (
	"context"
	"encoding/json"

	"github.com/jotbook/realtime/internal/broker"
	"github.com/jotbook/realtime/internal/preference"
)

// mailJob is the body of a message on the email queue. The worker
// reloads the notification by id so the job survives restarts and stays
// idempotent under redelivery.
type mailJob struct {
	NotificationID string `json:"notification_id"`
}

// MailSender is the asynchronous channel: delivery means submitting a
// job to the email queue. The mail worker performs the provider call
// and writes the terminal delivery-log entry.
type MailSender struct {
	queue Queue
}

// NewMailSender creates the mail channel sender.
func NewMailSender(queue Queue) *MailSender {
	return &MailSender{queue: queue}
}

// Channel returns the channel this sender handles.
func (s *MailSender) Channel() string {
	return preference.ChannelEmail
}

// Deliver enqueues a mail job. Outcome sent means accepted for
// asynchronous delivery, not that the provider has the message yet.
func (s *MailSender) Deliver(ctx context.Context, n *Notification, _ preference.Preferences) Report {
	body, err := json.Marshal(mailJob{NotificationID: n.ID})
	if err != nil {
		return Report{Outcome: OutcomeFailed, Reason: "encode", Err: err}
	}
	if _, err := s.queue.Send(ctx, broker.QueueEmail, body, 0); err != nil {
		return Report{Outcome: OutcomeFailed, Reason: "enqueue", Err: err}
	}
	return Report{Outcome: OutcomeSent}
}

package notification

import (
	"context"

	"github.com/jotbook/realtime/internal/preference"
)

// LivePublisher pushes a notification onto every open session of a
// user. The connection registry implements it; the indirection keeps
// this package free of transport concerns.
type LivePublisher interface {
	// PublishNotification returns how many sessions accepted the
	// message synchronously. Zero with no error means the user has no
	// usable sessions.
	PublishNotification(ctx context.Context, userID string, n *Notification) int
}

// LiveSender delivers over the in-app channel via the connection
// registry.
type LiveSender struct {
	publisher LivePublisher
}

// NewLiveSender creates the in-app channel sender.
func NewLiveSender(publisher LivePublisher) *LiveSender {
	return &LiveSender{publisher: publisher}
}

// Channel returns the channel this sender handles.
func (s *LiveSender) Channel() string {
	return preference.ChannelInApp
}

// Deliver writes the notification to every open session of the user.
// Re-sending the same notification id only repeats an envelope the
// client deduplicates by id, so retries are safe.
func (s *LiveSender) Deliver(ctx context.Context, n *Notification, _ preference.Preferences) Report {
	accepted := s.publisher.PublishNotification(ctx, n.UserID, n)
	if accepted == 0 {
		return Report{Outcome: OutcomeFailed, Reason: "offline"}
	}
	return Report{Outcome: OutcomeDelivered}
}

package notification

import (
	"context"

	"github.com/jotbook/realtime/internal/preference"
)

// Report is the result of one channel delivery attempt. Reason is a
// short machine token recorded in the delivery log ("offline",
// "no-template", "no-phone-number", ...); Err carries detail.
type Report struct {
	Outcome Outcome
	Reason  string
	Err     error
}

// ErrorText returns the delivery-log error column value, nil on success.
func (r Report) ErrorText() *string {
	if r.Outcome.Success() {
		return nil
	}
	text := r.Reason
	if r.Err != nil {
		if text != "" {
			text += ": "
		}
		text += r.Err.Error()
	}
	if text == "" {
		return nil
	}
	return &text
}

// Sender delivers a notification over one channel. Implementations must
// be idempotent on retry: the same notification id may be delivered
// again after a worker crash or queue redelivery.
type Sender interface {
	// Channel returns the channel this sender handles.
	Channel() string

	// Deliver attempts delivery honoring the user's preferences (the
	// sms sender reads the phone number from them).
	Deliver(ctx context.Context, n *Notification, prefs preference.Preferences) Report
}

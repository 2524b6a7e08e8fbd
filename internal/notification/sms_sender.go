package notification

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/interfaces"
	"github.com/jotbook/realtime/internal/preference"
)

// SMSTimeout bounds one text gateway call.
const SMSTimeout = 5 * time.Second

// SMS message classes. Urgent notifications go out transactional;
// everything else is promotional and subject to the promotional rate
// limit.
const (
	SMSClassTransactional = "transactional"
	SMSClassPromotional   = "promotional"
)

// SMSSender delivers over the text channel.
type SMSSender struct {
	gateway  interfaces.SMSGateway
	renderer *Renderer

	// promoLimiter throttles promotional sends; transactional ones
	// bypass it.
	promoLimiter *rate.Limiter
}

// NewSMSSender creates the text channel sender. promoPerMinute bounds
// promotional throughput; zero or negative disables the limit.
func NewSMSSender(gateway interfaces.SMSGateway, renderer *Renderer, promoPerMinute int) *SMSSender {
	var limiter *rate.Limiter
	if promoPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(promoPerMinute)), promoPerMinute)
	}
	return &SMSSender{gateway: gateway, renderer: renderer, promoLimiter: limiter}
}

// Channel returns the channel this sender handles.
func (s *SMSSender) Channel() string {
	return preference.ChannelSMS
}

// Deliver renders a ≤160-character summary and submits it to the text
// gateway. The phone number comes from the user's sms preferences.
func (s *SMSSender) Deliver(ctx context.Context, n *Notification, prefs preference.Preferences) Report {
	phone := prefs.SMS.PhoneNumber
	if phone == "" {
		return Report{Outcome: OutcomeFailed, Reason: "no-phone-number"}
	}

	rendered, err := s.renderer.Render(n, preference.ChannelSMS)
	if err != nil {
		if _, ok := err.(*ErrNoTemplate); ok {
			return Report{Outcome: OutcomeFailed, Reason: "no-template", Err: err}
		}
		return Report{Outcome: OutcomeFailed, Reason: "render", Err: err}
	}

	class := SMSClassPromotional
	if n.Priority == PriorityUrgent {
		class = SMSClassTransactional
	}

	if class == SMSClassPromotional && s.promoLimiter != nil {
		limitCtx, cancel := context.WithTimeout(ctx, SMSTimeout)
		err := s.promoLimiter.Wait(limitCtx)
		cancel()
		if err != nil {
			return Report{Outcome: OutcomeFailed, Reason: "rate-limited", Err: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, SMSTimeout)
	defer cancel()

	err = s.gateway.Send(callCtx, interfaces.SMSMessage{
		To:    phone,
		Body:  rendered.SMS,
		Class: class,
	})
	if err != nil {
		if apperrors.IsErrorType(err, apperrors.ErrorTypePermanent) {
			return Report{Outcome: OutcomeBounced, Reason: "rejected", Err: err}
		}
		return Report{Outcome: OutcomeFailed, Reason: "gateway", Err: err}
	}
	return Report{Outcome: OutcomeDelivered}
}

package notification

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/interfaces"
	"github.com/jotbook/realtime/internal/preference"
	"github.com/jotbook/realtime/internal/telemetry"
)

// PushTimeout bounds one push gateway call.
const PushTimeout = 5 * time.Second

// PushSender delivers over the push channel: one gateway submission per
// registered device token, outcomes aggregated into a single report.
type PushSender struct {
	tokens   interfaces.DeviceTokenStore
	gateway  interfaces.PushGateway
	renderer *Renderer
}

// NewPushSender creates the push channel sender.
func NewPushSender(tokens interfaces.DeviceTokenStore, gateway interfaces.PushGateway, renderer *Renderer) *PushSender {
	return &PushSender{tokens: tokens, gateway: gateway, renderer: renderer}
}

// Channel returns the channel this sender handles.
func (s *PushSender) Channel() string {
	return preference.ChannelPush
}

// Deliver submits the notification to every registered device token,
// returning delivered iff at least one token succeeded. Tokens the
// gateway rejects permanently are removed from the store.
func (s *PushSender) Deliver(ctx context.Context, n *Notification, _ preference.Preferences) Report {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":       "push_deliver",
		"notification_id": n.ID,
	})

	tokens, err := s.tokens.Tokens(ctx, n.UserID)
	if err != nil {
		return Report{Outcome: OutcomeFailed, Reason: "token-lookup", Err: err}
	}
	if len(tokens) == 0 {
		return Report{Outcome: OutcomeFailed, Reason: "no-device-tokens"}
	}

	rendered, err := s.renderer.Render(n, preference.ChannelPush)
	if err != nil {
		if _, ok := err.(*ErrNoTemplate); ok {
			return Report{Outcome: OutcomeFailed, Reason: "no-template", Err: err}
		}
		return Report{Outcome: OutcomeFailed, Reason: "render", Err: err}
	}

	var (
		mu        sync.Mutex
		succeeded int
		lastErr   error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, tok := range tokens {
		tok := tok
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, PushTimeout)
			defer cancel()

			err := s.gateway.Send(callCtx, interfaces.PushMessage{
				Platform: tok.Platform,
				Token:    tok.Token,
				Title:    rendered.Title,
				Body:     rendered.Body,
				Data:     rendered.Data,
			})

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return nil
			}
			lastErr = err
			if apperrors.IsErrorType(err, apperrors.ErrorTypePermanent) {
				// Dead token; drop it so future sends skip it.
				if rmErr := s.tokens.Remove(ctx, n.UserID, tok.Platform, tok.Token); rmErr != nil {
					logger.WithError(rmErr).Warn("Failed to remove dead device token")
				}
			}
			// Per-token failures never abort the other submissions.
			return nil
		})
	}
	_ = g.Wait()

	if succeeded == 0 {
		return Report{Outcome: OutcomeFailed, Reason: "all-tokens-failed", Err: lastErr}
	}
	logger.WithField("tokens_delivered", succeeded).Debug("Push delivered")
	return Report{Outcome: OutcomeDelivered}
}

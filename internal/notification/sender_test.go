package notification

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jotbook/realtime/internal/broker"
	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/interfaces"
	"github.com/jotbook/realtime/internal/preference"
)

type stubLivePublisher struct {
	accepted int
	calls    int
}

func (p *stubLivePublisher) PublishNotification(context.Context, string, *Notification) int {
	p.calls++
	return p.accepted
}

func TestLiveSender(t *testing.T) {
	n := &Notification{ID: "n-1", UserID: "user-1", Type: TypeMention, Message: "hi"}

	online := &stubLivePublisher{accepted: 2}
	report := NewLiveSender(online).Deliver(context.Background(), n, preference.Preferences{})
	assert.Equal(t, OutcomeDelivered, report.Outcome)

	offline := &stubLivePublisher{accepted: 0}
	report = NewLiveSender(offline).Deliver(context.Background(), n, preference.Preferences{})
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, "offline", report.Reason)
}

func TestMailSenderEnqueues(t *testing.T) {
	q := &memQueue{}
	n := &Notification{ID: "n-1", UserID: "user-1", Type: TypeSystem}

	report := NewMailSender(q).Deliver(context.Background(), n, preference.Preferences{})
	assert.Equal(t, OutcomeSent, report.Outcome, "mail is asynchronous: accepted, not yet delivered")

	enqueued := q.sentTo(broker.QueueEmail)
	require.Len(t, enqueued, 1)

	var job mailJob
	require.NoError(t, json.Unmarshal(enqueued[0].body, &job))
	assert.Equal(t, "n-1", job.NotificationID)
}

type stubPushGateway struct {
	mu     sync.Mutex
	sent   []interfaces.PushMessage
	errFor map[string]error
}

func (g *stubPushGateway) Send(_ context.Context, msg interfaces.PushMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.errFor[msg.Token]; ok {
		return err
	}
	g.sent = append(g.sent, msg)
	return nil
}

type stubTokenStore struct {
	mu      sync.Mutex
	tokens  []interfaces.DeviceToken
	removed []string
	err     error
}

func (s *stubTokenStore) Tokens(context.Context, string) ([]interfaces.DeviceToken, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tokens, nil
}

func (s *stubTokenStore) Remove(_ context.Context, _ string, _ string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, token)
	return nil
}

func TestPushSenderFansOutTokens(t *testing.T) {
	tokens := &stubTokenStore{tokens: []interfaces.DeviceToken{
		{Platform: "ios", Token: "tok-1"},
		{Platform: "android", Token: "tok-2"},
	}}
	gateway := &stubPushGateway{}
	sender := NewPushSender(tokens, gateway, NewRenderer())

	n := &Notification{ID: "n-1", UserID: "user-1", Type: TypeMention, Title: "Mention", Message: "hi"}
	report := sender.Deliver(context.Background(), n, preference.Preferences{})

	assert.Equal(t, OutcomeDelivered, report.Outcome)
	assert.Len(t, gateway.sent, 2)
	for _, msg := range gateway.sent {
		assert.Equal(t, "Mention", msg.Title)
		assert.Equal(t, "n-1", msg.Data["notification_id"])
	}
}

func TestPushSenderRemovesDeadTokens(t *testing.T) {
	tokens := &stubTokenStore{tokens: []interfaces.DeviceToken{
		{Platform: "ios", Token: "dead"},
		{Platform: "android", Token: "alive"},
	}}
	gateway := &stubPushGateway{errFor: map[string]error{
		"dead": apperrors.NewPermanentError("push", assert.AnError),
	}}
	sender := NewPushSender(tokens, gateway, NewRenderer())

	n := &Notification{ID: "n-1", UserID: "user-1", Type: TypeMention, Title: "T", Message: "m"}
	report := sender.Deliver(context.Background(), n, preference.Preferences{})

	assert.Equal(t, OutcomeDelivered, report.Outcome, "one live token is enough")
	assert.Equal(t, []string{"dead"}, tokens.removed)
}

func TestPushSenderAllTokensFail(t *testing.T) {
	tokens := &stubTokenStore{tokens: []interfaces.DeviceToken{{Platform: "ios", Token: "tok-1"}}}
	gateway := &stubPushGateway{errFor: map[string]error{
		"tok-1": apperrors.NewTransientError("push", assert.AnError),
	}}
	sender := NewPushSender(tokens, gateway, NewRenderer())

	n := &Notification{ID: "n-1", UserID: "user-1", Type: TypeMention, Title: "T", Message: "m"}
	report := sender.Deliver(context.Background(), n, preference.Preferences{})

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, "all-tokens-failed", report.Reason)
	assert.Empty(t, tokens.removed, "transient failures keep the token")
}

func TestPushSenderNoTokens(t *testing.T) {
	sender := NewPushSender(&stubTokenStore{}, &stubPushGateway{}, NewRenderer())

	n := &Notification{ID: "n-1", UserID: "user-1", Type: TypeMention, Message: "m"}
	report := sender.Deliver(context.Background(), n, preference.Preferences{})

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, "no-device-tokens", report.Reason)
}

type stubSMSGateway struct {
	mu   sync.Mutex
	sent []interfaces.SMSMessage
	err  error
}

func (g *stubSMSGateway) Send(_ context.Context, msg interfaces.SMSMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, msg)
	return nil
}

func TestSMSSenderDelivers(t *testing.T) {
	gateway := &stubSMSGateway{}
	sender := NewSMSSender(gateway, NewRenderer(), 0)

	n := &Notification{ID: "n-1", UserID: "user-1", Type: TypeSecurityAlert, Message: "new login"}
	report := sender.Deliver(context.Background(), n, allChannelPrefs())

	require.Equal(t, OutcomeDelivered, report.Outcome)
	require.Len(t, gateway.sent, 1)
	msg := gateway.sent[0]
	assert.Equal(t, "+15550100", msg.To)
	assert.Equal(t, SMSClassPromotional, msg.Class)
	assert.Equal(t, "Security alert: new login", msg.Body)
	assert.LessOrEqual(t, len([]rune(msg.Body)), SMSMaxLength)
}

func TestSMSSenderUrgentIsTransactional(t *testing.T) {
	gateway := &stubSMSGateway{}
	sender := NewSMSSender(gateway, NewRenderer(), 0)

	n := &Notification{ID: "n-1", UserID: "user-1", Type: TypeSecurityAlert, Priority: PriorityUrgent, Message: "act now"}
	report := sender.Deliver(context.Background(), n, allChannelPrefs())

	require.Equal(t, OutcomeDelivered, report.Outcome)
	require.Len(t, gateway.sent, 1)
	assert.Equal(t, SMSClassTransactional, gateway.sent[0].Class)
}

func TestSMSSenderNoPhoneNumber(t *testing.T) {
	sender := NewSMSSender(&stubSMSGateway{}, NewRenderer(), 0)

	n := &Notification{ID: "n-1", UserID: "user-1", Type: TypeSystem, Message: "hi"}
	report := sender.Deliver(context.Background(), n, preference.Preferences{})

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, "no-phone-number", report.Reason)
}

func TestSMSSenderBouncesOnRejection(t *testing.T) {
	gateway := &stubSMSGateway{err: apperrors.NewPermanentError("sms", assert.AnError)}
	sender := NewSMSSender(gateway, NewRenderer(), 0)

	n := &Notification{ID: "n-1", UserID: "user-1", Type: TypeSystem, Message: "hi"}
	report := sender.Deliver(context.Background(), n, allChannelPrefs())

	assert.Equal(t, OutcomeBounced, report.Outcome)
	assert.Equal(t, "rejected", report.Reason)
}

func TestSMSSenderTruncatesLongMessages(t *testing.T) {
	gateway := &stubSMSGateway{}
	sender := NewSMSSender(gateway, NewRenderer(), 0)

	n := &Notification{ID: "n-1", UserID: "user-1", Type: TypeSystem, Message: strings.Repeat("x", 500)}
	report := sender.Deliver(context.Background(), n, allChannelPrefs())

	require.Equal(t, OutcomeDelivered, report.Outcome)
	require.Len(t, gateway.sent, 1)
	assert.LessOrEqual(t, len([]rune(gateway.sent[0].Body)), SMSMaxLength)
}

package notification

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jotbook/realtime/internal/preference"
)

func TestRendererInAppNeverFails(t *testing.T) {
	r := NewRenderer()

	n := &Notification{
		ID:      "n-1",
		Type:    "completely-unknown-type",
		Title:   "Hello",
		Message: "World",
		Data:    Data{"count": 3},
	}

	out, err := r.Render(n, preference.ChannelInApp)
	require.NoError(t, err)
	assert.Equal(t, "Hello", out.Title)
	assert.Equal(t, "World", out.Body)
	assert.Equal(t, "3", out.Data["count"])
}

func TestRendererBuiltinsCoverAllTypes(t *testing.T) {
	r := NewRenderer()

	types := []string{
		TypeSecurityAlert, TypePasswordExpiry, TypeBackupFailed,
		TypeEntryReminder, TypeMention, TypeDailyDigest, TypeSystem,
	}
	channels := []string{preference.ChannelEmail, preference.ChannelPush, preference.ChannelSMS}

	for _, notifType := range types {
		n := &Notification{ID: "n-1", Type: notifType, Title: "Title", Message: "Message"}
		for _, channel := range channels {
			_, err := r.Render(n, channel)
			assert.NoError(t, err, "type %s channel %s", notifType, channel)
		}
	}
}

func TestRendererMail(t *testing.T) {
	r := NewRenderer()

	n := &Notification{
		ID:      "n-1",
		Type:    TypeSecurityAlert,
		Title:   "New login",
		Message: "A new device signed in from Lisbon",
	}

	out, err := r.Render(n, preference.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "Security alert: New login", out.Subject)
	assert.Contains(t, out.HTMLBody, "<h2>New login</h2>")
	assert.Contains(t, out.HTMLBody, "A new device signed in from Lisbon")
	assert.Contains(t, out.TextBody, "A new device signed in from Lisbon")
}

func TestRendererMailEscapesHTML(t *testing.T) {
	r := NewRenderer()

	n := &Notification{
		ID:      "n-1",
		Type:    TypeSystem,
		Title:   "Notice",
		Message: `<script>alert("x")</script>`,
	}

	out, err := r.Render(n, preference.ChannelEmail)
	require.NoError(t, err)
	assert.NotContains(t, out.HTMLBody, "<script>")
	assert.Contains(t, out.HTMLBody, "&lt;script&gt;")
}

func TestRendererPushCarriesNotificationData(t *testing.T) {
	r := NewRenderer()

	n := &Notification{
		ID:      "n-1",
		Type:    TypeMention,
		Title:   "Mention",
		Message: "Dana mentioned you",
		Data:    Data{"entry_id": "e-9"},
	}

	out, err := r.Render(n, preference.ChannelPush)
	require.NoError(t, err)
	assert.Equal(t, "Mention", out.Title)
	assert.Equal(t, "Dana mentioned you", out.Body)
	assert.Equal(t, "n-1", out.Data["notification_id"])
	assert.Equal(t, TypeMention, out.Data["type"])
	assert.Equal(t, "e-9", out.Data["entry_id"])
}

func TestRendererSMSTruncation(t *testing.T) {
	r := NewRenderer()

	n := &Notification{
		ID:      "n-1",
		Type:    TypeSystem,
		Message: strings.Repeat("ä", 400),
	}

	out, err := r.Render(n, preference.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, SMSMaxLength, utf8.RuneCountInString(out.SMS))
	assert.True(t, strings.HasSuffix(out.SMS, "…"))

	short := &Notification{ID: "n-2", Type: TypeSystem, Message: "short"}
	out, err = r.Render(short, preference.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, "short", out.SMS)
}

func TestRendererMissingTemplate(t *testing.T) {
	r := NewRenderer()
	n := &Notification{ID: "n-1", Type: "custom-type", Message: "hi"}

	for _, channel := range []string{preference.ChannelEmail, preference.ChannelPush, preference.ChannelSMS} {
		_, err := r.Render(n, channel)
		var missing *ErrNoTemplate
		require.ErrorAs(t, err, &missing, "channel %s", channel)
		assert.Equal(t, "custom-type", missing.Type)
		assert.Equal(t, channel, missing.Channel)
	}
}

func TestRendererRegistrationOverrides(t *testing.T) {
	r := NewRenderer()

	require.NoError(t, r.RegisterSMS("custom-type", "custom: {{.Message}}"))
	require.NoError(t, r.RegisterMail("custom-type", "S: {{.Title}}", "<p>{{.Message}}</p>", "{{.Message}}"))
	require.NoError(t, r.RegisterPush("custom-type", "{{.Title}}!"))

	n := &Notification{ID: "n-1", Type: "custom-type", Title: "T", Message: "M"}

	sms, err := r.Render(n, preference.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, "custom: M", sms.SMS)

	mail, err := r.Render(n, preference.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "S: T", mail.Subject)

	push, err := r.Render(n, preference.ChannelPush)
	require.NoError(t, err)
	assert.Equal(t, "T!", push.Body)
}

func TestRendererRejectsBadTemplates(t *testing.T) {
	r := NewRenderer()
	assert.Error(t, r.RegisterSMS("x", "{{.Broken"))
	assert.Error(t, r.RegisterPush("x", "{{.Broken"))
	assert.Error(t, r.RegisterMail("x", "{{.Broken", "ok", "ok"))
}

package notification

import (
	"bytes"
	"fmt"
	html "html/template"
	"strings"
	"sync"
	text "text/template"
	"unicode/utf8"

	"github.com/jotbook/realtime/internal/preference"
)

// SMSMaxLength is the hard size bound of a rendered text message.
const SMSMaxLength = 160

// ErrNoTemplate reports a missing (type, channel) template pair. The
// dispatcher treats it as recoverable: the channel is skipped with a
// failed delivery-log entry, reason no-template.
type ErrNoTemplate struct {
	Type    string
	Channel string
}

func (e *ErrNoTemplate) Error() string {
	return fmt.Sprintf("no template registered for (%s, %s)", e.Type, e.Channel)
}

// Rendered is the channel payload produced by the renderer. Only the
// fields relevant to the rendered channel are set.
type Rendered struct {
	// Mail
	Subject  string
	HTMLBody string
	TextBody string

	// Push and in-app
	Title string
	Body  string
	Data  map[string]string

	// SMS, at most SMSMaxLength characters
	SMS string
}

// templateInput is what every template executes against.
type templateInput struct {
	Title   string
	Message string
	Data    Data
	Actions Actions
}

type mailTemplate struct {
	subject *text.Template
	htmlT   *html.Template
	textT   *text.Template
}

// Renderer holds the (type, channel) template registry. Rendering is
// deterministic and side-effect-free; registration is expected at
// start-up but is safe at any time.
type Renderer struct {
	mu   sync.RWMutex
	mail map[string]*mailTemplate
	text map[string]*text.Template // per-type SMS body
	push map[string]*text.Template // per-type push body
}

// NewRenderer returns a renderer preloaded with the built-in templates
// for the default notification types.
func NewRenderer() *Renderer {
	r := &Renderer{
		mail: make(map[string]*mailTemplate),
		text: make(map[string]*text.Template),
		push: make(map[string]*text.Template),
	}
	r.registerBuiltins()
	return r
}

// RegisterMail adds or replaces the mail template for a type.
func (r *Renderer) RegisterMail(notifType, subject, htmlBody, textBody string) error {
	st, err := text.New(notifType + ":subject").Parse(subject)
	if err != nil {
		return fmt.Errorf("bad subject template for %s: %w", notifType, err)
	}
	ht, err := html.New(notifType + ":html").Parse(htmlBody)
	if err != nil {
		return fmt.Errorf("bad html template for %s: %w", notifType, err)
	}
	tt, err := text.New(notifType + ":text").Parse(textBody)
	if err != nil {
		return fmt.Errorf("bad text template for %s: %w", notifType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.mail[notifType] = &mailTemplate{subject: st, htmlT: ht, textT: tt}
	return nil
}

// RegisterSMS adds or replaces the sms template for a type.
func (r *Renderer) RegisterSMS(notifType, body string) error {
	t, err := text.New(notifType + ":sms").Parse(body)
	if err != nil {
		return fmt.Errorf("bad sms template for %s: %w", notifType, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text[notifType] = t
	return nil
}

// RegisterPush adds or replaces the push body template for a type.
func (r *Renderer) RegisterPush(notifType, body string) error {
	t, err := text.New(notifType + ":push").Parse(body)
	if err != nil {
		return fmt.Errorf("bad push template for %s: %w", notifType, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push[notifType] = t
	return nil
}

// Render produces the payload for one (notification, channel) pair.
func (r *Renderer) Render(n *Notification, channel string) (*Rendered, error) {
	in := templateInput{Title: n.Title, Message: n.Message, Data: n.Data, Actions: n.Actions}

	switch channel {
	case preference.ChannelInApp:
		// The in-app payload is the notification itself; no template
		// lookup can fail here.
		data := make(map[string]string, len(n.Data))
		for k, v := range n.Data {
			data[k] = fmt.Sprint(v)
		}
		return &Rendered{Title: n.Title, Body: n.Message, Data: data}, nil

	case preference.ChannelEmail:
		r.mu.RLock()
		mt := r.mail[n.Type]
		r.mu.RUnlock()
		if mt == nil {
			return nil, &ErrNoTemplate{Type: n.Type, Channel: channel}
		}
		subject, err := execText(mt.subject, in)
		if err != nil {
			return nil, err
		}
		htmlBody, err := execHTML(mt.htmlT, in)
		if err != nil {
			return nil, err
		}
		textBody, err := execText(mt.textT, in)
		if err != nil {
			return nil, err
		}
		return &Rendered{Subject: subject, HTMLBody: htmlBody, TextBody: textBody}, nil

	case preference.ChannelPush:
		r.mu.RLock()
		pt := r.push[n.Type]
		r.mu.RUnlock()
		if pt == nil {
			return nil, &ErrNoTemplate{Type: n.Type, Channel: channel}
		}
		body, err := execText(pt, in)
		if err != nil {
			return nil, err
		}
		data := map[string]string{"notification_id": n.ID, "type": n.Type}
		for k, v := range n.Data {
			data[k] = fmt.Sprint(v)
		}
		return &Rendered{Title: n.Title, Body: body, Data: data}, nil

	case preference.ChannelSMS:
		r.mu.RLock()
		st := r.text[n.Type]
		r.mu.RUnlock()
		if st == nil {
			return nil, &ErrNoTemplate{Type: n.Type, Channel: channel}
		}
		body, err := execText(st, in)
		if err != nil {
			return nil, err
		}
		return &Rendered{SMS: truncateSMS(body)}, nil

	default:
		return nil, &ErrNoTemplate{Type: n.Type, Channel: channel}
	}
}

func execText(t *text.Template, in templateInput) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func execHTML(t *html.Template, in templateInput) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// truncateSMS bounds a message at SMSMaxLength characters, replacing
// the tail with an ellipsis when it does not fit.
func truncateSMS(s string) string {
	if utf8.RuneCountInString(s) <= SMSMaxLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:SMSMaxLength-1]) + "…"
}

// registerBuiltins loads the templates for the default notification
// types. Registration of literal templates cannot fail.
func (r *Renderer) registerBuiltins() {
	type builtin struct {
		notifType string
		subject   string
		htmlBody  string
		textBody  string
		sms       string
		push      string
	}

	builtins := []builtin{
		{
			notifType: TypeSecurityAlert,
			subject:   "Security alert: {{.Title}}",
			htmlBody:  `<h2>{{.Title}}</h2><p>{{.Message}}</p><p>If this wasn't you, change your password immediately.</p>`,
			textBody:  "{{.Title}}\n\n{{.Message}}\n\nIf this wasn't you, change your password immediately.",
			sms:       "Security alert: {{.Message}}",
			push:      "{{.Message}}",
		},
		{
			notifType: TypePasswordExpiry,
			subject:   "Your password is expiring",
			htmlBody:  `<p>{{.Message}}</p>`,
			textBody:  "{{.Message}}",
			sms:       "{{.Message}}",
			push:      "{{.Message}}",
		},
		{
			notifType: TypeBackupFailed,
			subject:   "Journal backup failed",
			htmlBody:  `<p>{{.Message}}</p><p>Your entries are safe, but the latest backup did not complete.</p>`,
			textBody:  "{{.Message}}\n\nYour entries are safe, but the latest backup did not complete.",
			sms:       "Backup failed: {{.Message}}",
			push:      "{{.Message}}",
		},
		{
			notifType: TypeEntryReminder,
			subject:   "{{.Title}}",
			htmlBody:  `<p>{{.Message}}</p>`,
			textBody:  "{{.Message}}",
			sms:       "{{.Message}}",
			push:      "{{.Message}}",
		},
		{
			notifType: TypeMention,
			subject:   "{{.Title}}",
			htmlBody:  `<p>{{.Message}}</p>`,
			textBody:  "{{.Message}}",
			sms:       "{{.Message}}",
			push:      "{{.Message}}",
		},
		{
			notifType: TypeDailyDigest,
			subject:   "Your journal digest",
			htmlBody:  `<h2>{{.Title}}</h2><p>{{.Message}}</p>`,
			textBody:  "{{.Title}}\n\n{{.Message}}",
			sms:       "{{.Message}}",
			push:      "{{.Message}}",
		},
		{
			notifType: TypeSystem,
			subject:   "{{.Title}}",
			htmlBody:  `<p>{{.Message}}</p>`,
			textBody:  "{{.Message}}",
			sms:       "{{.Message}}",
			push:      "{{.Message}}",
		},
	}

	for _, b := range builtins {
		if err := r.RegisterMail(b.notifType, b.subject, b.htmlBody, b.textBody); err != nil {
			panic(err)
		}
		if err := r.RegisterSMS(b.notifType, b.sms); err != nil {
			panic(err)
		}
		if err := r.RegisterPush(b.notifType, b.push); err != nil {
			panic(err)
		}
	}
}

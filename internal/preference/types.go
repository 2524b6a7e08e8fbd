// Package preference stores per-user delivery preferences: which
// notification channels are enabled, which notification types each
// channel accepts, and the quiet-hours schedule that defers non-urgent
// delivery.
package preference

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Channel names as they appear in preference documents and requests.
const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
	ChannelPush  = "push"
	ChannelSMS   = "sms"
)

// ChannelPreference configures one delivery channel.
type ChannelPreference struct {
	Enabled bool `json:"enabled"`

	// Types is the allow-list of notification types. Empty means all
	// types are allowed.
	Types []string `json:"types,omitempty"`

	// PhoneNumber is the contact endpoint for the sms channel.
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Allows reports whether this channel accepts the notification type.
func (c ChannelPreference) Allows(notifType string) bool {
	if !c.Enabled {
		return false
	}
	if len(c.Types) == 0 {
		return true
	}
	for _, t := range c.Types {
		if t == notifType {
			return true
		}
	}
	return false
}

// QuietWindow is one recurring quiet interval. End at or before Start
// means the window crosses midnight into the next day. Times are
// "HH:MM" in server time.
type QuietWindow struct {
	Day   time.Weekday `json:"day"`
	Start string       `json:"start"`
	End   string       `json:"end"`
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// occurrenceEnd returns the end of this window's occurrence containing
// t, if any. Windows with unparseable or equal bounds never match.
func (w QuietWindow) occurrenceEnd(t time.Time) (time.Time, bool) {
	start, okS := parseClock(w.Start)
	end, okE := parseClock(w.End)
	if !okS || !okE || start == end {
		return time.Time{}, false
	}

	minutes := end - start
	if minutes < 0 {
		minutes += 24 * 60
	}

	// A cross-midnight window that started yesterday can still cover t.
	for _, dayOffset := range []int{0, -1} {
		day := t.AddDate(0, 0, dayOffset)
		if day.Weekday() != w.Day {
			continue
		}
		startAt := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, t.Location()).
			Add(time.Duration(start) * time.Minute)
		endAt := startAt.Add(time.Duration(minutes) * time.Minute)
		if !t.Before(startAt) && t.Before(endAt) {
			return endAt, true
		}
	}
	return time.Time{}, false
}

// QuietHours is the master switch plus the weekly schedule.
type QuietHours struct {
	Enabled bool          `json:"enabled"`
	Windows []QuietWindow `json:"windows,omitempty"`
}

func (q QuietHours) windowEnd(t time.Time) (time.Time, bool) {
	for _, w := range q.Windows {
		if end, ok := w.occurrenceEnd(t); ok {
			return end, true
		}
	}
	return time.Time{}, false
}

// Contains reports whether t falls inside any quiet window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	_, ok := q.windowEnd(t)
	return ok
}

// NextAllowed returns the earliest time at or after t outside every
// quiet window, walking window ends so adjacent and cross-midnight
// windows chain. A schedule with no opening within eight days is
// treated as misconfigured and t is returned unchanged.
func (q QuietHours) NextAllowed(t time.Time) time.Time {
	if !q.Enabled {
		return t
	}
	cur := t
	bound := t.Add(8 * 24 * time.Hour)
	for cur.Before(bound) {
		end, ok := q.windowEnd(cur)
		if !ok {
			return cur
		}
		cur = end
	}
	return t
}

// Preferences is the full per-user preference document, stored as one
// JSONB column and replaced wholesale on write.
type Preferences struct {
	InApp      ChannelPreference `json:"in_app"`
	Email      ChannelPreference `json:"email"`
	Push       ChannelPreference `json:"push"`
	SMS        ChannelPreference `json:"sms"`
	QuietHours QuietHours        `json:"quiet_hours"`
}

// Channel returns the preference block for a channel name. Unknown
// names return a disabled block.
func (p Preferences) Channel(name string) ChannelPreference {
	switch name {
	case ChannelInApp:
		return p.InApp
	case ChannelEmail:
		return p.Email
	case ChannelPush:
		return p.Push
	case ChannelSMS:
		return p.SMS
	default:
		return ChannelPreference{}
	}
}

// Allows reports whether the named channel accepts the notification type.
func (p Preferences) Allows(channel, notifType string) bool {
	return p.Channel(channel).Allows(notifType)
}

// Value implements driver.Valuer for database storage.
func (p Preferences) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for database retrieval.
func (p *Preferences) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, p)
}

// Defaults is the effective document for users without a stored record.
func Defaults() Preferences {
	return Preferences{
		InApp: ChannelPreference{Enabled: true},
		Email: ChannelPreference{
			Enabled: true,
			Types:   []string{"security_alert", "password_expiry", "backup_failed"},
		},
		Push: ChannelPreference{
			Enabled: true,
			Types:   []string{"entry_reminder", "mention", "security_alert"},
		},
		SMS:        ChannelPreference{Enabled: false},
		QuietHours: QuietHours{Enabled: false},
	}
}

// Record is one stored preference row.
type Record struct {
	UserID    string      `json:"user_id" db:"user_id"`
	Prefs     Preferences `json:"prefs" db:"prefs"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

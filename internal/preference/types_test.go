package preference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// at builds a UTC time on a fixed week: 2026-03-09 is a Monday.
func at(day time.Weekday, hhmm string) time.Time {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	base := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC) // Monday
	offset := (int(day) - int(time.Monday) + 7) % 7
	return base.AddDate(0, 0, offset).
		Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
}

func TestChannelPreference_Allows(t *testing.T) {
	tests := []struct {
		name     string
		pref     ChannelPreference
		typ      string
		expected bool
	}{
		{"Disabled channel", ChannelPreference{Enabled: false}, "mention", false},
		{"Empty allow-list means all", ChannelPreference{Enabled: true}, "mention", true},
		{"Type on allow-list", ChannelPreference{Enabled: true, Types: []string{"mention", "security_alert"}}, "mention", true},
		{"Type off allow-list", ChannelPreference{Enabled: true, Types: []string{"security_alert"}}, "mention", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.pref.Allows(tt.typ))
		})
	}
}

func TestDefaults(t *testing.T) {
	d := Defaults()

	assert.True(t, d.InApp.Allows("anything"))
	assert.True(t, d.Email.Allows("security_alert"))
	assert.True(t, d.Email.Allows("password_expiry"))
	assert.True(t, d.Email.Allows("backup_failed"))
	assert.False(t, d.Email.Allows("mention"))
	assert.True(t, d.Push.Allows("entry_reminder"))
	assert.True(t, d.Push.Allows("mention"))
	assert.False(t, d.Push.Allows("backup_failed"))
	assert.False(t, d.SMS.Allows("security_alert"))
	assert.False(t, d.QuietHours.Enabled)
}

func TestPreferences_Channel(t *testing.T) {
	p := Defaults()
	assert.True(t, p.Channel(ChannelInApp).Enabled)
	assert.False(t, p.Channel(ChannelSMS).Enabled)
	assert.False(t, p.Channel("carrier_pigeon").Enabled)
}

func TestQuietHours_Disabled(t *testing.T) {
	q := QuietHours{
		Enabled: false,
		Windows: []QuietWindow{{Day: time.Monday, Start: "00:00", End: "23:59"}},
	}
	now := at(time.Monday, "12:00")

	assert.False(t, q.Contains(now))
	assert.Equal(t, now, q.NextAllowed(now))
}

func TestQuietHours_SimpleWindow(t *testing.T) {
	q := QuietHours{
		Enabled: true,
		Windows: []QuietWindow{{Day: time.Monday, Start: "13:00", End: "15:00"}},
	}

	assert.False(t, q.Contains(at(time.Monday, "12:59")))
	assert.True(t, q.Contains(at(time.Monday, "13:00")))
	assert.True(t, q.Contains(at(time.Monday, "14:59")))
	assert.False(t, q.Contains(at(time.Monday, "15:00")))
	assert.False(t, q.Contains(at(time.Tuesday, "14:00")))

	assert.Equal(t, at(time.Monday, "15:00"), q.NextAllowed(at(time.Monday, "14:00")))
	assert.Equal(t, at(time.Monday, "12:00"), q.NextAllowed(at(time.Monday, "12:00")))
}

func TestQuietHours_CrossMidnight(t *testing.T) {
	// 22:00 Friday until 07:00 Saturday.
	q := QuietHours{
		Enabled: true,
		Windows: []QuietWindow{{Day: time.Friday, Start: "22:00", End: "07:00"}},
	}

	assert.True(t, q.Contains(at(time.Friday, "23:30")))
	assert.True(t, q.Contains(at(time.Saturday, "03:00")))
	assert.True(t, q.Contains(at(time.Saturday, "06:59")))
	assert.False(t, q.Contains(at(time.Saturday, "07:00")))
	assert.False(t, q.Contains(at(time.Friday, "21:59")))

	// A deferral that starts Friday night lands Saturday morning.
	assert.Equal(t, at(time.Saturday, "07:00"), q.NextAllowed(at(time.Friday, "23:30")))
	assert.Equal(t, at(time.Saturday, "07:00"), q.NextAllowed(at(time.Saturday, "01:15")))
}

func TestQuietHours_AdjacentWindowsChain(t *testing.T) {
	// Saturday morning window begins exactly when the Friday night one
	// ends; the walk must clear both.
	q := QuietHours{
		Enabled: true,
		Windows: []QuietWindow{
			{Day: time.Friday, Start: "22:00", End: "07:00"},
			{Day: time.Saturday, Start: "07:00", End: "09:30"},
		},
	}

	assert.Equal(t, at(time.Saturday, "09:30"), q.NextAllowed(at(time.Friday, "23:00")))
}

func TestQuietHours_WeeklySchedule(t *testing.T) {
	q := QuietHours{
		Enabled: true,
		Windows: []QuietWindow{
			{Day: time.Monday, Start: "22:00", End: "08:00"},
			{Day: time.Tuesday, Start: "22:00", End: "08:00"},
		},
	}

	assert.Equal(t, at(time.Tuesday, "08:00"), q.NextAllowed(at(time.Tuesday, "06:00")))
	got := q.NextAllowed(at(time.Wednesday, "06:00"))
	assert.Equal(t, at(time.Wednesday, "08:00"), got)

	// Wednesday evening is open.
	open := at(time.Wednesday, "23:00")
	assert.Equal(t, open, q.NextAllowed(open))
}

func TestQuietHours_FullyCoveredScheduleGivesUp(t *testing.T) {
	windows := make([]QuietWindow, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		windows = append(windows, QuietWindow{Day: d, Start: "00:00", End: "23:59"})
		windows = append(windows, QuietWindow{Day: d, Start: "23:59", End: "00:00"})
	}
	q := QuietHours{Enabled: true, Windows: windows}

	now := at(time.Monday, "10:00")
	assert.Equal(t, now, q.NextAllowed(now), "a schedule with no opening returns the input time")
}

func TestQuietHours_MalformedWindowIsInert(t *testing.T) {
	q := QuietHours{
		Enabled: true,
		Windows: []QuietWindow{
			{Day: time.Monday, Start: "25:00", End: "26:00"},
			{Day: time.Monday, Start: "13:00", End: "13:00"},
		},
	}
	now := at(time.Monday, "13:30")

	assert.False(t, q.Contains(now))
	assert.Equal(t, now, q.NextAllowed(now))
}

func TestPreferences_JSONBRoundTrip(t *testing.T) {
	in := Preferences{
		InApp: ChannelPreference{Enabled: true},
		Email: ChannelPreference{Enabled: true, Types: []string{"security_alert"}},
		SMS:   ChannelPreference{Enabled: true, PhoneNumber: "+15550100"},
		QuietHours: QuietHours{
			Enabled: true,
			Windows: []QuietWindow{{Day: time.Sunday, Start: "21:00", End: "06:30"}},
		},
	}

	value, err := in.Value()
	require.NoError(t, err)

	var out Preferences
	require.NoError(t, out.Scan(value))
	assert.Equal(t, in, out)

	var untouched Preferences
	require.NoError(t, untouched.Scan(nil))
	assert.Equal(t, Preferences{}, untouched)

	assert.Error(t, out.Scan(42))
}

func TestValidate(t *testing.T) {
	good := Defaults()
	good.QuietHours = QuietHours{
		Enabled: true,
		Windows: []QuietWindow{{Day: time.Friday, Start: "22:00", End: "07:00"}},
	}
	assert.NoError(t, Validate(good))

	bad := good
	bad.QuietHours.Windows = []QuietWindow{{Day: 9, Start: "22:00", End: "07:00"}}
	assert.Error(t, Validate(bad))

	bad.QuietHours.Windows = []QuietWindow{{Day: time.Friday, Start: "22:61", End: "07:00"}}
	assert.Error(t, Validate(bad))

	bad.QuietHours.Windows = []QuietWindow{{Day: time.Friday, Start: "22:00", End: "7 am"}}
	assert.Error(t, Validate(bad))
}

package suppression

import (
	"testing"
	"time"

	"smartfarm-notifier/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietOff() Preferences {
	p := DefaultPreferences()
	p.QuietHours.Enabled = false
	return p
}

func at(hour int) time.Time {
	return time.Date(2024, 5, 10, hour, 30, 0, 0, time.UTC)
}

func TestShouldNotify_Cooldown(t *testing.T) {
	p := quietOff()
	p.Cooldown = time.Minute
	e := New(p, WithLocation(time.UTC))

	t0 := at(12)
	assert.True(t, e.ShouldNotify("device:42:offline", notification.LevelWarning, t0))
	assert.False(t, e.ShouldNotify("device:42:offline", notification.LevelWarning, t0.Add(30*time.Second)))
	assert.True(t, e.ShouldNotify("device:42:offline", notification.LevelWarning, t0.Add(61*time.Second)))
}

func TestShouldNotify_FalsePathDoesNotRecord(t *testing.T) {
	p := quietOff()
	p.Cooldown = time.Minute
	e := New(p, WithLocation(time.UTC))

	t0 := at(12)
	require.True(t, e.ShouldNotify("k", notification.LevelInfo, t0))
	require.False(t, e.ShouldNotify("k", notification.LevelInfo, t0.Add(59*time.Second)))

	last, ok := e.LastEmitted("k")
	require.True(t, ok)
	assert.Equal(t, t0, last)
	assert.True(t, e.ShouldNotify("k", notification.LevelInfo, t0.Add(60*time.Second)))
}

func TestShouldNotify_KeysAreIndependent(t *testing.T) {
	e := New(quietOff(), WithLocation(time.UTC))
	t0 := at(9)

	assert.True(t, e.ShouldNotify("device:1:offline", notification.LevelWarning, t0))
	assert.True(t, e.ShouldNotify("device:2:offline", notification.LevelWarning, t0))
	assert.False(t, e.ShouldNotify("device:1:offline", notification.LevelWarning, t0.Add(time.Minute)))
}

func TestShouldNotify_QuietHoursWraparound(t *testing.T) {
	p := DefaultPreferences()
	p.QuietHours = QuietHours{Enabled: true, StartHour: 22, EndHour: 6}

	for _, hour := range []int{23, 0, 5} {
		e := New(p, WithLocation(time.UTC))
		assert.False(t, e.ShouldNotify("k", notification.LevelWarning, at(hour)), "hour %d should be quiet", hour)
		_, recorded := e.LastEmitted("k")
		assert.False(t, recorded)
	}

	for _, hour := range []int{6, 12, 21} {
		e := New(p, WithLocation(time.UTC))
		assert.True(t, e.ShouldNotify("k", notification.LevelWarning, at(hour)), "hour %d should not be quiet", hour)
	}

	for hour := 0; hour < 24; hour++ {
		e := New(p, WithLocation(time.UTC))
		assert.True(t, e.ShouldNotify("k", notification.LevelCritical, at(hour)), "critical at hour %d", hour)
	}
}

func TestShouldNotify_QuietHoursSameDay(t *testing.T) {
	p := DefaultPreferences()
	p.QuietHours = QuietHours{Enabled: true, StartHour: 12, EndHour: 14}
	e := New(p, WithLocation(time.UTC))

	assert.False(t, e.ShouldNotify("a", notification.LevelInfo, at(12)))
	assert.False(t, e.ShouldNotify("b", notification.LevelInfo, at(13)))
	assert.True(t, e.ShouldNotify("c", notification.LevelInfo, at(14)))
	assert.True(t, e.ShouldNotify("d", notification.LevelInfo, at(11)))
}

func TestShouldNotify_QuietHoursUseLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	e := New(DefaultPreferences(), WithLocation(loc))

	// 20:30 UTC is 23:30 local.
	assert.False(t, e.ShouldNotify("k", notification.LevelInfo, at(20)))
}

func TestShouldNotify_DisabledLevel(t *testing.T) {
	e := New(quietOff(), WithLocation(time.UTC))
	e.SetLevelEnabled(notification.LevelInfo, false)

	assert.False(t, e.ShouldNotify("k", notification.LevelInfo, at(10)))
	_, recorded := e.LastEmitted("k")
	assert.False(t, recorded)
	assert.True(t, e.ShouldNotify("k", notification.LevelWarning, at(10)))
}

func TestIsSourceEnabled(t *testing.T) {
	e := New(DefaultPreferences())

	assert.True(t, e.IsSourceEnabled(""))
	assert.True(t, e.IsSourceEnabled(notification.SourceSensor))
	assert.True(t, e.IsSourceEnabled("frontend_test"))

	e.SetSourceEnabled(notification.SourceSensor, false)
	assert.False(t, e.IsSourceEnabled(notification.SourceSensor))
	assert.True(t, e.IsSourceEnabled(notification.SourceDevice))
}

func TestSetQuietHours_Validates(t *testing.T) {
	e := New(DefaultPreferences())

	require.Error(t, e.SetQuietHours(QuietHours{Enabled: true, StartHour: 24, EndHour: 6}))
	require.NoError(t, e.SetQuietHours(QuietHours{Enabled: false, StartHour: 1, EndHour: 2}))
	assert.Equal(t, QuietHours{Enabled: false, StartHour: 1, EndHour: 2}, e.Preferences().QuietHours)
}

func TestPreferences_ReturnsCopy(t *testing.T) {
	e := New(DefaultPreferences())
	p := e.Preferences()
	p.Levels[notification.LevelCritical] = false

	assert.True(t, e.Preferences().Levels[notification.LevelCritical])
}

func TestSetCooldown_ClampsNegative(t *testing.T) {
	e := New(quietOff(), WithLocation(time.UTC))
	e.SetCooldown(-time.Minute)

	assert.Equal(t, time.Duration(0), e.Preferences().Cooldown)
	assert.True(t, e.ShouldNotify("k", notification.LevelInfo, at(10)))
	assert.True(t, e.ShouldNotify("k", notification.LevelInfo, at(10)))
}

func TestApply_KeepsCooldownHistory(t *testing.T) {
	e := New(quietOff(), WithLocation(time.UTC))
	require.True(t, e.ShouldNotify("tank:low", notification.LevelWarning, at(9)))

	next := quietOff()
	next.Levels[notification.LevelInfo] = false
	require.NoError(t, e.Apply(next))

	assert.False(t, e.ShouldNotify("tank:low", notification.LevelWarning, at(9).Add(time.Minute)))
	assert.False(t, e.ShouldNotify("other", notification.LevelInfo, at(9)))

	bad := quietOff()
	bad.QuietHours.EndHour = 30
	assert.Error(t, e.Apply(bad))
	assert.False(t, e.Preferences().Levels[notification.LevelInfo])
}

package botspot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrial(t *testing.T, cfg TrialSettings, access *AccessControl) (*TrialGuard, *time.Time) {
	t.Helper()
	guard := newTrialGuard(access, noopLogger{}, cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return now }
	return guard, &now
}

func TestTrialGuardDisabled(t *testing.T) {
	guard, _ := newTestTrial(t, TrialSettings{}, nil)

	for i := 0; i < 100; i++ {
		ok, _ := guard.Allow(1, "")
		require.True(t, ok)
	}
}

func TestTrialGuardUserLimit(t *testing.T) {
	guard, now := newTestTrial(t, TrialSettings{
		Enabled:    true,
		UserLimit:  3,
		UserPeriod: time.Hour,
	}, nil)

	for i := 0; i < 3; i++ {
		ok, _ := guard.Allow(1, "")
		require.True(t, ok)
	}

	ok, wait := guard.Allow(1, "")
	assert.False(t, ok)
	assert.Equal(t, "01:00:00", wait)
	assert.Zero(t, guard.Remaining(1))

	// Another user has their own window.
	ok, _ = guard.Allow(2, "")
	assert.True(t, ok)

	// The window slides: after the period the old requests expire.
	*now = now.Add(time.Hour + time.Second)
	ok, _ = guard.Allow(1, "")
	assert.True(t, ok)
	assert.Equal(t, 2, guard.Remaining(1))
}

func TestTrialGuardGlobalLimit(t *testing.T) {
	guard, _ := newTestTrial(t, TrialSettings{
		Enabled:      true,
		UserLimit:    100,
		UserPeriod:   time.Hour,
		GlobalLimit:  2,
		GlobalPeriod: time.Minute,
	}, nil)

	ok, _ := guard.Allow(1, "")
	require.True(t, ok)
	ok, _ = guard.Allow(2, "")
	require.True(t, ok)

	ok, wait := guard.Allow(3, "")
	assert.False(t, ok, "global window is shared across users")
	assert.Equal(t, "00:01:00", wait)
}

func TestTrialGuardFriendsBypass(t *testing.T) {
	access := newTestAccess(t, AccessSettings{FriendsStr: "@pal"})
	guard, _ := newTestTrial(t, TrialSettings{
		Enabled:    true,
		UserLimit:  1,
		UserPeriod: time.Hour,
	}, access)

	for i := 0; i < 10; i++ {
		ok, _ := guard.Allow(7, "pal")
		require.True(t, ok)
	}

	ok, _ := guard.Allow(8, "stranger")
	require.True(t, ok)
	ok, _ = guard.Allow(8, "stranger")
	assert.False(t, ok)
}

func TestFormatRemainingTime(t *testing.T) {
	assert.Equal(t, "00:00:30", FormatRemainingTime(30*time.Second))
	assert.Equal(t, "01:02:03", FormatRemainingTime(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "26:00:00", FormatRemainingTime(26*time.Hour))
	assert.Equal(t, "00:00:00", FormatRemainingTime(-time.Second))
}

func TestPruneWindow(t *testing.T) {
	now := time.Now()
	stamps := []time.Time{
		now.Add(-3 * time.Hour),
		now.Add(-90 * time.Minute),
		now.Add(-10 * time.Minute),
	}
	pruned := pruneWindow(stamps, now, time.Hour)
	require.Len(t, pruned, 1)
	assert.Equal(t, stamps[2], pruned[0])
}

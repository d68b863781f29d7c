package botspot

import (
	"fmt"
	"sync"
	"time"
)

// TrialGuard enforces per-user and global request limits over sliding
// windows. Admins and friends bypass the limits.
type TrialGuard struct {
	log    Logger
	access *AccessControl
	cfg    TrialSettings

	mu      sync.Mutex
	perUser map[int64][]time.Time
	global  []time.Time

	now func() time.Time
}

func newTrialGuard(access *AccessControl, log Logger, cfg TrialSettings) *TrialGuard {
	return &TrialGuard{
		log:     log,
		access:  access,
		cfg:     cfg,
		perUser: make(map[int64][]time.Time),
		now:     time.Now,
	}
}

// Allow records a request attempt and reports whether it is within limits.
// When the limit is hit it returns the time until the window frees up,
// formatted for the user notice.
func (t *TrialGuard) Allow(userID int64, username string) (bool, string) {
	if !t.cfg.Enabled {
		return true, ""
	}
	if t.access != nil && t.access.IsFriend(userID, username) {
		return true, ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	t.perUser[userID] = pruneWindow(t.perUser[userID], now, t.cfg.UserPeriod)
	if len(t.perUser[userID]) >= t.cfg.UserLimit {
		wait := t.cfg.UserPeriod - now.Sub(t.perUser[userID][0])
		t.log.Debug("user trial limit hit", "user_id", userID, "wait", wait)
		return false, FormatRemainingTime(wait)
	}

	if t.cfg.GlobalLimit > 0 {
		t.global = pruneWindow(t.global, now, t.cfg.GlobalPeriod)
		if len(t.global) >= t.cfg.GlobalLimit {
			wait := t.cfg.GlobalPeriod - now.Sub(t.global[0])
			t.log.Debug("global trial limit hit", "user_id", userID, "wait", wait)
			return false, FormatRemainingTime(wait)
		}
		t.global = append(t.global, now)
	}

	t.perUser[userID] = append(t.perUser[userID], now)
	return true, ""
}

// Remaining returns how many requests the user has left in the current window.
func (t *TrialGuard) Remaining(userID int64) int {
	if !t.cfg.Enabled {
		return t.cfg.UserLimit
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.perUser[userID] = pruneWindow(t.perUser[userID], t.now(), t.cfg.UserPeriod)
	left := t.cfg.UserLimit - len(t.perUser[userID])
	if left < 0 {
		return 0
	}
	return left
}

func pruneWindow(stamps []time.Time, now time.Time, period time.Duration) []time.Time {
	cutoff := now.Add(-period)
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	return stamps[i:]
}

// FormatRemainingTime renders a duration as HH:MM:SS for user notices.
func FormatRemainingTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

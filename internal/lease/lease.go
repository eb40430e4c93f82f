// Package lease provides the time arithmetic for machine-session leases.
// A session is entitled to exist exactly until its expiry timestamp; every
// countdown and expiry decision in the broker goes through Remaining so that
// negative durations can never leak out.
package lease

import "time"

// Remaining returns how long the lease at expiresAt is still valid as of now,
// clamped to zero.
func Remaining(expiresAt, now time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Expired reports whether the lease at expiresAt has run out as of now.
func Expired(expiresAt, now time.Time) bool {
	return Remaining(expiresAt, now) == 0
}

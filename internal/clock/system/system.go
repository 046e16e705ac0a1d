// Package system is the wall clock used for leases, claims and checkpoints.
package system

import "time"

// Clock implements crawler.Clock. Times are UTC and truncated to the
// microsecond precision of Postgres timestamptz, so a claim expiry read back
// from the ledger compares equal to the value that was written.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

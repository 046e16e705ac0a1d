package crawler

import (
	"errors"
	"fmt"
	"time"
)

// Error classes shared by every component. Classification is always done with
// errors.Is against these sentinels.
var (
	// ErrTransient marks failures worth retrying with backoff.
	ErrTransient = errors.New("transient host failure")
	// ErrRateLimited marks an explicit host rate-limit signal that outlasted the wait budget.
	ErrRateLimited = errors.New("host rate limited")
	// ErrPermanent marks requests that will never succeed.
	ErrPermanent = errors.New("permanent host failure")
	// ErrParse marks a response the adapter could not interpret.
	ErrParse = errors.New("unparseable host response")
	// ErrStaleClaim is returned when a commit or transition comes from an owner that no longer holds the claim.
	ErrStaleClaim = errors.New("stale claim")
	// ErrLedgerUnavailable marks a ledger that cannot be reached.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrHostUnavailable marks a host that cannot be reached at all.
	ErrHostUnavailable = errors.New("host unavailable")
	// ErrLeaseExpired is returned when an instance heartbeats on an expired lease.
	ErrLeaseExpired = errors.New("instance lease expired")
	// ErrNotFound is returned by ledger lookups that match nothing.
	ErrNotFound = errors.New("not found")
)

// HostError carries the detail of a classified host failure.
type HostError struct {
	Kind       error
	Host       string
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *HostError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Host, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the class sentinel and the underlying cause.
func (e *HostError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ParseErrorf builds an ErrParse-classified error.
func ParseErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

// PermanentErrorf builds an ErrPermanent-classified error.
func PermanentErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// epochThreshold separates absolute epoch-second reset values from relative
// second counts.
const epochThreshold = 1_000_000_000

// Signal is the rate-limit information carried by one host response.
type Signal struct {
	Limit        int
	Remaining    int
	HasRemaining bool
	ResetAt      time.Time
	RetryAfter   time.Duration
}

// Exhausted reports whether the host said no requests remain.
func (s Signal) Exhausted() bool {
	return s.HasRemaining && s.Remaining <= 0
}

// ParseSignal reads X-RateLimit-*, RateLimit-* and Retry-After headers.
func ParseSignal(h http.Header, now time.Time) Signal {
	var sig Signal
	if h == nil {
		return sig
	}
	if v, ok := firstInt(h, "X-RateLimit-Limit", "RateLimit-Limit"); ok {
		sig.Limit = v
	}
	if v, ok := firstInt(h, "X-RateLimit-Remaining", "RateLimit-Remaining"); ok {
		sig.Remaining = v
		sig.HasRemaining = true
	}
	if v, ok := firstInt(h, "X-RateLimit-Reset", "RateLimit-Reset"); ok {
		if v >= epochThreshold {
			sig.ResetAt = time.Unix(int64(v), 0).UTC()
		} else {
			sig.ResetAt = now.Add(time.Duration(v) * time.Second)
		}
	}
	sig.RetryAfter = parseRetryAfter(h.Get("Retry-After"), now)
	return sig
}

func firstInt(h http.Header, keys ...string) (int, bool) {
	for _, key := range keys {
		raw := strings.TrimSpace(h.Get(key))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		return v, true
	}
	return 0, false
}

func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

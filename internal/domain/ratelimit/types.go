// Package ratelimit provides the rate limiting domain types.
//
// The limiter is a fixed-window counter per (service, client) pair. The
// interface is storage-agnostic; the shipped implementation is in-memory
// with lock striping.
package ratelimit

import (
	"fmt"
	"time"
)

// DefaultWindow is the fixed window length when the configuration does not
// override it.
const DefaultWindow = 60 * time.Second

// Result contains the outcome of a rate limit check. The three header
// values (Limit, Remaining, Reset) are always populated so the transport can
// set X-RateLimit-* on every response.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Limit is the configured requests-per-window for this key.
	Limit int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// Reset is the wall-clock instant the current window ends.
	Reset time.Time

	// RetryAfter is the time until the window resets. Only meaningful when
	// Allowed is false.
	RetryAfter time.Duration
}

// Limiter is the interface for rate limiting checks.
//
// Allow atomically counts the request against the (serviceID, clientKey)
// window and reports whether it fits under limit. A limit of zero or less
// disables limiting for the key.
type Limiter interface {
	Allow(serviceID, clientKey string, limit int) Result
}

// Key returns the limiter key for a (service, client) pair.
// Format: "ratelimit:{serviceID}:{clientKey}".
func Key(serviceID, clientKey string) string {
	return fmt.Sprintf("ratelimit:%s:%s", serviceID, clientKey)
}

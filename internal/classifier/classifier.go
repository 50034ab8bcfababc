// Package classifier turns raw Engine output into a single ErrorKind (or
// success) using a fixed precedence order. It is a pure function: no
// network calls, no clocks, no shared state.
package classifier

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/lewta/dispatchd/internal/request"
)

var rateLimitPattern = regexp.MustCompile(`usage limit reached.*?\|(\d+)`)

var sessionExpiryMarkers = []string{
	"Invalid API key",
	"Please run /login",
	"API Login Failure",
}

// Result is the classifier's verdict on one Engine invocation.
type Result struct {
	Kind               request.ErrorKind
	RateLimitReleaseAt int64 // unix seconds, only set when Kind == ErrorKindRateLimit
}

// Classify does not see wall-clock timeouts; the invoker reports those
// directly via Outcome.TimedOut before a result ever reaches Classify.
//
// Classify inspects exitCode, stdout, and stderr and returns the first
// matching classification in the order: rate_limit, session_expiry,
// network_error (folded into engine_transient), fatal_engine_error,
// success. The order is significant: a rate-limit message may incidentally
// contain text that also matches a session-expiry marker, so rate-limit is
// checked first.
func Classify(exitCode int, stdout, stderr string) Result {
	combined := stdout + "\n" + stderr

	if m := rateLimitPattern.FindStringSubmatch(combined); m != nil {
		releaseAt, _ := strconv.ParseInt(m[1], 10, 64)
		return Result{Kind: request.ErrorKindRateLimit, RateLimitReleaseAt: releaseAt}
	}

	for _, marker := range sessionExpiryMarkers {
		if strings.Contains(combined, marker) {
			return Result{Kind: request.ErrorKindSessionExpiry}
		}
	}

	if exitCode != 0 && containsNetworkError(combined) {
		return Result{Kind: request.ErrorKindEngineTransient}
	}

	if exitCode != 0 {
		return Result{Kind: request.ErrorKindEngineTransient}
	}

	return Result{Kind: request.ErrorKindNone}
}

func containsNetworkError(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "network")
}

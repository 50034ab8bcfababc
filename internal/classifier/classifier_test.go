package classifier

import (
	"testing"

	"github.com/lewta/dispatchd/internal/request"
)

func TestClassify_Success(t *testing.T) {
	r := Classify(0, "all good", "")
	if r.Kind != request.ErrorKindNone {
		t.Errorf("Kind = %q, want empty (success)", r.Kind)
	}
}

func TestClassify_RateLimit(t *testing.T) {
	r := Classify(1, "Claude AI usage limit reached|1735689600", "")
	if r.Kind != request.ErrorKindRateLimit {
		t.Fatalf("Kind = %q, want rate_limit", r.Kind)
	}
	if r.RateLimitReleaseAt != 1735689600 {
		t.Errorf("RateLimitReleaseAt = %d, want 1735689600", r.RateLimitReleaseAt)
	}
}

func TestClassify_SessionExpiry(t *testing.T) {
	for _, marker := range sessionExpiryMarkers {
		r := Classify(1, marker, "")
		if r.Kind != request.ErrorKindSessionExpiry {
			t.Errorf("marker %q: Kind = %q, want session_expiry", marker, r.Kind)
		}
	}
}

func TestClassify_RateLimitPrecedesSessionExpiry(t *testing.T) {
	// A rate-limit message that incidentally also contains a session marker
	// must still classify as rate_limit: rate-limit precedence is absolute.
	stdout := "Invalid API key but actually usage limit reached|1700000000"
	r := Classify(1, stdout, "")
	if r.Kind != request.ErrorKindRateLimit {
		t.Errorf("Kind = %q, want rate_limit (precedence over session_expiry)", r.Kind)
	}
}

func TestClassify_NetworkErrorIsTransient(t *testing.T) {
	r := Classify(1, "", "connection timeout while reading response")
	if r.Kind != request.ErrorKindEngineTransient {
		t.Errorf("Kind = %q, want engine_transient", r.Kind)
	}
}

func TestClassify_FatalEngineError(t *testing.T) {
	r := Classify(2, "segmentation fault", "")
	if r.Kind != request.ErrorKindEngineTransient {
		t.Errorf("Kind = %q, want engine_transient", r.Kind)
	}
}

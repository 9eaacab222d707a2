// Package classify implements the Failure Classifier (spec.md §4.6): a
// pure function from one transport outcome to a typed classification that
// drives Dispatch Pipeline state transitions. It holds no state and makes
// no I/O calls.
package classify

import (
	"net"
	"net/http"
	"strings"
)

// Outcome is the classifier's typed result (spec.md §4.6 table).
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeAuthExpired    Outcome = "auth_expired"
	OutcomeForbiddenWAF   Outcome = "forbidden_waf"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeQuotaExhausted Outcome = "quota_exhausted"
	OutcomeNetwork        Outcome = "network"
	OutcomeServerError    Outcome = "server_error"
	OutcomeUnknown        Outcome = "unknown"
)

// NetworkErrorKind narrows a transport-level failure that never reached a
// server (spec.md §4.6 input: "network_error_kind").
type NetworkErrorKind string

const (
	NetworkErrorNone          NetworkErrorKind = ""
	NetworkErrorConnRefused   NetworkErrorKind = "connection_refused"
	NetworkErrorDNS           NetworkErrorKind = "dns_failure"
	NetworkErrorTimeout       NetworkErrorKind = "timeout"
	NetworkErrorReset         NetworkErrorKind = "connection_reset"
)

// quotaMarkers are body substrings that signal quota exhaustion even when
// the upstream returns no dedicated status code for it (spec.md §4.6).
var quotaMarkers = []string{
	"no remaining quota",
	"no ai requests remaining",
}

// expiryMarkers signal that a 401/403 was caused by token expiry rather
// than a hard rejection (spec.md §4.6 "JWT-expiry signal").
var expiryMarkers = []string{
	"token is expired",
	"token has expired",
	"expiredtokenexception",
	"jwt expired",
}

// Input is everything the classifier needs to produce one Outcome.
type Input struct {
	HTTPStatus       int
	Headers          http.Header
	BodySnippet      string
	NetworkErrorKind NetworkErrorKind
	// StreamYieldedEvent reports whether the upstream stream produced at
	// least one non-Error event before ending; only meaningful when
	// HTTPStatus is 2xx.
	StreamYieldedEvent bool
}

// Classify maps one transport outcome to its Outcome per spec.md §4.6.
func Classify(in Input) Outcome {
	if in.NetworkErrorKind != NetworkErrorNone {
		return OutcomeNetwork
	}

	body := strings.ToLower(in.BodySnippet)
	if containsAny(body, quotaMarkers) {
		return OutcomeQuotaExhausted
	}

	switch {
	case in.HTTPStatus >= 200 && in.HTTPStatus < 300:
		if in.StreamYieldedEvent {
			return OutcomeOK
		}
		return OutcomeUnknown
	case in.HTTPStatus == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case in.HTTPStatus == http.StatusUnauthorized:
		if containsAny(body, expiryMarkers) {
			return OutcomeAuthExpired
		}
		return OutcomeForbiddenWAF
	case in.HTTPStatus == http.StatusForbidden:
		if containsAny(body, expiryMarkers) {
			return OutcomeAuthExpired
		}
		return OutcomeForbiddenWAF
	case in.HTTPStatus >= 500 && in.HTTPStatus < 600:
		return OutcomeServerError
	default:
		return OutcomeUnknown
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// NetworkErrorKindFromErr maps a raw net/dial error to a NetworkErrorKind,
// used by the Dispatch Pipeline before calling Classify.
func NetworkErrorKindFromErr(err error) NetworkErrorKind {
	if err == nil {
		return NetworkErrorNone
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return NetworkErrorTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return NetworkErrorConnRefused
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return NetworkErrorDNS
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return NetworkErrorReset
	default:
		return NetworkErrorTimeout
	}
}

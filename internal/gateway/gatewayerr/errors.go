package gatewayerr

import (
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a gateway failure. Each kind maps to one HTTP status and
// one error type string in the caller-facing envelope.
type Kind string

const (
	KindAuthentication   Kind = "authentication_error"
	KindPermission       Kind = "permission_error" // expired credential
	KindValidation       Kind = "invalid_request_error"
	KindRateLimit        Kind = "rate_limit_exceeded"
	KindUpstreamNetwork  Kind = "upstream_error"
	KindUpstreamTimeout  Kind = "timeout_error"
	KindUpstreamHTTP     Kind = "api_error"
	KindInternal         Kind = "internal_error"
	KindSettlementFailed Kind = "settlement_error"
)

// Error is the gateway's typed failure. Status is the HTTP status returned
// to the caller; for KindUpstreamHTTP it mirrors the upstream status.
type Error struct {
	Kind    Kind
	Status  int
	Message string

	// Rate-limit details, set only for KindRateLimit.
	TokensUsed   int64
	TokensLimit  int64
	WindowEndsAt time.Time

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Authentication builds a 401 for missing or unknown credentials.
func Authentication(msg string) *Error {
	return &Error{Kind: KindAuthentication, Status: http.StatusUnauthorized, Message: msg}
}

// Expired builds a 403 for a credential past its expiry. Distinct from both
// authentication and quota failures.
func Expired(msg string) *Error {
	return &Error{Kind: KindPermission, Status: http.StatusForbidden, Message: msg}
}

// Validation builds a 400 for a malformed caller request.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
}

// RateLimit builds a 429 carrying the structured quota fields.
func RateLimit(used, limit int64, windowEndsAt time.Time) *Error {
	return &Error{
		Kind:         KindRateLimit,
		Status:       http.StatusTooManyRequests,
		Message:      fmt.Sprintf("token limit exceeded: %d of %d tokens used in the current 5-hour window", used, limit),
		TokensUsed:   used,
		TokensLimit:  limit,
		WindowEndsAt: windowEndsAt,
	}
}

// UpstreamNetwork builds a 502 for connection-level upstream failures.
func UpstreamNetwork(err error) *Error {
	return &Error{Kind: KindUpstreamNetwork, Status: http.StatusBadGateway, Message: "upstream request failed", cause: err}
}

// UpstreamTimeout builds a 504 for connect or inter-chunk timeouts.
func UpstreamTimeout(err error) *Error {
	return &Error{Kind: KindUpstreamTimeout, Status: http.StatusGatewayTimeout, Message: "upstream request timed out", cause: err}
}

// UpstreamHTTP propagates an upstream non-2xx status and message.
func UpstreamHTTP(status int, msg string) *Error {
	if msg == "" {
		msg = fmt.Sprintf("upstream returned status %d", status)
	}
	return &Error{Kind: KindUpstreamHTTP, Status: status, Message: msg}
}

// Internal builds a generic 500 for faults inside the gateway itself,
// distinct from anything the upstream did.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: msg, cause: err}
}

// Settlement builds a 500 for a failed usage write. The usage being recorded
// must be logged by the caller for reconciliation; it is never dropped
// silently.
func Settlement(err error) *Error {
	return &Error{Kind: KindSettlementFailed, Status: http.StatusInternalServerError, Message: "failed to record usage", cause: err}
}

// RetryAfter returns the seconds until the rate-limit window frees up,
// bounded by the window length. Zero for non-rate-limit errors.
func (e *Error) RetryAfter(now time.Time) int {
	if e.Kind != KindRateLimit {
		return 0
	}
	secs := int(e.WindowEndsAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	if max := int((5 * time.Hour).Seconds()); secs > max {
		secs = max
	}
	return secs
}

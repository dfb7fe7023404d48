package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind identifies one failure class in the closed error taxonomy.
type Kind string

const (
	KindRateLimit          Kind = "rate_limit"
	KindServiceUnavailable Kind = "service_unavailable"
	KindTimeout            Kind = "timeout"
	KindAuthentication     Kind = "authentication"
	KindNetwork            Kind = "network"
	KindUnknown            Kind = "unknown"
)

// Error is a provider failure normalized into the taxonomy. Every error that
// crosses an adapter boundary is one of these; raw transport errors never
// escape.
type Error struct {
	Kind      Kind
	Retryable bool
	Provider  string
	Status    int // HTTP status when known, 0 otherwise
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// FallbackEligible reports whether the executor may switch to the secondary
// provider after this failure. Authentication and unknown errors are excluded:
// bad credentials are fixed out of band, and an unknown error on the primary
// gives no reason to believe the secondary will behave differently.
func (e *Error) FallbackEligible() bool {
	switch e.Kind {
	case KindRateLimit, KindServiceUnavailable, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// Transient reports whether the failure is worth retrying on the same
// provider (genuine network/timeout issues, not provider-health signals).
func (e *Error) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindNetwork
}

var timeoutMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

var networkMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"dial tcp",
}

// Classify maps any error into the taxonomy. It is total: every non-nil input
// produces exactly one classification and the function never panics. Errors
// that are already classified pass through unchanged.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Retryable: true, Provider: provider, cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Retryable: true, Provider: provider, cause: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindNetwork, Retryable: true, Provider: provider, cause: err}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range timeoutMarkers {
		if strings.Contains(msg, marker) {
			return &Error{Kind: KindTimeout, Retryable: true, Provider: provider, cause: err}
		}
	}
	for _, marker := range networkMarkers {
		if strings.Contains(msg, marker) {
			return &Error{Kind: KindNetwork, Retryable: true, Provider: provider, cause: err}
		}
	}

	return &Error{Kind: KindUnknown, Retryable: false, Provider: provider, cause: err}
}

// ClassifyStatus maps an HTTP status code from a provider API into the
// taxonomy. Used by adapters that see the response status directly.
func ClassifyStatus(provider string, status int, body string) *Error {
	cause := fmt.Errorf("API error (status %d): %s", status, body)

	switch status {
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Retryable: true, Provider: provider, Status: status, cause: cause}
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return &Error{Kind: KindServiceUnavailable, Retryable: true, Provider: provider, Status: status, cause: cause}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuthentication, Retryable: false, Provider: provider, Status: status, cause: cause}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Retryable: true, Provider: provider, Status: status, cause: cause}
	default:
		return &Error{Kind: KindUnknown, Retryable: false, Provider: provider, Status: status, cause: cause}
	}
}

// Display is the fixed user-facing copy for one error kind. Callers render
// these verbatim and never synthesize their own wording.
type Display struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

var displayTable = map[Kind]Display{
	KindRateLimit: {
		Title:   "Taking a quick breather",
		Message: "The tutor is handling a lot of questions right now.",
		Action:  "Wait a moment and try again.",
	},
	KindServiceUnavailable: {
		Title:   "Tutor temporarily unavailable",
		Message: "The tutoring service is briefly offline.",
		Action:  "Try again in a minute.",
	},
	KindTimeout: {
		Title:   "Still thinking...",
		Message: "The tutor took too long to respond.",
		Action:  "Try asking again.",
	},
	KindAuthentication: {
		Title:   "Connection problem",
		Message: "The tutoring service rejected our credentials.",
		Action:  "Check the API key configuration.",
	},
	KindNetwork: {
		Title:   "No connection",
		Message: "We couldn't reach the tutoring service.",
		Action:  "Check your internet connection and try again.",
	},
	KindUnknown: {
		Title:   "Something went wrong",
		Message: "An unexpected error occurred.",
		Action:  "Try again, and report this if it keeps happening.",
	},
}

// DisplayFor returns the fixed display triple for a kind. Unrecognized kinds
// fall back to the unknown copy so rendering is always possible.
func DisplayFor(kind Kind) Display {
	if d, ok := displayTable[kind]; ok {
		return d
	}
	return displayTable[KindUnknown]
}

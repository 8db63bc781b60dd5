package reliability

import (
	"context"
	"errors"
	"net"
)

// Error classes used as metric labels for completion failures.
const (
	ClassNone                = ""
	ClassTimeout             = "timeout"
	ClassCanceled            = "canceled"
	ClassRateLimited         = "rate_limited"
	ClassUpstreamUnavailable = "upstream_unavailable"
	ClassUpstreamStatus      = "upstream_status"
	ClassNotConfigured       = "not_configured"
	ClassTransport           = "transport"
)

type httpStatus interface {
	HTTPStatus() int
}

// Classify maps an upstream error to a stable class. notConfiguredSentinel is
// the provider layer's "no upstream configured" error.
func Classify(err error, notConfiguredSentinel error) string {
	if err == nil {
		return ClassNone
	}
	if notConfiguredSentinel != nil && errors.Is(err, notConfiguredSentinel) {
		return ClassNotConfigured
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var hs httpStatus
	if errors.As(err, &hs) {
		return ClassifyHTTPStatus(hs.HTTPStatus())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	return ClassTransport
}

// ClassifyHTTPStatus classifies a non-2xx upstream status code.
func ClassifyHTTPStatus(code int) string {
	switch {
	case code == 429:
		return ClassRateLimited
	case IsRetryableHTTPStatus(code):
		return ClassUpstreamUnavailable
	default:
		return ClassUpstreamStatus
	}
}

// IsRetryableHTTPStatus reports statuses that indicate a transient upstream
// condition. The chat pipeline never retries; the distinction feeds metrics.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Package reliability classifies transport errors into a stable taxonomy,
// retries the retryable ones with bounded exponential backoff, and trips a
// per-device circuit breaker on repeated failure. Grounded on the
// consecutive-failure tracking idiom of the reference pool's health checker
// (net.Error.Timeout() classification, a threshold-based "mark unhealthy"
// transition) and on sony/gobreaker for the breaker state machine itself.
package reliability

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind is the abstract error taxonomy transport/pool failures are mapped to.
type Kind string

const (
	KindConnectionFailed Kind = "connection_failed"
	KindTimeout          Kind = "timeout"
	KindProtocolError    Kind = "protocol_error"
	KindInvalidRegister  Kind = "invalid_register"
	KindDeviceBusy       Kind = "device_busy"
	KindPoolExhausted    Kind = "pool_exhausted"
	KindCircuitOpen      Kind = "circuit_open"
	KindUnknown          Kind = "unknown"
)

// Retryable reports whether a failure of this kind should be retried by the
// Retrier, per the taxonomy in the error-handler design.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnectionFailed, KindTimeout, KindDeviceBusy, KindUnknown:
		return true
	default:
		return false
	}
}

var protocolErrorFragments = []string{
	"protocol error",
	"malformed",
	"unexpected response",
	"bad apdu",
	"invalid function code",
	"crc mismatch",
}

var busyFragments = []string{
	"device busy",
	"server busy",
	"resource unavailable",
}

var invalidRegisterFragments = []string{
	"invalid register",
	"illegal data address",
	"unknown object",
	"no such property",
}

// Classify maps a lower-level transport/pool error to a stable Kind. It is a
// pure function: context deadline/cancellation errors, net.Error (split on
// Timeout()) and *net.OpError are checked first, then a substring match against known protocol
// error fragments, with KindUnknown as the default (and therefore retryable)
// fallback.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindConnectionFailed
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnectionFailed
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectionFailed
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range invalidRegisterFragments {
		if strings.Contains(msg, frag) {
			return KindInvalidRegister
		}
	}
	for _, frag := range protocolErrorFragments {
		if strings.Contains(msg, frag) {
			return KindProtocolError
		}
	}
	for _, frag := range busyFragments {
		if strings.Contains(msg, frag) {
			return KindDeviceBusy
		}
	}
	if strings.Contains(msg, "pool") && strings.Contains(msg, "exhaust") {
		return KindPoolExhausted
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "closed") || strings.Contains(msg, "eof") {
		return KindConnectionFailed
	}

	return KindUnknown
}

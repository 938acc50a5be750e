package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure taxonomy. Transient errors retry per provider rules and then fall
// back; permanent errors surface without retry; ErrProviderEmpty falls back
// or synthesises a fallback observation so memory is never lost.
var (
	ErrRateLimited   = errors.New("agent: rate limited")
	ErrUpstream      = errors.New("agent: upstream error")
	ErrTimeout       = errors.New("agent: provider timeout")
	ErrProviderEmpty = errors.New("agent: empty provider response")
	ErrPermanent     = errors.New("agent: permanent provider error")
)

// providerError wraps a provider failure with its classification sentinel.
type providerError struct {
	sentinel error
	cause    error
}

func (e *providerError) Error() string {
	return fmt.Sprintf("%v: %v", e.sentinel, e.cause)
}

func (e *providerError) Unwrap() []error {
	return []error{e.sentinel, e.cause}
}

func wrapProviderErr(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &providerError{sentinel: sentinel, cause: cause}
}

// classifyStatus maps an HTTP status from a provider to the taxonomy.
func classifyStatus(status int, cause error) error {
	switch {
	case status == 429:
		return wrapProviderErr(ErrRateLimited, cause)
	case status >= 500:
		return wrapProviderErr(ErrUpstream, cause)
	case status >= 400:
		return wrapProviderErr(ErrPermanent, cause)
	default:
		return cause
	}
}

// IsFallbackEligible reports whether an error should trigger the fallback
// chain: network failures, 5xx, rate limits, timeouts, and empty responses.
// Cancellation and permanent errors are not eligible.
func IsFallbackEligible(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstream) ||
		errors.Is(err, ErrTimeout) || errors.Is(err, ErrProviderEmpty) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

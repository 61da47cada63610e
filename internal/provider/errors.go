package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind is the coarse classification of an adapter failure.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindProviderTransient ErrorKind = "provider_transient"
	KindProviderPermanent ErrorKind = "provider_permanent"
	KindUnauthenticated   ErrorKind = "unauthenticated"
)

func (k ErrorKind) String() string { return string(k) }

// Retryable reports whether failures of this kind may be attempted again.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindProviderTransient
}

// ProviderError is the typed failure every adapter returns.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, fmt.Sprintf("provider error (%s)", e.Kind))

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func NewTimeoutError(cause error) *ProviderError {
	return &ProviderError{Kind: KindTimeout, Message: "provider call timed out", Cause: cause}
}

func NewTransientError(statusCode int, message string, cause error) *ProviderError {
	return &ProviderError{Kind: KindProviderTransient, StatusCode: statusCode, Message: message, Cause: cause}
}

func NewPermanentError(statusCode int, message string, cause error) *ProviderError {
	return &ProviderError{Kind: KindProviderPermanent, StatusCode: statusCode, Message: message, Cause: cause}
}

func NewUnauthenticatedError(statusCode int, message string) *ProviderError {
	return &ProviderError{Kind: KindUnauthenticated, StatusCode: statusCode, Message: message}
}

// Classify maps any send error onto an ErrorKind. Unknown errors are permanent.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Kind != "" {
		return providerErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindProviderPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindProviderTransient
	}

	return KindProviderPermanent
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable()
}

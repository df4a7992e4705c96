package market

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks an unknown asset, user or rule.
	ErrNotFound = errors.New("not found")
	// ErrInvalidParameter marks malformed input such as a negative window.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrUpstreamUnavailable marks a failed fetch from the market-data venue.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// InvalidParameterf wraps ErrInvalidParameter with context.
func InvalidParameterf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// Upstreamf wraps ErrUpstreamUnavailable around a fetch failure.
func Upstreamf(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, fmt.Sprintf(format, args...), err)
}

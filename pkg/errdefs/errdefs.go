// Package errdefs defines the error kinds shared by the proxy packages.
//
// Lower layers wrap the original cause with one of the sentinel kinds via Wrap;
// only the dispatcher turns kinds into HTTP status codes.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrIssuance   = errors.New("certificate issuance failed")
	ErrCacheRead  = errors.New("cache read failed")
	ErrCacheWrite = errors.New("cache write failed")
	ErrCacheMiss  = errors.New("cache miss")
	ErrFetch      = errors.New("upstream fetch failed")
	ErrTimeout    = errors.New("timeout")
	ErrStream     = errors.New("stream failed")
	ErrConfig     = errors.New("invalid configuration")
)

// Wrap attaches kind and op to cause. Both kind and cause stay visible to errors.Is.
// A nil cause yields an error carrying only the kind.
func Wrap(kind error, op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, kind)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, cause)
}

// IsTimeout reports whether err stems from a bounded wait expiring.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsMiss reports whether err is an expected not-found.
func IsMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Package transport defines the capability the storage manager uses to move
// chunk payloads to and from remote channels, and the closed classification
// of transport failures.
//
// Adapters (local, s3, minio, telegram) are the only place raw client errors
// are mapped onto Transient or Permanent; callers never inspect error text.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport moves opaque chunk payloads to and from one remote channel.
type Transport interface {
	// Upload stores data and returns the remote reference needed to fetch it.
	// key is a stable name the adapter may use or ignore.
	Upload(ctx context.Context, key string, data []byte) (ref string, err error)

	// Download fetches the payload behind ref.
	Download(ctx context.Context, ref string) ([]byte, error)

	// Delete removes the payload behind ref. Missing objects are not an error.
	Delete(ctx context.Context, ref string) error

	// Kind returns the adapter identifier ("local", "s3", "minio", "telegram").
	Kind() string

	// Close releases any resources held by the adapter.
	Close() error
}

// Kind classifies a transport failure.
type Kind int

const (
	// Transient failures (network, timeout, remote rate limit) are retried.
	Transient Kind = iota + 1
	// Permanent failures (not found, auth rejected, malformed payload) are not.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure.
type Error struct {
	// Op is the operation that failed ("upload", "download", "delete").
	Op string

	// Kind tells the executor whether to retry.
	Kind Kind

	// RetryAfter is a remote hint for the next attempt, if the channel sent one.
	RetryAfter time.Duration

	// Err is the underlying client error.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a retryable failure.
func NewTransient(op string, err error) *Error {
	return &Error{Op: op, Kind: Transient, Err: err}
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(op string, err error) *Error {
	return &Error{Op: op, Kind: Permanent, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are
// Permanent so that unknown failures are never retried blindly.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Permanent
}

// IsTransient reports whether err is a classified transient failure.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// ErrNotFound is wrapped by adapters when the remote object does not exist.
var ErrNotFound = errors.New("remote object not found")

// Classify maps errors an adapter did not recognise: caller cancellation is
// permanent, anything else (network, timeout) is transient. Adapters call it
// after handling the error codes specific to their remote API.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return NewPermanent(op, err)
	}
	// Timeouts, resets and refused connections all land here.
	return NewTransient(op, err)
}

// Package delivery sends one rendered payload to one recipient address and
// classifies failures so the broadcast worker can decide between retrying,
// giving up on a recipient, or aborting the run.
package delivery

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient failures may succeed on retry (timeouts, 5xx, throttling).
	ErrTransient = errors.New("transient delivery failure")
	// ErrRejected failures are permanent for one recipient and are not retried.
	ErrRejected = errors.New("recipient rejected")
	// ErrFatal failures mean no further recipient can succeed. The run aborts.
	ErrFatal = errors.New("fatal delivery failure")
)

type Payload struct {
	Text string
}

// Channel delivers payloads. Implementations must be safe for concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, address string, p Payload) error
}

// Transient wraps err as retryable.
func Transient(err error) error { return classified(ErrTransient, err) }

// Rejected wraps err as a permanent per-recipient failure.
func Rejected(err error) error { return classified(ErrRejected, err) }

// Fatal wraps err as run-ending.
func Fatal(err error) error { return classified(ErrFatal, err) }

func classified(kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Retryable reports whether another attempt makes sense. Unclassified errors
// count as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrFatal) && !errors.Is(err, ErrRejected) &&
		!errors.Is(err, context.Canceled)
}

func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures crossing the package boundary. Errors are
// structured values; no raw strings leave this package.
type ErrorKind string

const (
	KindInvalidObservation ErrorKind = "invalid_observation"
	KindNumericalFault     ErrorKind = "numerical_fault"
	KindCheckpointCorrupt  ErrorKind = "checkpoint_corrupt"
	KindStoreUnavailable   ErrorKind = "store_unavailable"
	KindRetrainFailed      ErrorKind = "retrain_failed"
	KindHorizonExceeded    ErrorKind = "horizon_exceeded"
	KindUnknownItem        ErrorKind = "unknown_item"
	KindCancelled          ErrorKind = "cancelled"
)

// Error is the structured error carried across module boundaries.
type Error struct {
	Kind   ErrorKind
	Msg    string
	ItemID string
	Cause  error
}

func (e *Error) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("%s: item %s: %s", e.Kind, e.ItemID, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, itemID, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, ItemID: itemID, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, itemID string, cause error, msg string) *Error {
	return &Error{Kind: kind, ItemID: itemID, Msg: msg, Cause: cause}
}

// IsKind reports whether err (or anything it wraps) is a forecast Error of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// storeBackoff is the retry schedule for transient store failures.
var storeBackoff = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, time.Second}

// ioTimeout caps a single store round trip.
const ioTimeout = 5 * time.Second

// withRetry runs fn with a per-attempt I/O timeout, retrying on failure
// with exponential backoff. Context cancellation aborts between attempts.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, ioTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= len(storeBackoff) {
			return err
		}
		select {
		case <-ctx.Done():
			return wrapError(KindCancelled, "", ctx.Err(), "retry aborted")
		case <-time.After(storeBackoff[attempt]):
		}
	}
}

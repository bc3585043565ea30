// Package dberr defines the error conditions every layer of the engine reports.
// Callers classify errors with errors.Is against the sentinels below.
package dberr

import "errors"

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrDuplicateEntry    = errors.New("duplicate entry")
	ErrDegenerateVector  = errors.New("degenerate vector")
	ErrStorageFailure    = errors.New("storage failure")
	ErrClosed            = errors.New("registry closed")
)

// Kind returns the sentinel err wraps, or nil when err is not classified.
func Kind(err error) error {
	for _, kind := range []error{
		ErrInvalidArgument,
		ErrNotFound,
		ErrDimensionMismatch,
		ErrCapacityExceeded,
		ErrDuplicateEntry,
		ErrDegenerateVector,
		ErrStorageFailure,
		ErrClosed,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Label is the short metric/log label for err's kind.
func Label(err error) string {
	switch Kind(err) {
	case nil:
		if err == nil {
			return "ok"
		}
		return "error"
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrNotFound:
		return "not_found"
	case ErrDimensionMismatch:
		return "dimension_mismatch"
	case ErrCapacityExceeded:
		return "capacity_exceeded"
	case ErrDuplicateEntry:
		return "duplicate_entry"
	case ErrDegenerateVector:
		return "degenerate_vector"
	case ErrStorageFailure:
		return "storage_failure"
	case ErrClosed:
		return "closed"
	default:
		return "error"
	}
}

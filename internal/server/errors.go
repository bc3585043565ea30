package server

import (
	"context"
	"errors"

	"github.com/futlize/vectordb/internal/dberr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps engine errors onto gRPC status codes. Errors that already
// carry a status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codeFor(err), err.Error())
}

func codeFor(err error) codes.Code {
	switch dberr.Kind(err) {
	case dberr.ErrInvalidArgument, dberr.ErrDimensionMismatch, dberr.ErrDegenerateVector:
		return codes.InvalidArgument
	case dberr.ErrNotFound:
		return codes.NotFound
	case dberr.ErrDuplicateEntry:
		return codes.AlreadyExists
	case dberr.ErrCapacityExceeded:
		return codes.ResourceExhausted
	case dberr.ErrClosed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

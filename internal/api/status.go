package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/kube-memory/internal/services"
	"github.com/miradorstack/kube-memory/internal/utils"
)

// CodeFor maps an error kind onto a gRPC status code.
func CodeFor(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, services.ErrNotConfigured):
		return codes.FailedPrecondition
	}
	switch utils.KindOf(err) {
	case utils.ErrMalformedInput:
		return codes.InvalidArgument
	case utils.ErrInvariantViolation:
		return codes.FailedPrecondition
	case utils.ErrNotFound:
		return codes.NotFound
	case utils.ErrAnalysisInFlight:
		return codes.Aborted
	case utils.ErrRateLimited:
		return codes.ResourceExhausted
	case utils.ErrTransient, utils.ErrGenerationUnavailable, utils.ErrStoreWrite:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(CodeFor(err), err.Error())
}

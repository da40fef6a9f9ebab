// Package server exposes the schema loader over gRPC (service
// codegen.Loader) and HTTP.
package server

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/git-pkgs/schemaloader/internal/core"
)

// GRPCCode maps an error kind to a gRPC status code.
func GRPCCode(kind core.Kind) codes.Code {
	switch kind {
	case core.KindInvalidArgument:
		return codes.InvalidArgument
	case core.KindNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(kind core.Kind) int {
	switch kind {
	case core.KindInvalidArgument:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// grpcError converts a service error into a gRPC status error. A request
// that ended because its own context did is reported as such.
func grpcError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return status.FromContextError(ctxErr).Err()
	}
	return status.Error(GRPCCode(core.KindOf(err)), message(err))
}

// message returns the one-line diagnostic of err.
func message(err error) string {
	var e *core.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

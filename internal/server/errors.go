package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/questforge/encounter-server/internal/apperr"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// ErrorDomain is reported in gRPC ErrorInfo details.
const ErrorDomain = "encounter.questforge.dev"

// errorResponse is the HTTP error envelope.
type errorResponse struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code              apperr.Kind       `json:"code"`
	Message           string            `json:"message"`
	Reason            string            `json:"reason,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindConflict, apperr.KindStaleState:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindUnsupportedUndo:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error kind to its gRPC status code.
func GRPCCode(kind apperr.Kind) codes.Code {
	switch kind {
	case apperr.KindUnauthorized:
		return codes.Unauthenticated
	case apperr.KindForbidden:
		return codes.PermissionDenied
	case apperr.KindNotFound:
		return codes.NotFound
	case apperr.KindInvalidInput:
		return codes.InvalidArgument
	case apperr.KindConflict:
		return codes.Aborted
	case apperr.KindRateLimited:
		return codes.ResourceExhausted
	case apperr.KindUnsupportedUndo, apperr.KindStaleState:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// clientMessage hides the cause of internal failures from callers.
func clientMessage(e *apperr.Error) string {
	if e.Kind == apperr.KindInternal {
		return "internal error"
	}
	return e.Message
}

// writeError renders err as the JSON error envelope. Internal failures are
// logged with their cause.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	e := apperr.As(err)
	if e.Kind == apperr.KindInternal {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	if e.Kind == apperr.KindRateLimited {
		c.Header("Retry-After", strconv.Itoa(e.RetryAfterSeconds()))
	}
	c.AbortWithStatusJSON(HTTPStatus(e.Kind), errorResponse{Error: errorPayload{
		Code:              e.Kind,
		Message:           clientMessage(e),
		Reason:            e.Reason,
		Metadata:          e.Metadata,
		RetryAfterSeconds: e.RetryAfterSeconds(),
	}})
}

// toStatus converts err into a gRPC status error carrying ErrorInfo and, for
// rate limits, RetryInfo.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	e := apperr.As(err)
	st := status.New(GRPCCode(e.Kind), clientMessage(e))

	metadata := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	if e.Reason != "" {
		metadata["reason"] = e.Reason
	}
	withInfo, detailErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(e.Kind),
		Domain:   ErrorDomain,
		Metadata: metadata,
	})
	if detailErr != nil {
		return st.Err()
	}
	st = withInfo

	if e.Kind == apperr.KindRateLimited && e.RetryAfter > 0 {
		if withRetry, retryErr := st.WithDetails(&errdetails.RetryInfo{
			RetryDelay: durationpb.New(e.RetryAfter),
		}); retryErr == nil {
			st = withRetry
		}
	}
	return st.Err()
}

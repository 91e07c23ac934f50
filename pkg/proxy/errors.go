package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/lkarlslund/zimageproxy/pkg/identity"
	"github.com/lkarlslund/zimageproxy/pkg/poll"
	"github.com/lkarlslund/zimageproxy/pkg/upstream"
)

const (
	codeInvalidRequest      = "invalid_request"
	codeInvalidContext      = "invalid_context"
	codeUnauthorized        = "unauthorized"
	codeNotFound            = "not_found"
	codeMethodNotAllowed    = "method_not_allowed"
	codeRateLimited         = "rate_limited"
	codeUpstreamRejected    = "upstream_rejected"
	codeUpstreamUnavailable = "upstream_unavailable"
	codeGenerationFailed    = "generation_failed"
	codeTimeout             = "timeout"
	codeCanceled            = "canceled"
	codeShuttingDown        = "shutting_down"
	codeInternal            = "internal_error"
)

var errInvalidRequest = errors.New("invalid request")

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Code: code}})
}

// writeErr maps a pipeline error to its envelope. The message is passed
// through unchanged.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), errorCode(err), err.Error())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errInvalidRequest):
		return codeInvalidRequest
	case errors.Is(err, identity.ErrInvalidContext):
		return codeInvalidContext
	case errors.Is(err, upstream.ErrRejected):
		return codeUpstreamRejected
	case errors.Is(err, upstream.ErrUnavailable):
		return codeUpstreamUnavailable
	case errors.Is(err, poll.ErrGenerationFailed):
		return codeGenerationFailed
	case errors.Is(err, poll.ErrTimeout):
		return codeTimeout
	case errors.Is(err, context.Canceled):
		return codeCanceled
	default:
		return codeInternal
	}
}

func errorStatus(err error) int {
	switch errorCode(err) {
	case codeInvalidRequest, codeInvalidContext:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

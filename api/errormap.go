package api

import (
	"net/http"

	"github.com/gridx/gridx/modules"
)

// statusForKind maps a modules.ErrorKind to the HTTP status code the
// Submission API answers with.
func statusForKind(kind modules.ErrorKind) int {
	switch kind {
	case modules.ErrKindInvalidInput:
		return http.StatusBadRequest
	case modules.ErrKindUnauthenticated:
		return http.StatusUnauthorized
	case modules.ErrKindInsufficientCredits:
		return http.StatusPaymentRequired
	case modules.ErrKindNotFound:
		return http.StatusNotFound
	case modules.ErrKindConflict:
		return http.StatusConflict
	case modules.ErrKindWorkerLost:
		return http.StatusServiceUnavailable
	case modules.ErrKindTimeout:
		return http.StatusGatewayTimeout
	case modules.ErrKindExecutionFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeKindedError writes err to w using statusForKind's mapping, falling
// back to the error's own message.
func writeKindedError(w http.ResponseWriter, err error) {
	kind := modules.KindOf(err)
	WriteError(w, Error{Message: err.Error(), Kind: string(kind)}, statusForKind(kind))
}

package httpx

import (
	"errors"
	"net/http"

	"github.com/tradedesk/tradedesk/internal/shared"
)

// RespondError maps domain errors to failure envelopes. Unknown errors become
// a generic 500 so internals never leak to clients.
func RespondError(w http.ResponseWriter, err error) {
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		Fail(w, http.StatusBadRequest, verr.Error(), verr.Fields)
	case errors.Is(err, shared.ErrValidation):
		Fail(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, shared.ErrNotFound):
		Fail(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, shared.ErrConflict):
		Fail(w, http.StatusConflict, err.Error(), nil)
	default:
		Fail(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), nil)
	}
}

// IsClientError reports whether err maps to a 4xx response.
func IsClientError(err error) bool {
	return errors.Is(err, shared.ErrValidation) || errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrConflict)
}

// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

// ErrBadRequest marks requests that could not be decoded.
var ErrBadRequest = errors.New("malformed request")

// BadRequest wraps a decoding failure.
func BadRequest(err error) error {
	return errors.Join(ErrBadRequest, err)
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var verr *shared.ValidationError
	var extErr *shared.ExternalSystemError
	switch {
	case errors.Is(err, ErrBadRequest):
		Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.As(err, &verr):
		WriteProblem(w, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusUnprocessableEntity,
			Detail: err.Error(),
			Errors: verr.Fields,
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrTransient):
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
	case errors.As(err, &extErr):
		WriteProblem(w, ProblemDetail{
			Title:  "External System Error",
			Status: http.StatusBadGateway,
			Detail: extErr.Message,
			Code:   extErr.Code,
		})
	case errors.Is(err, shared.ErrExternalSystem):
		Problem(w, http.StatusBadGateway, "External System Error", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

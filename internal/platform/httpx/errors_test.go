package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

func TestRespondErrorStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"bad request", BadRequest(errors.New("eof")), http.StatusBadRequest},
		{"validation fields", shared.NewValidationError("amount", "must be positive"), http.StatusUnprocessableEntity},
		{"validation sentinel", fmt.Errorf("%w: bad", shared.ErrValidation), http.StatusUnprocessableEntity},
		{"not found", shared.NotFoundf("amortization %s", "x"), http.StatusNotFound},
		{"conflict", shared.Conflictf("already paid"), http.StatusConflict},
		{"transient", shared.Transient(errors.New("timeout")), http.StatusServiceUnavailable},
		{"external", &shared.ExternalSystemError{Status: 400, Code: "-5002", Message: "card unknown"}, http.StatusBadGateway},
		{"wrapped op", shared.WrapOp("amortization.get", "1", shared.NotFoundf("x")), http.StatusNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondError(rec, tc.err)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestRespondErrorCarriesRemoteMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, &shared.ExternalSystemError{Status: 400, Code: "-5002", Message: "card unknown"})
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "card unknown", problem.Detail)
	require.Equal(t, "-5002", problem.Code)
}

func TestDecodeJSONRejectsUnknownAndTrailing(t *testing.T) {
	var target struct {
		Amount float64 `json:"amount"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount": 1, "extra": true}`))
	require.ErrorIs(t, DecodeJSON(req, &target), ErrBadRequest)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount": 1} {"amount": 2}`))
	require.ErrorIs(t, DecodeJSON(req, &target), ErrBadRequest)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount": 1}`))
	require.NoError(t, DecodeJSON(req, &target))
	require.Equal(t, 1.0, target.Amount)
}

package amortization

import (
	"errors"
	"fmt"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

// ErrIntegrationDisabled is returned when no accounting integration is wired.
var ErrIntegrationDisabled = fmt.Errorf("%w: accounting integration not configured", shared.ErrExternalSystem)

// ErrNotSynced is returned when a payment is posted for an amortization
// without an external document.
var ErrNotSynced = fmt.Errorf("%w: amortization is not synced to the accounting system", shared.ErrConflict)

// ErrInactive is returned when a deactivated amortization is changed.
var ErrInactive = fmt.Errorf("%w: amortization is inactive", shared.ErrConflict)

// PostingError indicates the payment was recorded but posting it to the
// accounting system failed.
type PostingError struct {
	Err       error
	Retryable bool
	Message   string
}

func (e *PostingError) Error() string {
	return e.Message
}

func (e *PostingError) Unwrap() error {
	return e.Err
}

func wrapPostingError(err error) *PostingError {
	if err == nil {
		return nil
	}
	var extErr *shared.ExternalSystemError
	switch {
	case shared.IsTransient(err):
		return &PostingError{
			Err:       err,
			Retryable: true,
			Message:   "Accounting system unavailable; payment recorded but external posting pending",
		}
	case errors.As(err, &extErr):
		return &PostingError{
			Err:       err,
			Retryable: false,
			Message:   fmt.Sprintf("Accounting system rejected the payment; payment recorded but not posted (%s)", extErr.Message),
		}
	default:
		return &PostingError{
			Err:       err,
			Retryable: false,
			Message:   fmt.Sprintf("Failed to post payment; payment recorded but external posting pending (%s)", err.Error()),
		}
	}
}

package shared

import (
	"errors"

	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
)

// UserSafeMessage returns a message suitable for showing to the caller.
// Known domain errors keep their text; anything else is masked.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range []error{
		httpx.ErrNotFound,
		httpx.ErrForbidden,
		httpx.ErrConflict,
		httpx.ErrValidation,
		httpx.ErrBusinessRule,
		httpx.ErrUpstream,
	} {
		if errors.Is(err, known) {
			return err.Error()
		}
	}
	return "something went wrong, please try again"
}

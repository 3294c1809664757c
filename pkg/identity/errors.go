package identity

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

// ErrInvalidInput is returned when a resolve is attempted with neither
// identifier supplied. No store operation is performed in that case.
var ErrInvalidInput = httperror.NewHTTPError(http.StatusBadRequest, "at least one of email or phone_number is required")

// newDataInconsistencyError reports a secondary contact whose linked_id does
// not resolve to a primary. This is store corruption, not caller error; it
// cannot occur when all writes go through the resolver.
func newDataInconsistencyError(contactID string) error {
	return httperror.NewHTTPErrorf(http.StatusInternalServerError, "contact %s does not resolve to a primary contact", contactID)
}

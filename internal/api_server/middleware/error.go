package middleware

import (
	"net/http"

	"github.com/flightctl/attestctl/internal/api"
)

// WriteJSONError writes the envelope's error shape for a failure that
// occurred outside a handler's normal control flow (e.g. a panic
// recovered by chi's Recoverer).
func WriteJSONError(w http.ResponseWriter, code int, status string, err error) {
	api.WriteError(w, code, status, err.Error(), nil)
}

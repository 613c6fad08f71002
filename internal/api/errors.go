package api

import (
	"errors"
	"net/http"

	"github.com/MrWong99/redraft/internal/generation"
	"github.com/MrWong99/redraft/internal/observe"
	"github.com/MrWong99/redraft/pkg/types"
)

// statusFor maps err to an HTTP status. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateEvaluation):
		return http.StatusConflict
	case errors.Is(err, types.ErrContextIncomplete):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrExternalFetch):
		return http.StatusBadGateway
	case errors.Is(err, generation.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError renders err. Server side failures are logged and their detail
// is not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		observe.Logger(r.Context()).Error("api: request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "err", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

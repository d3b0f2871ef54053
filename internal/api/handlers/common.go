package handlers

import (
	"encoding/json"
	"net/http"

	"teamrouter/internal/router"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// WriteErrPublic lets middleware emit errors in the same shape as handlers.
func WriteErrPublic(w http.ResponseWriter, status int, message string) {
	writeErr(w, status, message)
}

// NotFound is the catch-all for unknown routes.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	writeErr(w, http.StatusNotFound, "not found")
}

// mapRouterErr writes client errors as 400 with the message verbatim and
// everything else as an opaque 500.
func mapRouterErr(w http.ResponseWriter, err error) {
	if router.IsInvalid(err) {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeErr(w, http.StatusInternalServerError, "internal error")
}

package panel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rendis/flowrun/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFlowError maps err onto a status code: NOT_FOUND is 404, validation
// failures are 400, anything else is 500.
func writeFlowError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, schema.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, schema.ErrValidation):
		status = http.StatusBadRequest
	}
	writeError(w, status, err.Error())
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

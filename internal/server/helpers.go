package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nordiq/reportflow/pkg/schema"
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

// writePipelineError maps a pipeline error to an HTTP status and writes it
// with its code and details preserved.
func writePipelineError(w http.ResponseWriter, err error) {
	var perr *schema.PipelineError
	if !errors.As(err, &perr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch perr.Code {
	case schema.ErrCodeValidation, schema.ErrCodeParse:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeNoConcept, schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	case schema.ErrCodeCancelled:
		status = 499 // client closed request
	case schema.ErrCodeCircuitOpen:
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"error": perr.Message,
		"code":  perr.Code,
	}
	if perr.StageID != "" {
		body["stage_id"] = perr.StageID
	}
	if len(perr.Details) > 0 {
		body["details"] = perr.Details
	}
	writeJSON(w, status, body)
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

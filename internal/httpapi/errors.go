package httpapi

import (
	"encoding/json"
	"net/http"

	"embedd/internal/infer"
	"embedd/pkg/types"
)

// statusForType maps the error taxonomy onto HTTP status codes.
func statusForType(t types.ErrorType) int {
	switch t {
	case types.ErrorTypeValidation, types.ErrorTypeTokenizer:
		return http.StatusUnprocessableEntity
	case types.ErrorTypeOverloaded:
		return http.StatusTooManyRequests
	case types.ErrorTypeUnhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusFailedDependency
	}
}

// writeError maps a per-request engine failure onto the plain error dialect.
func writeError(w http.ResponseWriter, err error) {
	t := infer.TypeOf(err)
	if t == types.ErrorTypeOverloaded {
		IncrementBackpressure("max_concurrent_requests")
	}
	writeJSON(w, statusForType(t), types.ErrorResponse{Error: err.Error(), ErrorType: t})
}

// writeTagged writes a plain-dialect error with an explicit status code.
func writeTagged(w http.ResponseWriter, status int, t types.ErrorType, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, ErrorType: t})
}

// writeOpenAIError writes the OpenAI-compatible error dialect, which carries
// the numeric status code in the body alongside the taxonomy tag.
func writeOpenAIError(w http.ResponseWriter, status int, t types.ErrorType, msg string) {
	if t == types.ErrorTypeOverloaded {
		IncrementBackpressure("max_concurrent_requests")
	}
	writeJSON(w, status, types.OpenAICompatErrorResponse{Message: msg, Code: status, ErrorType: t})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

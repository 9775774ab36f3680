package resourceapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const correlationIDKey ctxKey = "correlationId"

// CorrelationMiddleware stamps every request with an X-Correlation-ID,
// generating one when the caller didn't send it, adapted from the
// teacher's httpapi.CorrelationMiddleware.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx := logger.WithContext(context.WithValue(r.Context(), correlationIDKey, correlationID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationID retrieves the correlation id stamped by CorrelationMiddleware.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

type errorBody struct {
	Error         string         `json:"error"`
	Code          string         `json:"code,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Details       map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorBody{Error: message, CorrelationID: CorrelationID(r.Context())})
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorBody{Error: message, Code: code, CorrelationID: CorrelationID(r.Context()), Details: details})
}

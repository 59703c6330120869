// Package request assigns every request an ID for log and audit correlation.
package request

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"opsgate/pkg/requestcontext"
)

// HeaderRequestID is the header the ID is read from and echoed back on.
const HeaderRequestID = "X-Request-ID"

// Middleware adopts the caller's request ID or mints one, stores it in the
// context, and echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(HeaderRequestID, requestID)
		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return requestcontext.RequestID(ctx)
}

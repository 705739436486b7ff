package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/chalford/parchment-api/internal/api/shared"
)

// OwnerHeader carries the caller's owner ID. Requests without it are
// treated as anonymous.
const OwnerHeader = "X-Owner-ID"

// OwnerMiddleware extracts the optional owner ID header into the request
// context. A malformed value is rejected rather than silently treated as
// anonymous, so a paying caller cannot accidentally draw on the free
// allowance.
func OwnerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(OwnerHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		ownerID, err := uuid.Parse(raw)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid owner ID header")
			return
		}

		ctx := context.WithValue(r.Context(), shared.OwnerIDContextKey, ownerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

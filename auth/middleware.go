package auth

import (
	"context"
	"net/http"
	"strings"

	"chatwire-server/store"
)

type contextKey struct{}

var userKey contextKey

// UserFrom returns the authenticated user attached to the request context by
// RequireAuth.
func UserFrom(ctx context.Context) (*store.User, bool) {
	user, ok := ctx.Value(userKey).(*store.User)
	return user, ok
}

// RequireAuth verifies the Bearer token, loads the user, and attaches it to
// the request context, rejecting the request with a 401 otherwise.
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Please login to access this route")
			return
		}

		userID, err := h.tokens.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Not authorized to access this route")
			return
		}

		user, err := h.store.UserByID(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "User no longer exists")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}

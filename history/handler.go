// Package history serves the persisted message backlog over HTTP so a
// freshly connected client can backfill before (or after) attaching the
// live channel.
package history

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"chatwire-server/auth"
	"chatwire-server/domain"
)

// Handler answers GET /api/messages: every stored message in ascending id
// order, optionally restricted to ids after the `since` cursor. The cursor
// lets a client attach the live channel first and then backfill from its
// last-seen id without missing or duplicating messages.
type Handler struct {
	log domain.MessageLog
}

func NewHandler(log domain.MessageLog) *Handler {
	return &Handler{log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var sinceID int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"message": "since must be a non-negative message id",
			})
			return
		}
		sinceID = parsed
	}

	messages, err := h.log.MessagesSince(r.Context(), sinceID)
	if err != nil {
		slog.Error("history query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "Failed to load messages",
		})
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"messages": messages,
	})
}

// Routes registers the history endpoint behind the auth middleware.
func (h *Handler) Routes(mux *http.ServeMux, authHandler *auth.Handler) {
	mux.HandleFunc("GET /api/messages", authHandler.RequireAuth(h.ServeHTTP))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("response encode error", "error", err)
	}
}

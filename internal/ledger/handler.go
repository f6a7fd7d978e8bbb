package ledger

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/contentguard/contentguard/internal/api"
	"github.com/contentguard/contentguard/internal/identity"
)

// Handler serves usage queries and the admin limit reset.
type Handler struct {
	svc *Service
}

// NewHandler creates a new ledger Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Usage returns the usage snapshot of the calling identity.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	stats, err := h.svc.Snapshot(r.Context(), id)
	if err != nil {
		slog.Error("reading usage snapshot", "error", err, "identity", id.Key())
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, stats)
}

// ResetLimits zeroes today's counters of the user in the path.
func (h *Handler) ResetLimits(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user id"))
		return
	}

	target := identity.User(userID, "", false)
	if err := h.svc.ResetDaily(r.Context(), target); err != nil {
		slog.Error("resetting user limits", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	if admin, ok := identity.FromContext(r.Context()); ok {
		slog.Info("user limits reset", "user_id", userID, "by", admin.Key())
	}
	api.JSONMessage(w, http.StatusOK, "daily limits reset")
}

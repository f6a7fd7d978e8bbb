package audit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/contentguard/contentguard/internal/api"
	"github.com/contentguard/contentguard/internal/identity"
)

// Lister reads usage history.
type Lister interface {
	ListByUser(ctx context.Context, userID uuid.UUID, params ListParams) ([]UsageRecord, int64, error)
}

// Handler serves usage history.
type Handler struct {
	repo Lister
}

// NewHandler creates a new audit Handler.
func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// History returns paginated usage events of the signed-in user. Anonymous
// usage is not kept per request.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok || id.IsAnonymous() {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	params := parseListParams(r)

	records, total, err := h.repo.ListByUser(r.Context(), id.UserID, params)
	if err != nil {
		slog.Error("listing usage history", "error", err, "user_id", id.UserID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, records, total, params.Page, params.PageSize)
}

func parseListParams(r *http.Request) ListParams {
	params := DefaultListParams()
	q := r.URL.Query()

	params.Tier = q.Get("tier")
	params.EventType = q.Get("event_type")
	if p := q.Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := q.Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	return params
}

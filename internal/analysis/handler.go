package analysis

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/contentguard/contentguard/internal/api"
	"github.com/contentguard/contentguard/internal/identity"
	"github.com/contentguard/contentguard/internal/ledger"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

type AnalyzeRequest struct {
	Model    string   `json:"model" validate:"required,oneof=huggingface gemini"`
	Text     string   `json:"text" validate:"required,max=200000"`
	Comments []string `json:"comments" validate:"max=500,dive,max=20000"`
	Explain  *bool    `json:"explain"`
}

// Analyze handles POST /api/v1/analyze.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		api.HandleError(w, api.NewValidationError("text must not be blank"))
		return
	}

	in := Input{
		Tier:     ledger.Tier(req.Model),
		Text:     req.Text,
		Comments: req.Comments,
		Explain:  req.Explain == nil || *req.Explain,
	}
	out, err := h.svc.Analyze(r.Context(), id, in)
	if err != nil {
		api.HandleError(w, toAPIError(err))
		return
	}

	setRateLimitHeaders(w, out.RateLimit)
	api.JSON(w, http.StatusOK, out)
}

func toAPIError(err error) error {
	var throttle api.Throttle
	switch {
	case errors.As(err, &throttle):
		return err
	case errors.Is(err, ledger.ErrInvalidTier):
		return api.NewBadRequestError("unknown model")
	case errors.Is(err, ErrAnalysisFailed):
		return api.ErrContentTooLong
	case errors.Is(err, ErrProviderUnavailable):
		return api.ErrProviderBusy
	case errors.Is(err, ErrProviderFailed):
		return api.ErrProviderFailed
	}
	return err
}

// setRateLimitHeaders is a no-op for unlimited identities.
func setRateLimitHeaders(w http.ResponseWriter, rl RateLimit) {
	if rl.Limit == ledger.Unlimited {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
}

package notifications

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pawnwatch/pawnwatch/internal/pkg/httputil"
	"github.com/pawnwatch/pawnwatch/internal/pkg/metrics"
)

// maxWebhookBody bounds provider webhook payload reads.
const maxWebhookBody = 1 << 20

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "notification not found"},
	{Error: ErrDuplicateItem, Status: http.StatusConflict, Message: "an identical notification is already queued or was sent recently"},
	{Error: ErrItemTerminal, Status: http.StatusConflict, Message: "notification already reached a terminal state"},
	{Error: ErrNotEligible, Status: http.StatusUnprocessableEntity},
	{Error: ErrInvalidTemplateKind, Status: http.StatusBadRequest},
	{Error: ErrMissingTemplateData, Status: http.StatusBadRequest},
	{Error: ErrInvalidPriority, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	service *Service
	tracker *Tracker
}

// NewHandler creates a new notifications handler.
func NewHandler(service *Service, tracker *Tracker) *Handler {
	return &Handler{service: service, tracker: tracker}
}

// RegisterRoutes registers queue API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Post("/", h.EnqueueNotification)
		r.Get("/stats", h.GetStatistics)
		r.Get("/{id}", h.GetNotification)
		r.Delete("/{id}", h.CancelNotification)
	})
}

// RegisterPublicRoutes registers routes served outside the API prefix:
// the provider webhook and the signed recipient links.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/webhooks/email", h.HandleProviderEvent)
	r.Get("/unsubscribe", h.Unsubscribe)
	r.Get("/preferences", h.GetPreferences)
}

// EnqueueNotification handles POST /notifications.
func (h *Handler) EnqueueNotification(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := h.service.Enqueue(r.Context(), &req)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			httputil.ValidationError(w, validationErrors)
			return
		}
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, item)
}

// GetNotification handles GET /notifications/{id}.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, item)
}

// CancelNotification handles DELETE /notifications/{id}.
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStatistics handles GET /notifications/stats.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			httputil.Error(w, http.StatusBadRequest, "window_hours must be a positive integer")
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	stats, err := h.service.Statistics(r.Context(), window)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// HandleProviderEvent handles POST /webhooks/email. The provider
// retries non-2xx responses, so only signature failures and malformed
// payloads are rejected.
func (h *Handler) HandleProviderEvent(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "delivery tracking is not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := h.tracker.HandleEvent(r.Context(), r.Header, body); err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrStaleTimestamp):
			metrics.ProviderEvents.WithLabelValues("unknown", "rejected").Inc()
			httputil.Error(w, http.StatusUnauthorized, "invalid webhook signature")
		default:
			httputil.HandleError(r.Context(), w, err, errorMappings)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Unsubscribe handles GET /unsubscribe?token=. The link target is
// opened from an email client, so the response is plain text.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		httputil.Text(w, http.StatusBadRequest, "missing token")
		return
	}

	claims, err := h.service.Unsubscribe(r.Context(), token)
	if err != nil {
		httputil.Text(w, http.StatusBadRequest, "this unsubscribe link is invalid or has been tampered with")
		return
	}

	httputil.Text(w, http.StatusOK, "You will no longer receive notifications for "+claims.PlayerKey+".")
}

// GetPreferences handles GET /preferences?token=.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		httputil.Error(w, http.StatusBadRequest, "missing token")
		return
	}

	prefs, err := h.service.GetPreferences(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			httputil.Error(w, http.StatusNotFound, "recipient not found")
			return
		}
		httputil.Error(w, http.StatusBadRequest, "this preferences link is invalid or has been tampered with")
		return
	}
	httputil.Success(w, http.StatusOK, prefs)
}

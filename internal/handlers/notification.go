package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/driftline/notify-api/internal/authz"
	"github.com/driftline/notify-api/internal/models"
	"github.com/driftline/notify-api/internal/notification"
)

type NotificationHandler struct {
	service notification.Service
	logger  zerolog.Logger
}

func NewNotificationHandler(service notification.Service, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.With().Str("handler", "notification").Logger(),
	}
}

type enqueueRequest struct {
	UserID       string                 `json:"user_id"`
	Type         string                 `json:"type"`
	Priority     string                 `json:"priority"`
	Title        string                 `json:"title"`
	Body         string                 `json:"body"`
	Action       string                 `json:"action"`
	ActionData   map[string]interface{} `json:"action_data"`
	ScheduledFor *time.Time             `json:"scheduled_for"`
}

// Enqueue creates a pending notification on behalf of an upstream
// domain service. Delivery happens on the worker's next claim cycle.
func (h *NotificationHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	// Title is optional here: the service defaults a blank title to the
	// notification type so clients always have something to render.
	if strings.TrimSpace(req.UserID) == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	notif, err := h.service.Enqueue(r.Context(), notification.EnqueueParams{
		UserID:       req.UserID,
		Type:         models.NotificationType(req.Type),
		Priority:     models.NotificationPriority(req.Priority),
		Title:        req.Title,
		Body:         req.Body,
		Action:       req.Action,
		ActionData:   req.ActionData,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to enqueue notification")
		http.Error(w, "Failed to enqueue notification", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, notif)
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	notifications, err := h.service.ListRecent(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list notifications")
		http.Error(w, "Failed to list notifications", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
	})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	notifID := strings.TrimSpace(mux.Vars(r)["notificationID"])
	if notifID == "" {
		http.Error(w, "Notification ID is required", http.StatusBadRequest)
		return
	}

	notif, err := h.service.MarkRead(r.Context(), userID, notifID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Notification not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("notification_id", notifID).Msg("failed to mark notification as read")
		http.Error(w, "Failed to update notification", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, notif)
}

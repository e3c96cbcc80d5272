package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/driftline/notify-api/internal/authz"
	"github.com/driftline/notify-api/internal/models"
	"github.com/driftline/notify-api/internal/repository"
)

type DeviceHandler struct {
	devices repository.DeviceRepository
	logger  zerolog.Logger
}

func NewDeviceHandler(devices repository.DeviceRepository, logger zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{
		devices: devices,
		logger:  logger.With().Str("handler", "device").Logger(),
	}
}

type registerDeviceRequest struct {
	Platform  string `json:"platform"`
	Model     string `json:"model"`
	PushToken string `json:"push_token"`
}

func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	platform := models.DevicePlatform(strings.ToLower(strings.TrimSpace(req.Platform)))
	if platform != models.DevicePlatformIOS && platform != models.DevicePlatformWeb {
		http.Error(w, "Unsupported platform", http.StatusBadRequest)
		return
	}

	device, err := h.devices.Register(r.Context(), repository.RegisterDeviceParams{
		UserID:    userID,
		Platform:  platform,
		Model:     req.Model,
		PushToken: req.PushToken,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to register device")
		http.Error(w, "Failed to register device: "+err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, device)
}

func (h *DeviceHandler) Remove(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	deviceID := strings.TrimSpace(mux.Vars(r)["deviceID"])
	if deviceID == "" {
		http.Error(w, "Device ID is required", http.StatusBadRequest)
		return
	}

	if err := h.devices.Disable(r.Context(), userID, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Device not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to disable device")
		http.Error(w, "Failed to remove device", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

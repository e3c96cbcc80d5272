package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/driftline/notify-api/internal/handlers"
	"github.com/driftline/notify-api/internal/realtime"
)

// NewRouter sets up the API routes
func NewRouter(
	auth *handlers.AuthHandler,
	notification *handlers.NotificationHandler,
	device *handlers.DeviceHandler,
	hub *realtime.Hub,
) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Public auth endpoints
	router.HandleFunc("/api/signup", auth.SignUp).Methods(http.MethodPost)
	router.HandleFunc("/api/login", auth.Login).Methods(http.MethodPost)

	// Authenticated endpoints
	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.JWTMiddleware)

	api.HandleFunc("/notifications", notification.Enqueue).Methods(http.MethodPost)
	api.HandleFunc("/notifications", notification.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{notificationID}/read", notification.MarkRead).Methods(http.MethodPost)

	api.HandleFunc("/devices", device.Register).Methods(http.MethodPost)
	api.HandleFunc("/devices/{deviceID}", device.Remove).Methods(http.MethodDelete)

	api.HandleFunc("/ws", hub.HandleConnection).Methods(http.MethodGet)

	return router
}

package routes

import (
	"net/http"

	"github.com/24AWP-FAVICON/alarm-server/internal/authz"
	"github.com/24AWP-FAVICON/alarm-server/internal/handlers"
	"github.com/gorilla/mux"
)

// NewRouter sets up the API routes
func NewRouter(health http.HandlerFunc, auth *handlers.AuthHandler, alarms *handlers.AlarmHandler, internal *handlers.InternalHandler, internalToken string) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", health).Methods(http.MethodGet)

	// Authenticated user endpoints
	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.JWTMiddleware)
	api.HandleFunc("/alarms/subscribe", alarms.Subscribe).Methods(http.MethodGet)
	api.HandleFunc("/alarms/settings", alarms.GetSettings).Methods(http.MethodGet)
	api.HandleFunc("/alarms/settings", alarms.UpdateSettings).Methods(http.MethodPut)
	api.HandleFunc("/alarms", alarms.List).Methods(http.MethodGet)
	api.HandleFunc("/alarms/{alarmID:[0-9]+}", alarms.Delete).Methods(http.MethodDelete)

	// Service-to-service endpoints
	in := router.PathPrefix("/internal").Subrouter()
	in.Use(authz.RequireInternalToken(internalToken))
	in.HandleFunc("/alarms", internal.Trigger).Methods(http.MethodPost)

	return router
}

// Package httpapi serves the snapshot REST API, the realtime upgrade endpoint
// and the operational routes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/auth"
	"github.com/Krx-21/BotCareU-sub001/internal/metrics"
)

// HealthCheck reports one dependency's health
type HealthCheck func(ctx context.Context) error

// RouterDeps everything the router serves
type RouterDeps struct {
	Devices        *DeviceHandler
	Notifications  *NotificationHandler
	Authenticator  auth.Authenticator
	Realtime       http.Handler
	Metrics        *metrics.Metrics
	Checks         map[string]HealthCheck
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter builds the API router
func NewRouter(deps RouterDeps) http.Handler {
	r := mux.NewRouter()
	m := deps.Metrics

	r.Handle("/health", m.WrapHandler("/health", healthHandler(deps.Checks))).Methods(http.MethodGet)
	if deps.Realtime != nil {
		// not wrapped: the upgrade needs the raw ResponseWriter
		r.Handle("/ws", deps.Realtime).Methods(http.MethodGet)
	}
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.NewMiddleware(deps.Authenticator, writeError).RequireAuth)

	if deps.Devices != nil {
		api.Handle("/devices", m.WrapHandler("/api/v1/devices", http.HandlerFunc(deps.Devices.List))).Methods(http.MethodGet)
	}
	if n := deps.Notifications; n != nil {
		api.Handle("/notifications", m.WrapHandler("/api/v1/notifications", http.HandlerFunc(n.List))).Methods(http.MethodGet)
		api.Handle("/notifications/export", m.WrapHandler("/api/v1/notifications/export", http.HandlerFunc(n.Export))).Methods(http.MethodGet)
		api.Handle("/notifications/{id}/read", m.WrapHandler("/api/v1/notifications/{id}/read", http.HandlerFunc(n.MarkRead))).Methods(http.MethodPost)
		api.Handle("/notifications/{id}/archive", m.WrapHandler("/api/v1/notifications/{id}/archive", http.HandlerFunc(n.Archive))).Methods(http.MethodPost)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(r)
}

func healthHandler(checks map[string]HealthCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{}
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}

		if !healthy {
			writeJSON(w, http.StatusServiceUnavailable, Result[map[string]string]{
				Code: ResultError, Type: "error", Message: "unhealthy", Result: status,
			})
			return
		}
		writeJSON(w, http.StatusOK, Ok(status))
	})
}

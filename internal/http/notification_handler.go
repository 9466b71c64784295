package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/auth"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
	"github.com/Krx-21/BotCareU-sub001/internal/repository"
)

// NotificationStore notification reads and user-owned flags
type NotificationStore interface {
	ListByUser(ctx context.Context, userID string, filter repository.ListFilter) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, id string, at time.Time) (*models.Notification, error)
	Archive(ctx context.Context, userID, id string, at time.Time) (*models.Notification, error)
}

// Broadcaster realtime fan-out of flag changes to the user's other sessions
type Broadcaster interface {
	Publish(ev models.Event)
}

// NotificationHandler notification snapshot endpoints
type NotificationHandler struct {
	store       NotificationStore
	broadcaster Broadcaster
	logger      *zap.Logger
	now         func() time.Time
}

// NewNotificationHandler broadcaster may be nil
func NewNotificationHandler(store NotificationStore, broadcaster Broadcaster, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
}

// List GET /api/v1/notifications?include_archived=&limit=
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	q := r.URL.Query()
	filter := repository.ListFilter{
		IncludeArchived: parseBool(q.Get("include_archived"), false),
		Limit:           parseInt(q.Get("limit"), 100),
	}
	list, err := h.store.ListByUser(r.Context(), userID, filter)
	if err != nil {
		h.logger.Error("Failed to list notifications", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, Ok(list))
}

// MarkRead POST /api/v1/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, h.store.MarkRead)
}

// Archive POST /api/v1/notifications/{id}/archive
func (h *NotificationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, h.store.Archive)
}

func (h *NotificationHandler) setFlag(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, userID, id string, at time.Time) (*models.Notification, error)) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	id := mux.Vars(r)["id"]

	n, err := apply(r.Context(), userID, id, h.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		h.logger.Error("Failed to update notification",
			zap.String("user_id", userID),
			zap.String("notification_id", id),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to update notification")
		return
	}

	if h.broadcaster != nil {
		h.broadcaster.Publish(models.NotificationUpdate{Notification: *n})
	}
	writeJSON(w, http.StatusOK, Ok(n))
}

// Export GET /api/v1/notifications/export
func (h *NotificationHandler) Export(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	list, err := h.store.ListByUser(r.Context(), userID, repository.ListFilter{IncludeArchived: true, Limit: 500})
	if err != nil {
		h.logger.Error("Failed to list notifications", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	data, err := GenerateNotificationExport(list)
	if err != nil {
		h.logger.Error("Failed to build export", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build export")
		return
	}

	filename := fmt.Sprintf("notifications_%s.xlsx", h.now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

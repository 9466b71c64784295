package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/auth"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// DeviceLister devices owned by a user
type DeviceLister interface {
	ListByUser(ctx context.Context, userID string) ([]models.Device, error)
}

// DeviceHandler device snapshot endpoint
type DeviceHandler struct {
	devices DeviceLister
	logger  *zap.Logger
}

func NewDeviceHandler(devices DeviceLister, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, logger: logger}
}

// List GET /api/v1/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	devices, err := h.devices.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list devices", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, Ok(devices))
}

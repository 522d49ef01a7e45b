package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/24AWP-FAVICON/alarm-server/internal/alarm"
	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// InternalHandler lets other backend services raise alarms as a side effect
// of their own business actions.
type InternalHandler struct {
	service alarm.Service
	logger  zerolog.Logger
}

func NewInternalHandler(service alarm.Service, logger zerolog.Logger) *InternalHandler {
	return &InternalHandler{
		service: service,
		logger:  logger.With().Str("handler", "internal").Logger(),
	}
}

type triggerRequest struct {
	Type          models.AlarmType `json:"type"`
	FromUserID    string           `json:"fromUserId"`
	TargetID      int64            `json:"targetId"`
	ReceiveUserID string           `json:"receiveUserId"`
}

// Trigger produces one alarm, or a follower fan-out for NEW_POST without a
// receiver.
func (h *InternalHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.FromUserID = strings.TrimSpace(req.FromUserID)
	req.ReceiveUserID = strings.TrimSpace(req.ReceiveUserID)
	if req.FromUserID == "" {
		http.Error(w, "fromUserId is required", http.StatusBadRequest)
		return
	}

	var (
		produced int
		err      error
	)
	switch {
	case req.Type == models.AlarmTypeNewPost && req.ReceiveUserID == "":
		produced, err = h.service.CreateFollowersAlarm(r.Context(), req.TargetID, req.FromUserID)
	case req.ReceiveUserID == "":
		http.Error(w, "receiveUserId is required", http.StatusBadRequest)
		return
	default:
		var ok bool
		ok, err = h.service.CreateAlarm(r.Context(), req.Type, req.FromUserID, req.TargetID, req.ReceiveUserID)
		if ok {
			produced = 1
		}
	}

	if err != nil {
		switch {
		case errors.Is(err, alarm.ErrInvalidAlarmType):
			http.Error(w, "Unknown alarm type", http.StatusBadRequest)
		case errors.Is(err, alarm.ErrNotFound):
			http.Error(w, "User not found", http.StatusNotFound)
		default:
			h.logger.Error().Err(err).Str("alarm_type", string(req.Type)).Msg("failed to produce alarm")
			http.Error(w, "Failed to produce alarm", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"produced": produced,
	})
}

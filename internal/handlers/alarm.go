package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/24AWP-FAVICON/alarm-server/internal/alarm"
	"github.com/24AWP-FAVICON/alarm-server/internal/authz"
	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const lastEventIDHeader = "Last-Event-ID"

type AlarmHandler struct {
	service       alarm.Service
	streamTimeout time.Duration
	writeTimeout  time.Duration
	logger        zerolog.Logger
}

func NewAlarmHandler(service alarm.Service, streamTimeout, writeTimeout time.Duration, logger zerolog.Logger) *AlarmHandler {
	return &AlarmHandler{
		service:       service,
		streamTimeout: streamTimeout,
		writeTimeout:  writeTimeout,
		logger:        logger.With().Str("handler", "alarm").Logger(),
	}
}

// Subscribe opens the caller's alarm stream. The session lives until the
// client goes away, a push fails or the stream timeout elapses.
func (h *AlarmHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	lastSeenKey := strings.TrimSpace(r.Header.Get(lastEventIDHeader))
	if lastSeenKey == "" {
		lastSeenKey = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}

	conn, ok := newSSEConnection(w, h.writeTimeout)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sessionID, err := h.service.Subscribe(r.Context(), userID, lastSeenKey, conn)
	if err != nil {
		conn.Close()
		conn.Wait()
		switch {
		case errors.Is(err, alarm.ErrNotFound):
			http.Error(w, "User not found", http.StatusNotFound)
		case errors.Is(err, alarm.ErrInvalidReplayKey):
			http.Error(w, "Invalid Last-Event-ID", http.StatusBadRequest)
		default:
			h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to open alarm stream")
			http.Error(w, "Failed to open alarm stream", http.StatusInternalServerError)
		}
		return
	}
	// Wait lets a push racing the teardown finish, bounded by the write
	// deadline, before the writer is released.
	defer func() {
		conn.Close()
		h.service.Unsubscribe(userID, sessionID)
		conn.Wait()
	}()

	timer := time.NewTimer(h.streamTimeout)
	defer timer.Stop()

	select {
	case <-r.Context().Done():
	case <-conn.Done():
	case <-timer.C:
		h.logger.Debug().Str("user_id", userID).Str("session_id", sessionID).Msg("alarm stream timed out")
	}
}

func (h *AlarmHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	alarms, err := h.service.ListAlarms(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to list alarms")
		http.Error(w, "Failed to list alarms", http.StatusInternalServerError)
		return
	}

	events := make([]models.AlarmEvent, 0, len(alarms))
	for _, a := range alarms {
		events = append(events, a.Event())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alarms": events,
	})
}

func (h *AlarmHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	alarmID, err := strconv.ParseInt(strings.TrimSpace(mux.Vars(r)["alarmID"]), 10, 64)
	if err != nil || alarmID <= 0 {
		http.Error(w, "Alarm ID is required", http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteAlarm(r.Context(), userID, alarmID); err != nil {
		if errors.Is(err, alarm.ErrNotFound) {
			http.Error(w, "Alarm not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Int64("alarm_id", alarmID).Msg("failed to delete alarm")
		http.Error(w, "Failed to delete alarm", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AlarmHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	settings, err := h.service.GetSettings(r.Context(), userID)
	if err != nil {
		h.writeSettingsError(w, err, userID)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type settingsRequest struct {
	CommentAlarm      *bool `json:"commentAlarm"`
	LikeAlarm         *bool `json:"likeAlarm"`
	PostAlarm         *bool `json:"postAlarm"`
	MessageAlarm      *bool `json:"messageAlarm"`
	InquiryAlarm      *bool `json:"inquiryAlarm"`
	AnnouncementAlarm *bool `json:"announcementAlarm"`
}

// apply overlays the toggles present in the request onto current.
func (req settingsRequest) apply(current models.NotificationSettings) models.NotificationSettings {
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&current.CommentAlarm, req.CommentAlarm)
	set(&current.LikeAlarm, req.LikeAlarm)
	set(&current.PostAlarm, req.PostAlarm)
	set(&current.MessageAlarm, req.MessageAlarm)
	set(&current.InquiryAlarm, req.InquiryAlarm)
	set(&current.AnnouncementAlarm, req.AnnouncementAlarm)
	return current
}

func (h *AlarmHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	current, err := h.service.GetSettings(r.Context(), userID)
	if err != nil {
		h.writeSettingsError(w, err, userID)
		return
	}
	updated, err := h.service.UpdateSettings(r.Context(), userID, req.apply(current))
	if err != nil {
		h.writeSettingsError(w, err, userID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *AlarmHandler) writeSettingsError(w http.ResponseWriter, err error, userID string) {
	if errors.Is(err, alarm.ErrNotFound) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to access notification settings")
	http.Error(w, "Failed to access notification settings", http.StatusInternalServerError)
}

package handlers

import (
	"context"

	"github.com/24AWP-FAVICON/alarm-server/internal/alarm"
	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

// stubService implements alarm.Service with overridable behaviour.
type stubService struct {
	alarm.Service

	createFn    func(t models.AlarmType, actorID string, targetID int64, recipientID string) (bool, error)
	followersFn func(targetID int64, actorID string) (int, error)
	listFn      func(recipientID string) ([]models.Alarm, error)
	deleteFn    func(recipientID string, alarmID int64) error
	subscribeFn func(recipientID, lastSeenKey string, conn alarm.Connection) (string, error)
	settings    map[string]models.NotificationSettings
	settingsErr error

	unsubscribed []string
}

func (s *stubService) CreateAlarm(_ context.Context, t models.AlarmType, actorID string, targetID int64, recipientID string) (bool, error) {
	return s.createFn(t, actorID, targetID, recipientID)
}

func (s *stubService) CreateFollowersAlarm(_ context.Context, targetID int64, actorID string) (int, error) {
	return s.followersFn(targetID, actorID)
}

func (s *stubService) ListAlarms(_ context.Context, recipientID string) ([]models.Alarm, error) {
	return s.listFn(recipientID)
}

func (s *stubService) DeleteAlarm(_ context.Context, recipientID string, alarmID int64) error {
	return s.deleteFn(recipientID, alarmID)
}

func (s *stubService) Subscribe(_ context.Context, recipientID, lastSeenKey string, conn alarm.Connection) (string, error) {
	return s.subscribeFn(recipientID, lastSeenKey, conn)
}

func (s *stubService) Unsubscribe(_, sessionID string) {
	s.unsubscribed = append(s.unsubscribed, sessionID)
}

func (s *stubService) GetSettings(_ context.Context, userID string) (models.NotificationSettings, error) {
	if s.settingsErr != nil {
		return models.NotificationSettings{}, s.settingsErr
	}
	if current, ok := s.settings[userID]; ok {
		return current, nil
	}
	return models.DefaultNotificationSettings(userID), nil
}

func (s *stubService) UpdateSettings(_ context.Context, userID string, settings models.NotificationSettings) (models.NotificationSettings, error) {
	if s.settingsErr != nil {
		return models.NotificationSettings{}, s.settingsErr
	}
	if s.settings == nil {
		s.settings = make(map[string]models.NotificationSettings)
	}
	settings.UserID = userID
	s.settings[userID] = settings
	return settings, nil
}

package alarm

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/24AWP-FAVICON/alarm-server/internal/repository"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const handshakeEvent = "connect"

type Service interface {
	CreateAlarm(ctx context.Context, t models.AlarmType, actorID string, targetID int64, recipientID string) (bool, error)
	CreateCommentAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error
	CreateLikeAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error
	CreatePostAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error
	CreateMessageAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error
	CreateInquiryAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error
	CreateAnnouncementAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error
	CreateFollowersAlarm(ctx context.Context, targetID int64, actorID string) (int, error)

	Deliver(ctx context.Context, event models.AlarmEvent) (models.Alarm, error)
	ListAlarms(ctx context.Context, recipientID string) ([]models.Alarm, error)
	DeleteAlarm(ctx context.Context, recipientID string, alarmID int64) error

	Subscribe(ctx context.Context, recipientID, lastSeenKey string, conn Connection) (string, error)
	Unsubscribe(recipientID, sessionID string)

	GetSettings(ctx context.Context, userID string) (models.NotificationSettings, error)
	UpdateSettings(ctx context.Context, userID string, settings models.NotificationSettings) (models.NotificationSettings, error)
}

type service struct {
	alarms   repository.AlarmRepository
	settings repository.SettingsRepository
	users    repository.UserRepository
	sender   EventSender
	registry *Registry
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(
	alarms repository.AlarmRepository,
	settings repository.SettingsRepository,
	users repository.UserRepository,
	sender EventSender,
	registry *Registry,
	logger zerolog.Logger,
) Service {
	return &service{
		alarms:   alarms,
		settings: settings,
		users:    users,
		sender:   sender,
		registry: registry,
		logger:   logger.With().Str("component", "alarm_service").Logger(),
		now:      time.Now,
	}
}

// CreateAlarm runs the recipient's policy check and hands an enabled event to
// the producer. It reports whether an event was produced; a disabled
// category is not an error.
func (s *service) CreateAlarm(ctx context.Context, t models.AlarmType, actorID string, targetID int64, recipientID string) (bool, error) {
	if !t.IsValid() {
		return false, errors.Wrapf(ErrInvalidAlarmType, "%q", t)
	}
	recipientID = strings.TrimSpace(recipientID)
	if err := s.requireUser(ctx, recipientID); err != nil {
		return false, err
	}

	settings, err := s.settings.GetOrCreate(ctx, recipientID)
	if err != nil {
		return false, errors.Wrapf(err, "load notification settings of %s", recipientID)
	}
	if !settings.Enabled(t) {
		s.logger.Debug().
			Str("recipient_id", recipientID).
			Str("alarm_type", string(t)).
			Msg("alarm category disabled, skipping")
		return false, nil
	}

	event := models.AlarmEvent{
		ReceiveUserID: recipientID,
		AlarmType:     t,
		AlarmArgs: models.AlarmArgs{
			FromUserID: actorID,
			TargetID:   targetID,
		},
		CreatedAt: s.now().UTC(),
		Text:      alarmText(t, s.displayName(ctx, actorID)),
		EventKey:  uuid.NewString(),
	}
	if err := s.sender.Send(ctx, event); err != nil {
		return false, err
	}
	return true, nil
}

func (s *service) CreateCommentAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error {
	_, err := s.CreateAlarm(ctx, models.AlarmTypeNewComment, actorID, targetID, recipientID)
	return err
}

func (s *service) CreateLikeAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error {
	_, err := s.CreateAlarm(ctx, models.AlarmTypeNewLike, actorID, targetID, recipientID)
	return err
}

func (s *service) CreatePostAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error {
	_, err := s.CreateAlarm(ctx, models.AlarmTypeNewPost, actorID, targetID, recipientID)
	return err
}

func (s *service) CreateMessageAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error {
	_, err := s.CreateAlarm(ctx, models.AlarmTypeNewMessage, actorID, targetID, recipientID)
	return err
}

func (s *service) CreateInquiryAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error {
	_, err := s.CreateAlarm(ctx, models.AlarmTypeNewInquiry, actorID, targetID, recipientID)
	return err
}

func (s *service) CreateAnnouncementAlarm(ctx context.Context, actorID string, targetID int64, recipientID string) error {
	_, err := s.CreateAlarm(ctx, models.AlarmTypeNewAnnouncement, actorID, targetID, recipientID)
	return err
}

// CreateFollowersAlarm produces a NEW_POST event for every follower of the
// actor whose setting allows it. Every follower is attempted; the first
// error is returned alongside the number of events produced.
func (s *service) CreateFollowersAlarm(ctx context.Context, targetID int64, actorID string) (int, error) {
	followers, err := s.users.ListFollowerIDs(ctx, actorID)
	if err != nil {
		return 0, errors.Wrapf(err, "list followers of %s", actorID)
	}

	produced := 0
	var firstErr error
	for _, followerID := range followers {
		ok, err := s.CreateAlarm(ctx, models.AlarmTypeNewPost, actorID, targetID, followerID)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("actor_id", actorID).
				Str("follower_id", followerID).
				Msg("failed to produce follower alarm")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			produced++
		}
	}
	return produced, firstErr
}

// Deliver persists the event and pushes it to every live session of the
// recipient. A redelivered event whose row was already pushed is not pushed
// again. The result only reflects persistence.
func (s *service) Deliver(ctx context.Context, event models.AlarmEvent) (models.Alarm, error) {
	return s.deliver(ctx, event, func(frame Frame, alreadyPushed bool) bool {
		if alreadyPushed {
			return false
		}
		return s.registry.Push(event.ReceiveUserID, frame) > 0
	})
}

// deliver persists the event and hands its frame to push. alreadyPushed is
// set when the row existed and has been pushed before.
func (s *service) deliver(ctx context.Context, event models.AlarmEvent, push func(frame Frame, alreadyPushed bool) bool) (models.Alarm, error) {
	if err := s.requireUser(ctx, event.ReceiveUserID); err != nil {
		return models.Alarm{}, err
	}
	if event.EventKey == "" {
		event.EventKey = uuid.NewString()
	}

	alarm, created, err := s.alarms.Create(ctx, repository.CreateAlarmParams{
		EventKey:      event.EventKey,
		ReceiveUserID: event.ReceiveUserID,
		AlarmType:     event.AlarmType,
		FromUserID:    event.AlarmArgs.FromUserID,
		TargetID:      event.AlarmArgs.TargetID,
		Text:          event.Text,
		CreatedAt:     sql.NullTime{Time: event.CreatedAt, Valid: !event.CreatedAt.IsZero()},
	})
	if err != nil {
		return models.Alarm{}, errors.Wrap(err, "persist alarm")
	}
	if !created {
		s.logger.Debug().
			Int64("alarm_id", alarm.ID).
			Str("event_key", event.EventKey).
			Msg("alarm already persisted")
	}

	persisted := event.WithID(alarm.ID)
	alreadyPushed := !created && alarm.PushedAt != nil
	if !push(alarmFrame(persisted), alreadyPushed) {
		return alarm, nil
	}
	if alarm.PushedAt == nil {
		if err := s.alarms.MarkPushed(ctx, alarm.ID); err != nil {
			s.logger.Warn().Err(err).Int64("alarm_id", alarm.ID).Msg("failed to record push")
		}
	}
	return alarm, nil
}

func alarmFrame(event models.AlarmEvent) Frame {
	frame := Frame{
		Event: string(event.AlarmType),
		Data:  event,
	}
	if event.ID != nil {
		frame.ID = strconv.FormatInt(*event.ID, 10)
	}
	return frame
}

func (s *service) ListAlarms(ctx context.Context, recipientID string) ([]models.Alarm, error) {
	return s.alarms.ListByUser(ctx, recipientID)
}

// DeleteAlarm removes the permanent row only; a cached copy stays replayable.
func (s *service) DeleteAlarm(ctx context.Context, recipientID string, alarmID int64) error {
	if err := s.alarms.Delete(ctx, recipientID, alarmID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errors.Wrapf(ErrNotFound, "alarm %d", alarmID)
		}
		return err
	}
	return nil
}

// Subscribe registers conn as a new session of the recipient, sends the
// handshake ahead of any live push and replays every cached event after lastSeenKey to this session
// only. Replay failures are logged; the session stays open.
func (s *service) Subscribe(ctx context.Context, recipientID, lastSeenKey string, conn Connection) (string, error) {
	if err := s.requireUser(ctx, recipientID); err != nil {
		return "", err
	}
	lastSeenKey = strings.TrimSpace(lastSeenKey)
	if lastSeenKey != "" {
		if _, err := replaySeqFor(recipientID, lastSeenKey); err != nil {
			return "", err
		}
	}

	sessionID, err := s.registry.Open(recipientID, conn, Frame{Event: handshakeEvent, Data: handshakeText(recipientID)})
	if err != nil {
		return "", errors.Wrapf(err, "handshake with %s", recipientID)
	}

	s.logger.Info().
		Str("recipient_id", recipientID).
		Str("session_id", sessionID).
		Str("last_seen_key", lastSeenKey).
		Msg("alarm stream subscribed")

	if lastSeenKey == "" {
		return sessionID, nil
	}
	events, err := s.registry.EventsSince(ctx, recipientID, lastSeenKey)
	if err != nil {
		s.logger.Error().Err(err).Str("recipient_id", recipientID).Msg("failed to read replay cache")
		return sessionID, nil
	}
	for _, event := range events {
		sessionAlive := true
		_, err := s.deliver(ctx, event, func(frame Frame, _ bool) bool {
			if err := s.registry.PushTo(recipientID, sessionID, frame); err != nil {
				sessionAlive = false
				return false
			}
			return true
		})
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("recipient_id", recipientID).
				Str("replay_key", event.ReplayKey).
				Msg("failed to replay alarm")
		}
		if !sessionAlive {
			break
		}
	}
	return sessionID, nil
}

func (s *service) Unsubscribe(recipientID, sessionID string) {
	if s.registry.Deregister(recipientID, sessionID) {
		s.logger.Info().
			Str("recipient_id", recipientID).
			Str("session_id", sessionID).
			Msg("alarm stream closed")
	}
}

func (s *service) GetSettings(ctx context.Context, userID string) (models.NotificationSettings, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return models.NotificationSettings{}, err
	}
	return s.settings.GetOrCreate(ctx, userID)
}

func (s *service) UpdateSettings(ctx context.Context, userID string, settings models.NotificationSettings) (models.NotificationSettings, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return models.NotificationSettings{}, err
	}
	settings.UserID = userID
	return s.settings.Upsert(ctx, settings)
}

func (s *service) requireUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.Wrap(ErrNotFound, "user id is empty")
	}
	exists, err := s.users.Exists(ctx, userID)
	if err != nil {
		return errors.Wrapf(err, "look up user %s", userID)
	}
	if !exists {
		return errors.Wrapf(ErrNotFound, "user %s", userID)
	}
	return nil
}

// displayName falls back to the raw id when the actor cannot be resolved.
func (s *service) displayName(ctx context.Context, actorID string) string {
	user, err := s.users.GetUserByID(ctx, actorID)
	if err != nil || strings.TrimSpace(user.Nickname) == "" {
		return actorID
	}
	return user.Nickname
}

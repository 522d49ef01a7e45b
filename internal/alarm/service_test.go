package alarm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceHarness struct {
	alarms    *fakeAlarmRepository
	settings  *fakeSettingsRepository
	users     *fakeUserRepository
	publisher *fakePublisher
	registry  *Registry
	svc       Service
}

func newServiceHarness(userIDs ...string) *serviceHarness {
	h := &serviceHarness{
		alarms:    newFakeAlarmRepository(),
		settings:  newFakeSettingsRepository(),
		users:     newFakeUserRepository(userIDs...),
		publisher: &fakePublisher{},
		registry:  NewRegistry(NewMemoryReplayCache(100, time.Hour), 0, testLogger),
	}
	producer := NewProducer(h.registry, h.publisher, testLogger)
	h.svc = NewService(h.alarms, h.settings, h.users, producer, h.registry, testLogger)
	return h
}

// drain feeds every published record to Deliver, the way the consumer does.
func (h *serviceHarness) drain(t *testing.T) []models.AlarmEvent {
	t.Helper()
	h.publisher.mu.Lock()
	records := h.publisher.records
	h.publisher.records = nil
	h.publisher.mu.Unlock()

	var events []models.AlarmEvent
	for _, rec := range records {
		var event models.AlarmEvent
		require.NoError(t, json.Unmarshal(rec.body, &event))
		_, err := h.svc.Deliver(context.Background(), event)
		require.NoError(t, err)
		events = append(events, event)
	}
	return events
}

func alarmFrames(frames []Frame) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Event != handshakeEvent {
			out = append(out, f)
		}
	}
	return out
}

func TestCreateAlarmRespectsDisabledCategory(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u2")
	disabled := models.DefaultNotificationSettings("u2")
	disabled.CommentAlarm = false
	_, err := h.settings.Upsert(ctx, disabled)
	require.NoError(t, err)

	produced, err := h.svc.CreateAlarm(ctx, models.AlarmTypeNewComment, "u1", 10, "u2")
	require.NoError(t, err)
	assert.False(t, produced)
	assert.Equal(t, 0, h.publisher.count())

	h.drain(t)
	assert.Equal(t, 0, h.alarms.count("u2"))

	events, err := h.registry.EventsSince(ctx, "u2", FormatReplayKey("u2", 0))
	require.NoError(t, err)
	assert.Empty(t, events)

	produced, err = h.svc.CreateAlarm(ctx, models.AlarmTypeNewLike, "u1", 10, "u2")
	require.NoError(t, err)
	assert.True(t, produced)
}

func TestCreateAlarmUnknownRecipient(t *testing.T) {
	h := newServiceHarness("u1")
	_, err := h.svc.CreateAlarm(context.Background(), models.AlarmTypeNewLike, "u1", 1, "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 0, h.publisher.count())
}

func TestCreateAlarmRejectsUnknownType(t *testing.T) {
	h := newServiceHarness("u1")
	_, err := h.svc.CreateAlarm(context.Background(), models.AlarmType("NEW_FRIEND"), "u1", 1, "u1")
	assert.True(t, errors.Is(err, ErrInvalidAlarmType))
}

func TestCreateAlarmBuildsText(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u2")

	require.NoError(t, h.svc.CreateCommentAlarm(ctx, "u1", 5, "u2"))
	require.NoError(t, h.svc.CreateAnnouncementAlarm(ctx, "ghost-admin", 6, "u2"))
	events := h.drain(t)

	require.Len(t, events, 2)
	assert.Equal(t, "nick-u1 commented on your post.", events[0].Text)
	assert.Equal(t, models.AlarmArgs{FromUserID: "u1", TargetID: 5}, events[0].AlarmArgs)
	assert.NotEmpty(t, events[0].EventKey)
	assert.Equal(t, "A new announcement has been posted.", events[1].Text)
}

func TestCreatePostAlarmForSingleRecipient(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("author", "f1", "f2")
	muted := models.DefaultNotificationSettings("f2")
	muted.PostAlarm = false
	_, err := h.settings.Upsert(ctx, muted)
	require.NoError(t, err)

	require.NoError(t, h.svc.CreatePostAlarm(ctx, "author", 42, "f1"))
	require.NoError(t, h.svc.CreatePostAlarm(ctx, "author", 42, "f2"))
	events := h.drain(t)

	require.Len(t, events, 1)
	assert.Equal(t, models.AlarmTypeNewPost, events[0].AlarmType)
	assert.Equal(t, "f1", events[0].ReceiveUserID)
	assert.Equal(t, models.AlarmArgs{FromUserID: "author", TargetID: 42}, events[0].AlarmArgs)

	err = h.svc.CreatePostAlarm(ctx, "author", 42, "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateFollowersAlarmFanOut(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("author", "f1", "f2", "f3")
	h.users.followers["author"] = []string{"f1", "f2", "f3"}
	muted := models.DefaultNotificationSettings("f2")
	muted.PostAlarm = false
	_, err := h.settings.Upsert(ctx, muted)
	require.NoError(t, err)

	produced, err := h.svc.CreateFollowersAlarm(ctx, 42, "author")
	require.NoError(t, err)
	assert.Equal(t, 2, produced)

	h.drain(t)
	assert.Equal(t, 1, h.alarms.count("f1"))
	assert.Equal(t, 0, h.alarms.count("f2"))
	assert.Equal(t, 1, h.alarms.count("f3"))
}

func TestCreateFollowersAlarmContinuesPastFailure(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("author", "f1", "f3")
	h.users.followers["author"] = []string{"f1", "deleted", "f3"}

	produced, err := h.svc.CreateFollowersAlarm(ctx, 42, "author")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 2, produced)

	h.drain(t)
	assert.Equal(t, 1, h.alarms.count("f1"))
	assert.Equal(t, 1, h.alarms.count("f3"))
}

func TestDeliverIsIdempotentPerEventKey(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u2")
	conn := &fakeConnection{}
	h.registry.Register("u2", conn)

	require.NoError(t, h.svc.CreateLikeAlarm(ctx, "u1", 3, "u2"))
	h.publisher.mu.Lock()
	record := h.publisher.records[0]
	h.publisher.mu.Unlock()
	var event models.AlarmEvent
	require.NoError(t, json.Unmarshal(record.body, &event))

	first, err := h.svc.Deliver(ctx, event)
	require.NoError(t, err)
	second, err := h.svc.Deliver(ctx, event)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.alarms.count("u2"))
	assert.Equal(t, 1, h.alarms.pushed[first.ID])

	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "1", frames[0].ID)
	assert.Equal(t, "NEW_LIKE", frames[0].Event)
	data, ok := frames[0].Data.(models.AlarmEvent)
	require.True(t, ok)
	require.NotNil(t, data.ID)
	assert.Equal(t, first.ID, *data.ID)
	assert.Equal(t, event.ReplayKey, data.ReplayKey)
}

func TestDeliverRedeliveryPushesUnpushedRow(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u2")

	require.NoError(t, h.svc.CreateLikeAlarm(ctx, "u1", 3, "u2"))
	h.publisher.mu.Lock()
	record := h.publisher.records[0]
	h.publisher.mu.Unlock()
	var event models.AlarmEvent
	require.NoError(t, json.Unmarshal(record.body, &event))

	first, err := h.svc.Deliver(ctx, event)
	require.NoError(t, err)
	assert.Empty(t, h.alarms.pushed)

	conn := &fakeConnection{}
	h.registry.Register("u2", conn)
	_, err = h.svc.Deliver(ctx, event)
	require.NoError(t, err)
	_, err = h.svc.Deliver(ctx, event)
	require.NoError(t, err)

	assert.Len(t, conn.Frames(), 1)
	assert.Equal(t, 1, h.alarms.pushed[first.ID])
}

func TestDeliverWithoutSessionsStillPersists(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u2")

	require.NoError(t, h.svc.CreateMessageAlarm(ctx, "u1", 9, "u2"))
	h.drain(t)

	alarms, err := h.svc.ListAlarms(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Nil(t, alarms[0].PushedAt)
	assert.Empty(t, h.alarms.pushed)
}

func TestDeliverFansOutToEverySession(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u2")
	laptop, phone := &fakeConnection{}, &fakeConnection{}
	_, err := h.svc.Subscribe(ctx, "u2", "", laptop)
	require.NoError(t, err)
	_, err = h.svc.Subscribe(ctx, "u2", "", phone)
	require.NoError(t, err)

	require.NoError(t, h.svc.CreateInquiryAlarm(ctx, "u1", 1, "u2"))
	h.drain(t)

	assert.Len(t, alarmFrames(laptop.Frames()), 1)
	assert.Len(t, alarmFrames(phone.Frames()), 1)
}

func TestDeliverPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1")
	h.alarms.failErr = errors.New("connection refused")

	_, err := h.svc.Deliver(ctx, testEvent("u1", "x"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestDeliverUnknownRecipient(t *testing.T) {
	h := newServiceHarness()
	_, err := h.svc.Deliver(context.Background(), testEvent("ghost", "x"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSubscribeSendsHandshake(t *testing.T) {
	h := newServiceHarness("u1")
	conn := &fakeConnection{}

	sessionID, err := h.svc.Subscribe(context.Background(), "u1", "", conn)
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)

	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "connect", frames[0].Event)
	assert.Equal(t, "EventStream Created. [userId=u1]", frames[0].Data)
	assert.Contains(t, h.registry.Sessions("u1"), sessionID)

	h.svc.Unsubscribe("u1", sessionID)
	assert.Empty(t, h.registry.Sessions("u1"))
}

func TestSubscribeHandshakeFailure(t *testing.T) {
	h := newServiceHarness("u1")
	conn := &fakeConnection{sendErr: errors.New("reset by peer")}

	_, err := h.svc.Subscribe(context.Background(), "u1", "", conn)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Empty(t, h.registry.Sessions("u1"))
}

func TestSubscribeUnknownUser(t *testing.T) {
	h := newServiceHarness()
	_, err := h.svc.Subscribe(context.Background(), "ghost", "", &fakeConnection{})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, h.registry.Sessions("ghost"))
}

func TestSubscribeRejectsMalformedKey(t *testing.T) {
	h := newServiceHarness("u1")
	conn := &fakeConnection{}

	_, err := h.svc.Subscribe(context.Background(), "u1", "not-a-key", conn)
	assert.True(t, errors.Is(err, ErrInvalidReplayKey))

	_, err = h.svc.Subscribe(context.Background(), "u1", FormatReplayKey("u2", 1), conn)
	assert.True(t, errors.Is(err, ErrInvalidReplayKey))

	assert.Empty(t, conn.Frames())
	assert.Empty(t, h.registry.Sessions("u1"))
}

func TestSubscribeReplaysAfterLastSeenKey(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u2")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.svc.CreateCommentAlarm(ctx, "u1", int64(i), "u2"))
	}
	events := h.drain(t)
	require.Len(t, events, 3)

	conn := &fakeConnection{}
	_, err := h.svc.Subscribe(ctx, "u2", events[0].ReplayKey, conn)
	require.NoError(t, err)

	frames := conn.Frames()
	require.Len(t, frames, 3)
	assert.Equal(t, "connect", frames[0].Event)
	for i, frame := range frames[1:] {
		data := frame.Data.(models.AlarmEvent)
		assert.Equal(t, events[i+1].ReplayKey, data.ReplayKey)
		require.NotNil(t, data.ID)
	}
	assert.Equal(t, 3, h.alarms.count("u2"))
}

func TestSubscribeReplayPersistsUnconsumedEvents(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u3")

	anchor, err := h.registry.CacheEvent(ctx, testEvent("u3", "anchor"))
	require.NoError(t, err)
	require.NoError(t, h.svc.CreateLikeAlarm(ctx, "u1", 8, "u3"))
	assert.Equal(t, 0, h.alarms.count("u3"))

	conn := &fakeConnection{}
	_, err = h.svc.Subscribe(ctx, "u3", anchor.ReplayKey, conn)
	require.NoError(t, err)

	frames := conn.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "connect", frames[0].Event)
	assert.Equal(t, "NEW_LIKE", frames[1].Event)
	assert.Equal(t, 1, h.alarms.count("u3"))

	h.drain(t)
	assert.Equal(t, 1, h.alarms.count("u3"))
	assert.Len(t, conn.Frames(), 2)
}

func TestSubscribeReplayOnlyToNewSession(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u2")
	existing := &fakeConnection{}
	_, err := h.svc.Subscribe(ctx, "u2", "", existing)
	require.NoError(t, err)

	anchor, err := h.registry.CacheEvent(ctx, testEvent("u2", "anchor"))
	require.NoError(t, err)
	_, err = h.registry.CacheEvent(ctx, testEvent("u2", "missed"))
	require.NoError(t, err)

	fresh := &fakeConnection{}
	_, err = h.svc.Subscribe(ctx, "u2", anchor.ReplayKey, fresh)
	require.NoError(t, err)

	assert.Len(t, alarmFrames(fresh.Frames()), 1)
	assert.Empty(t, alarmFrames(existing.Frames()))
}

func TestDeleteAlarmLeavesReplayCache(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u2")

	require.NoError(t, h.svc.CreateLikeAlarm(ctx, "u1", 1, "u2"))
	events := h.drain(t)
	alarms, err := h.svc.ListAlarms(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, alarms, 1)

	require.NoError(t, h.svc.DeleteAlarm(ctx, "u2", alarms[0].ID))
	assert.Equal(t, 0, h.alarms.count("u2"))

	cached, err := h.registry.EventsSince(ctx, "u2", FormatReplayKey("u2", 0))
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, events[0].ReplayKey, cached[0].ReplayKey)

	err = h.svc.DeleteAlarm(ctx, "u2", alarms[0].ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteAlarmOfAnotherUser(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u2")
	require.NoError(t, h.svc.CreateLikeAlarm(ctx, "u1", 1, "u2"))
	h.drain(t)
	alarms, err := h.svc.ListAlarms(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, alarms, 1)

	err = h.svc.DeleteAlarm(ctx, "u1", alarms[0].ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 1, h.alarms.count("u2"))
}

func TestSettingsDefaultsAndUpdate(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1")

	settings, err := h.svc.GetSettings(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultNotificationSettings("u1"), settings)

	settings.MessageAlarm = false
	updated, err := h.svc.UpdateSettings(ctx, "u1", settings)
	require.NoError(t, err)
	assert.False(t, updated.MessageAlarm)
	assert.Equal(t, "u1", updated.UserID)

	_, err = h.svc.GetSettings(ctx, "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLiveSubscriberReceivesExactlyOneFrame(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness("u1", "u3")
	conn := &fakeConnection{}
	_, err := h.svc.Subscribe(ctx, "u3", "", conn)
	require.NoError(t, err)

	require.NoError(t, h.svc.CreateLikeAlarm(ctx, "u1", 4, "u3"))
	h.drain(t)

	frames := conn.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "connect", frames[0].Event)
	assert.Equal(t, "NEW_LIKE", frames[1].Event)
	assert.Equal(t, "nick-u1 liked your post.", frames[1].Data.(models.AlarmEvent).Text)

	alarms, err := h.svc.ListAlarms(ctx, "u3")
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.NotNil(t, alarms[0].PushedAt)
}

package alarm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/24AWP-FAVICON/alarm-server/internal/repository"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

type fakeAlarmRepository struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]models.Alarm
	byKey   map[string]int64
	pushed  map[int64]int
	failErr error
}

func newFakeAlarmRepository() *fakeAlarmRepository {
	return &fakeAlarmRepository{
		rows:   make(map[int64]models.Alarm),
		byKey:  make(map[string]int64),
		pushed: make(map[int64]int),
	}
}

func (r *fakeAlarmRepository) Create(_ context.Context, params repository.CreateAlarmParams) (models.Alarm, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return models.Alarm{}, false, r.failErr
	}
	if id, ok := r.byKey[params.EventKey]; ok {
		return r.rows[id], false, nil
	}
	r.nextID++
	createdAt := time.Now()
	if params.CreatedAt.Valid {
		createdAt = params.CreatedAt.Time
	}
	alarm := models.Alarm{
		ID:            r.nextID,
		EventKey:      params.EventKey,
		ReceiveUserID: params.ReceiveUserID,
		AlarmType:     params.AlarmType,
		FromUserID:    params.FromUserID,
		TargetID:      params.TargetID,
		Text:          params.Text,
		CreatedAt:     createdAt,
	}
	r.rows[alarm.ID] = alarm
	r.byKey[params.EventKey] = alarm.ID
	return alarm, true, nil
}

func (r *fakeAlarmRepository) ListByUser(_ context.Context, userID string) ([]models.Alarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var alarms []models.Alarm
	for _, a := range r.rows {
		if a.ReceiveUserID == userID {
			alarms = append(alarms, a)
		}
	}
	sort.Slice(alarms, func(i, j int) bool { return alarms[i].ID > alarms[j].ID })
	return alarms, nil
}

func (r *fakeAlarmRepository) Delete(_ context.Context, userID string, alarmID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[alarmID]
	if !ok || a.ReceiveUserID != userID {
		return repository.ErrNotFound
	}
	delete(r.rows, alarmID)
	delete(r.byKey, a.EventKey)
	return nil
}

func (r *fakeAlarmRepository) MarkPushed(_ context.Context, alarmID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed[alarmID]++
	a := r.rows[alarmID]
	now := time.Now()
	a.PushedAt = &now
	r.rows[alarmID] = a
	return nil
}

func (r *fakeAlarmRepository) count(userID string) int {
	alarms, _ := r.ListByUser(context.Background(), userID)
	return len(alarms)
}

type fakeSettingsRepository struct {
	mu       sync.Mutex
	settings map[string]models.NotificationSettings
}

func newFakeSettingsRepository() *fakeSettingsRepository {
	return &fakeSettingsRepository{settings: make(map[string]models.NotificationSettings)}
}

func (r *fakeSettingsRepository) Get(_ context.Context, userID string) (models.NotificationSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[userID]
	if !ok {
		return models.NotificationSettings{}, repository.ErrNotFound
	}
	return s, nil
}

func (r *fakeSettingsRepository) GetOrCreate(_ context.Context, userID string) (models.NotificationSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[userID]
	if !ok {
		s = models.DefaultNotificationSettings(userID)
		r.settings[userID] = s
	}
	return s, nil
}

func (r *fakeSettingsRepository) Upsert(_ context.Context, s models.NotificationSettings) (models.NotificationSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[s.UserID] = s
	return s, nil
}

type fakeUserRepository struct {
	users     map[string]models.User
	followers map[string][]string
	existsErr error
}

func newFakeUserRepository(ids ...string) *fakeUserRepository {
	r := &fakeUserRepository{
		users:     make(map[string]models.User),
		followers: make(map[string][]string),
	}
	for _, id := range ids {
		r.users[id] = models.User{ID: id, Nickname: "nick-" + id, IsActive: true}
	}
	return r
}

func (r *fakeUserRepository) GetUserByID(_ context.Context, userID string) (models.User, error) {
	u, ok := r.users[userID]
	if !ok {
		return models.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (r *fakeUserRepository) Exists(_ context.Context, userID string) (bool, error) {
	if r.existsErr != nil {
		return false, r.existsErr
	}
	_, ok := r.users[userID]
	return ok, nil
}

func (r *fakeUserRepository) ListFollowerIDs(_ context.Context, userID string) ([]string, error) {
	return r.followers[userID], nil
}

type publishedRecord struct {
	key  string
	body []byte
}

type fakePublisher struct {
	mu      sync.Mutex
	records []publishedRecord
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, publishedRecord{key: routingKey, body: body})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

type fakeConnection struct {
	mu      sync.Mutex
	frames  []Frame
	sendErr error
	closed  bool
}

func (c *fakeConnection) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return errors.New("closed")
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConnection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConnection) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

func (c *fakeConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

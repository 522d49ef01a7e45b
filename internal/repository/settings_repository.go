package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/pkg/errors"
)

type SettingsRepository interface {
	Get(ctx context.Context, userID string) (models.NotificationSettings, error)
	// GetOrCreate returns the stored settings, inserting the all-enabled
	// defaults first when the user has none yet.
	GetOrCreate(ctx context.Context, userID string) (models.NotificationSettings, error)
	Upsert(ctx context.Context, settings models.NotificationSettings) (models.NotificationSettings, error)
}

type settingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) SettingsRepository {
	return &settingsRepository{db: db}
}

const settingsColumns = `user_id, comment_alarm, like_alarm, post_alarm, message_alarm, inquiry_alarm, announcement_alarm`

func (r *settingsRepository) Get(ctx context.Context, userID string) (models.NotificationSettings, error) {
	const query = `SELECT ` + settingsColumns + ` FROM alarm.notification_settings WHERE user_id = $1`
	settings, err := scanSettings(r.db.QueryRowContext(ctx, query, strings.TrimSpace(userID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.NotificationSettings{}, ErrNotFound
		}
		return models.NotificationSettings{}, errors.Wrap(err, "select notification settings")
	}
	return settings, nil
}

func (r *settingsRepository) GetOrCreate(ctx context.Context, userID string) (models.NotificationSettings, error) {
	const insert = `
		INSERT INTO alarm.notification_settings (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, insert, strings.TrimSpace(userID)); err != nil {
		return models.NotificationSettings{}, errors.Wrap(err, "insert default notification settings")
	}
	return r.Get(ctx, userID)
}

func (r *settingsRepository) Upsert(ctx context.Context, settings models.NotificationSettings) (models.NotificationSettings, error) {
	const query = `
		INSERT INTO alarm.notification_settings (` + settingsColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			comment_alarm = EXCLUDED.comment_alarm,
			like_alarm = EXCLUDED.like_alarm,
			post_alarm = EXCLUDED.post_alarm,
			message_alarm = EXCLUDED.message_alarm,
			inquiry_alarm = EXCLUDED.inquiry_alarm,
			announcement_alarm = EXCLUDED.announcement_alarm,
			updated_at = NOW()
		RETURNING ` + settingsColumns

	row := r.db.QueryRowContext(ctx, query,
		strings.TrimSpace(settings.UserID),
		settings.CommentAlarm,
		settings.LikeAlarm,
		settings.PostAlarm,
		settings.MessageAlarm,
		settings.InquiryAlarm,
		settings.AnnouncementAlarm,
	)
	updated, err := scanSettings(row)
	if err != nil {
		return models.NotificationSettings{}, errors.Wrap(err, "upsert notification settings")
	}
	return updated, nil
}

func scanSettings(scanner interface {
	Scan(dest ...interface{}) error
}) (models.NotificationSettings, error) {
	var s models.NotificationSettings
	err := scanner.Scan(
		&s.UserID,
		&s.CommentAlarm,
		&s.LikeAlarm,
		&s.PostAlarm,
		&s.MessageAlarm,
		&s.InquiryAlarm,
		&s.AnnouncementAlarm,
	)
	return s, err
}
